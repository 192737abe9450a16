package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"audio2mp4/internal/httpkit"
	"audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
)

func bufferLogger(level string) (*logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: level, Format: "json", Output: &buf}), &buf
}

func TestRequestID(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logger.RequestIDFromContext(r.Context()) == "" {
			t.Error("expected request ID in context")
		}
	}))

	t.Run("generates new request ID", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/ping", nil))

		if got := rec.Header().Get(RequestIDHeader); len(got) != 32 {
			t.Errorf("expected 32-char hex request ID, got %q", got)
		}
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/ping", nil)
		req.Header.Set(RequestIDHeader, "existing-id-123")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get(RequestIDHeader); got != "existing-id-123" {
			t.Errorf("expected preserved request ID, got %s", got)
		}
	})
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "INFO"},
		{302, "INFO"},
		{429, "WARN"},
		{500, "ERROR"},
	}

	for _, tt := range tests {
		log, buf := bufferLogger("debug")
		handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/render", nil))

		out := buf.String()
		if !strings.Contains(out, `"level":"`+tt.level+`"`) || !strings.Contains(out, "request completed") {
			t.Errorf("status %d: expected %s completion log, got %s", tt.status, tt.level, out)
		}
	}
}

func TestLoggingKeepsFlusher(t *testing.T) {
	log, _ := bufferLogger("info")
	handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := w.(http.Flusher); !ok {
			t.Error("wrapped writer must implement http.Flusher for event streams")
		}
		w.(http.Flusher).Flush()
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/render/x/log", nil))
	if !rec.Flushed {
		t.Error("expected flush to reach the recorder")
	}
}

func TestRecovery(t *testing.T) {
	log, buf := bufferLogger("info")
	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("expected INTERNAL_ERROR in body, got: %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "test panic") {
		t.Errorf("expected panic message in log, got: %s", buf.String())
	}
}

func TestLoggingRecordsImplicitStatusAndSize(t *testing.T) {
	log, buf := bufferLogger("info")
	handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello world"))
		w.WriteHeader(http.StatusCreated)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/render/x", nil))

	out := buf.String()
	if !strings.Contains(out, `"status":200`) || !strings.Contains(out, `"size":11`) {
		t.Errorf("expected implicit 200 and size 11, got %s", out)
	}
}

func TestWrapHandler(t *testing.T) {
	log, _ := bufferLogger("info")

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"busy", errors.New(errors.CodeBusy, "Server is busy processing another job. Please try again later."), 429, "BUSY"},
		{"not found", errors.NotFound("job", "123"), 404, "NOT_FOUND"},
		{"too large", errors.New(errors.CodePayloadTooLarge, "File size exceeds limit of 100MB"), 413, "PAYLOAD_TOO_LARGE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error {
				return tt.err
			})
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest("POST", "/api/render", nil))

			if rec.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, rec.Code)
			}

			var env httpkit.ErrorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if env.Error.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, env.Error.Code)
			}
			if strings.Contains(env.Error.Message, "[") {
				t.Errorf("message should be the human text only, got %q", env.Error.Message)
			}
		})
	}
}

func TestWriteErrorResponseEscapes(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, errors.CodeValidation, "bad \"meta\"\nfield", map[string]any{"field": "meta"})

	var env httpkit.ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("invalid JSON body: %v (%s)", err, rec.Body.String())
	}
	if env.Error.Message != "bad \"meta\"\nfield" {
		t.Errorf("message mangled: %q", env.Error.Message)
	}
	if env.Error.Details["field"] != "meta" {
		t.Errorf("expected details, got %v", env.Error.Details)
	}
}

func TestGenerateRequestID(t *testing.T) {
	if generateRequestID() == generateRequestID() {
		t.Error("expected unique request IDs")
	}
}
