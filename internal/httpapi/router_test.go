package httpapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio2mp4/internal/events"
	"audio2mp4/internal/httpapi/handlers"
	"audio2mp4/internal/httpkit"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/render"
	"audio2mp4/internal/staging"
)

type fakeLauncher struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeLauncher) Launch(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, jobID)
}

func (f *fakeLauncher) launched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

type harness struct {
	registry *jobs.Registry
	bus      *events.Bus
	launcher *fakeLauncher
	root     string
	handler  http.Handler
}

func newHarness(t *testing.T, limits staging.Limits) *harness {
	t.Helper()
	log := logger.Discard()
	reg := prometheus.NewRegistry()

	h := &harness{
		registry: jobs.NewRegistry(log),
		bus:      events.NewBus(log, 16),
		launcher: &fakeLauncher{},
		root:     t.TempDir(),
	}
	h.handler = NewRouter(Deps{
		Deps: handlers.Deps{
			Registry:     h.registry,
			Bus:          h.bus,
			Stager:       staging.NewStager(h.root, limits, log),
			Launcher:     h.launcher,
			Metrics:      render.NewMetrics(reg),
			FFmpegPath:   "sh",
			PingInterval: 50 * time.Millisecond,
			Log:          log,
		},
		CORSOrigins: []string{"http://localhost:5173"},
		Registerer:  reg,
		Gatherer:    reg,
	})
	return h
}

func defaultLimits() staging.Limits {
	return staging.Limits{MaxFileBytes: 1 << 20, MaxTotalBytes: 4 << 20}
}

type part struct {
	field, filename, contentType, body string
}

func twoTracks() []part {
	return []part{
		{"audio_0", "intro.mp3", "audio/mpeg", "a0"},
		{"image_0", "cover.png", "image/png", "i0"},
		{"audio_1", "song.wav", "audio/wav", "a1"},
		{"image_1", "back.jpg", "image/jpeg", "i1"},
	}
}

func multipartRequest(t *testing.T, meta string, parts []part) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if meta != "" {
		require.NoError(t, mw.WriteField("meta", meta))
	}
	for _, p := range parts {
		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Disposition", `form-data; name="`+p.field+`"; filename="`+p.filename+`"`)
		hdr.Set("Content-Type", p.contentType)
		w, err := mw.CreatePart(hdr)
		require.NoError(t, err)
		_, err = io.WriteString(w, p.body)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/render", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

const validMeta = `{"tracks":[{"title":"Intro"},{}],"width":1280,"height":720,"fps":30}`

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decodeErr(t *testing.T, rec *httptest.ResponseRecorder) httpkit.ErrorEnvelope {
	t.Helper()
	var env httpkit.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func workDirs(t *testing.T, root string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, "audio2mp4-*"))
	require.NoError(t, err)
	return matches
}

func TestSubmitRender(t *testing.T) {
	h := newHarness(t, defaultLimits())

	rec := h.do(multipartRequest(t, validMeta, twoTracks()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)

	job, err := h.registry.Get(resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusPending, job.Status)
	assert.Len(t, job.Meta.Tracks, 2)

	holder, held := h.registry.ActiveJob()
	assert.True(t, held)
	assert.Equal(t, resp.JobID, holder)
	assert.Equal(t, []string{resp.JobID}, h.launcher.launched())

	for name, want := range map[string]string{
		"audio_0.mp3": "a0", "image_0.png": "i0", "audio_1.wav": "a1", "image_1.jpg": "i1",
	} {
		data, err := os.ReadFile(filepath.Join(job.WorkDir, name))
		require.NoError(t, err, name)
		assert.Equal(t, want, string(data))
	}
}

func TestSubmitRenderBusy(t *testing.T) {
	h := newHarness(t, defaultLimits())
	require.NoError(t, h.registry.TryAcquireGate("running"))

	rec := h.do(multipartRequest(t, validMeta, twoTracks()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	env := decodeErr(t, rec)
	assert.Equal(t, "BUSY", env.Error.Code)
	assert.Equal(t, jobs.BusyMessage, env.Error.Message)
	assert.Equal(t, 0, h.registry.Len())
	assert.Empty(t, h.launcher.launched())
}

func TestSubmitRenderRejects(t *testing.T) {
	tests := []struct {
		name    string
		meta    string
		parts   []part
		status  int
		message string
	}{
		{"missing meta", "", twoTracks(), http.StatusBadRequest, "Missing meta field in request"},
		{"bad json", "{", twoTracks(), http.StatusBadRequest, "Invalid JSON in meta field"},
		{"one track", `{"tracks":[{}],"width":1,"height":1,"fps":1}`, twoTracks(), http.StatusBadRequest,
			"Number of tracks must be between 2 and 10, got 1"},
		{"no files", validMeta, nil, http.StatusBadRequest, "No files uploaded"},
		{"missing image", validMeta, twoTracks()[:3], http.StatusBadRequest, "Missing image file for track 1"},
		{"bad type", validMeta, append(twoTracks()[:3], part{"image_1", "notes.txt", "text/plain", "x"}),
			http.StatusUnsupportedMediaType, "Invalid image file type: txt. Allowed types: jpg, jpeg, png, webp"},
		{"file too large", validMeta, append(twoTracks()[:3], part{"image_1", "big.png", "image/png", strings.Repeat("x", 2<<20)}),
			http.StatusRequestEntityTooLarge, "File size exceeds limit of 1MB"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultLimits())

			rec := h.do(multipartRequest(t, tt.meta, tt.parts))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.message, decodeErr(t, rec).Error.Message)

			assert.Equal(t, 0, h.registry.Len())
			assert.False(t, h.registry.Busy())
			assert.Empty(t, workDirs(t, h.root))
			assert.Empty(t, h.launcher.launched())
		})
	}
}

func TestSubmitRenderTotalLimit(t *testing.T) {
	h := newHarness(t, staging.Limits{MaxFileBytes: 4 << 20, MaxTotalBytes: 1 << 20})
	parts := twoTracks()
	parts[0].body = strings.Repeat("a", 3<<20)

	rec := h.do(multipartRequest(t, validMeta, parts))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "PAYLOAD_TOO_LARGE", decodeErr(t, rec).Error.Code)
}

func TestSubmitRenderNotMultipart(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := httptest.NewRequest(http.MethodPost, "/api/render", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	rec := h.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// putJob registers a job in status, with an output file when done.
func putJob(t *testing.T, h *harness, id string, status jobs.Status) *jobs.Job {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, h.registry.Put(jobs.New(id, jobs.Meta{Tracks: make([]jobs.Track, 2), Width: 2, Height: 2, FPS: 1}, dir)))
	if status == jobs.StatusPending {
		job, _ := h.registry.Get(id)
		return job
	}
	require.NoError(t, h.registry.UpdateStatus(id, jobs.StatusProcessing, ""))
	if status == jobs.StatusDone {
		require.NoError(t, os.WriteFile(filepath.Join(dir, media.OutputName), []byte("mp4-data"), 0o644))
		require.NoError(t, h.registry.UpdateStatus(id, jobs.StatusDone, ""))
	}
	job, _ := h.registry.Get(id)
	return job
}

func TestJobStatus(t *testing.T) {
	h := newHarness(t, defaultLimits())
	putJob(t, h, "done-job", jobs.StatusDone)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/render/done-job", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "done", body["status"])
	assert.Equal(t, "/api/render/done-job/download", body["downloadUrl"])
	assert.NotContains(t, body, "WorkDir")

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/render/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownload(t *testing.T) {
	h := newHarness(t, defaultLimits())
	putJob(t, h, "done-job", jobs.StatusDone)
	putJob(t, h, "busy-job", jobs.StatusProcessing)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/render/done-job/download", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp4", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="render-done-job.mp4"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "mp4-data", rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/render/busy-job/download", nil))
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(httptest.NewRequest(http.MethodGet, "/api/render/nope/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDownloadOutputGone(t *testing.T) {
	h := newHarness(t, defaultLimits())
	job := putJob(t, h, "done-job", jobs.StatusDone)
	require.NoError(t, os.RemoveAll(job.WorkDir))

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/render/done-job/download", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// readFrames collects SSE frames until the stream ends.
func readFrames(t *testing.T, body io.Reader) []string {
	t.Helper()
	var (
		frames []string
		cur    []string
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			if len(cur) > 0 {
				frames = append(frames, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	return frames
}

func TestStreamLog(t *testing.T) {
	h := newHarness(t, defaultLimits())
	putJob(t, h, "job-1", jobs.StatusProcessing)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/render/job-1/log")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return h.bus.Subscribers("job-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	h.bus.Publish("job-1", events.Log("$ ffmpeg -y"))
	h.bus.Publish("job-1", events.SegmentProgress(0, 2))
	h.bus.Publish("job-1", events.Completed("/api/render/job-1/download"))
	h.bus.Teardown("job-1")

	var got []string
	for _, f := range readFrames(t, resp.Body) {
		if f != ": ping" {
			got = append(got, f)
		}
	}
	assert.Equal(t, []string{
		": connected",
		"event: log\ndata: Connected to job job-1",
		"event: log\ndata: $ ffmpeg -y",
		`event: progress` + "\n" + `data: {"step":"segment","index":0,"total":2}`,
		`event: done` + "\n" + `data: {"downloadUrl":"/api/render/job-1/download"}`,
	}, got)
}

func TestStreamLogEndsOnEviction(t *testing.T) {
	h := newHarness(t, defaultLimits())
	putJob(t, h, "job-1", jobs.StatusProcessing)

	srv := httptest.NewServer(h.handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/render/job-1/log")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Eventually(t, func() bool { return h.bus.Subscribers("job-1") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Registry entry gone without a teardown: the ping check ends the stream.
	h.registry.Delete("job-1")

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after eviction")
	}
	assert.Equal(t, 0, h.bus.Subscribers("job-1"))
}

func TestStreamLogUnknownJob(t *testing.T) {
	h := newHarness(t, defaultLimits())

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/render/nope/log", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, h.bus.TotalSubscribers())
}

func TestPingHealthMetrics(t *testing.T) {
	h := newHarness(t, defaultLimits())

	rec := h.do(httptest.NewRequest(http.MethodPost, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	rec = h.do(httptest.NewRequest(http.MethodGet, "/health?deep=true", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, false, health["busy"])
	checks := health["checks"].(map[string]any)
	assert.Equal(t, "disabled", checks["redis"].(map[string]any)["status"])
	assert.Equal(t, "ok", checks["ffmpeg"].(map[string]any)["status"])

	rec = h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `audio2mp4_http_requests_total{method="POST",route="/api/ping",status="200"} 1`)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, defaultLimits())
	req := httptest.NewRequest(http.MethodOptions, "/api/render", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "POST")

	rec := h.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
