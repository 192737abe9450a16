package httpkit

import (
	"fmt"
	"net/http"
	"strings"

	apperrors "audio2mp4/internal/pkg/errors"
)

// SSE writes a text/event-stream response, flushing after every frame.
type SSE struct {
	w  http.ResponseWriter
	rc *http.ResponseController
}

// NewSSE sends the stream headers and a 200 status.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, apperrors.Wrap(err, "httpkit.sse", "streaming unsupported")
	}
	return &SSE{w: w, rc: rc}, nil
}

// Comment writes ": text", which clients ignore.
func (s *SSE) Comment(text string) error {
	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	return s.rc.Flush()
}

// Event writes one named event. Multi-line data is split into several data
// fields so the client sees the original newlines.
func (s *SSE) Event(name, data string) error {
	var b strings.Builder
	b.WriteString("event: ")
	b.WriteString(name)
	b.WriteByte('\n')
	for _, line := range strings.Split(data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	if _, err := s.w.Write([]byte(b.String())); err != nil {
		return err
	}
	return s.rc.Flush()
}
