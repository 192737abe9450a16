// Package media drives the external ffmpeg binary: one invocation per track
// segment and one to concatenate the segments.
package media

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
)

// maxLine bounds a single line of tool output.
const maxLine = 1 << 20

// LineFunc receives one line of tool output.
type LineFunc func(line string)

// Runner executes the media tool with an explicit argument list and streams
// its output line by line.
type Runner struct {
	path    string
	timeout time.Duration
	log     *logger.Logger
}

// NewRunner creates a runner for the executable at path. A positive timeout
// bounds each invocation; the process is killed when it expires.
func NewRunner(path string, timeout time.Duration, log *logger.Logger) *Runner {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Runner{
		path:    path,
		timeout: timeout,
		log:     log.WithComponent("media_runner"),
	}
}

// Path returns the executable the runner invokes.
func (r *Runner) Path() string { return r.path }

// Run starts the tool and blocks until it exits. The command line is
// announced first as "$ tool args...". Every non-blank stderr line and every
// stdout chunk goes to emit as it arrives; emit is never called concurrently.
// Only a zero exit status is success.
func (r *Runner) Run(ctx context.Context, args []string, emit LineFunc) error {
	if emit == nil {
		emit = func(string) {}
	}
	emit = serialize(emit)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	emit("$ " + r.path + " " + strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, r.path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Tool: r.path, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &LaunchError{Tool: r.path, Err: err}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		r.log.Warn("tool failed to start", "tool", r.path, "error", err)
		return &LaunchError{Tool: r.path, Err: err}
	}

	// Both pipes must reach EOF before Wait closes them.
	var g errgroup.Group
	g.Go(func() error { return forwardChunks(stdout, emit) })
	g.Go(func() error { return forwardLines(stderr, emit) })
	if err := g.Wait(); err != nil {
		r.log.Debug("output stream ended with error", "tool", r.path, "error", err)
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil && waitErr != nil {
		r.log.Warn("tool interrupted", "tool", r.path, "error", ctxErr, "duration_ms", elapsed.Milliseconds())
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return apperrors.WrapWithCode(ctxErr, apperrors.CodeTimeout, "media.run",
				"tool timed out after "+r.timeout.String())
		}
		return apperrors.Wrap(ctxErr, "media.run", "tool interrupted")
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			r.log.Debug("tool exited", "tool", r.path, "code", exitErr.ExitCode(), "duration_ms", elapsed.Milliseconds())
			return &ExitError{Tool: r.path, Code: exitErr.ExitCode()}
		}
		return apperrors.Wrap(waitErr, "media.run", "waiting for tool")
	}

	r.log.Debug("tool exited", "tool", r.path, "code", 0, "duration_ms", elapsed.Milliseconds())
	return nil
}

func serialize(fn LineFunc) LineFunc {
	var mu sync.Mutex
	return func(line string) {
		mu.Lock()
		defer mu.Unlock()
		fn(line)
	}
}

// forwardLines emits each non-blank line of rd. A trailing line without a
// terminator is emitted once rd reaches EOF, and a line longer than maxLine
// is emitted in maxLine pieces. rd is always read to EOF so the tool never
// blocks on a full pipe.
func forwardLines(rd io.Reader, emit LineFunc) error {
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	sc.Split(scanLines)
	for sc.Scan() {
		if line := sc.Text(); strings.TrimSpace(line) != "" {
			emit(line)
		}
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, rd)
		return err
	}
	return nil
}

// forwardChunks emits whatever rd yields, chunk by chunk.
func forwardChunks(rd io.Reader, emit LineFunc) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := rd.Read(buf)
		if n > 0 {
			if chunk := strings.TrimRight(string(buf[:n]), "\r\n"); strings.TrimSpace(chunk) != "" {
				emit(chunk)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// scanLines splits on '\n' or '\r' so carriage-return progress updates
// become separate lines. An unterminated run of maxLine bytes is cut into a
// token of its own.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if len(data) >= maxLine {
		return maxLine, data[:maxLine], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
