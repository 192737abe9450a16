package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

const (
	// ListName is the concat demuxer input written next to the segments.
	ListName = "list.txt"
	// OutputName is the final artifact inside a job's work dir.
	OutputName = "output.mp4"
)

// Concatenator joins segments without re-encoding.
type Concatenator struct {
	runner *Runner
}

func NewConcatenator(runner *Runner) *Concatenator {
	return &Concatenator{runner: runner}
}

// Concat writes the segment list into workDir and stream-copies the segments,
// in order, into OutputName. Every failure is a *ConcatError.
func (c *Concatenator) Concat(ctx context.Context, workDir string, segments []string, emit LineFunc) (string, error) {
	listPath := filepath.Join(workDir, ListName)
	if err := os.WriteFile(listPath, []byte(ConcatList(segments)), 0o644); err != nil {
		return "", &ConcatError{Err: err}
	}

	out := filepath.Join(workDir, OutputName)
	if err := c.runner.Run(ctx, ConcatArgs(listPath, out), emit); err != nil {
		return "", &ConcatError{Err: err}
	}
	return out, nil
}

// ConcatList renders the concat demuxer file: one quoted "file" directive per
// segment using forward slashes.
func ConcatList(segments []string) string {
	lines := make([]string, len(segments))
	for i, seg := range segments {
		p := filepath.ToSlash(seg)
		p = strings.ReplaceAll(p, `'`, `'\''`)
		lines[i] = "file '" + p + "'"
	}
	return strings.Join(lines, "\n")
}

func ConcatArgs(listPath, out string) []string {
	return []string{
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		out,
	}
}
