package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SegmentRequest identifies one track of a staged job.
type SegmentRequest struct {
	WorkDir string
	Index   int
	Width   int
	Height  int
	FPS     int
}

// InputPrefix returns the staged file prefix for kind ("audio" or "image")
// at the zero-based index, e.g. "audio_0.".
func InputPrefix(kind string, index int) string {
	return kind + "_" + strconv.Itoa(index) + "."
}

// SegmentName returns the one-based, zero-padded segment file name.
func SegmentName(index int) string {
	return fmt.Sprintf("seg_%02d.mp4", index+1)
}

// SegmentRenderer turns one image and one audio file into a video segment
// whose length follows the audio.
type SegmentRenderer struct {
	runner *Runner
}

func NewSegmentRenderer(runner *Runner) *SegmentRenderer {
	return &SegmentRenderer{runner: runner}
}

// RenderSegment locates the staged inputs for req.Index, runs the tool once,
// and returns the path of the produced segment. Every failure is a
// *SegmentError.
func (s *SegmentRenderer) RenderSegment(ctx context.Context, req SegmentRequest, emit LineFunc) (string, error) {
	audio, image, err := locateInputs(req.WorkDir, req.Index)
	if err != nil {
		return "", &SegmentError{Index: req.Index, Err: err}
	}

	out := filepath.Join(req.WorkDir, SegmentName(req.Index))
	if err := s.runner.Run(ctx, SegmentArgs(image, audio, out, req.Width, req.Height, req.FPS), emit); err != nil {
		return "", &SegmentError{Index: req.Index, Err: err}
	}
	return out, nil
}

// SegmentArgs builds the tool arguments for one segment: the looped still is
// scaled to fit the frame, padded to fill it, and cut when the audio ends.
func SegmentArgs(image, audio, out string, width, height, fps int) []string {
	w, h := strconv.Itoa(width), strconv.Itoa(height)
	return []string{
		"-y",
		"-loop", "1",
		"-i", image,
		"-i", audio,
		"-c:v", "libx264",
		"-tune", "stillimage",
		"-pix_fmt", "yuv420p",
		"-vf", "scale=" + w + ":" + h + ":force_original_aspect_ratio=decrease,pad=" + w + ":" + h + ":(ow-iw)/2:(oh-ih)/2",
		"-r", strconv.Itoa(fps),
		"-c:a", "aac",
		"-shortest",
		"-movflags", "+faststart",
		out,
	}
}

func locateInputs(dir string, index int) (audio, image string, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("reading work dir: %w", err)
	}

	audioPrefix, imagePrefix := InputPrefix("audio", index), InputPrefix("image", index)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		switch {
		case audio == "" && strings.HasPrefix(name, audioPrefix):
			audio = filepath.Join(dir, name)
		case image == "" && strings.HasPrefix(name, imagePrefix):
			image = filepath.Join(dir, name)
		}
	}

	switch {
	case audio == "" && image == "":
		return "", "", fmt.Errorf("missing audio and image files for track %d", index)
	case audio == "":
		return "", "", fmt.Errorf("missing audio file for track %d", index)
	case image == "":
		return "", "", fmt.Errorf("missing image file for track %d", index)
	}
	return audio, image, nil
}
