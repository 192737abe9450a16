package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"audio2mp4/internal/events"
	apperrors "audio2mp4/internal/pkg/errors"
	"audio2mp4/internal/pkg/logger"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
}

func TestDetectTracks(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, 0, detectTracks(dir))

	touch(t, dir, "audio_0.mp3", "audio_1.wav", "audio_3.mp3", "image_0.png")
	assert.Equal(t, 2, detectTracks(dir))
}

func TestBuildMeta(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "audio_0.mp3", "audio_1.mp3", "audio_2.mp3")

	meta, err := buildMeta(dir, nil, 0, 640, 360, 24)
	require.NoError(t, err)
	assert.Len(t, meta.Tracks, 3)

	meta, err = buildMeta(dir, []string{"A", "B"}, 0, 640, 360, 24)
	require.NoError(t, err)
	assert.Equal(t, "B", meta.Tracks[1].Title)

	_, err = buildMeta(dir, []string{"A", "B"}, 3, 640, 360, 24)
	assert.Error(t, err)

	_, err = buildMeta(dir, nil, 1, 640, 360, 24)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = buildMeta(dir, nil, 2, 0, 360, 24)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestPrintEvents(t *testing.T) {
	ch := make(chan events.Event, 8)
	ch <- events.Log("Starting render job...")
	ch <- events.SegmentProgress(1, 3)
	ch <- events.ConcatProgress()
	ch <- events.Error("Render failed: boom")
	ch <- events.Completed("/x")
	close(ch)

	var buf bytes.Buffer
	printEvents(&buf, ch, false)
	assert.Equal(t, "Starting render job...\n== segment 2/3\n== concat\n!! Render failed: boom\n== done\n", buf.String())
}

func TestPrintEventsJSON(t *testing.T) {
	ch := make(chan events.Event, 1)
	ch <- events.Log("hi")
	close(ch)

	var buf bytes.Buffer
	printEvents(&buf, ch, true)
	assert.JSONEq(t, `{"type":"log","message":"hi"}`, buf.String())
}

func TestFollowEventsWarnsWhenDropped(t *testing.T) {
	bus := events.NewBus(logger.Discard(), 1)
	sub := bus.Subscribe("job")
	bus.Publish("job", events.Log("first"))
	bus.Publish("job", events.Log("second"))

	var out, errOut bytes.Buffer
	followEvents(&out, &errOut, sub, false)

	assert.Equal(t, "first\n", out.String())
	assert.Contains(t, errOut.String(), "later events were skipped")
}

func TestFollowEventsQuietOnTeardown(t *testing.T) {
	bus := events.NewBus(logger.Discard(), 4)
	sub := bus.Subscribe("job")
	bus.Publish("job", events.Log("only"))
	bus.Teardown("job")

	var out, errOut bytes.Buffer
	followEvents(&out, &errOut, sub, false)

	assert.Equal(t, "only\n", out.String())
	assert.Empty(t, errOut.String())
}
