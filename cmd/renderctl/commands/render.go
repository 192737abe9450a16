package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/urfave/cli/v3"

	"audio2mp4/internal/events"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	"audio2mp4/internal/render"
	"audio2mp4/internal/staging"
)

// eventBuffer is deep enough for a terminal or pipe that stalls for a while;
// ffmpeg can emit thousands of progress lines per segment.
const eventBuffer = 8192

// RenderAction renders a staged directory and streams its events.
func RenderAction(ctx context.Context, cmd *cli.Command) error {
	tc, err := newToolContext(cmd.String("env"))
	if err != nil {
		return err
	}

	dir, err := filepath.Abs(cmd.String("dir"))
	if err != nil {
		return err
	}
	meta, err := buildMeta(dir, cmd.StringSlice("title"), cmd.Int("tracks"),
		cmd.Int("width"), cmd.Int("height"), cmd.Int("fps"))
	if err != nil {
		return err
	}

	registry := jobs.NewRegistry(tc.log)
	bus := events.NewBus(tc.log, eventBuffer)
	orch := render.New(render.Deps{
		Registry: registry,
		Events:   bus,
		Segments: media.NewSegmentRenderer(tc.runner),
		Concat:   media.NewConcatenator(tc.runner),
		Log:      tc.log,
	})

	jobID := uuid.NewString()
	if err := registry.Put(jobs.New(jobID, meta, dir)); err != nil {
		return err
	}

	sub := bus.Subscribe(jobID)
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		followEvents(cmd.Root().Writer, cmd.Root().ErrWriter, sub, cmd.Bool("json"))
	}()

	startErr := orch.Start(ctx, jobID)
	bus.Teardown(jobID)
	<-printed
	if startErr != nil {
		return startErr
	}

	job, err := registry.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status != jobs.StatusDone {
		return cli.Exit("render failed: "+job.Error, 1)
	}

	output := filepath.Join(dir, media.OutputName)
	if out := cmd.String("out"); out != "" {
		if err := copyFile(output, out); err != nil {
			return err
		}
		output = out
	}
	fmt.Fprintln(cmd.Root().ErrWriter, "output:", output)
	return nil
}

// buildMeta derives the track list from titles, an explicit count or the
// audio files present in dir, in that order of preference.
func buildMeta(dir string, titles []string, count, width, height, fps int) (jobs.Meta, error) {
	switch {
	case len(titles) > 0:
		if count != 0 && count != len(titles) {
			return jobs.Meta{}, fmt.Errorf("--tracks=%d does not match %d titles", count, len(titles))
		}
		count = len(titles)
	case count == 0:
		count = detectTracks(dir)
	}

	meta := jobs.Meta{Tracks: make([]jobs.Track, count), Width: width, Height: height, FPS: fps}
	for i := range titles {
		meta.Tracks[i].Title = titles[i]
	}
	return meta, staging.CheckMeta(meta)
}

// detectTracks counts consecutive audio_0.*, audio_1.* ... files.
func detectTracks(dir string) int {
	n := 0
	for {
		matches, _ := filepath.Glob(filepath.Join(dir, media.InputPrefix("audio", n)+"*"))
		if len(matches) == 0 {
			return n
		}
		n++
	}
}

// followEvents prints sub until it closes, then warns on errW if the bus
// dropped it for falling behind.
func followEvents(w, errW io.Writer, sub *events.Subscription, asJSON bool) {
	printEvents(w, sub.C(), asJSON)
	if sub.Dropped() {
		fmt.Fprintln(errW, "warning: output fell behind and later events were skipped; the render continues")
	}
}

func printEvents(w io.Writer, ch <-chan events.Event, asJSON bool) {
	enc := json.NewEncoder(w)
	for ev := range ch {
		if asJSON {
			_ = enc.Encode(ev)
			continue
		}
		switch ev.Kind {
		case events.KindProgress:
			if ev.Progress.Step == events.StepSegment {
				fmt.Fprintf(w, "== segment %d/%d\n", *ev.Progress.Index+1, *ev.Progress.Total)
			} else {
				fmt.Fprintln(w, "== concat")
			}
		case events.KindDone:
			fmt.Fprintln(w, "== done")
		case events.KindError:
			fmt.Fprintln(w, "!! "+ev.Message)
		default:
			fmt.Fprintln(w, strings.TrimRight(ev.Message, "\n"))
		}
	}
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
