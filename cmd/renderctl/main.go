// Command renderctl renders a pre-staged directory of image/audio pairs
// with the same pipeline the API uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"audio2mp4/cmd/renderctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envFlag := &cli.StringFlag{
		Name:  "env",
		Usage: "environment file path",
		Value: ".env",
	}

	app := &cli.Command{
		Name:  "renderctl",
		Usage: "render image/audio pairs into one video without the HTTP service",
		Commands: []*cli.Command{
			{
				Name:      "render",
				Usage:     "render a directory holding audio_N.* and image_N.* files",
				ArgsUsage: " ",
				Flags: []cli.Flag{
					envFlag,
					&cli.StringFlag{
						Name:     "dir",
						Usage:    "directory with the staged inputs; segments and output are written here",
						Required: true,
					},
					&cli.IntFlag{Name: "width", Usage: "frame width", Value: 1920},
					&cli.IntFlag{Name: "height", Usage: "frame height", Value: 1080},
					&cli.IntFlag{Name: "fps", Usage: "frame rate", Value: 30},
					&cli.StringSliceFlag{
						Name:  "title",
						Usage: "track title, repeat once per track in order",
					},
					&cli.IntFlag{
						Name:  "tracks",
						Usage: "number of tracks (default: titles given, else audio_N files found)",
					},
					&cli.StringFlag{
						Name:  "out",
						Usage: "copy the finished video to this path",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "print events as JSON lines",
					},
				},
				Action: commands.RenderAction,
			},
			{
				Name:   "probe",
				Usage:  "check that the configured media tool runs",
				Flags:  []cli.Flag{envFlag},
				Action: commands.ProbeAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
