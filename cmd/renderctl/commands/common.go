package commands

import (
	"os"

	"audio2mp4/internal/config"
	"audio2mp4/internal/media"
	"audio2mp4/internal/pkg/logger"
)

// toolContext holds what every command needs: settings, a logger on
// stderr and the media tool runner.
type toolContext struct {
	cfg    *config.Config
	log    *logger.Logger
	runner *media.Runner
}

func newToolContext(envFile string) (*toolContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "renderctl",
		AddSource:   cfg.Log.Source,
	})
	return &toolContext{
		cfg:    cfg,
		log:    log,
		runner: media.NewRunner(cfg.FFmpeg.Path, cfg.FFmpeg.Timeout, log),
	}, nil
}
