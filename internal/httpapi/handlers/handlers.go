package handlers

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"audio2mp4/internal/events"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/ports"
	"audio2mp4/internal/render"
	"audio2mp4/internal/staging"
)

const defaultPingInterval = 15 * time.Second

// Launcher starts an admitted job in the background.
type Launcher interface {
	Launch(jobID string)
}

type Deps struct {
	Registry *jobs.Registry
	Bus      *events.Bus
	Stager   *staging.Stager
	Launcher Launcher

	// Optional.
	Metrics      *render.Metrics
	Pool         *pgxpool.Pool
	RDB          *redis.Client
	SP           ports.StorageProvider
	FFmpegPath   string
	PingInterval time.Duration
	Log          *logger.Logger
}

type Handler struct {
	registry *jobs.Registry
	bus      *events.Bus
	stager   *staging.Stager
	launcher Launcher
	metrics  *render.Metrics
	pool     *pgxpool.Pool
	rdb      *redis.Client
	sp       ports.StorageProvider
	ffmpeg   string
	ping     time.Duration
	log      *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	ping := d.PingInterval
	if ping <= 0 {
		ping = defaultPingInterval
	}
	return &Handler{
		registry: d.Registry,
		bus:      d.Bus,
		stager:   d.Stager,
		launcher: d.Launcher,
		metrics:  d.Metrics,
		pool:     d.Pool,
		rdb:      d.RDB,
		sp:       d.SP,
		ffmpeg:   d.FFmpegPath,
		ping:     ping,
		log:      log.WithComponent("http"),
	}
}

// Logger returns the handler's logger, for the middleware chain.
func (h *Handler) Logger() *logger.Logger { return h.log }
