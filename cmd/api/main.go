package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"audio2mp4/internal/adapters/history/pghistory"
	"audio2mp4/internal/adapters/relay/redisrelay"
	"audio2mp4/internal/config"
	"audio2mp4/internal/events"
	"audio2mp4/internal/httpapi"
	"audio2mp4/internal/httpapi/handlers"
	"audio2mp4/internal/jobs"
	"audio2mp4/internal/media"
	"audio2mp4/internal/pkg/logger"
	"audio2mp4/internal/pkg/shutdown"
	"audio2mp4/internal/ports"
	"audio2mp4/internal/render"
	"audio2mp4/internal/retention"
	"audio2mp4/internal/staging"
	"audio2mp4/internal/storage"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logger.NewDefault().LogFatal("failed to load configuration", err)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: "audio2mp4-api",
		AddSource:   cfg.Log.Source,
	})

	log.Info("starting audio2mp4 API",
		"ffmpeg", cfg.FFmpeg.Path,
		"max_file_mb", cfg.Upload.MaxFileMB,
		"max_total_mb", cfg.Upload.MaxTotalMB,
		"retention", cfg.Retention.Window.String(),
	)

	ctx := context.Background()

	// Initialize shutdown manager. Handlers run in reverse registration order.
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Connect to PostgreSQL (optional job history)
	var (
		pool    *pgxpool.Pool
		history ports.JobHistory
	)
	if cfg.Database.URL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err = pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.RegisterSimple("postgres", pool.Close)

		if err := pool.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		recorder := pghistory.New(pool)
		if err := recorder.EnsureSchema(ctx); err != nil {
			log.LogFatal("failed to prepare job history", err)
		}
		history = recorder
		log.Info("PostgreSQL connected")
	}

	// Connect to Redis (optional event relay)
	var (
		rdb   *redis.Client
		relay *redisrelay.Relay
	)
	if cfg.Redis.Addr != "" {
		log.Info("connecting to Redis")
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})

		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		relay = redisrelay.New(rdb, redisrelay.Options{Prefix: cfg.Redis.ChannelPrefix, Log: log})
		shutdownMgr.Register("redis-relay", relay.Close)
		log.Info("Redis connected", "channel_prefix", cfg.Redis.ChannelPrefix)
	}

	// Initialize storage provider (optional archive)
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	if sp != nil {
		log.Info("storage provider initialized", "provider", sp.Provider())
	}

	registry := jobs.NewRegistry(log)
	bus := events.NewBus(log, events.DefaultBuffer)
	publisher := events.Publisher(bus)
	if relay != nil {
		publisher = events.Tee(bus, relay)
	}

	stager := staging.NewStager(cfg.Retention.WorkRoot, staging.Limits{
		MaxFileBytes:  cfg.Upload.MaxFileBytes(),
		MaxTotalBytes: cfg.Upload.MaxTotalBytes(),
	}, log)

	sweeper := retention.NewSweeper(retention.SweeperConfig{
		Root:     stager.Root(),
		Schedule: cfg.Retention.SweepSchedule,
		MaxAge:   2 * cfg.Retention.Window,
		Owned:    registry.WorkDirs,
		Log:      log,
	})
	sweeper.Sweep()
	if err := sweeper.Start(); err != nil {
		log.LogFatal("failed to start sweeper", err)
	}
	shutdownMgr.RegisterSimple("sweeper", sweeper.Stop)

	cleanup := retention.New(retention.Deps{
		Registry: registry,
		Bus:      bus,
		Delay:    cfg.Retention.Window,
		Log:      log,
	})
	shutdownMgr.RegisterSimple("retention", func() { cleanup.Stop() })

	renderMetrics := render.NewMetrics(reg)
	reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "audio2mp4_event_subscribers",
			Help: "Live event stream subscribers across all jobs.",
		}, func() float64 { return float64(bus.TotalSubscribers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "audio2mp4_registered_jobs",
			Help: "Jobs held in the registry, including finished ones awaiting cleanup.",
		}, func() float64 { return float64(registry.Len()) }),
	)

	runner := media.NewRunner(cfg.FFmpeg.Path, cfg.FFmpeg.Timeout, log)
	orchestrator := render.New(render.Deps{
		Registry:  registry,
		Events:    publisher,
		Segments:  media.NewSegmentRenderer(runner),
		Concat:    media.NewConcatenator(runner),
		Retention: cleanup,
		Archive:   sp,
		History:   history,
		Metrics:   renderMetrics,
		Log:       log,
	})
	shutdownMgr.Register("orchestrator", orchestrator.Close)

	// Create HTTP router
	router := httpapi.NewRouter(httpapi.Deps{
		Deps: handlers.Deps{
			Registry:   registry,
			Bus:        bus,
			Stager:     stager,
			Launcher:   orchestrator,
			Metrics:    renderMetrics,
			Pool:       pool,
			RDB:        rdb,
			SP:         sp,
			FFmpegPath: cfg.FFmpeg.Path,
			Log:        log,
		},
		CORSOrigins: cfg.Server.CORSOrigins,
		Registerer:  reg,
		Gatherer:    reg,
	})

	// Request contexts derive from streams so open event streams end when
	// shutdown starts instead of holding the server open.
	streams, stopStreams := context.WithCancel(context.Background())

	// Create HTTP server. No write timeout: event streams and large
	// downloads outlive any fixed bound.
	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return streams },
	}

	// Register server shutdown
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		server.RegisterOnShutdown(stopStreams)
		return server.Shutdown(ctx)
	})

	// Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.Server.Port,
			"cors_origins", cfg.Server.CORSOrigins,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	if err := shutdownMgr.Wait(); err != nil {
		log.Error("shutdown finished with errors", "error", err)
		os.Exit(1)
	}
}
