package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"audio2mp4/internal/httpapi/handlers"
	"audio2mp4/internal/httpkit"
	"audio2mp4/internal/pkg/middleware"
)

type Deps struct {
	handlers.Deps

	CORSOrigins []string
	// Registerer receives the HTTP metrics; Gatherer backs /metrics. Either
	// may be nil.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

func NewRouter(d Deps) http.Handler {
	h := handlers.New(d.Deps)
	log := h.Logger()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	r.Use(newHTTPMetrics(d.Registerer).middleware)
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   d.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Accept", "Cache-Control", middleware.RequestIDHeader},
		ExposedHeaders:   []string{"Content-Disposition", middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAgeSeconds:    600,
	}))

	// ---- HEALTH ----
	r.Get("/health", h.Health)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}

	// ---- API ----
	r.Route("/api", func(r chi.Router) {
		r.Post("/ping", h.Ping)

		r.Post("/render", middleware.WrapHandler(log, h.SubmitRender))
		r.Get("/render/{jobId}", middleware.WrapHandler(log, h.JobStatus))
		r.Get("/render/{jobId}/log", middleware.WrapHandler(log, h.StreamLog))
		r.Get("/render/{jobId}/download", middleware.WrapHandler(log, h.Download))
	})

	return r
}
