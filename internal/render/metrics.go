package render

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the render counters exported on /metrics.
type Metrics struct {
	Jobs           *prometheus.CounterVec
	StepDuration   *prometheus.HistogramVec
	BusyRejections prometheus.Counter
	Active         prometheus.Gauge
	ArchiveErrors  prometheus.Counter
}

// NewMetrics creates the render metrics and registers them with reg when it
// is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audio2mp4_render_jobs_total",
			Help: "Render jobs finished, by outcome.",
		}, []string{"outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "audio2mp4_render_step_duration_seconds",
			Help:    "Duration of segment and concat tool runs in seconds.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"step", "status"}),
		BusyRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audio2mp4_render_busy_rejections_total",
			Help: "Submissions rejected because another job held the gate.",
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "audio2mp4_render_active_jobs",
			Help: "Jobs currently processing.",
		}),
		ArchiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audio2mp4_render_archive_errors_total",
			Help: "Finished renders that could not be archived.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Jobs, m.StepDuration, m.BusyRejections, m.Active, m.ArchiveErrors)
	}
	return m
}

func (m *Metrics) observeStep(step string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StepDuration.WithLabelValues(step, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) finished(outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(outcome).Inc()
}

// Busy counts a rejected submission.
func (m *Metrics) Busy() {
	if m == nil {
		return
	}
	m.BusyRejections.Inc()
}
