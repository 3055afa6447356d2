package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ternarybob/capto/internal/models"
)

// Metrics holds the Prometheus collectors for the engine. Gauges that track
// live state (queue depth, active downloads, per-state job counts) are
// collected on scrape via the stats callback.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	BytesTotal    prometheus.Counter
	WebhooksSent  *prometheus.CounterVec
	QueueRejected prometheus.Counter
}

// Stats is the snapshot the gauges report on scrape.
type Stats struct {
	QueueDepth int
	Active     int
	ByState    map[models.JobState]int
}

// StatsFunc supplies a fresh Stats snapshot on every scrape.
type StatsFunc func() Stats

// New builds the collectors on a private registry so tests can create many
// instances without duplicate-registration panics.
func New(statsFn StatsFunc) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capto_jobs_submitted_total",
			Help: "Jobs accepted into the queue, by kind.",
		}, []string{"kind"}),
		JobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capto_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by final state.",
		}, []string{"state"}),
		BytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capto_downloaded_bytes_total",
			Help: "Total artifact bytes produced by completed jobs.",
		}),
		WebhooksSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "capto_webhook_deliveries_total",
			Help: "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		QueueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "capto_queue_rejections_total",
			Help: "Submissions rejected because the queue was full.",
		}),
	}

	registry.MustRegister(
		m.JobsSubmitted,
		m.JobsFinished,
		m.BytesTotal,
		m.WebhooksSent,
		m.QueueRejected,
	)

	if statsFn != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "capto_queue_depth",
			Help: "Jobs waiting for a worker.",
		}, func() float64 { return float64(statsFn().QueueDepth) }))
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "capto_active_downloads",
			Help: "Jobs currently holding a concurrency slot.",
		}, func() float64 { return float64(statsFn().Active) }))

		for _, state := range []models.JobState{
			models.StateQueued, models.StateRunning, models.StateCompleted,
			models.StateFailed, models.StateCancelled,
		} {
			s := state
			registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name:        "capto_jobs",
				Help:        "Known jobs by state.",
				ConstLabels: prometheus.Labels{"state": string(s)},
			}, func() float64 { return float64(statsFn().ByState[s]) }))
		}
	}

	return m
}

// Handler returns the exposition endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
