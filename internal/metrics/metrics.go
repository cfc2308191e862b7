package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ErmakovEv/pwa-test/internal/models"
)

const namespace = "push"

// Metrics counts scheduling and delivery activity. It is exported both as
// Prometheus series and as a JSON snapshot for /api/metrics.
type Metrics struct {
	registry *prometheus.Registry

	jobs      *prometheus.CounterVec
	pending   prometheus.Gauge
	outcomes  *prometheus.CounterVec
	latency   prometheus.Histogram
	subscribe *prometheus.CounterVec

	scheduled     atomic.Int64
	cancelled     atomic.Int64
	fired         atomic.Int64
	noSubscribers atomic.Int64
	delivered     atomic.Int64
	failed        atomic.Int64
	gone          atomic.Int64
	subscriptions atomic.Int64
}

// Stats is the JSON body of /api/metrics.
type Stats struct {
	Pending       int64 `json:"pending"`
	Scheduled     int64 `json:"scheduled"`
	Cancelled     int64 `json:"cancelled"`
	Fired         int64 `json:"fired"`
	NoSubscribers int64 `json:"no_subscribers"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`
	Gone          int64 `json:"gone"`
	Subscriptions int64 `json:"subscriptions"`
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Scheduled jobs by lifecycle event.",
		}, []string{"event"}),
		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Jobs waiting for their fire time.",
		}),
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome.",
		}, []string{"status", "gone"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of single delivery attempts.",
			Buckets:   prometheus.DefBuckets,
		}),
		subscribe: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscriptions_total",
			Help:      "Subscription registrations by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobScheduled() {
	m.scheduled.Add(1)
	m.jobs.WithLabelValues("scheduled").Inc()
	m.pending.Inc()
}

func (m *Metrics) JobCancelled() {
	m.cancelled.Add(1)
	m.jobs.WithLabelValues("cancelled").Inc()
	m.pending.Dec()
}

// JobFired is called once per job when it leaves the waiting set.
func (m *Metrics) JobFired() {
	m.fired.Add(1)
	m.jobs.WithLabelValues("fired").Inc()
	m.pending.Dec()
}

func (m *Metrics) JobOutcome(status models.JobStatus) {
	if status == models.JobNoSubscribers {
		m.noSubscribers.Add(1)
	}
	m.jobs.WithLabelValues(string(status)).Inc()
}

// DeliveryOutcome implements dispatch.Observer.
func (m *Metrics) DeliveryOutcome(status models.DeliveryStatus, gone bool, elapsed time.Duration) {
	switch status {
	case models.StatusDelivered:
		m.delivered.Add(1)
	default:
		m.failed.Add(1)
	}
	goneLabel := "false"
	if gone {
		m.gone.Add(1)
		goneLabel = "true"
	}
	m.outcomes.WithLabelValues(string(status), goneLabel).Inc()
	m.latency.Observe(elapsed.Seconds())
}

func (m *Metrics) Subscribed(created bool) {
	result := "updated"
	if created {
		result = "created"
		m.subscriptions.Add(1)
	}
	m.subscribe.WithLabelValues(result).Inc()
}

func (m *Metrics) Snapshot() Stats {
	scheduled := m.scheduled.Load()
	cancelled := m.cancelled.Load()
	fired := m.fired.Load()
	return Stats{
		Pending:       scheduled - cancelled - fired,
		Scheduled:     scheduled,
		Cancelled:     cancelled,
		Fired:         fired,
		NoSubscribers: m.noSubscribers.Load(),
		Delivered:     m.delivered.Load(),
		Failed:        m.failed.Load(),
		Gone:          m.gone.Load(),
		Subscriptions: m.subscriptions.Load(),
	}
}
