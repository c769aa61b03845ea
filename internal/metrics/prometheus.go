package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder 汇总编排层的 Prometheus 指标。所有方法对 nil 接收者安全。
type Recorder struct {
	registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	dispatches      *prometheus.CounterVec
	pendingChanges  *prometheus.CounterVec
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	refreshFailures *prometheus.CounterVec
	snapshotSeq     prometheus.Gauge
	subscribers     prometheus.Gauge
}

// New creates a recorder backed by its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_decision_cycles_total",
			Help: "Decision cycle results per profile task",
		}, []string{"status"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_decision_cycle_duration_seconds",
			Help:    "Wall time of a single profile decision task",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_order_dispatch_total",
			Help: "Order dispatch outcomes",
		}, []string{"status"}),
		pendingChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_pending_action_transitions_total",
			Help: "Pending action status transitions",
		}, []string{"status"}),
		eventsPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_events_published_total",
			Help: "Events published on the bus",
		}, []string{"type"}),
		eventsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_events_dropped_total",
			Help: "Events dropped or subscribers disconnected because of full queues",
		}, []string{"policy"}),
		refreshFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_refresh_failures_total",
			Help: "Failed market or margin refreshes",
		}, []string{"source"}),
		snapshotSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_market_snapshot_seq",
			Help: "Sequence number of the latest market snapshot",
		}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_event_subscribers",
			Help: "Current event bus subscribers",
		}),
	}
}

// Handler 暴露 /metrics。
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) RecordCycle(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.cycles.WithLabelValues(status).Inc()
	r.cycleDuration.Observe(d.Seconds())
}

func (r *Recorder) RecordDispatch(status string) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(status).Inc()
}

func (r *Recorder) RecordPendingTransition(status string) {
	if r == nil {
		return
	}
	r.pendingChanges.WithLabelValues(status).Inc()
}

func (r *Recorder) RecordPublished(eventType string) {
	if r == nil {
		return
	}
	r.eventsPublished.WithLabelValues(eventType).Inc()
}

func (r *Recorder) RecordDropped(policy string) {
	if r == nil {
		return
	}
	r.eventsDropped.WithLabelValues(policy).Inc()
}

func (r *Recorder) RecordRefreshFailure(source string) {
	if r == nil {
		return
	}
	r.refreshFailures.WithLabelValues(source).Inc()
}

func (r *Recorder) SetSnapshotSeq(seq uint64) {
	if r == nil {
		return
	}
	r.snapshotSeq.Set(float64(seq))
}

func (r *Recorder) SetSubscribers(n int) {
	if r == nil {
		return
	}
	r.subscribers.Set(float64(n))
}
