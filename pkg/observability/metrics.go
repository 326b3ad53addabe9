// Package observability exposes Prometheus metrics and health probes for
// processes embedding the agent bus.
package observability

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery kinds used as the "kind" label.
const (
	KindSend    = "send"
	KindPublish = "publish"
)

var (
	// Bus metrics
	busDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_deliveries_total",
			Help: "Total number of messages delivered to agents",
		},
		[]string{"kind", "agent_type", "status"},
	)

	busDeliveryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentbus_delivery_duration_seconds",
			Help:    "Time spent inside agent handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind", "agent_type"},
	)

	busPublishFanout = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbus_publish_fanout",
			Help:    "Number of recipients reached per publish",
			Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64},
		},
	)

	busMailboxBacklog = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentbus_mailbox_backlog",
			Help: "Queued messages per recipient agent type",
		},
		[]string{"agent_type"},
	)

	// Selection metrics
	selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_speaker_selections_total",
			Help: "Total number of speaker selections",
		},
		[]string{"strategy", "status"},
	)

	// Task engine metrics
	tasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentbus_tasks_total",
			Help: "Total number of tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	taskRounds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentbus_task_rounds",
			Help:    "Agent turns taken per task",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	initOnce sync.Once
	enabled  atomic.Bool
)

// InitMetrics registers the collectors on the default registry and turns
// recording on. Until it is called every Record and Set function is a no-op.
// Safe to call more than once.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			busDeliveriesTotal,
			busDeliveryDuration,
			busPublishFanout,
			busMailboxBacklog,
			selectionsTotal,
			tasksTotal,
			taskRounds,
		)
		enabled.Store(true)
	})
}

// Enabled reports whether InitMetrics has been called
func Enabled() bool {
	return enabled.Load()
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordDelivery records one handler invocation
func RecordDelivery(kind, agentType, status string, duration time.Duration) {
	if !enabled.Load() {
		return
	}
	busDeliveriesTotal.WithLabelValues(kind, agentType, status).Inc()
	busDeliveryDuration.WithLabelValues(kind, agentType).Observe(duration.Seconds())
}

// RecordPublishFanout records how many recipients a publish reached
func RecordPublishFanout(recipients int) {
	if !enabled.Load() {
		return
	}
	busPublishFanout.Observe(float64(recipients))
}

// SetMailboxBacklog sets the queued message gauge for an agent type
func SetMailboxBacklog(agentType string, backlog int) {
	if !enabled.Load() {
		return
	}
	busMailboxBacklog.WithLabelValues(agentType).Set(float64(backlog))
}

// RecordSelection records a speaker selection outcome
func RecordSelection(strategy, status string) {
	if !enabled.Load() {
		return
	}
	selectionsTotal.WithLabelValues(strategy, status).Inc()
}

// RecordTask records a task reaching a terminal status and the turns it took
func RecordTask(status string, rounds int) {
	if !enabled.Load() {
		return
	}
	tasksTotal.WithLabelValues(status).Inc()
	taskRounds.Observe(float64(rounds))
}
