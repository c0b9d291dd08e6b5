// Package kernelmetrics exposes the kernel's Prometheus metrics and
// agent-heartbeat health tracking, grounded on the counter/gauge/
// histogram/heartbeat shape of the original metrics collector.
package kernelmetrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kandev/agentkernel/internal/kernel/event"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_events_published_total",
			Help: "Total number of events published to the bus, by kind",
		},
		[]string{"kind"},
	)

	EventQueueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kernel_event_queue_length",
			Help: "Current number of events queued on the bus",
		},
	)

	TasksStartedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_tasks_started_total",
			Help: "Total number of tasks that entered Running",
		},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_tasks_completed_total",
			Help: "Total number of tasks that reached Completed",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_tasks_failed_total",
			Help: "Total number of tasks that reached Failed or Cancelled, by cause",
		},
		[]string{"cause"},
	)

	TaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kernel_task_duration_seconds",
			Help:    "Wall-clock duration of a task from Running to terminal",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlansProposedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_plans_proposed_total",
			Help: "Total number of plan artifacts submitted to the Planner Bridge",
		},
	)

	PlansRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kernel_plans_rejected_total",
			Help: "Total number of plans blocked or externally rejected",
		},
	)

	CapabilityDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kernel_capability_denials_total",
			Help: "Total number of capability checks that failed, by capability",
		},
		[]string{"capability"},
	)
)

func init() {
	prometheus.MustRegister(
		EventsPublishedTotal,
		EventQueueLength,
		TasksStartedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TaskDuration,
		PlansProposedTotal,
		PlansRejectedTotal,
		CapabilityDenialsTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer helps observe a histogram after an operation completes.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// AgentHealth classifies an agent's liveness based on heartbeat
// recency.
type AgentHealth string

const (
	HealthHealthy   AgentHealth = "healthy"
	HealthDegraded  AgentHealth = "degraded"
	HealthUnhealthy AgentHealth = "unhealthy"
	HealthUnknown   AgentHealth = "unknown"
)

// HeartbeatTracker records AgentHeartbeat events and classifies each
// agent's health by how recently it was last heard from.
type HeartbeatTracker struct {
	mu      sync.RWMutex
	last    map[string]time.Time
	timeout time.Duration
}

// NewHeartbeatTracker returns a tracker that considers an agent
// Degraded past timeout and Unhealthy past 3x timeout since its last
// heartbeat.
func NewHeartbeatTracker(timeout time.Duration) *HeartbeatTracker {
	return &HeartbeatTracker{last: make(map[string]time.Time), timeout: timeout}
}

// Record stamps agentID's last-seen time to now.
func (h *HeartbeatTracker) Record(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[agentID] = time.Now()
}

// Health classifies agentID's current health.
func (h *HeartbeatTracker) Health(agentID string) AgentHealth {
	h.mu.RLock()
	last, ok := h.last[agentID]
	h.mu.RUnlock()
	if !ok {
		return HealthUnknown
	}
	elapsed := time.Since(last)
	switch {
	case elapsed > h.timeout*3:
		return HealthUnhealthy
	case elapsed > h.timeout:
		return HealthDegraded
	default:
		return HealthHealthy
	}
}

// ObserveEvent updates the events-published counter and event-kind
// label for a published event.
func ObserveEvent(kind event.Kind) {
	EventsPublishedTotal.WithLabelValues(string(kind)).Inc()
}
