// Package metrics exposes Prometheus counters for job runs, lock contention,
// reconciliation transitions and notification deliveries.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector is safe to use as a nil pointer; every method is then a no-op.
type Collector struct {
	jobRuns     *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	lockBusy    *prometheus.CounterVec
	transitions *prometheus.CounterVec
	deliveries  *prometheus.CounterVec
	allocations prometheus.Counter
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaljobs_job_runs_total",
			Help: "Job invocations by outcome (success, error, busy)",
		}, []string{"job", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "portaljobs_job_duration_seconds",
			Help:    "Job body duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		lockBusy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaljobs_lock_busy_total",
			Help: "Invocations that found the job lock held",
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaljobs_withdrawal_transitions_total",
			Help: "Withdrawal status transitions applied by reconciliation",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "portaljobs_notification_deliveries_total",
			Help: "Notification delivery attempts by channel and result",
		}, []string{"channel", "result"}),
		allocations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "portaljobs_salary_allocations_total",
			Help: "Automated monthly allocation records created",
		}),
	}

	reg.MustRegister(c.jobRuns, c.jobDuration, c.lockBusy, c.transitions, c.deliveries, c.allocations)
	return c
}

func (c *Collector) RecordJob(job, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobRuns.WithLabelValues(job, status).Inc()
	if d > 0 {
		c.jobDuration.WithLabelValues(job).Observe(d.Seconds())
	}
}

func (c *Collector) RecordLockBusy(job string) {
	if c == nil {
		return
	}
	c.lockBusy.WithLabelValues(job).Inc()
}

func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

func (c *Collector) RecordDelivery(channel string, ok bool) {
	if c == nil {
		return
	}
	result := "sent"
	if !ok {
		result = "failed"
	}
	c.deliveries.WithLabelValues(channel, result).Inc()
}

func (c *Collector) RecordAllocations(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.allocations.Add(float64(n))
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
