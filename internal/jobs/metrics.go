// Package jobmetrics instruments the ledger's background jobs.
package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the job collectors. A nil *Metrics records nothing.
type Metrics struct {
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
	skipped     *prometheus.CounterVec
	repaired    prometheus.Counter
	purged      prometheus.Counter
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors on registerer, or once on the default
// registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	f := promauto.With(registerer)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_jobs_total",
			Help: "Job executions by task type and status.",
		}, []string{"job", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "coldstore_job_duration_seconds",
			Help:    "Duration of job executions.",
			Buckets: []float64{0.05, 0.25, 1, 5, 15, 60, 300},
		}, []string{"job"}),
		lastSuccess: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coldstore_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful run per task type.",
		}, []string{"job"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "coldstore_jobs_skipped_total",
			Help: "Ledgers skipped because another worker held the rebuild lock.",
		}, []string{"job"}),
		repaired: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_ledger_repaired_snapshots_total",
			Help: "Snapshot rows rewritten by rebuild jobs.",
		}),
		purged: f.NewCounter(prometheus.CounterOpts{
			Name: "coldstore_idempotency_keys_purged_total",
			Help: "Idempotency keys removed by the cleanup job.",
		}),
	}
}

// Tracker times one job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track starts timing a run of job.
func (m *Metrics) Track(job string) *Tracker {
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End records the run outcome and returns err unchanged.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
	} else {
		t.metrics.lastSuccess.WithLabelValues(t.job).SetToCurrentTime()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddRepairedSnapshots counts snapshot rows a rebuild had to rewrite. A
// non-zero value means the stored ledger had drifted.
func (m *Metrics) AddRepairedSnapshots(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.repaired.Add(float64(count))
}

// AddSkipped counts ledgers skipped because another worker held the lock.
func (m *Metrics) AddSkipped(job string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(job).Inc()
}

// AddPurgedKeys counts idempotency keys removed by a cleanup run.
func (m *Metrics) AddPurgedKeys(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.purged.Add(float64(count))
}
