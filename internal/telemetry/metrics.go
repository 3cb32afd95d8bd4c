package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerMetrics mirrors the teacher's moduleMetrics shape
// (observability/metrics.go: ModuleMetrics/Observe) generalized from
// JSON-RPC request/error/latency counters to scheduler job lifecycle
// counters (spec.md §4.1).
type SchedulerMetrics struct {
	enqueued  *prometheus.CounterVec
	leased    *prometheus.CounterVec
	completed *prometheus.CounterVec
	failed    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
}

var (
	schedulerMetricsOnce sync.Once
	schedulerRegistry    *SchedulerMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics

	policyMetricsOnce sync.Once
	policyRegistry    *PolicyMetrics
)

// SchedulerMetricsInstance returns the lazily-initialised scheduler
// metrics registry, following the teacher's sync.Once singleton
// pattern (observability/metrics.go's moduleMetricsOnce).
func SchedulerMetricsInstance() *SchedulerMetrics {
	schedulerMetricsOnce.Do(func() {
		schedulerRegistry = &SchedulerMetrics{
			enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "scheduler",
				Name:      "jobs_enqueued_total",
				Help:      "Total jobs admitted and enqueued, by tenant tier and job type.",
			}, []string{"tier", "job_type"}),
			leased: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "scheduler",
				Name:      "jobs_leased_total",
				Help:      "Total jobs leased out to workers.",
			}, []string{"job_type"}),
			completed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "scheduler",
				Name:      "jobs_completed_total",
				Help:      "Total jobs transitioned to completed.",
			}, []string{"job_type"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "scheduler",
				Name:      "jobs_failed_total",
				Help:      "Total jobs transitioned to failed or cancelled, by reason.",
			}, []string{"job_type", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "controlplane",
				Subsystem: "scheduler",
				Name:      "job_duration_seconds",
				Help:      "Wall-clock time from lease to terminal status.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"job_type"}),
		}
		prometheus.MustRegister(
			schedulerRegistry.enqueued,
			schedulerRegistry.leased,
			schedulerRegistry.completed,
			schedulerRegistry.failed,
			schedulerRegistry.latency,
		)
	})
	return schedulerRegistry
}

func (m *SchedulerMetrics) ObserveEnqueue(tier, jobType string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(tier, jobType).Inc()
}

func (m *SchedulerMetrics) ObserveLease(jobType string) {
	if m == nil {
		return
	}
	m.leased.WithLabelValues(jobType).Inc()
}

func (m *SchedulerMetrics) ObserveComplete(jobType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(jobType).Inc()
	m.latency.WithLabelValues(jobType).Observe(duration.Seconds())
}

func (m *SchedulerMetrics) ObserveFailure(jobType, reason string) {
	if m == nil {
		return
	}
	m.failed.WithLabelValues(jobType, reason).Inc()
}

// LedgerMetrics tracks append/verify activity on the decision ledger.
type LedgerMetrics struct {
	appends         *prometheus.CounterVec
	verifyFailures  *prometheus.CounterVec
	chainLength     *prometheus.GaugeVec
}

func LedgerMetricsInstance() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			appends: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "ledger",
				Name:      "entries_appended_total",
				Help:      "Total ledger entries appended, by action_type and signature mode.",
			}, []string{"action_type", "mode"}),
			verifyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "ledger",
				Name:      "verify_failures_total",
				Help:      "Total chain verification failures, by reason.",
			}, []string{"reason"}),
			chainLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "controlplane",
				Subsystem: "ledger",
				Name:      "chain_length",
				Help:      "Most recently observed chain length for a tenant.",
			}, []string{"tenant_id"}),
		}
		prometheus.MustRegister(
			ledgerRegistry.appends,
			ledgerRegistry.verifyFailures,
			ledgerRegistry.chainLength,
		)
	})
	return ledgerRegistry
}

func (m *LedgerMetrics) ObserveAppend(actionType, mode string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(actionType, mode).Inc()
}

func (m *LedgerMetrics) ObserveVerifyFailure(reason string) {
	if m == nil {
		return
	}
	m.verifyFailures.WithLabelValues(reason).Inc()
}

func (m *LedgerMetrics) SetChainLength(tenantID string, length int) {
	if m == nil {
		return
	}
	m.chainLength.WithLabelValues(tenantID).Set(float64(length))
}

// PolicyMetrics tracks policy guard allow/deny/warn outcomes.
type PolicyMetrics struct {
	decisions *prometheus.CounterVec
}

func PolicyMetricsInstance() *PolicyMetrics {
	policyMetricsOnce.Do(func() {
		policyRegistry = &PolicyMetrics{
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "controlplane",
				Subsystem: "policy",
				Name:      "decisions_total",
				Help:      "Total policy guard evaluations, by phase and outcome.",
			}, []string{"phase", "outcome"}),
		}
		prometheus.MustRegister(policyRegistry.decisions)
	})
	return policyRegistry
}

func (m *PolicyMetrics) ObserveDecision(phase string, allow bool) {
	if m == nil {
		return
	}
	outcome := "allow"
	if !allow {
		outcome = "deny"
	}
	m.decisions.WithLabelValues(phase, outcome).Inc()
}
