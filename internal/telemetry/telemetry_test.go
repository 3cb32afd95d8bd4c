package telemetry_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"dyocense/controlplane/internal/telemetry"
)

func TestParseHeadersSplitsKeyValuePairs(t *testing.T) {
	headers := telemetry.ParseHeaders("authorization=Bearer xyz, x-env = prod,,malformed")
	assert.Equal(t, "Bearer xyz", headers["authorization"])
	assert.Equal(t, "prod", headers["x-env"])
	assert.NotContains(t, headers, "malformed")
}

func TestSchedulerMetricsInstanceIsASingleton(t *testing.T) {
	a := telemetry.SchedulerMetricsInstance()
	b := telemetry.SchedulerMetricsInstance()
	assert.Same(t, a, b)
	assert.NotPanics(t, func() {
		a.ObserveEnqueue("standard", "plan_run")
		a.ObserveLease("plan_run")
		a.ObserveComplete("plan_run", 250*time.Millisecond)
		a.ObserveFailure("plan_run", "policy_denied")
	})
}

func TestLedgerAndPolicyMetricsDoNotPanicOnNilReceiver(t *testing.T) {
	var ledgerMetrics *telemetry.LedgerMetrics
	var policyMetrics *telemetry.PolicyMetrics
	assert.NotPanics(t, func() {
		ledgerMetrics.ObserveAppend("plan_run", "hmac")
		policyMetrics.ObserveDecision("phase_a", false)
	})
}
