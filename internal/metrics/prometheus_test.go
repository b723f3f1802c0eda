package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) && m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestJobSubmitted_CountsByDecision(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobSubmitted(DecisionImmediate)
	sink.JobSubmitted(DecisionScheduled)
	sink.JobSubmitted(DecisionScheduled)

	if got := getCounterVecValue(t, reg, "karbos_jobs_submitted_total", map[string]string{"decision": "scheduled"}); got != 2 {
		t.Fatalf("expected 2 scheduled submissions, got %v", got)
	}
	if got := getCounterVecValue(t, reg, "karbos_jobs_submitted_total", map[string]string{"decision": "immediate"}); got != 1 {
		t.Fatalf("expected 1 immediate submission, got %v", got)
	}
}

func TestBreakerStateChanged_ExclusiveGauge(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BreakerStateChanged("OPEN")

	if got := getGaugeVecValue(t, reg, "karbos_carbon_breaker_state", map[string]string{"state": "OPEN"}); got != 1 {
		t.Fatalf("expected OPEN gauge 1, got %v", got)
	}
	if got := getGaugeVecValue(t, reg, "karbos_carbon_breaker_state", map[string]string{"state": "CLOSED"}); got != 0 {
		t.Fatalf("expected CLOSED gauge 0, got %v", got)
	}

	sink.BreakerStateChanged("CLOSED")
	if got := getGaugeVecValue(t, reg, "karbos_carbon_breaker_state", map[string]string{"state": "OPEN"}); got != 0 {
		t.Fatalf("expected OPEN gauge reset to 0, got %v", got)
	}
}

func TestEntriesPromoted_Accumulates(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EntriesPromoted(3)
	sink.EntriesPromoted(2)

	if got := getCounterValue(t, reg, "karbos_promoter_entries_promoted_total"); got != 5 {
		t.Fatalf("expected 5 promotions, got %v", got)
	}
}

func TestJobExecuted_CountsAndObserves(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobExecuted("completed", 4*time.Minute)
	sink.JobExecuted("failed", time.Second)

	if got := getCounterVecValue(t, reg, "karbos_worker_jobs_executed_total", map[string]string{"outcome": "completed"}); got != 1 {
		t.Fatalf("expected 1 completed execution, got %v", got)
	}
	if got := getCounterVecValue(t, reg, "karbos_worker_jobs_executed_total", map[string]string{"outcome": "failed"}); got != 1 {
		t.Fatalf("expected 1 failed execution, got %v", got)
	}
}

func TestSavingsObserve_ClampsNegative(t *testing.T) {
	sink, _ := newTestSink(t)
	// Must not panic; negative savings clamp to zero.
	sink.SavingsObserve(-12.5)
}

func TestDuplicateRegistration_DoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg)
	NewPrometheusSink(reg) // second registration logs, must not panic
}
