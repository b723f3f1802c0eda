package metrics

import (
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using the Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Submission metrics
	jobsSubmittedTotal *prometheus.CounterVec
	savingsHistogram   prometheus.Histogram

	// Queue metrics
	immediateDepth prometheus.Gauge
	delayedDepth   prometheus.Gauge

	// Promoter metrics
	promotionsTotal      prometheus.Counter
	promotionErrorsTotal prometheus.Counter

	// Carbon provider metrics
	breakerState          *prometheus.GaugeVec
	providerFailuresTotal prometheus.Counter

	// Worker pool metrics
	jobsExecutedTotal *prometheus.CounterVec
	executionDuration prometheus.Histogram
	activeJobs        prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Metrics that fail to register will simply not be exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}

	s.jobsSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "karbos_jobs_submitted_total",
		Help: "Total number of jobs submitted, by scheduling decision.",
	}, []string{"decision"})

	s.savingsHistogram = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "karbos_scheduling_savings_gco2eq_kwh",
		Help:    "Expected carbon savings per scheduled job in gCO2eq/kWh.",
		Buckets: []float64{0, 10, 25, 50, 100, 150, 200, 300, 500},
	})

	s.immediateDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karbos_queue_immediate_depth",
		Help: "Current depth of the immediate queue.",
	})
	s.delayedDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karbos_queue_delayed_depth",
		Help: "Current depth of the delayed queue.",
	})

	s.promotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karbos_promoter_entries_promoted_total",
		Help: "Total number of delayed entries promoted to the immediate queue.",
	})
	s.promotionErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karbos_promoter_errors_total",
		Help: "Total number of promotion failures.",
	})

	s.breakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "karbos_carbon_breaker_state",
		Help: "Circuit breaker state (1 for the active state, 0 otherwise).",
	}, []string{"state"})
	s.providerFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "karbos_carbon_provider_failures_total",
		Help: "Total number of carbon provider call failures.",
	})

	s.jobsExecutedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "karbos_worker_jobs_executed_total",
		Help: "Total number of jobs executed, by outcome.",
	}, []string{"outcome"})
	s.executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "karbos_worker_execution_duration_seconds",
		Help:    "Container execution duration in seconds.",
		Buckets: []float64{1, 5, 15, 60, 300, 600, 1800},
	})
	s.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "karbos_worker_active_jobs",
		Help: "Number of containers currently running.",
	})

	s.register(reg, s.jobsSubmittedTotal, "karbos_jobs_submitted_total")
	s.register(reg, s.savingsHistogram, "karbos_scheduling_savings_gco2eq_kwh")
	s.register(reg, s.immediateDepth, "karbos_queue_immediate_depth")
	s.register(reg, s.delayedDepth, "karbos_queue_delayed_depth")
	s.register(reg, s.promotionsTotal, "karbos_promoter_entries_promoted_total")
	s.register(reg, s.promotionErrorsTotal, "karbos_promoter_errors_total")
	s.register(reg, s.breakerState, "karbos_carbon_breaker_state")
	s.register(reg, s.providerFailuresTotal, "karbos_carbon_provider_failures_total")
	s.register(reg, s.jobsExecutedTotal, "karbos_worker_jobs_executed_total")
	s.register(reg, s.executionDuration, "karbos_worker_execution_duration_seconds")
	s.register(reg, s.activeJobs, "karbos_worker_active_jobs")

	return s
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

func (s *PrometheusSink) JobSubmitted(decision string) {
	s.jobsSubmittedTotal.WithLabelValues(decision).Inc()
}

func (s *PrometheusSink) SavingsObserve(savings float64) {
	if savings < 0 {
		savings = 0
	}
	s.savingsHistogram.Observe(savings)
}

func (s *PrometheusSink) QueueDepthUpdate(immediate, delayed int64) {
	s.immediateDepth.Set(float64(immediate))
	s.delayedDepth.Set(float64(delayed))
}

func (s *PrometheusSink) EntriesPromoted(count int) {
	s.promotionsTotal.Add(float64(count))
}

func (s *PrometheusSink) PromotionError() {
	s.promotionErrorsTotal.Inc()
}

func (s *PrometheusSink) BreakerStateChanged(state string) {
	for _, known := range []string{"CLOSED", "OPEN", "HALF_OPEN"} {
		value := 0.0
		if known == state {
			value = 1.0
		}
		s.breakerState.WithLabelValues(known).Set(value)
	}
}

func (s *PrometheusSink) ProviderFailure() {
	s.providerFailuresTotal.Inc()
}

func (s *PrometheusSink) JobExecuted(outcome string, duration time.Duration) {
	s.jobsExecutedTotal.WithLabelValues(outcome).Inc()
	s.executionDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) ActiveJobsUpdate(count int) {
	s.activeJobs.Set(float64(count))
}

var _ Sink = (*PrometheusSink)(nil)
