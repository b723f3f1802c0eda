package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or
// propagate errors. If the metrics backend is unavailable, implementations
// log warnings and continue.
type Sink interface {
	// Submission metrics
	JobSubmitted(decision string)
	SavingsObserve(savings float64)

	// Queue metrics
	QueueDepthUpdate(immediate, delayed int64)

	// Promoter metrics
	EntriesPromoted(count int)
	PromotionError()

	// Carbon provider metrics
	BreakerStateChanged(state string)
	ProviderFailure()

	// Worker pool metrics
	JobExecuted(outcome string, duration time.Duration)
	ActiveJobsUpdate(count int)
}

// Decision labels for JobSubmitted.
const (
	DecisionImmediate = "immediate"
	DecisionScheduled = "scheduled"
)
