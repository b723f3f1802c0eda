package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobSubmitted(decision string)                      {}
func (n *NoopSink) SavingsObserve(savings float64)                    {}
func (n *NoopSink) QueueDepthUpdate(immediate, delayed int64)         {}
func (n *NoopSink) EntriesPromoted(count int)                         {}
func (n *NoopSink) PromotionError()                                   {}
func (n *NoopSink) BreakerStateChanged(state string)                  {}
func (n *NoopSink) ProviderFailure()                                  {}
func (n *NoopSink) JobExecuted(outcome string, duration time.Duration) {}
func (n *NoopSink) ActiveJobsUpdate(count int)                        {}
