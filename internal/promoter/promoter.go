// Package promoter moves due delayed entries into the immediate lane.
//
// Promotion is at-least-once: an entry is enqueued first and removed from
// the delayed lane second. If the enqueue fails the entry stays due for the
// next tick; if the remove fails the entry may be promoted twice, and the
// worker's status-transition guard makes the duplicate a no-op.
package promoter

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/djlord-it/karbos/internal/domain"
)

// Queue is the dual-queue capability the promoter needs.
type Queue interface {
	ScanDue(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error)
	EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error
	RemoveFromDelayed(ctx context.Context, jobID string) error
}

// MetricsSink records promoter observations. All methods must be
// non-blocking and fire-and-forget.
type MetricsSink interface {
	EntriesPromoted(count int)
	PromotionError()
}

// Config holds promoter configuration.
type Config struct {
	// Interval is how often the delayed lane is scanned. Default: 10 seconds.
	Interval time.Duration
}

// Promoter is the single loop that feeds the immediate lane from the
// delayed lane. It never runs containers itself.
type Promoter struct {
	config  Config
	queue   Queue
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a Promoter.
func New(config Config, queue Queue) *Promoter {
	if config.Interval == 0 {
		config.Interval = 10 * time.Second
	}
	return &Promoter{
		config: config,
		queue:  queue,
		clock:  time.Now,
	}
}

// WithMetrics attaches a metrics sink to the promoter.
func (p *Promoter) WithMetrics(sink MetricsSink) *Promoter {
	p.metrics = sink
	return p
}

// Run starts the promotion loop. It blocks until ctx is cancelled.
func (p *Promoter) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	log.Printf("promoter: started (interval=%s)", p.config.Interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("promoter: stopped")
			return
		case <-ticker.C:
			if err := p.promoteDue(ctx); err != nil {
				log.Printf("promoter: tick error: %v", err)
			}
		}
	}
}

// promoteDue performs one promotion cycle.
func (p *Promoter) promoteDue(ctx context.Context) error {
	now := p.clock()

	entries, err := p.queue.ScanDue(ctx, now)
	if err != nil {
		return fmt.Errorf("scan due entries: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	promoted := 0
	failed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			log.Printf("promoter: cycle interrupted, promoted %d/%d", promoted, len(entries))
			return nil
		}
		if err := p.promote(ctx, entry); err != nil {
			log.Printf("promoter: failed to promote job %s: %v", entry.JobID, err)
			if p.metrics != nil {
				p.metrics.PromotionError()
			}
			failed++
			continue
		}
		promoted++
	}

	if p.metrics != nil {
		p.metrics.EntriesPromoted(promoted)
	}
	log.Printf("promoter: promoted %d entries, %d failed", promoted, failed)
	return nil
}

// promote moves a single entry. Order matters: enqueue before remove.
func (p *Promoter) promote(ctx context.Context, entry *domain.QueueEntry) error {
	if err := p.queue.EnqueueImmediate(ctx, entry); err != nil {
		// Entry stays in the delayed lane and remains due next tick.
		return fmt.Errorf("enqueue immediate: %w", err)
	}

	if err := p.queue.RemoveFromDelayed(ctx, entry.JobID); err != nil {
		// Already in the immediate lane; a duplicate promotion is handled
		// downstream by the worker's status guard.
		log.Printf("promoter: job %s promoted but not removed from delayed lane: %v", entry.JobID, err)
	}
	return nil
}
