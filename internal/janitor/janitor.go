// Package janitor evicts aged carbon cache rows.
//
// Cache rows are upserted with an expiry but Postgres does not reap them on
// its own; the janitor periodically deletes rows older than the retention
// bound so nearest and range lookups stay small and never surface long-dead
// samples.
package janitor

import (
	"context"
	"log"
	"time"
)

// Store defines the interface for purging aged cache rows.
type Store interface {
	PurgeCarbonCache(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Config holds janitor configuration.
type Config struct {
	// Interval is how often the janitor runs. Default: 1 hour.
	Interval time.Duration

	// MaxAge is the retention bound for cache rows. Default: 24 hours.
	MaxAge time.Duration
}

// DefaultConfig returns the default janitor configuration.
func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		MaxAge:   24 * time.Hour,
	}
}

// Janitor runs the purge cycle.
type Janitor struct {
	config Config
	store  Store
}

// New creates a Janitor, applying defaults for zero config fields.
func New(config Config, store Store) *Janitor {
	if config.Interval == 0 {
		config.Interval = time.Hour
	}
	if config.MaxAge == 0 {
		config.MaxAge = 24 * time.Hour
	}
	return &Janitor{config: config, store: store}
}

// Run starts the purge loop. It blocks until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.config.Interval)
	defer ticker.Stop()

	log.Printf("janitor: started (interval=%s, max_age=%s)", j.config.Interval, j.config.MaxAge)

	// Run immediately on startup, then on ticker
	j.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("janitor: stopped")
			return
		case <-ticker.C:
			j.runCycle(ctx)
		}
	}
}

// runCycle executes one purge cycle.
func (j *Janitor) runCycle(ctx context.Context) {
	purged, err := j.store.PurgeCarbonCache(ctx, j.config.MaxAge)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("janitor: purge failed: %v", err)
		return
	}
	if purged > 0 {
		log.Printf("janitor: purged %d aged cache rows", purged)
	}
}
