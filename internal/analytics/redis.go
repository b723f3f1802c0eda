// Package analytics records scheduling decisions in Redis as hour-bucketed
// counters. Writes are best-effort; the submission path never depends on them.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// defaultRetention is how long decision buckets are kept.
const defaultRetention = 7 * 24 * time.Hour

// RedisSink writes decision counters to Redis.
type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisSink creates a sink on the given client.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: defaultRetention}
}

// RecordDecision bumps the per-region decision counter for the hour bucket
// of t, and accumulates the expected grams saved per kWh.
func (s *RedisSink) RecordDecision(ctx context.Context, region string, immediate bool, savings float64, t time.Time) error {
	decision := "scheduled"
	if immediate {
		decision = "immediate"
	}
	bucket := t.UTC().Format("2006010215")

	countKey := fmt.Sprintf("karbos:decisions:%s:%s:%s", region, bucket, decision)
	savingsKey := fmt.Sprintf("karbos:savings:%s:%s", region, bucket)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, countKey)
	pipe.Expire(ctx, countKey, s.retention)
	if savings > 0 {
		pipe.IncrByFloat(ctx, savingsKey, savings)
		pipe.Expire(ctx, savingsKey, s.retention)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}
	return nil
}
