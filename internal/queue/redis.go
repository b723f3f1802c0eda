// Package queue implements the dual job queue: an immediate FIFO lane, a
// delayed lane ordered by scheduled time, and the worker liveness registry.
// The production implementation is Redis; a memory double backs tests.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/karbos/internal/domain"
)

// Stable broker keys.
const (
	DefaultImmediateKey = "karbos:queue:immediate"
	DefaultDelayedKey   = "karbos:queue:delayed"

	workerKeyPrefix = "worker:"
)

// removeScanPageSize bounds each ZRANGE page while searching the delayed
// lane for a member to remove; removeScanMaxPages caps the whole scan.
const (
	removeScanPageSize = 256
	removeScanMaxPages = 64
)

// DelayedStats summarizes the delayed lane.
type DelayedStats struct {
	TotalDelayed int64 `json:"total_delayed_jobs"`
	DueNow       int64 `json:"ready_jobs"`
	Pending      int64 `json:"pending_jobs"`
}

// RedisQueue is the Redis-backed dual queue.
type RedisQueue struct {
	client       *redis.Client
	immediateKey string
	delayedKey   string
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(addr, password string, db int, immediateKey, delayedKey string) (*RedisQueue, error) {
	if immediateKey == "" {
		immediateKey = DefaultImmediateKey
	}
	if delayedKey == "" {
		delayedKey = DefaultDelayedKey
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisQueue{
		client:       client,
		immediateKey: immediateKey,
		delayedKey:   delayedKey,
	}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// HealthCheck pings the broker.
func (q *RedisQueue) HealthCheck(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// EnqueueImmediate appends an entry to the tail of the immediate lane.
// RPUSH is atomic: a partially written entry is never visible to readers.
func (q *RedisQueue) EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}
	if err := q.client.RPush(ctx, q.immediateKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue immediate: %w", err)
	}
	return nil
}

// DequeueImmediate removes and returns the head of the immediate lane, or
// (nil, nil) when the lane is empty. LPOP is atomic across concurrent
// callers, so no entry is delivered twice.
func (q *RedisQueue) DequeueImmediate(ctx context.Context) (*domain.QueueEntry, error) {
	result, err := q.client.LPop(ctx, q.immediateKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue immediate: %w", err)
	}

	var entry domain.QueueEntry
	if err := json.Unmarshal([]byte(result), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal queue entry: %w", err)
	}
	return &entry, nil
}

// EnqueueDelayed inserts an entry into the delayed lane scored by its
// scheduled time in epoch seconds.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, entry *domain.QueueEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal queue entry: %w", err)
	}

	member := redis.Z{
		Score:  float64(entry.ScheduledTime.Unix()),
		Member: data,
	}
	if err := q.client.ZAdd(ctx, q.delayedKey, member).Err(); err != nil {
		return fmt.Errorf("enqueue delayed: %w", err)
	}
	return nil
}

// ScanDue returns all delayed entries whose score is <= now, ascending.
// Entries stay in the lane until RemoveFromDelayed succeeds.
func (q *RedisQueue) ScanDue(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error) {
	results, err := q.client.ZRangeByScore(ctx, q.delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due delayed entries: %w", err)
	}

	var entries []*domain.QueueEntry
	for _, result := range results {
		var entry domain.QueueEntry
		if err := json.Unmarshal([]byte(result), &entry); err != nil {
			log.Printf("queue: skipping malformed delayed entry: %v", err)
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// RemoveFromDelayed removes the delayed entry whose job ID matches. Members
// are keyed by the full encoded entry, so this pages through the set with a
// bounded scan.
func (q *RedisQueue) RemoveFromDelayed(ctx context.Context, jobID string) error {
	for page := 0; page < removeScanMaxPages; page++ {
		start := int64(page * removeScanPageSize)
		stop := start + removeScanPageSize - 1

		results, err := q.client.ZRange(ctx, q.delayedKey, start, stop).Result()
		if err != nil {
			return fmt.Errorf("scan delayed lane: %w", err)
		}
		if len(results) == 0 {
			break
		}

		for _, result := range results {
			var entry domain.QueueEntry
			if err := json.Unmarshal([]byte(result), &entry); err != nil {
				continue
			}
			if entry.JobID == jobID {
				if err := q.client.ZRem(ctx, q.delayedKey, result).Err(); err != nil {
					return fmt.Errorf("remove delayed entry: %w", err)
				}
				return nil
			}
		}

		if len(results) < removeScanPageSize {
			break
		}
	}

	return fmt.Errorf("job %s not found in delayed queue", jobID)
}

// ImmediateDepth returns the immediate lane length.
func (q *RedisQueue) ImmediateDepth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.immediateKey).Result()
	if err != nil {
		return 0, fmt.Errorf("immediate depth: %w", err)
	}
	return depth, nil
}

// DelayedDepth returns the delayed lane cardinality.
func (q *RedisQueue) DelayedDepth(ctx context.Context) (int64, error) {
	depth, err := q.client.ZCard(ctx, q.delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed depth: %w", err)
	}
	return depth, nil
}

// DelayedStats returns totals for the delayed lane relative to now.
func (q *RedisQueue) DelayedStats(ctx context.Context, now time.Time) (*DelayedStats, error) {
	total, err := q.DelayedDepth(ctx)
	if err != nil {
		return nil, err
	}

	due, err := q.client.ZCount(ctx, q.delayedKey, "-inf", fmt.Sprintf("%d", now.Unix())).Result()
	if err != nil {
		return nil, fmt.Errorf("delayed stats: %w", err)
	}

	return &DelayedStats{
		TotalDelayed: total,
		DueNow:       due,
		Pending:      total - due,
	}, nil
}

// SetHeartbeat writes a worker liveness sentinel with the given TTL.
func (q *RedisQueue) SetHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	return q.client.Set(ctx, workerKeyPrefix+workerID, "alive", ttl).Err()
}

// ListActiveWorkers enumerates workers with a live heartbeat sentinel.
func (q *RedisQueue) ListActiveWorkers(ctx context.Context) ([]string, error) {
	var workers []string

	iter := q.client.Scan(ctx, 0, workerKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if id := strings.TrimPrefix(key, workerKeyPrefix); id != key {
			workers = append(workers, id)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan worker keys: %w", err)
	}
	return workers, nil
}
