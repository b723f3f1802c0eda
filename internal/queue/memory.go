package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/djlord-it/karbos/internal/domain"
)

// MemoryQueue is an in-process implementation of the dual queue with the
// same semantics as RedisQueue. It backs tests and single-node development;
// production deployments use Redis.
type MemoryQueue struct {
	mu         sync.Mutex
	immediate  []*domain.QueueEntry
	delayed    []*domain.QueueEntry // kept sorted by scheduled time
	heartbeats map[string]time.Time // worker ID -> expiry
	clock      func() time.Time
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		heartbeats: make(map[string]time.Time),
		clock:      time.Now,
	}
}

// WithClock overrides the queue's clock. Tests only.
func (q *MemoryQueue) WithClock(clock func() time.Time) *MemoryQueue {
	q.clock = clock
	return q
}

// HealthCheck always succeeds for the in-memory queue.
func (q *MemoryQueue) HealthCheck(ctx context.Context) error {
	return nil
}

// EnqueueImmediate appends to the tail of the immediate lane.
func (q *MemoryQueue) EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *entry
	q.immediate = append(q.immediate, &copied)
	return nil
}

// DequeueImmediate pops the head of the immediate lane, or (nil, nil) when
// empty. The lock makes delivery exactly-once across concurrent callers.
func (q *MemoryQueue) DequeueImmediate(ctx context.Context) (*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.immediate) == 0 {
		return nil, nil
	}
	head := q.immediate[0]
	q.immediate = q.immediate[1:]
	return head, nil
}

// EnqueueDelayed inserts into the delayed lane ordered by scheduled time.
func (q *MemoryQueue) EnqueueDelayed(ctx context.Context, entry *domain.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	copied := *entry
	q.delayed = append(q.delayed, &copied)
	sort.SliceStable(q.delayed, func(i, j int) bool {
		return q.delayed[i].ScheduledTime.Before(q.delayed[j].ScheduledTime)
	})
	return nil
}

// ScanDue returns all delayed entries scheduled at or before now, ascending.
func (q *MemoryQueue) ScanDue(ctx context.Context, now time.Time) ([]*domain.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*domain.QueueEntry
	for _, entry := range q.delayed {
		if entry.ScheduledTime.After(now) {
			break
		}
		copied := *entry
		due = append(due, &copied)
	}
	return due, nil
}

// RemoveFromDelayed removes the entry with the given job ID.
func (q *MemoryQueue) RemoveFromDelayed(ctx context.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, entry := range q.delayed {
		if entry.JobID == jobID {
			q.delayed = append(q.delayed[:i], q.delayed[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("job %s not found in delayed queue", jobID)
}

// ImmediateDepth returns the immediate lane length.
func (q *MemoryQueue) ImmediateDepth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.immediate)), nil
}

// DelayedDepth returns the delayed lane length.
func (q *MemoryQueue) DelayedDepth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.delayed)), nil
}

// DelayedStats returns totals for the delayed lane relative to now.
func (q *MemoryQueue) DelayedStats(ctx context.Context, now time.Time) (*DelayedStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := int64(len(q.delayed))
	var due int64
	for _, entry := range q.delayed {
		if !entry.ScheduledTime.After(now) {
			due++
		}
	}
	return &DelayedStats{TotalDelayed: total, DueNow: due, Pending: total - due}, nil
}

// SetHeartbeat records a worker liveness sentinel expiring after ttl.
func (q *MemoryQueue) SetHeartbeat(ctx context.Context, workerID string, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats[workerID] = q.clock().Add(ttl)
	return nil
}

// ListActiveWorkers enumerates workers whose sentinel has not expired.
func (q *MemoryQueue) ListActiveWorkers(ctx context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var workers []string
	for id, expiry := range q.heartbeats {
		if expiry.After(now) {
			workers = append(workers, id)
		} else {
			delete(q.heartbeats, id)
		}
	}
	sort.Strings(workers)
	return workers, nil
}
