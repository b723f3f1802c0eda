package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/testutil"
)

var base = time.Date(2025, 12, 4, 14, 0, 0, 0, time.UTC)

func entry(jobID string, scheduled time.Time) *domain.QueueEntry {
	return &domain.QueueEntry{
		JobID:         jobID,
		DockerImage:   "alpine:latest",
		ScheduledTime: scheduled,
	}
}

func TestMemoryQueue_ImmediateFIFO(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := NewMemoryQueue()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.EnqueueImmediate(ctx, entry(id, base)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		got, err := q.DequeueImmediate(ctx)
		if err != nil {
			t.Fatalf("dequeue: %v", err)
		}
		if got == nil || got.JobID != want {
			t.Fatalf("expected %s, got %+v", want, got)
		}
	}

	got, err := q.DequeueImmediate(ctx)
	if err != nil {
		t.Fatalf("dequeue empty: %v", err)
	}
	if got != nil {
		t.Fatalf("expected empty sentinel, got %+v", got)
	}
}

func TestMemoryQueue_ConcurrentDequeue_ExactlyOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()

	const n = 200
	for i := 0; i < n; i++ {
		q.EnqueueImmediate(ctx, entry(time.Duration(i).String(), base))
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := q.DequeueImmediate(ctx)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if got == nil {
					return
				}
				mu.Lock()
				seen[got.JobID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("expected %d unique entries, got %d", n, len(seen))
	}
	for id, count := range seen {
		if count != 1 {
			t.Fatalf("entry %s delivered %d times", id, count)
		}
	}
}

func TestMemoryQueue_ScanDue_OrderedAscending(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := NewMemoryQueue()

	q.EnqueueDelayed(ctx, entry("late", base.Add(2*time.Hour)))
	q.EnqueueDelayed(ctx, entry("early", base.Add(-time.Hour)))
	q.EnqueueDelayed(ctx, entry("mid", base.Add(-30*time.Minute)))

	due, err := q.ScanDue(ctx, base)
	if err != nil {
		t.Fatalf("scan due: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected 2 due entries, got %d", len(due))
	}
	if due[0].JobID != "early" || due[1].JobID != "mid" {
		t.Fatalf("expected ascending score order, got %s, %s", due[0].JobID, due[1].JobID)
	}
}

func TestMemoryQueue_ScanDue_RepeatableUntilRemoved(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := NewMemoryQueue()

	q.EnqueueDelayed(ctx, entry("x", base.Add(-time.Minute)))

	for i := 0; i < 2; i++ {
		due, err := q.ScanDue(ctx, base)
		if err != nil {
			t.Fatalf("scan due: %v", err)
		}
		if len(due) != 1 {
			t.Fatalf("scan %d: expected entry until removed, got %d", i, len(due))
		}
	}

	if err := q.RemoveFromDelayed(ctx, "x"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	due, _ := q.ScanDue(ctx, base)
	if len(due) != 0 {
		t.Fatalf("expected no due entries after removal, got %d", len(due))
	}
}

func TestMemoryQueue_RemoveFromDelayed_Missing(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := NewMemoryQueue()
	if err := q.RemoveFromDelayed(ctx, "missing"); err == nil {
		t.Fatal("expected error removing unknown entry")
	}
}

func TestMemoryQueue_DelayedStats(t *testing.T) {
	ctx := testutil.TestContext(t)
	q := NewMemoryQueue()

	q.EnqueueDelayed(ctx, entry("due1", base.Add(-time.Minute)))
	q.EnqueueDelayed(ctx, entry("due2", base))
	q.EnqueueDelayed(ctx, entry("future", base.Add(time.Hour)))

	stats, err := q.DelayedStats(ctx, base)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalDelayed != 3 || stats.DueNow != 2 || stats.Pending != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestMemoryQueue_Heartbeats_TTL(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(base)
	q := NewMemoryQueue().WithClock(clock.Now)

	if err := q.SetHeartbeat(ctx, "worker-1", 15*time.Second); err != nil {
		t.Fatalf("set heartbeat: %v", err)
	}

	workers, err := q.ListActiveWorkers(ctx)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 1 || workers[0] != "worker-1" {
		t.Fatalf("expected worker-1 live, got %v", workers)
	}

	clock.Advance(16 * time.Second)
	workers, err = q.ListActiveWorkers(ctx)
	if err != nil {
		t.Fatalf("list workers: %v", err)
	}
	if len(workers) != 0 {
		t.Fatalf("expected heartbeat expired, got %v", workers)
	}
}
