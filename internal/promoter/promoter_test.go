package promoter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/djlord-it/karbos/internal/domain"
	"github.com/djlord-it/karbos/internal/queue"
	"github.com/djlord-it/karbos/internal/testutil"
)

var base = time.Date(2025, 12, 4, 17, 0, 5, 0, time.UTC)

func newTestPromoter(q Queue, clock *testutil.FakeClock) *Promoter {
	p := New(Config{Interval: 10 * time.Second}, q)
	p.clock = clock.Now
	return p
}

func TestPromoteDue_MovesDueEntries(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(base)
	q := queue.NewMemoryQueue().WithClock(clock.Now)
	p := newTestPromoter(q, clock)

	due := &domain.QueueEntry{JobID: "due", DockerImage: "alpine", ScheduledTime: base.Add(-5 * time.Second)}
	future := &domain.QueueEntry{JobID: "future", DockerImage: "alpine", ScheduledTime: base.Add(time.Hour)}
	q.EnqueueDelayed(ctx, due)
	q.EnqueueDelayed(ctx, future)

	if err := p.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}

	got, err := q.DequeueImmediate(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got == nil || got.JobID != "due" {
		t.Fatalf("expected promoted entry 'due', got %+v", got)
	}

	depth, _ := q.DelayedDepth(ctx)
	if depth != 1 {
		t.Fatalf("expected only 'future' left in delayed lane, depth=%d", depth)
	}
}

func TestPromoteDue_NothingDue_NoOp(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(base)
	q := queue.NewMemoryQueue().WithClock(clock.Now)
	p := newTestPromoter(q, clock)

	q.EnqueueDelayed(ctx, &domain.QueueEntry{JobID: "later", ScheduledTime: base.Add(time.Hour)})

	if err := p.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}
	depth, _ := q.ImmediateDepth(ctx)
	if depth != 0 {
		t.Fatalf("expected immediate lane empty, depth=%d", depth)
	}
}

// failingQueue wraps the memory queue to inject enqueue failures.
type failingQueue struct {
	*queue.MemoryQueue
	enqueueErr error
}

func (q *failingQueue) EnqueueImmediate(ctx context.Context, entry *domain.QueueEntry) error {
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	return q.MemoryQueue.EnqueueImmediate(ctx, entry)
}

func TestPromoteDue_EnqueueFails_EntryStaysDue(t *testing.T) {
	ctx := testutil.TestContext(t)
	clock := testutil.NewFakeClock(base)
	mem := queue.NewMemoryQueue().WithClock(clock.Now)
	q := &failingQueue{MemoryQueue: mem, enqueueErr: errors.New("broker unavailable")}
	p := newTestPromoter(q, clock)

	mem.EnqueueDelayed(ctx, &domain.QueueEntry{JobID: "stuck", ScheduledTime: base.Add(-time.Second)})

	if err := p.promoteDue(ctx); err != nil {
		t.Fatalf("promote: %v", err)
	}

	// The remove must not have run: the entry is still due next tick.
	due, _ := mem.ScanDue(ctx, base)
	if len(due) != 1 || due[0].JobID != "stuck" {
		t.Fatalf("expected entry to remain due after enqueue failure, got %v", due)
	}

	// Once the broker recovers the entry is promoted.
	q.enqueueErr = nil
	if err := p.promoteDue(ctx); err != nil {
		t.Fatalf("promote after recovery: %v", err)
	}
	got, _ := mem.DequeueImmediate(ctx)
	if got == nil || got.JobID != "stuck" {
		t.Fatalf("expected entry promoted after recovery, got %+v", got)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	clock := testutil.NewFakeClock(base)
	q := queue.NewMemoryQueue().WithClock(clock.Now)
	p := New(Config{Interval: time.Millisecond}, q)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("promoter did not stop on context cancellation")
	}
}
