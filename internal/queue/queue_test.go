package queue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"buildplane/internal/pool"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// fakeAgentSource answers dry-run acquires with a canned availability.
type fakeAgentSource struct {
	mu        sync.Mutex
	available bool
}

func (f *fakeAgentSource) Acquire(ctx context.Context, req pool.AcquireRequest) *store.Agent {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.available {
		return nil
	}
	return &store.Agent{ID: uuid.New(), Name: "agent-1"}
}

func (f *fakeAgentSource) setAvailable(v bool) {
	f.mu.Lock()
	f.available = v
	f.mu.Unlock()
}

func newTestQueue() *Queue {
	return New(time.Second, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func enqueue(q *Queue, jobID uuid.UUID, priority Priority) *Item {
	return q.Enqueue(EnqueueRequest{
		BuildID:  uuid.New(),
		JobID:    jobID,
		JobName:  "demo",
		Priority: priority,
	})
}

func TestEnqueue_Defaults(t *testing.T) {
	q := newTestQueue()

	item := q.Enqueue(EnqueueRequest{BuildID: uuid.New(), JobID: uuid.New(), JobName: "demo"})

	if item.State != StateBuildable {
		t.Errorf("expected buildable, got %s", item.State)
	}
	if item.Priority != PriorityNormal {
		t.Errorf("expected normal priority, got %d", item.Priority)
	}
	if item.MaxConcurrentPerJob != 1 {
		t.Errorf("expected maxConcurrentPerJob=1, got %d", item.MaxConcurrentPerJob)
	}
}

func TestEnqueue_QuietPeriod(t *testing.T) {
	q := newTestQueue()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	item := q.Enqueue(EnqueueRequest{
		BuildID:     uuid.New(),
		JobID:       uuid.New(),
		JobName:     "demo",
		QuietPeriod: 5 * time.Second,
	})

	if item.State != StateWaiting {
		t.Fatalf("expected waiting, got %s", item.State)
	}

	// Still inside the quiet period: maintenance must not promote.
	q.now = func() time.Time { return base.Add(3 * time.Second) }
	q.Maintain()
	got, _ := q.Get(item.BuildID)
	if got.State != StateWaiting {
		t.Errorf("promoted too early, state=%s", got.State)
	}

	q.now = func() time.Time { return base.Add(6 * time.Second) }
	q.Maintain()
	got, _ = q.Get(item.BuildID)
	if got.State != StateBuildable {
		t.Errorf("expected buildable after quiet period, got %s", got.State)
	}
	if got.QuietUntil != nil {
		t.Error("expected quietUntil cleared after promotion")
	}
}

func TestGetNextBuildable_PriorityOrder(t *testing.T) {
	agents := &fakeAgentSource{available: true}

	// Enqueue low before high and high before low: the high-priority
	// item must win in both orders.
	for _, first := range []Priority{PriorityNormal, PriorityHigh} {
		q := newTestQueue()
		second := PriorityHigh
		if first == PriorityHigh {
			second = PriorityNormal
		}
		a := enqueue(q, uuid.New(), first)
		b := enqueue(q, uuid.New(), second)

		want := a.BuildID
		if b.Priority > a.Priority {
			want = b.BuildID
		}

		got := q.GetNextBuildable(context.Background(), agents)
		if got == nil || got.BuildID != want {
			t.Errorf("enqueue order %d,%d: expected the high-priority item first", first, second)
		}
	}
}

func TestGetNextBuildable_FIFOWithinPriority(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: true}

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }
	first := enqueue(q, uuid.New(), PriorityNormal)
	q.now = func() time.Time { return base.Add(time.Second) }
	enqueue(q, uuid.New(), PriorityNormal)

	got := q.GetNextBuildable(context.Background(), agents)
	if got == nil || got.BuildID != first.BuildID {
		t.Error("expected FIFO order within the same priority")
	}
}

func TestGetNextBuildable_JobConcurrencyBlocks(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: true}
	jobID := uuid.New()

	first := enqueue(q, jobID, PriorityNormal)
	second := enqueue(q, jobID, PriorityNormal)

	got := q.GetNextBuildable(context.Background(), agents)
	if got == nil || got.BuildID != first.BuildID {
		t.Fatal("expected the first build to be dispatched")
	}
	q.MarkRunning(first.BuildID)

	if next := q.GetNextBuildable(context.Background(), agents); next != nil {
		t.Fatalf("expected nil while the job is at its concurrency limit, got %s", next.BuildID)
	}
	blocked, _ := q.Get(second.BuildID)
	if blocked.State != StateBlocked || blocked.BlockedReason != blockedReasonConcurrency {
		t.Errorf("expected blocked on concurrency, got state=%s reason=%q", blocked.State, blocked.BlockedReason)
	}

	// Completing the first build and one maintenance pass unblocks it.
	q.MarkCompleted(first.BuildID)
	q.Maintain()

	got = q.GetNextBuildable(context.Background(), agents)
	if got == nil || got.BuildID != second.BuildID {
		t.Error("expected the second build to dispatch after the first completed")
	}
}

func TestGetNextBuildable_NoAgentBlocks(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: false}

	item := enqueue(q, uuid.New(), PriorityNormal)

	if got := q.GetNextBuildable(context.Background(), agents); got != nil {
		t.Fatal("expected nil with no agents available")
	}
	blocked, _ := q.Get(item.BuildID)
	if blocked.State != StateBlocked || blocked.BlockedReason != blockedReasonNoAgent {
		t.Errorf("expected blocked on agents, got state=%s reason=%q", blocked.State, blocked.BlockedReason)
	}

	agents.setAvailable(true)
	q.Maintain()

	got := q.GetNextBuildable(context.Background(), agents)
	if got == nil || got.BuildID != item.BuildID {
		t.Fatal("expected dispatch after an agent became available")
	}
	if got.State != StatePending {
		t.Errorf("expected pending, got %s", got.State)
	}
}

func TestMaintain_BoundedBlockedRetries(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: false}

	for i := 0; i < blockedRetriesPerTick+2; i++ {
		enqueue(q, uuid.New(), PriorityNormal)
	}
	q.GetNextBuildable(context.Background(), agents)

	s := q.Stats()
	if s.BlockedCount != blockedRetriesPerTick+2 {
		t.Fatalf("expected all items blocked, got %d", s.BlockedCount)
	}

	q.Maintain()
	s = q.Stats()
	if s.BuildableCount != blockedRetriesPerTick || s.BlockedCount != 2 {
		t.Errorf("expected %d retried and 2 still blocked, got buildable=%d blocked=%d",
			blockedRetriesPerTick, s.BuildableCount, s.BlockedCount)
	}
}

func TestAbortBuild_Idempotent(t *testing.T) {
	q := newTestQueue()
	item := enqueue(q, uuid.New(), PriorityNormal)

	if !q.AbortBuild(item.BuildID) {
		t.Error("expected first abort to report removal")
	}
	if q.AbortBuild(item.BuildID) {
		t.Error("expected second abort to be a no-op")
	}
}

func TestAbortBuild_RefusesClaimedItem(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: true}
	item := enqueue(q, uuid.New(), PriorityNormal)

	// Once the dispatcher has claimed the item, abort must go through
	// the executor's cancellation, not remove it out from under it.
	if q.GetNextBuildable(context.Background(), agents) == nil {
		t.Fatal("expected the item to be claimable")
	}
	if q.AbortBuild(item.BuildID) {
		t.Error("expected abort of a pending item to be refused")
	}

	q.MarkRunning(item.BuildID)
	if q.AbortBuild(item.BuildID) {
		t.Error("expected abort of a running item to be refused")
	}

	q.MarkCompleted(item.BuildID)
	if _, ok := q.Get(item.BuildID); ok {
		t.Error("expected the executor's completion to remove the item")
	}
}

func TestMarkCompleted_ReleasesJobSlot(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: true}
	jobID := uuid.New()

	item := enqueue(q, jobID, PriorityNormal)
	q.GetNextBuildable(context.Background(), agents)
	q.MarkRunning(item.BuildID)

	q.MarkCompleted(item.BuildID)
	q.MarkCompleted(item.BuildID) // repeated completion is safe

	next := enqueue(q, jobID, PriorityNormal)
	got := q.GetNextBuildable(context.Background(), agents)
	if got == nil || got.BuildID != next.BuildID {
		t.Error("expected the job slot to be free after completion")
	}
}

func TestStats(t *testing.T) {
	q := newTestQueue()
	agents := &fakeAgentSource{available: true}
	jobID := uuid.New()

	running := enqueue(q, jobID, PriorityHigh)
	q.GetNextBuildable(context.Background(), agents)
	q.MarkRunning(running.BuildID)

	enqueue(q, jobID, PriorityNormal) // will block on concurrency
	q.GetNextBuildable(context.Background(), agents)

	q.Enqueue(EnqueueRequest{
		BuildID:     uuid.New(),
		JobID:       uuid.New(),
		JobName:     "other",
		QuietPeriod: time.Minute,
	})

	s := q.Stats()
	if s.RunningCount != 1 || s.BlockedCount != 1 || s.WaitingCount != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.TotalQueued != 3 {
		t.Errorf("expected totalQueued=3, got %d", s.TotalQueued)
	}
	if len(s.Items) != 3 {
		t.Errorf("expected 3 item details, got %d", len(s.Items))
	}
}

func TestRun_WakesOnCapacitySignal(t *testing.T) {
	q := New(time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	agents := &fakeAgentSource{available: false}

	item := enqueue(q, uuid.New(), PriorityNormal)
	q.GetNextBuildable(context.Background(), agents)

	capacity := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx, capacity)

	// With a one-hour tick the only way the item unblocks in time is
	// the capacity signal.
	capacity <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, _ := q.Get(item.BuildID); got.State == StateBuildable {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the blocked item to become buildable after a capacity signal")
}
