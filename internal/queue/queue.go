// Package queue implements the build admission queue. It decouples
// build requests from execution, which is bounded by agent capacity,
// and applies priority ordering, quiet periods and per-job concurrency
// limits before a build is handed to the dispatcher.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"buildplane/internal/pool"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// Priority orders buildable items. Higher values are served first.
type Priority int

const (
	PriorityLow      Priority = 1
	PriorityNormal   Priority = 5
	PriorityHigh     Priority = 10
	PriorityCritical Priority = 20
)

// State is the lifecycle state of a queued build.
type State string

const (
	// StateWaiting holds items inside their quiet period.
	StateWaiting State = "waiting"
	// StateBuildable items are eligible for dispatch.
	StateBuildable State = "buildable"
	// StateBlocked items failed a dispatch check and wait for retry.
	StateBlocked State = "blocked"
	// StatePending items have been handed to the dispatcher.
	StatePending State = "pending"
	// StateRunning items are executing on an agent.
	StateRunning State = "running"
)

const (
	// blockedRetriesPerTick bounds how many blocked items one
	// maintenance pass moves back to buildable.
	blockedRetriesPerTick = 5

	blockedReasonConcurrency = "job concurrency limit"
	blockedReasonNoAgent     = "no agent matching labels"
)

// AgentSource is the slice of the agent pool the queue needs for
// dry-run availability checks.
type AgentSource interface {
	Acquire(ctx context.Context, req pool.AcquireRequest) *store.Agent
}

// Item is the queue's view of one in-flight build. Exactly one Item
// exists per build between Enqueue and MarkCompleted/AbortBuild.
type Item struct {
	BuildID             uuid.UUID
	JobID               uuid.UUID
	JobName             string
	BuildNumber         int
	Priority            Priority
	RequiredLabels      []string
	State               State
	QueuedAt            time.Time
	QuietUntil          *time.Time
	BlockedReason       string
	MaxConcurrentPerJob int
	PreferAgentID       uuid.UUID
}

// EnqueueRequest carries the admission parameters for one build.
type EnqueueRequest struct {
	BuildID             uuid.UUID
	JobID               uuid.UUID
	JobName             string
	BuildNumber         int
	Priority            Priority
	RequiredLabels      []string
	QuietPeriod         time.Duration
	MaxConcurrentPerJob int
	PreferAgentID       uuid.UUID
}

// Queue is the multi-state build queue. All state transitions happen
// under one mutex; the dispatcher and the maintenance loop never see a
// half-applied transition.
type Queue struct {
	mu            sync.Mutex
	items         map[uuid.UUID]*Item
	runningPerJob map[uuid.UUID]int

	totalQueued    int
	totalCompleted int

	interval time.Duration
	logger   *slog.Logger

	// now is replaced in tests.
	now func() time.Time
}

// New creates a queue whose maintenance loop runs every interval.
func New(interval time.Duration, logger *slog.Logger) *Queue {
	if interval <= 0 {
		interval = time.Second
	}
	return &Queue{
		items:         make(map[uuid.UUID]*Item),
		runningPerJob: make(map[uuid.UUID]int),
		interval:      interval,
		logger:        logger,
		now:           time.Now,
	}
}

// Enqueue admits a build. With a quiet period the item starts Waiting,
// otherwise it is immediately buildable.
func (q *Queue) Enqueue(req EnqueueRequest) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	maxConcurrent := req.MaxConcurrentPerJob
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	priority := req.Priority
	if priority <= 0 {
		priority = PriorityNormal
	}

	item := &Item{
		BuildID:             req.BuildID,
		JobID:               req.JobID,
		JobName:             req.JobName,
		BuildNumber:         req.BuildNumber,
		Priority:            priority,
		RequiredLabels:      req.RequiredLabels,
		State:               StateBuildable,
		QueuedAt:            q.now().UTC(),
		MaxConcurrentPerJob: maxConcurrent,
		PreferAgentID:       req.PreferAgentID,
	}
	if req.QuietPeriod > 0 {
		until := item.QueuedAt.Add(req.QuietPeriod)
		item.QuietUntil = &until
		item.State = StateWaiting
	}

	q.items[item.BuildID] = item
	q.totalQueued++

	q.logger.Info("build enqueued",
		"build_id", item.BuildID,
		"job", item.JobName,
		"build_number", item.BuildNumber,
		"priority", int(item.Priority),
		"state", string(item.State))
	return q.snapshot(item)
}

// GetNextBuildable returns the highest-priority item that passes both
// dispatch checks, moved to Pending, or nil when nothing is eligible.
// Items that fail a check move to Blocked with the reason recorded and
// stay there until maintenance retries them.
func (q *Queue) GetNextBuildable(ctx context.Context, agents AgentSource) *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, item := range q.buildableLocked() {
		if q.runningPerJob[item.JobID] >= item.MaxConcurrentPerJob {
			item.State = StateBlocked
			item.BlockedReason = blockedReasonConcurrency
			continue
		}

		agent := agents.Acquire(ctx, pool.AcquireRequest{
			Labels: item.RequiredLabels,
			DryRun: true,
		})
		if agent == nil {
			item.State = StateBlocked
			item.BlockedReason = blockedReasonNoAgent
			continue
		}

		item.State = StatePending
		item.BlockedReason = ""
		return q.snapshot(item)
	}
	return nil
}

// buildableLocked returns buildable items ordered by priority
// descending, then enqueue time ascending.
func (q *Queue) buildableLocked() []*Item {
	buildable := make([]*Item, 0, len(q.items))
	for _, item := range q.items {
		if item.State == StateBuildable {
			buildable = append(buildable, item)
		}
	}
	sort.Slice(buildable, func(i, j int) bool {
		if buildable[i].Priority != buildable[j].Priority {
			return buildable[i].Priority > buildable[j].Priority
		}
		return buildable[i].QueuedAt.Before(buildable[j].QueuedAt)
	})
	return buildable
}

// MarkRunning confirms dispatch of a pending item and counts it
// against its job's concurrency limit.
func (q *Queue) MarkRunning(buildID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[buildID]
	if !ok || item.State != StatePending {
		return
	}
	item.State = StateRunning
	q.runningPerJob[item.JobID]++
}

// MarkCompleted removes a build from the queue, whatever state it is
// in. Safe to call more than once.
func (q *Queue) MarkCompleted(buildID uuid.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(buildID)
}

// AbortBuild removes an unclaimed build from the queue. Items the
// dispatcher has already claimed (pending or running) are refused:
// they are cancelled through their execution context and cleaned up
// by the executor's own MarkCompleted. Holding the lock for both the
// state check and the removal means a concurrent claim either sees
// the item gone or wins it outright.
func (q *Queue) AbortBuild(buildID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[buildID]
	if !ok {
		return false
	}
	if item.State == StatePending || item.State == StateRunning {
		return false
	}
	q.removeLocked(buildID)
	return true
}

func (q *Queue) removeLocked(buildID uuid.UUID) {
	item, ok := q.items[buildID]
	if !ok {
		return
	}
	if item.State == StateRunning {
		if n := q.runningPerJob[item.JobID]; n > 1 {
			q.runningPerJob[item.JobID] = n - 1
		} else {
			delete(q.runningPerJob, item.JobID)
		}
	}
	delete(q.items, buildID)
	q.totalCompleted++
}

// Get returns a snapshot of one queued item.
func (q *Queue) Get(buildID uuid.UUID) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[buildID]
	if !ok {
		return Item{}, false
	}
	return *q.snapshot(item), true
}

// Maintain runs one maintenance pass: waiting items whose quiet period
// has elapsed become buildable, and a bounded batch of blocked items
// is moved back to buildable for re-evaluation.
func (q *Queue) Maintain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()
	retried := 0
	for _, item := range q.items {
		switch item.State {
		case StateWaiting:
			if item.QuietUntil != nil && !now.Before(*item.QuietUntil) {
				item.State = StateBuildable
				item.QuietUntil = nil
				q.logger.Info("quiet period elapsed",
					"build_id", item.BuildID, "job", item.JobName)
			}
		case StateBlocked:
			if retried < blockedRetriesPerTick {
				item.State = StateBuildable
				item.BlockedReason = ""
				retried++
			}
		}
	}
}

// Run drives the maintenance loop until ctx is cancelled. A capacity
// signal from the pool triggers an immediate pass so blocked items are
// retried as soon as an executor frees up; the ticker remains as a
// fallback in case a signal is dropped.
func (q *Queue) Run(ctx context.Context, capacityChanged <-chan struct{}) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Maintain()
		case <-capacityChanged:
			q.Maintain()
		}
	}
}

// Stats summarizes the queue with per-item detail.
type Stats struct {
	WaitingCount   int
	BlockedCount   int
	BuildableCount int
	PendingCount   int
	RunningCount   int
	TotalQueued    int
	TotalCompleted int
	Items          []Item
}

// Stats returns a snapshot of queue statistics.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	s := Stats{
		TotalQueued:    q.totalQueued,
		TotalCompleted: q.totalCompleted,
		Items:          make([]Item, 0, len(q.items)),
	}
	for _, item := range q.items {
		switch item.State {
		case StateWaiting:
			s.WaitingCount++
		case StateBlocked:
			s.BlockedCount++
		case StateBuildable:
			s.BuildableCount++
		case StatePending:
			s.PendingCount++
		case StateRunning:
			s.RunningCount++
		}
		s.Items = append(s.Items, *q.snapshot(item))
	}
	sort.Slice(s.Items, func(i, j int) bool {
		return s.Items[i].QueuedAt.Before(s.Items[j].QueuedAt)
	})
	return s
}

// snapshot copies an item so callers never share the locked state.
func (q *Queue) snapshot(item *Item) *Item {
	cp := *item
	if item.QuietUntil != nil {
		until := *item.QuietUntil
		cp.QuietUntil = &until
	}
	cp.RequiredLabels = append([]string(nil), item.RequiredLabels...)
	return &cp
}
