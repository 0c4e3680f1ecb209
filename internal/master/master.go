// Package master is the build orchestrator: it turns trigger requests
// into builds, admits them through the queue, and runs the dispatch
// loop that executes each ready build on an acquired agent.
package master

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"buildplane/internal/pool"
	"buildplane/internal/queue"
	"buildplane/internal/runtime"
	"buildplane/internal/sshexec"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// errAborted is the cancel cause of a user abort, distinguishing it
// from a build timeout on the shared execution context.
var errAborted = errors.New("aborted by user")

// Config holds the orchestrator's tunables.
type Config struct {
	// DispatchInterval is the fallback poll interval of the dispatch
	// loop; enqueues wake it immediately.
	DispatchInterval time.Duration

	// SSHConnectTimeout bounds agent connection attempts, independent
	// of any build timeout.
	SSHConnectTimeout time.Duration

	// DefaultBuildTimeout applies to jobs without their own timeout.
	DefaultBuildTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DispatchInterval <= 0 {
		c.DispatchInterval = time.Second
	}
	if c.SSHConnectTimeout <= 0 {
		c.SSHConnectTimeout = sshexec.DefaultConnectTimeout
	}
	if c.DefaultBuildTimeout <= 0 {
		c.DefaultBuildTimeout = time.Hour
	}
	return c
}

// Master owns the end-to-end build lifecycle.
type Master struct {
	store    store.Store
	pool     *pool.Pool
	queue    *queue.Queue
	runtimes map[store.AgentRuntime]runtime.Runtime
	cfg      Config
	logger   *slog.Logger

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelCauseFunc

	wake chan struct{}
	wg   sync.WaitGroup

	// now is replaced in tests.
	now func() time.Time
}

// New creates the orchestrator. The runtimes map selects the execution
// backend per agent; a missing entry falls back to SSH.
func New(st store.Store, agents *pool.Pool, q *queue.Queue, runtimes map[store.AgentRuntime]runtime.Runtime, cfg Config, logger *slog.Logger) *Master {
	if runtimes == nil {
		runtimes = map[store.AgentRuntime]runtime.Runtime{
			store.AgentRuntimeSSH: runtime.NewSSHRuntime(),
		}
	}
	return &Master{
		store:    st,
		pool:     agents,
		queue:    q,
		runtimes: runtimes,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		inflight: make(map[uuid.UUID]context.CancelCauseFunc),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// TriggerOptions carries the caller-controlled parts of a trigger.
type TriggerOptions struct {
	Parameters    map[string]string
	TriggeredBy   string
	Priority      queue.Priority
	QuietPeriod   time.Duration
	PreferAgentID uuid.UUID
}

// TriggerBuild creates a build for a job and admits it to the queue.
// The job's execution config is snapshotted into the build so later
// job edits do not change builds already in flight.
func (m *Master) TriggerBuild(ctx context.Context, jobID uuid.UUID, opts TriggerOptions) (*store.Build, error) {
	job, err := m.store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, store.ErrJobDisabled
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin trigger transaction: %w", err)
	}
	defer tx.Rollback()

	number, err := m.store.BumpBuildNumber(ctx, tx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign build number: %w", err)
	}

	build := &store.Build{
		ID:          uuid.New(),
		JobID:       job.ID,
		JobName:     job.Name,
		BuildNumber: number,
		Status:      store.BuildStatusQueued,
		Config:      snapshotConfig(job),
		Parameters:  opts.Parameters,
		QueuedAt:    m.now().UTC(),
		TriggeredBy: opts.TriggeredBy,
	}
	if err := m.store.CreateBuild(ctx, tx, build); err != nil {
		return nil, fmt.Errorf("failed to create build: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit trigger transaction: %w", err)
	}

	m.queue.Enqueue(queue.EnqueueRequest{
		BuildID:             build.ID,
		JobID:               job.ID,
		JobName:             job.Name,
		BuildNumber:         build.BuildNumber,
		Priority:            opts.Priority,
		RequiredLabels:      job.RequiredLabels,
		QuietPeriod:         opts.QuietPeriod,
		MaxConcurrentPerJob: job.MaxConcurrentBuilds,
		PreferAgentID:       opts.PreferAgentID,
	})

	select {
	case m.wake <- struct{}{}:
	default:
	}

	m.logger.Info("build triggered",
		"build_id", build.ID,
		"job", job.Name,
		"build_number", build.BuildNumber,
		"triggered_by", opts.TriggeredBy)
	return build, nil
}

// snapshotConfig copies a job's execution config into a build.
func snapshotConfig(job *store.Job) store.BuildConfig {
	return store.BuildConfig{
		JobType:         job.Type,
		RequiredLabels:  append([]string(nil), job.RequiredLabels...),
		Script:          job.Script,
		DockerRegistry:  job.DockerRegistry,
		DockerImage:     job.DockerImage,
		DockerTag:       job.DockerTag,
		Platform:        job.Platform,
		TestSuite:       job.TestSuite,
		TestMarkers:     job.TestMarkers,
		LabConfig:       job.LabConfig,
		WorkspacePath:   job.WorkspacePath,
		ConfigMountPath: job.ConfigMountPath,
		TimeoutSecs:     job.BuildTimeoutSecs,
	}
}

// AbortBuild cancels a build in any non-terminal state. Returns false
// when there is nothing to abort, which makes a repeated abort a
// harmless no-op.
func (m *Master) AbortBuild(ctx context.Context, buildID uuid.UUID) (bool, error) {
	build, err := m.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return false, err
	}
	if build.Status.Terminal() {
		return false, nil
	}

	// In-flight builds are cancelled through their execution context;
	// the executing goroutine unwinds through its normal release path.
	if m.cancelInflight(buildID) {
		return true, nil
	}

	// Unclaimed items leave the queue here. The queue refuses items
	// the dispatcher has claimed, so a claim racing this call either
	// loses (we remove the item) or wins and is handled below.
	if m.queue.AbortBuild(buildID) {
		ended := m.now().UTC()
		if err := m.store.FinishBuild(ctx, buildID, store.BuildStatusAborted, nil, "aborted by user", ended, 0); err != nil {
			return false, fmt.Errorf("failed to finalize aborted build: %w", err)
		}
		m.logger.Info("queued build aborted", "build_id", buildID)
		return true, nil
	}

	// A claimed item registers its cancel func momentarily after the
	// claim; wait it out before giving up.
	if _, ok := m.queue.Get(buildID); ok {
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if m.cancelInflight(buildID) {
				return true, nil
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
	return false, nil
}

func (m *Master) cancelInflight(buildID uuid.UUID) bool {
	m.mu.Lock()
	cancel, ok := m.inflight[buildID]
	m.mu.Unlock()
	if ok {
		cancel(errAborted)
	}
	return ok
}

// GetBuildStatus returns the build record.
func (m *Master) GetBuildStatus(ctx context.Context, buildID uuid.UUID) (*store.Build, error) {
	return m.store.GetBuildByID(ctx, buildID)
}

// GetConsoleOutput returns the accumulated console output of a build.
func (m *Master) GetConsoleOutput(ctx context.Context, buildID uuid.UUID) (string, error) {
	return m.store.GetConsole(ctx, buildID)
}

// GetQueueStats returns a snapshot of the queue.
func (m *Master) GetQueueStats() queue.Stats {
	return m.queue.Stats()
}

// GetPoolStats returns a snapshot of the agent pool.
func (m *Master) GetPoolStats() pool.Stats {
	return m.pool.Stats()
}

// Run drives the dispatch loop until ctx is cancelled, then waits for
// in-flight builds to unwind.
func (m *Master) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.DispatchInterval)
	defer ticker.Stop()

	m.logger.Info("dispatch loop started", "interval", m.cfg.DispatchInterval)
	for {
		m.dispatchReady(ctx)
		select {
		case <-ctx.Done():
			m.wg.Wait()
			m.logger.Info("dispatch loop stopped")
			return
		case <-ticker.C:
		case <-m.wake:
		}
	}
}

// dispatchReady drains the queue of dispatchable items, spawning one
// execution goroutine per build. Parallelism is bounded only by agent
// capacity: GetNextBuildable stops handing out items once no agent has
// a free executor slot.
func (m *Master) dispatchReady(ctx context.Context) {
	for {
		item := m.queue.GetNextBuildable(ctx, m.pool)
		if item == nil {
			return
		}

		// The cancel func is registered before the goroutine starts so
		// an abort arriving right after dispatch still finds it.
		runCtx, cancel := context.WithCancelCause(ctx)
		m.mu.Lock()
		m.inflight[item.BuildID] = cancel
		m.mu.Unlock()

		m.wg.Add(1)
		go func(item *queue.Item) {
			defer m.wg.Done()
			defer func() {
				cancel(nil)
				m.mu.Lock()
				delete(m.inflight, item.BuildID)
				m.mu.Unlock()
				m.queue.MarkCompleted(item.BuildID)
			}()
			m.execute(runCtx, item)
		}(item)
	}
}

func (m *Master) runtimeFor(agent *store.Agent) runtime.Runtime {
	if rt, ok := m.runtimes[agent.Runtime]; ok {
		return rt
	}
	return m.runtimes[store.AgentRuntimeSSH]
}
