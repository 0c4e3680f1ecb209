package master

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"buildplane/internal/pool"
	"buildplane/internal/queue"
	"buildplane/internal/runtime"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

// fakeTx satisfies store.Tx; the fake store applies writes directly.
type fakeTx struct{}

func (fakeTx) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return nil, nil
}
func (fakeTx) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return nil, nil
}
func (fakeTx) QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return nil
}
func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

// fakeStore is an in-memory store.Store.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*store.Job
	builds  map[uuid.UUID]*store.Build
	console map[uuid.UUID]*strings.Builder
	results []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:    make(map[uuid.UUID]*store.Job),
		builds:  make(map[uuid.UUID]*store.Build),
		console: make(map[uuid.UUID]*strings.Builder),
	}
}

func (f *fakeStore) BeginTx(ctx context.Context) (store.Tx, error) { return fakeTx{}, nil }
func (f *fakeStore) Ping(ctx context.Context) error                { return nil }

func (f *fakeStore) CreateAgent(ctx context.Context, agent *store.Agent) error { return nil }
func (f *fakeStore) GetAgentByID(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	return nil, store.ErrAgentNotFound
}
func (f *fakeStore) ListAgents(ctx context.Context) ([]*store.Agent, error) { return nil, nil }
func (f *fakeStore) DeleteAgent(ctx context.Context, id uuid.UUID) error    { return nil }
func (f *fakeStore) SaveAgentState(ctx context.Context, agent *store.Agent) error {
	return nil
}

func (f *fakeStore) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = job
	return nil
}

func (f *fakeStore) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, store.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (f *fakeStore) BumpBuildNumber(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return 0, store.ErrJobNotFound
	}
	number := job.NextBuildNumber
	job.NextBuildNumber++
	job.TotalBuilds++
	return number, nil
}

func (f *fakeStore) RecordBuildResult(ctx context.Context, jobID uuid.UUID, status string, endedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, status)
	return nil
}

func (f *fakeStore) CreateBuild(ctx context.Context, tx store.DBTransaction, build *store.Build) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *build
	f.builds[build.ID] = &cp
	f.console[build.ID] = &strings.Builder{}
	return nil
}

func (f *fakeStore) GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	build, ok := f.builds[id]
	if !ok {
		return nil, store.ErrBuildNotFound
	}
	cp := *build
	return &cp, nil
}

func (f *fakeStore) SetBuildStatus(ctx context.Context, id uuid.UUID, status store.BuildStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if build, ok := f.builds[id]; ok {
		build.Status = status
	}
	return nil
}

func (f *fakeStore) AssignBuildAgent(ctx context.Context, id uuid.UUID, agentID uuid.UUID, agentName string, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if build, ok := f.builds[id]; ok {
		build.AgentID = &agentID
		build.AgentName = agentName
		build.StartedAt = &startedAt
		build.Status = store.BuildStatusRunning
	}
	return nil
}

func (f *fakeStore) SetBuildWorkspace(ctx context.Context, id uuid.UUID, workspace, containerName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if build, ok := f.builds[id]; ok {
		build.Workspace = workspace
		build.ContainerName = containerName
	}
	return nil
}

func (f *fakeStore) FinishBuild(ctx context.Context, id uuid.UUID, status store.BuildStatus, exitCode *int, errorMessage string, endedAt time.Time, durationSecs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if build, ok := f.builds[id]; ok {
		build.Status = status
		build.ExitCode = exitCode
		build.ErrorMessage = errorMessage
		build.EndedAt = &endedAt
		build.DurationSecs = durationSecs
	}
	return nil
}

func (f *fakeStore) AppendConsole(ctx context.Context, id uuid.UUID, chunk string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sb, ok := f.console[id]; ok {
		sb.WriteString(chunk)
	}
	return nil
}

func (f *fakeStore) GetConsole(ctx context.Context, id uuid.UUID) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sb, ok := f.console[id]
	if !ok {
		return "", store.ErrBuildNotFound
	}
	return sb.String(), nil
}

// nopProber satisfies pool.Prober for tests that never probe.
type nopProber struct{}

func (nopProber) TestConnection(ctx context.Context, agent *store.Agent) pool.TestResult {
	return pool.TestResult{OK: true}
}
func (nopProber) SampleResources(ctx context.Context, agent *store.Agent) pool.Resources {
	return pool.Resources{}
}

// MockHandle is a scripted runtime.Handle.
type MockHandle struct {
	exitCode int
	output   string
	block    bool
}

func (h *MockHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	if h.block {
		<-ctx.Done()
		return runtime.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
	return runtime.ExitResult{ExitCode: h.exitCode}, nil
}

func (h *MockHandle) Stop(ctx context.Context) error { return nil }

func (h *MockHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(h.output)), nil
}

// MockRuntime hands out a scripted handle and records the last start.
type MockRuntime struct {
	mu          sync.Mutex
	handle      *MockHandle
	startErr    error
	startBlocks bool
	lastOpts    runtime.StartOptions
	starts      int
}

func (r *MockRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	r.mu.Lock()
	r.starts++
	r.lastOpts = opts
	blocks, startErr, handle := r.startBlocks, r.startErr, r.handle
	r.mu.Unlock()

	if blocks {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if startErr != nil {
		return nil, startErr
	}
	return handle, nil
}

func (r *MockRuntime) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

type testHarness struct {
	master  *Master
	store   *fakeStore
	pool    *pool.Pool
	runtime *MockRuntime
	job     *store.Job
	agent   *store.Agent
}

func newHarness(t *testing.T, handle *MockHandle) *testHarness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	fs := newFakeStore()

	job := &store.Job{
		ID:                  uuid.New(),
		Name:                "smoke-tests",
		Type:                store.JobTypeFreestyle,
		Script:              "echo hello",
		Enabled:             true,
		NextBuildNumber:     1,
		MaxConcurrentBuilds: 1,
	}
	fs.jobs[job.ID] = job

	agent := &store.Agent{
		ID:           uuid.New(),
		Name:         "agent-1",
		Host:         "agent-1.lab",
		Port:         22,
		Username:     "build",
		Password:     "secret",
		MaxExecutors: 2,
		Status:       store.AgentStatusOnline,
		Enabled:      true,
	}

	p := pool.New(fs, nopProber{}, log)
	p.Register(agent)

	rt := &MockRuntime{handle: handle}
	q := queue.New(time.Second, log)
	m := New(fs, p, q, map[store.AgentRuntime]runtime.Runtime{
		store.AgentRuntimeSSH:    rt,
		store.AgentRuntimeDocker: rt,
	}, Config{DefaultBuildTimeout: 5 * time.Second}, log)

	return &testHarness{master: m, store: fs, pool: p, runtime: rt, job: job, agent: agent}
}

func (h *testHarness) waitForTerminal(t *testing.T, buildID uuid.UUID) *store.Build {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		build, err := h.store.GetBuildByID(context.Background(), buildID)
		if err != nil {
			t.Fatalf("build lookup failed: %v", err)
		}
		if build.Status.Terminal() {
			return build
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("build did not reach a terminal state in time")
	return nil
}

func TestTriggerBuild_JobNotFound(t *testing.T) {
	h := newHarness(t, &MockHandle{})

	_, err := h.master.TriggerBuild(context.Background(), uuid.New(), TriggerOptions{})
	if !errors.Is(err, store.ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTriggerBuild_DisabledJobCreatesNothing(t *testing.T) {
	h := newHarness(t, &MockHandle{})
	h.job.Enabled = false

	_, err := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	if !errors.Is(err, store.ErrJobDisabled) {
		t.Fatalf("expected ErrJobDisabled, got %v", err)
	}
	if len(h.store.builds) != 0 {
		t.Error("expected no build record for a disabled job")
	}
	if s := h.master.GetQueueStats(); s.TotalQueued != 0 {
		t.Error("expected nothing enqueued for a disabled job")
	}
}

func TestTriggerBuild_SnapshotsConfigAndEnqueues(t *testing.T) {
	h := newHarness(t, &MockHandle{})
	h.job.RequiredLabels = []string{"linux"}

	build, err := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{
		Parameters:  map[string]string{"BRANCH": "main"},
		TriggeredBy: "alice",
	})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	if build.BuildNumber != 1 {
		t.Errorf("expected build number 1, got %d", build.BuildNumber)
	}
	if build.Config.Script != "echo hello" || len(build.Config.RequiredLabels) != 1 {
		t.Errorf("config snapshot incomplete: %+v", build.Config)
	}

	// Editing the job after trigger must not change the snapshot.
	h.job.Script = "echo changed"
	got, _ := h.store.GetBuildByID(context.Background(), build.ID)
	if got.Config.Script != "echo hello" {
		t.Error("job edit leaked into an in-flight build")
	}

	if s := h.master.GetQueueStats(); s.BuildableCount != 1 {
		t.Errorf("expected one buildable item, got %+v", s)
	}

	second, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	if second.BuildNumber != 2 {
		t.Errorf("expected monotonic build numbers, got %d", second.BuildNumber)
	}
}

func TestExecute_Success(t *testing.T) {
	h := newHarness(t, &MockHandle{exitCode: 0, output: "line one\nline two\n"})

	build, err := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{TriggeredBy: "alice"})
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	h.master.dispatchReady(context.Background())
	got := h.waitForTerminal(t, build.ID)

	if got.Status != store.BuildStatusSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.ErrorMessage)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Error("expected exit code 0 recorded")
	}
	if got.AgentID == nil || *got.AgentID != h.agent.ID {
		t.Error("expected the agent recorded on the build")
	}

	console, _ := h.store.GetConsole(context.Background(), build.ID)
	for _, want := range []string{
		"[master] build #1 of job smoke-tests",
		"line one\nline two\n",
		"[master] running on agent agent-1",
		"[master] build finished: SUCCESS",
	} {
		if !strings.Contains(console, want) {
			t.Errorf("console missing %q:\n%s", want, console)
		}
	}

	// Exactly one release: the slot is back and metrics were recorded.
	snap, _ := h.pool.Get(h.agent.ID)
	if snap.CurrentExecutors != 0 {
		t.Errorf("executor slot leaked: %d", snap.CurrentExecutors)
	}
	if snap.TestsExecuted != 1 || snap.TestsPassed != 1 {
		t.Errorf("metrics not recorded: executed=%d passed=%d", snap.TestsExecuted, snap.TestsPassed)
	}

	if s := h.master.GetQueueStats(); s.RunningCount != 0 || s.TotalCompleted != 1 {
		t.Errorf("queue not cleaned up: %+v", s)
	}
	if len(h.store.results) != 1 || h.store.results[0] != string(store.BuildStatusSuccess) {
		t.Errorf("job counters not updated: %v", h.store.results)
	}
}

func TestExecute_NonZeroExitIsFailure(t *testing.T) {
	h := newHarness(t, &MockHandle{exitCode: 3})

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())
	got := h.waitForTerminal(t, build.ID)

	if got.Status != store.BuildStatusFailure {
		t.Fatalf("expected failure, got %s", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Error("expected exit code 3 recorded")
	}
	if !strings.Contains(got.ErrorMessage, "exit code 3") {
		t.Errorf("unexpected error message %q", got.ErrorMessage)
	}

	snap, _ := h.pool.Get(h.agent.ID)
	if snap.TestsFailed != 1 {
		t.Error("expected the failure counted against the agent")
	}
}

func TestExecute_NoAgentAvailable(t *testing.T) {
	h := newHarness(t, &MockHandle{})
	h.job.RequiredLabels = []string{"gpu"}

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})

	// The dry-run availability check blocks the item instead of
	// dispatching it.
	h.master.dispatchReady(context.Background())
	if s := h.master.GetQueueStats(); s.BlockedCount != 1 {
		t.Fatalf("expected the item blocked, got %+v", s)
	}
	got, _ := h.store.GetBuildByID(context.Background(), build.ID)
	if got.Status.Terminal() {
		t.Errorf("blocked build must stay non-terminal, got %s", got.Status)
	}
}

func TestExecute_AcquireRaceMarksFailure(t *testing.T) {
	h := newHarness(t, &MockHandle{})

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})

	// Capacity vanishes between the dry-run check and the dispatch,
	// here simulated by disabling the agent mid-flight.
	item := h.master.queue.GetNextBuildable(context.Background(), h.pool)
	if item == nil {
		t.Fatal("expected a dispatchable item")
	}
	h.pool.Acquire(context.Background(), pool.AcquireRequest{PreferAgentID: h.agent.ID})
	h.pool.Acquire(context.Background(), pool.AcquireRequest{PreferAgentID: h.agent.ID})

	h.master.execute(context.Background(), item)

	got, _ := h.store.GetBuildByID(context.Background(), build.ID)
	if got.Status != store.BuildStatusFailure || got.ErrorMessage != noAgentMessage {
		t.Errorf("expected failure %q, got %s (%q)", noAgentMessage, got.Status, got.ErrorMessage)
	}
}

func TestExecute_Timeout(t *testing.T) {
	h := newHarness(t, &MockHandle{block: true})
	h.master.cfg.DefaultBuildTimeout = 100 * time.Millisecond

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())
	got := h.waitForTerminal(t, build.ID)

	if got.Status != store.BuildStatusTimeout {
		t.Fatalf("expected timeout, got %s", got.Status)
	}
	if got.ExitCode != nil {
		t.Error("expected exit code unset on timeout")
	}
	if got.ErrorMessage != "timeout" {
		t.Errorf("unexpected error message %q", got.ErrorMessage)
	}

	snap, _ := h.pool.Get(h.agent.ID)
	if snap.CurrentExecutors != 0 {
		t.Errorf("executor slot leaked on timeout: %d", snap.CurrentExecutors)
	}
}

func TestAbortBuild_Running(t *testing.T) {
	h := newHarness(t, &MockHandle{block: true})

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())

	// Wait until the build is actually running before aborting.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, _ := h.store.GetBuildByID(context.Background(), build.ID)
		if got.Status == store.BuildStatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	aborted, err := h.master.AbortBuild(context.Background(), build.ID)
	if err != nil || !aborted {
		t.Fatalf("expected abort to succeed, got %v %v", aborted, err)
	}

	got := h.waitForTerminal(t, build.ID)
	if got.Status != store.BuildStatusAborted {
		t.Fatalf("expected aborted, got %s", got.Status)
	}

	snap, _ := h.pool.Get(h.agent.ID)
	if snap.CurrentExecutors != 0 {
		t.Errorf("executor slot leaked on abort: %d", snap.CurrentExecutors)
	}

	// Second abort is a no-op.
	again, err := h.master.AbortBuild(context.Background(), build.ID)
	if err != nil || again {
		t.Errorf("expected second abort to be a no-op, got %v %v", again, err)
	}
}

func TestAbortBuild_DuringRuntimeStart(t *testing.T) {
	h := newHarness(t, &MockHandle{})
	h.runtime.startBlocks = true

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())

	// Wait until the executor is parked inside the runtime's Start.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h.runtime.startCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if h.runtime.startCount() == 0 {
		t.Fatal("runtime start was never reached")
	}

	aborted, err := h.master.AbortBuild(context.Background(), build.ID)
	if err != nil || !aborted {
		t.Fatalf("expected abort to succeed, got %v %v", aborted, err)
	}

	got := h.waitForTerminal(t, build.ID)
	if got.Status != store.BuildStatusAborted {
		t.Fatalf("expected aborted, got %s (error %q)", got.Status, got.ErrorMessage)
	}

	snap, _ := h.pool.Get(h.agent.ID)
	if snap.CurrentExecutors != 0 {
		t.Errorf("executor slot leaked on abort: %d", snap.CurrentExecutors)
	}
	if snap.TestsExecuted != 0 {
		t.Errorf("aborted build must not count against agent metrics, got %d", snap.TestsExecuted)
	}
}

func TestAbortBuild_Queued(t *testing.T) {
	h := newHarness(t, &MockHandle{})

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{
		QuietPeriod: time.Hour,
	})

	aborted, err := h.master.AbortBuild(context.Background(), build.ID)
	if err != nil || !aborted {
		t.Fatalf("expected abort of a queued build, got %v %v", aborted, err)
	}

	got, _ := h.store.GetBuildByID(context.Background(), build.ID)
	if got.Status != store.BuildStatusAborted {
		t.Errorf("expected aborted, got %s", got.Status)
	}
	if s := h.master.GetQueueStats(); s.WaitingCount != 0 {
		t.Error("expected the item removed from the queue")
	}
}

func TestAbortBuild_NotFound(t *testing.T) {
	h := newHarness(t, &MockHandle{})

	_, err := h.master.AbortBuild(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrBuildNotFound) {
		t.Errorf("expected ErrBuildNotFound, got %v", err)
	}
}

func TestExecute_StartErrorReleasesAgent(t *testing.T) {
	h := newHarness(t, &MockHandle{})
	h.runtime.startErr = errors.New("ssh handshake with agent-1.lab:22 failed")

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())
	got := h.waitForTerminal(t, build.ID)

	if got.Status != store.BuildStatusFailure {
		t.Fatalf("expected failure, got %s", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "ssh handshake") {
		t.Errorf("expected the connect error captured, got %q", got.ErrorMessage)
	}

	snap, _ := h.pool.Get(h.agent.ID)
	if snap.CurrentExecutors != 0 {
		t.Errorf("executor slot leaked on start error: %d", snap.CurrentExecutors)
	}
}

func TestStartOptions_SSHTarget(t *testing.T) {
	h := newHarness(t, &MockHandle{output: "ok\n"})

	build, _ := h.master.TriggerBuild(context.Background(), h.job.ID, TriggerOptions{})
	h.master.dispatchReady(context.Background())
	h.waitForTerminal(t, build.ID)

	h.runtime.mu.Lock()
	opts := h.runtime.lastOpts
	h.runtime.mu.Unlock()

	if opts.Target.Host != "agent-1.lab" || opts.Target.User != "build" {
		t.Errorf("unexpected ssh target: %+v", opts.Target)
	}
	if opts.Target.Credential.Password != "secret" {
		t.Error("expected password credential passed through")
	}
	if !strings.Contains(opts.Script, "echo hello") {
		t.Errorf("expected the job script in the payload:\n%s", opts.Script)
	}
}
