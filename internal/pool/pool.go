// Package pool tracks the set of execution agents, their executor
// capacity and health, and selects the best agent for a build.
package pool

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// Load-balanced scoring weights. Executor availability dominates, the
// rest splits evenly between machine load and historical pass rate.
const (
	weightExecutors = 40.0
	weightCPU       = 20.0
	weightMemory    = 20.0
	weightDuration  = 20.0

	// defaultSuccessRate is assumed for agents with no history.
	defaultSuccessRate = 0.5
)

// Pool is the authoritative in-memory registry of agents. All mutation
// of CurrentExecutors and Status happens under the pool mutex;
// persistence to the store is write-through and best effort.
type Pool struct {
	mu     sync.Mutex
	agents map[uuid.UUID]*store.Agent

	store  store.AgentStore
	prober Prober
	logger *slog.Logger

	// released carries capacity-changed signals so the queue can retry
	// blocked items immediately instead of waiting for its next tick.
	released chan struct{}

	now func() time.Time
}

// New creates an empty pool. Call Load to populate it from the store.
func New(st store.AgentStore, prober Prober, logger *slog.Logger) *Pool {
	return &Pool{
		agents:   make(map[uuid.UUID]*store.Agent),
		store:    st,
		prober:   prober,
		logger:   logger,
		released: make(chan struct{}, 1),
		now:      time.Now,
	}
}

// Load populates the pool from the store. Executor counts are reset:
// nothing can be running across a master restart.
func (p *Pool) Load(ctx context.Context) error {
	agents, err := p.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, agent := range agents {
		agent.CurrentExecutors = 0
		if agent.Status == store.AgentStatusBusy {
			agent.Status = store.AgentStatusOnline
		}
		p.agents[agent.ID] = agent
	}
	p.logger.Info("agent pool loaded", "agents", len(agents))
	return nil
}

// Register adds an agent to the pool.
func (p *Pool) Register(agent *store.Agent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *agent
	p.agents[agent.ID] = &cp
}

// Remove deletes an agent from the pool. Agents with builds in flight
// are never removed.
func (p *Pool) Remove(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[id]
	if !ok || agent.CurrentExecutors > 0 {
		return false
	}
	delete(p.agents, id)
	return true
}

// Get returns a copy of an agent.
func (p *Pool) Get(id uuid.UUID) (store.Agent, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	agent, ok := p.agents[id]
	if !ok {
		return store.Agent{}, false
	}
	return *agent, true
}

// List returns copies of all agents, ordered by name.
func (p *Pool) List() []store.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]store.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		out = append(out, *agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// AcquireRequest describes what a build needs from an agent.
type AcquireRequest struct {
	Labels []string
	// PreferAgentID pins selection to one agent when it is eligible.
	PreferAgentID uuid.UUID
	// AffinityKey (typically the job name) biases selection toward the
	// same agent for the same job via consistent hashing.
	AffinityKey string
	// DryRun checks eligibility without claiming an executor slot.
	DryRun bool
}

// Acquire selects an agent for a build and, unless DryRun, claims one
// executor slot on it atomically with the selection. Returns nil when
// no agent qualifies; callers treat that as retryable.
func (p *Pool) Acquire(ctx context.Context, req AcquireRequest) *store.Agent {
	p.mu.Lock()

	candidates := p.candidatesLocked(req.Labels)
	if len(candidates) == 0 {
		p.mu.Unlock()
		return nil
	}

	selected := p.selectLocked(candidates, req)

	if !req.DryRun {
		selected.CurrentExecutors++
		selected.Status = store.AgentStatusBusy
	}
	cp := *selected
	p.mu.Unlock()

	if !req.DryRun {
		p.persist(ctx, &cp)
		p.logger.Info("agent acquired",
			"agent", cp.Name,
			"executors", cp.CurrentExecutors,
			"max_executors", cp.MaxExecutors)
	}
	return &cp
}

// candidatesLocked returns eligible agents sorted by name so that
// score ties resolve deterministically.
func (p *Pool) candidatesLocked(labels []string) []*store.Agent {
	var candidates []*store.Agent
	for _, agent := range p.agents {
		if !agent.Enabled {
			continue
		}
		switch agent.Status {
		case store.AgentStatusOnline, store.AgentStatusBusy, store.AgentStatusTesting:
		default:
			continue
		}
		if !agent.HasLabels(labels) {
			continue
		}
		if agent.CurrentExecutors >= agent.MaxExecutors {
			continue
		}
		candidates = append(candidates, agent)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Name < candidates[j].Name })
	return candidates
}

func (p *Pool) selectLocked(candidates []*store.Agent, req AcquireRequest) *store.Agent {
	// Session affinity wins outright when the preferred agent is
	// eligible.
	if req.PreferAgentID != uuid.Nil {
		for _, agent := range candidates {
			if agent.ID == req.PreferAgentID {
				return agent
			}
		}
	}

	if req.AffinityKey != "" {
		return maxByScore(candidates, func(a *store.Agent) float64 {
			return affinityScore(a, req.AffinityKey)
		})
	}

	return maxByScore(candidates, loadScore)
}

func maxByScore(candidates []*store.Agent, score func(*store.Agent) float64) *store.Agent {
	best := candidates[0]
	bestScore := score(best)
	for _, agent := range candidates[1:] {
		if s := score(agent); s > bestScore {
			best, bestScore = agent, s
		}
	}
	return best
}

// affinityScore stabilizes job-to-agent routing: the hash term keeps
// the same job landing on the same agent, while the availability term
// dominates so a saturated favorite loses to a free alternative.
func affinityScore(agent *store.Agent, key string) float64 {
	h := fnv.New32a()
	h.Write([]byte(agent.Name + ":" + key))
	hashTerm := float64(h.Sum32() % 1000)

	availability := float64(agent.AvailableExecutors()) / float64(agent.MaxExecutors)
	return hashTerm + availability*100000
}

// loadScore is the weighted load-balancing formula: free executor
// share, inverse CPU and memory load, and historical success rate.
func loadScore(agent *store.Agent) float64 {
	executorUtil := float64(agent.CurrentExecutors) / float64(agent.MaxExecutors)
	cpuLoad := float64(agent.CPUUsage) / 100
	memLoad := float64(agent.MemoryUsage) / 100

	successRate := defaultSuccessRate
	if agent.TestsExecuted > 0 {
		successRate = float64(agent.TestsPassed) / float64(agent.TestsExecuted)
	}

	return weightExecutors*(1-executorUtil) +
		weightCPU*(1-cpuLoad) +
		weightMemory*(1-memLoad) +
		weightDuration*successRate
}

// Release returns one executor slot to an agent and publishes a
// capacity-changed signal.
func (p *Pool) Release(ctx context.Context, id uuid.UUID) {
	p.mu.Lock()
	agent, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	if agent.CurrentExecutors > 0 {
		agent.CurrentExecutors--
	}
	if agent.CurrentExecutors == 0 {
		agent.Status = store.AgentStatusOnline
	} else {
		agent.Status = store.AgentStatusBusy
	}
	cp := *agent
	p.mu.Unlock()

	p.persist(ctx, &cp)
	p.logger.Info("agent released",
		"agent", cp.Name,
		"executors", cp.CurrentExecutors,
		"max_executors", cp.MaxExecutors)

	select {
	case p.released <- struct{}{}:
	default:
	}
}

// CapacityChanged returns a channel that receives a signal whenever an
// executor slot frees up. The queue uses it to retry blocked items
// without waiting for the next maintenance tick.
func (p *Pool) CapacityChanged() <-chan struct{} {
	return p.released
}

// UpdateMetrics records the outcome of one build on an agent and
// recomputes the cumulative mean duration.
func (p *Pool) UpdateMetrics(ctx context.Context, id uuid.UUID, passed bool, durationSecs int) {
	p.mu.Lock()
	agent, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	total := agent.AvgDurationSecs * agent.TestsExecuted
	agent.TestsExecuted++
	if passed {
		agent.TestsPassed++
	} else {
		agent.TestsFailed++
	}
	agent.AvgDurationSecs = (total + durationSecs) / agent.TestsExecuted
	cp := *agent
	p.mu.Unlock()

	p.persist(ctx, &cp)
}

// Stats summarizes the pool.
type Stats struct {
	TotalAgents    int
	OnlineAgents   int
	BusyAgents     int
	OfflineAgents  int
	ErrorAgents    int
	TotalExecutors int
	UsedExecutors  int
	TestsExecuted  int
	TestsPassed    int
	PassRate       float64
}

// Stats returns a snapshot of pool statistics.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, agent := range p.agents {
		s.TotalAgents++
		switch agent.Status {
		case store.AgentStatusOnline:
			s.OnlineAgents++
		case store.AgentStatusBusy:
			s.BusyAgents++
		case store.AgentStatusOffline:
			s.OfflineAgents++
		case store.AgentStatusError:
			s.ErrorAgents++
		}
		s.TotalExecutors += agent.MaxExecutors
		s.UsedExecutors += agent.CurrentExecutors
		s.TestsExecuted += agent.TestsExecuted
		s.TestsPassed += agent.TestsPassed
	}
	if s.TestsExecuted > 0 {
		s.PassRate = float64(s.TestsPassed) / float64(s.TestsExecuted) * 100
	}
	return s
}

// persist writes agent state through to the store. Persistence failure
// must never break scheduling; it is logged and the in-memory state
// stays authoritative.
func (p *Pool) persist(ctx context.Context, agent *store.Agent) {
	if err := p.store.SaveAgentState(ctx, agent); err != nil {
		p.logger.Warn("failed to persist agent state", "agent", agent.Name, "error", err)
	}
}
