// Package handlers contains the HTTP handlers of the master API.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"buildplane/internal/master"
	"buildplane/internal/pool"
	"buildplane/internal/queue"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// Orchestrator is the slice of the master the handlers call into.
// *master.Master satisfies it; tests use a fake.
type Orchestrator interface {
	TriggerBuild(ctx context.Context, jobID uuid.UUID, opts master.TriggerOptions) (*store.Build, error)
	AbortBuild(ctx context.Context, buildID uuid.UUID) (bool, error)
	GetBuildStatus(ctx context.Context, buildID uuid.UUID) (*store.Build, error)
	GetConsoleOutput(ctx context.Context, buildID uuid.UUID) (string, error)
	GetQueueStats() queue.Stats
	GetPoolStats() pool.Stats
}

// AgentRegistry is the slice of the agent pool the handlers use.
type AgentRegistry interface {
	Register(agent *store.Agent)
	Remove(id uuid.UUID) bool
	List() []store.Agent
	Get(id uuid.UUID) (store.Agent, bool)
}

// StoreFactory combines the store interfaces the handlers need.
type StoreFactory interface {
	BeginTx(ctx context.Context) (store.Tx, error)
	Ping(ctx context.Context) error
	store.JobStore
	store.AgentStore
}

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	master Orchestrator
	agents AgentRegistry
	prober pool.Prober
	store  StoreFactory
}

// New creates a Handlers instance.
func New(m Orchestrator, agents AgentRegistry, prober pool.Prober, s StoreFactory) *Handlers {
	return &Handlers{master: m, agents: agents, prober: prober, store: s}
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, message string, code int) {
	h.respondJson(w, code, api.ErrorResponse{
		Error: message,
		Code:  strconv.Itoa(code),
	})
}
