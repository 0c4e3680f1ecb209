package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// ListAgents handles GET /agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.agents.List()
	resp := make([]api.AgentResponse, 0, len(agents))
	for i := range agents {
		resp = append(resp, agentResponse(&agents[i]))
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetAgent handles GET /agents/{id}.
func (h *Handlers) GetAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid agent id", http.StatusBadRequest)
		return
	}

	agent, ok := h.agents.Get(id)
	if !ok {
		h.httpError(w, "Agent not found", http.StatusNotFound)
		return
	}
	h.respondJson(w, http.StatusOK, agentResponse(&agent))
}

// CreateAgent handles POST /agents. The agent's connectivity is
// validated before it is admitted to the pool.
func (h *Handlers) CreateAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" || req.Host == "" || req.Username == "" {
		h.httpError(w, "Name, host and username are required", http.StatusBadRequest)
		return
	}
	if req.Password == "" && req.SSHKeyPath == "" && req.Runtime != string(store.AgentRuntimeDocker) {
		h.httpError(w, "Either password or ssh_key_path is required", http.StatusBadRequest)
		return
	}

	port := req.Port
	if port == 0 {
		port = 22
	}
	maxExecutors := req.MaxExecutors
	if maxExecutors <= 0 {
		maxExecutors = 1
	}
	agentRuntime := store.AgentRuntime(req.Runtime)
	if agentRuntime == "" {
		agentRuntime = store.AgentRuntimeSSH
	}

	agent := &store.Agent{
		ID:           uuid.New(),
		Name:         req.Name,
		Host:         req.Host,
		Port:         port,
		Username:     req.Username,
		Password:     req.Password,
		SSHKeyPath:   req.SSHKeyPath,
		Runtime:      agentRuntime,
		Labels:       req.Labels,
		MaxExecutors: maxExecutors,
		Status:       store.AgentStatusTesting,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
	}

	result := h.prober.TestConnection(ctx, agent)
	if !result.OK {
		h.httpError(w, fmt.Sprintf("Connection test failed: %s", result.Message), http.StatusBadRequest)
		return
	}
	agent.Status = store.AgentStatusOnline
	now := time.Now().UTC()
	agent.LastPing = &now

	if err := h.store.CreateAgent(ctx, agent); err != nil {
		h.httpError(w, "Failed to create agent", http.StatusInternalServerError)
		return
	}
	h.agents.Register(agent)

	h.respondJson(w, http.StatusCreated, agentResponse(agent))
}

// DeleteAgent handles DELETE /agents/{id}. Agents with builds in
// flight are refused.
func (h *Handlers) DeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid agent id", http.StatusBadRequest)
		return
	}

	if _, ok := h.agents.Get(id); !ok {
		h.httpError(w, "Agent not found", http.StatusNotFound)
		return
	}
	if !h.agents.Remove(id) {
		h.httpError(w, "Agent has builds in flight", http.StatusConflict)
		return
	}

	// Persist the removal so a restart does not resurrect the agent.
	if err := h.store.DeleteAgent(r.Context(), id); err != nil {
		h.httpError(w, "Failed to delete agent", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, map[string]string{"status": "removed"})
}

func agentResponse(agent *store.Agent) api.AgentResponse {
	resp := api.AgentResponse{
		ID:                 agent.ID.String(),
		Name:               agent.Name,
		Host:               agent.Host,
		Port:               agent.Port,
		Labels:             agent.Labels,
		Status:             string(agent.Status),
		Enabled:            agent.Enabled,
		MaxExecutors:       agent.MaxExecutors,
		CurrentExecutors:   agent.CurrentExecutors,
		AvailableExecutors: agent.AvailableExecutors(),
		CPUUsage:           agent.CPUUsage,
		MemoryUsage:        agent.MemoryUsage,
		DiskUsage:          agent.DiskUsage,
		TestsExecuted:      agent.TestsExecuted,
		PassRate:           agent.PassRate(),
	}
	if agent.LastError != nil {
		resp.LastError = *agent.LastError
	}
	return resp
}
