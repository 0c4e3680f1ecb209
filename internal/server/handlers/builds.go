package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"buildplane/internal/master"
	"buildplane/internal/queue"
	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// TriggerBuild handles POST /jobs/{id}/builds.
func (h *Handlers) TriggerBuild(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid job id", http.StatusBadRequest)
		return
	}

	var req api.TriggerBuildRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.httpError(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	opts := master.TriggerOptions{
		Parameters:  req.Parameters,
		TriggeredBy: req.TriggeredBy,
		Priority:    queue.Priority(req.Priority),
		QuietPeriod: time.Duration(req.QuietPeriodSeconds) * time.Second,
	}
	if req.PreferAgentID != "" {
		agentID, err := uuid.Parse(req.PreferAgentID)
		if err != nil {
			h.httpError(w, "Invalid prefer_agent_id", http.StatusBadRequest)
			return
		}
		opts.PreferAgentID = agentID
	}

	build, err := h.master.TriggerBuild(ctx, jobID, opts)
	switch {
	case errors.Is(err, store.ErrJobNotFound):
		h.httpError(w, "Job not found", http.StatusNotFound)
		return
	case errors.Is(err, store.ErrJobDisabled):
		h.httpError(w, "Job is disabled", http.StatusConflict)
		return
	case err != nil:
		h.httpError(w, "Failed to trigger build", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.TriggerBuildResponse{
		BuildID:     build.ID.String(),
		BuildNumber: build.BuildNumber,
	})
}

// GetBuild handles GET /builds/{id}.
func (h *Handlers) GetBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid build id", http.StatusBadRequest)
		return
	}

	build, err := h.master.GetBuildStatus(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			h.httpError(w, "Build not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load build", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, buildResponse(build))
}

// GetConsole handles GET /builds/{id}/console.
func (h *Handlers) GetConsole(w http.ResponseWriter, r *http.Request) {
	buildID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid build id", http.StatusBadRequest)
		return
	}

	output, err := h.master.GetConsoleOutput(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			h.httpError(w, "Build not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to load console output", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.ConsoleResponse{
		BuildID: buildID.String(),
		Output:  output,
	})
}

// AbortBuild handles DELETE /builds/{id}.
func (h *Handlers) AbortBuild(w http.ResponseWriter, r *http.Request) {
	buildID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.httpError(w, "Invalid build id", http.StatusBadRequest)
		return
	}

	aborted, err := h.master.AbortBuild(r.Context(), buildID)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			h.httpError(w, "Build not found", http.StatusNotFound)
			return
		}
		h.httpError(w, "Failed to abort build", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusOK, api.AbortBuildResponse{Aborted: aborted})
}

func buildResponse(build *store.Build) api.BuildResponse {
	resp := api.BuildResponse{
		ID:           build.ID.String(),
		JobID:        build.JobID.String(),
		JobName:      build.JobName,
		BuildNumber:  build.BuildNumber,
		Status:       string(build.Status),
		AgentName:    build.AgentName,
		QueuedAt:     build.QueuedAt,
		StartedAt:    build.StartedAt,
		EndedAt:      build.EndedAt,
		DurationSecs: build.DurationSecs,
		ExitCode:     build.ExitCode,
		ErrorMessage: build.ErrorMessage,
		TriggeredBy:  build.TriggeredBy,
	}
	if build.AgentID != nil {
		resp.AgentID = build.AgentID.String()
	}
	return resp
}
