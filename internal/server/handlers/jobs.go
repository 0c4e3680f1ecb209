package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"buildplane/internal/store"
	"buildplane/pkg/api"

	"github.com/google/uuid"
)

// CreateJob handles POST /jobs.
// It saves a reusable job definition to the database.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req api.CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.httpError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		h.httpError(w, "Name is required", http.StatusBadRequest)
		return
	}

	jobType := store.JobType(req.Type)
	switch jobType {
	case store.JobTypeDocker:
		if req.DockerImage == "" {
			h.httpError(w, "Docker jobs require docker_image", http.StatusBadRequest)
			return
		}
	case store.JobTypeFreestyle:
		if req.Script == "" {
			h.httpError(w, "Freestyle jobs require a script", http.StatusBadRequest)
			return
		}
	default:
		h.httpError(w, "Type must be docker or freestyle", http.StatusBadRequest)
		return
	}

	maxConcurrent := req.MaxConcurrentBuilds
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	job := &store.Job{
		ID:                  uuid.New(),
		Name:                req.Name,
		Description:         req.Description,
		Type:                jobType,
		Script:              req.Script,
		DockerRegistry:      req.DockerRegistry,
		DockerImage:         req.DockerImage,
		DockerTag:           req.DockerTag,
		Platform:            req.Platform,
		TestSuite:           req.TestSuite,
		TestMarkers:         req.TestMarkers,
		LabConfig:           req.LabConfig,
		WorkspacePath:       req.WorkspacePath,
		ConfigMountPath:     req.ConfigMountPath,
		RequiredLabels:      req.RequiredLabels,
		MaxConcurrentBuilds: maxConcurrent,
		BuildTimeoutSecs:    req.BuildTimeoutSecs,
		Enabled:             true,
		NextBuildNumber:     1,
		CreatedAt:           time.Now().UTC(),
	}

	tx, err := h.store.BeginTx(ctx)
	if err != nil {
		h.httpError(w, "Internal database error", http.StatusInternalServerError)
		return
	}
	defer tx.Rollback()

	if err := h.store.CreateJob(ctx, tx, job); err != nil {
		h.httpError(w, "Failed to create job", http.StatusInternalServerError)
		return
	}

	if err := tx.Commit(); err != nil {
		h.httpError(w, "Failed to commit transaction", http.StatusInternalServerError)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateJobResponse{JobID: job.ID.String()})
}
