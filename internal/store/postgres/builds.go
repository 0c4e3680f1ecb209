package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
)

// CreateBuild inserts the initial state of a new build.
func (s *Store) CreateBuild(ctx context.Context, tx store.DBTransaction, build *store.Build) error {
	configJSON, err := json.Marshal(build.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal build config: %w", err)
	}
	paramsJSON, err := json.Marshal(build.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal build parameters: %w", err)
	}

	query := `
		INSERT INTO builds (id, job_id, job_name, build_number, status, config,
			parameters, queued_at, triggered_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err = s.executor(tx).ExecContext(ctx, query,
		build.ID, build.JobID, build.JobName, build.BuildNumber, build.Status,
		configJSON, paramsJSON, build.QueuedAt, build.TriggeredBy, build.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create build #%d for job %s: %w", build.BuildNumber, build.JobName, err)
	}
	return nil
}

// GetBuildByID returns a build by its ID. Console output is fetched
// separately via GetConsole to keep status reads cheap.
func (s *Store) GetBuildByID(ctx context.Context, id uuid.UUID) (*store.Build, error) {
	query := `
		SELECT id, job_id, job_name, build_number, status, agent_id, agent_name,
			config, parameters, queued_at, started_at, ended_at, duration_seconds,
			workspace, container_name, exit_code, error_message, triggered_by, created_at
		FROM builds WHERE id = $1
	`

	var b store.Build
	var configJSON, paramsJSON []byte

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&b.ID, &b.JobID, &b.JobName, &b.BuildNumber, &b.Status, &b.AgentID,
		&b.AgentName, &configJSON, &paramsJSON, &b.QueuedAt, &b.StartedAt,
		&b.EndedAt, &b.DurationSecs, &b.Workspace, &b.ContainerName,
		&b.ExitCode, &b.ErrorMessage, &b.TriggeredBy, &b.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrBuildNotFound
		}
		return nil, fmt.Errorf("failed to get build %s: %w", id, err)
	}

	if err := json.Unmarshal(configJSON, &b.Config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal build config: %w", err)
	}
	if err := json.Unmarshal(paramsJSON, &b.Parameters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal build parameters: %w", err)
	}
	return &b, nil
}

// SetBuildStatus updates only the status column.
func (s *Store) SetBuildStatus(ctx context.Context, id uuid.UUID, status store.BuildStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE builds SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to set build %s status: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrBuildNotFound
	}
	return nil
}

// AssignBuildAgent records the acquired agent and start time, moving
// the build to running.
func (s *Store) AssignBuildAgent(ctx context.Context, id uuid.UUID, agentID uuid.UUID, agentName string, startedAt time.Time) error {
	query := `
		UPDATE builds
		SET agent_id = $2, agent_name = $3, status = 'running', started_at = $4
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, agentID, agentName, startedAt); err != nil {
		return fmt.Errorf("failed to assign agent to build %s: %w", id, err)
	}
	return nil
}

// SetBuildWorkspace records the workspace path and container name.
func (s *Store) SetBuildWorkspace(ctx context.Context, id uuid.UUID, workspace, containerName string) error {
	query := `UPDATE builds SET workspace = $2, container_name = $3 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, workspace, containerName); err != nil {
		return fmt.Errorf("failed to set build %s workspace: %w", id, err)
	}
	return nil
}

// FinishBuild records the terminal state of a build.
func (s *Store) FinishBuild(ctx context.Context, id uuid.UUID, status store.BuildStatus, exitCode *int, errorMessage string, endedAt time.Time, durationSecs int) error {
	query := `
		UPDATE builds
		SET status = $2, exit_code = $3, error_message = $4, ended_at = $5, duration_seconds = $6
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, id, status, exitCode, errorMessage, endedAt, durationSecs); err != nil {
		return fmt.Errorf("failed to finish build %s: %w", id, err)
	}
	return nil
}

// AppendConsole appends a chunk to the build's console output.
func (s *Store) AppendConsole(ctx context.Context, id uuid.UUID, chunk string) error {
	query := `UPDATE builds SET console_output = console_output || $2 WHERE id = $1`
	if _, err := s.db.ExecContext(ctx, query, id, chunk); err != nil {
		return fmt.Errorf("failed to append console for build %s: %w", id, err)
	}
	return nil
}

// GetConsole returns the accumulated console output of a build.
func (s *Store) GetConsole(ctx context.Context, id uuid.UUID) (string, error) {
	var output string
	err := s.db.QueryRowContext(ctx, `SELECT console_output FROM builds WHERE id = $1`, id).Scan(&output)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrBuildNotFound
		}
		return "", fmt.Errorf("failed to get console for build %s: %w", id, err)
	}
	return output, nil
}
