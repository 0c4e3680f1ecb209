package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateJob inserts a new job definition.
func (s *Store) CreateJob(ctx context.Context, tx store.DBTransaction, job *store.Job) error {
	query := `
		INSERT INTO jobs (id, name, description, job_type, script, docker_registry,
			docker_image, docker_tag, platform, test_suite, test_markers, lab_config,
			workspace_path, config_mount_path, required_labels, max_concurrent_builds,
			build_timeout_seconds, enabled, next_build_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $20)
	`

	_, err := s.executor(tx).ExecContext(ctx, query,
		job.ID, job.Name, job.Description, job.Type, job.Script,
		job.DockerRegistry, job.DockerImage, job.DockerTag, job.Platform,
		job.TestSuite, job.TestMarkers, job.LabConfig, job.WorkspacePath,
		job.ConfigMountPath, pq.Array(job.RequiredLabels), job.MaxConcurrentBuilds,
		job.BuildTimeoutSecs, job.Enabled, job.NextBuildNumber, job.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}
	return nil
}

// GetJobByID returns a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id uuid.UUID) (*store.Job, error) {
	query := `
		SELECT id, name, description, job_type, script, docker_registry, docker_image,
			docker_tag, platform, test_suite, test_markers, lab_config, workspace_path,
			config_mount_path, required_labels, max_concurrent_builds, build_timeout_seconds,
			enabled, next_build_number, last_build_status, last_build_at,
			total_builds, successful_builds, failed_builds, created_at, updated_at
		FROM jobs WHERE id = $1
	`

	var j store.Job
	var labels pq.StringArray

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&j.ID, &j.Name, &j.Description, &j.Type, &j.Script, &j.DockerRegistry,
		&j.DockerImage, &j.DockerTag, &j.Platform, &j.TestSuite, &j.TestMarkers,
		&j.LabConfig, &j.WorkspacePath, &j.ConfigMountPath, &labels,
		&j.MaxConcurrentBuilds, &j.BuildTimeoutSecs, &j.Enabled, &j.NextBuildNumber,
		&j.LastBuildStatus, &j.LastBuildAt, &j.TotalBuilds, &j.SuccessfulBuilds,
		&j.FailedBuilds, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job %s: %w", id, err)
	}
	j.RequiredLabels = labels
	return &j, nil
}

// BumpBuildNumber increments next_build_number and total_builds,
// returning the build number assigned to the new build.
func (s *Store) BumpBuildNumber(ctx context.Context, tx store.DBTransaction, jobID uuid.UUID) (int, error) {
	query := `
		UPDATE jobs
		SET next_build_number = next_build_number + 1,
			total_builds = total_builds + 1,
			updated_at = NOW()
		WHERE id = $1
		RETURNING next_build_number - 1
	`

	var number int
	if err := s.executor(tx).QueryRowContext(ctx, query, jobID).Scan(&number); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to bump build number for job %s: %w", jobID, err)
	}
	return number, nil
}

// RecordBuildResult updates the job's counters after a terminal build.
// Aborted builds update last_build_status but count as neither success
// nor failure.
func (s *Store) RecordBuildResult(ctx context.Context, jobID uuid.UUID, status string, endedAt time.Time) error {
	query := `
		UPDATE jobs
		SET successful_builds = successful_builds + CASE WHEN $2 = 'success' THEN 1 ELSE 0 END,
			failed_builds = failed_builds + CASE WHEN $2 IN ('failure', 'timeout') THEN 1 ELSE 0 END,
			last_build_status = $2,
			last_build_at = $3,
			updated_at = NOW()
		WHERE id = $1
	`

	if _, err := s.db.ExecContext(ctx, query, jobID, status, endedAt); err != nil {
		return fmt.Errorf("failed to record build result for job %s: %w", jobID, err)
	}
	return nil
}
