package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const agentColumns = `id, name, description, host, port, username, password, ssh_key_path,
	runtime, max_executors, current_executors, labels, status, enabled,
	last_ping, last_error, tests_executed, tests_passed, tests_failed,
	avg_duration_seconds, cpu_usage, memory_usage, disk_usage, created_at, updated_at`

// CreateAgent inserts a new agent.
func (s *Store) CreateAgent(ctx context.Context, agent *store.Agent) error {
	query := `
		INSERT INTO agents (id, name, description, host, port, username, password,
			ssh_key_path, runtime, max_executors, labels, status, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`

	_, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.Name, agent.Description, agent.Host, agent.Port,
		agent.Username, agent.Password, agent.SSHKeyPath, agent.Runtime,
		agent.MaxExecutors, pq.Array(agent.Labels), agent.Status, agent.Enabled,
		agent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent %s: %w", agent.Name, err)
	}
	return nil
}

// GetAgentByID returns an agent by its ID.
func (s *Store) GetAgentByID(ctx context.Context, id uuid.UUID) (*store.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE id = $1 AND deleted_at IS NULL`, agentColumns)

	agent, err := scanAgent(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrAgentNotFound
		}
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return agent, nil
}

// ListAgents returns all known agents ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*store.Agent, error) {
	query := fmt.Sprintf(`SELECT %s FROM agents WHERE deleted_at IS NULL ORDER BY name`, agentColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var agents []*store.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

// DeleteAgent soft-deletes an agent. Builds keep their reference to
// the row, but the agent no longer appears in lists or lookups.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE agents
		SET deleted_at = NOW(), enabled = FALSE, status = 'offline', updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`

	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

// SaveAgentState persists the mutable fields of an agent.
func (s *Store) SaveAgentState(ctx context.Context, agent *store.Agent) error {
	query := `
		UPDATE agents
		SET current_executors = $2, status = $3, last_ping = $4, last_error = $5,
			tests_executed = $6, tests_passed = $7, tests_failed = $8,
			avg_duration_seconds = $9, cpu_usage = $10, memory_usage = $11,
			disk_usage = $12, updated_at = NOW()
		WHERE id = $1
	`

	res, err := s.db.ExecContext(ctx, query,
		agent.ID, agent.CurrentExecutors, agent.Status, agent.LastPing, agent.LastError,
		agent.TestsExecuted, agent.TestsPassed, agent.TestsFailed,
		agent.AvgDurationSecs, agent.CPUUsage, agent.MemoryUsage, agent.DiskUsage,
	)
	if err != nil {
		return fmt.Errorf("failed to save agent state %s: %w", agent.ID, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return store.ErrAgentNotFound
	}
	return nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAgent(row rowScanner) (*store.Agent, error) {
	var a store.Agent
	var labels pq.StringArray

	err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.Host, &a.Port, &a.Username,
		&a.Password, &a.SSHKeyPath, &a.Runtime, &a.MaxExecutors,
		&a.CurrentExecutors, &labels, &a.Status, &a.Enabled, &a.LastPing,
		&a.LastError, &a.TestsExecuted, &a.TestsPassed, &a.TestsFailed,
		&a.AvgDurationSecs, &a.CPUUsage, &a.MemoryUsage, &a.DiskUsage,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Labels = labels
	return &a, nil
}
