package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// DBTransaction defines the methods shared by *sql.DB and *sql.Tx.
// This allows passing either a connection pool or an active transaction
// to the repository methods.
type DBTransaction interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Tx interface {
	DBTransaction
	Commit() error
	Rollback() error
}

// AgentStore handles persistence of execution agents. The pool holds
// the authoritative in-memory state and writes changes through here.
type AgentStore interface {
	// CreateAgent inserts a new agent.
	CreateAgent(ctx context.Context, agent *Agent) error

	// GetAgentByID returns an agent by its ID.
	GetAgentByID(ctx context.Context, id uuid.UUID) (*Agent, error)

	// ListAgents returns all known agents.
	ListAgents(ctx context.Context) ([]*Agent, error)

	// DeleteAgent removes an agent from future lists and lookups.
	// Builds that ran on it keep their assignment.
	DeleteAgent(ctx context.Context, id uuid.UUID) error

	// SaveAgentState persists the mutable fields of an agent: executor
	// count, status, health, resource usage and rolling metrics.
	SaveAgentState(ctx context.Context, agent *Agent) error
}

// JobStore handles persistence of job definitions.
type JobStore interface {
	// CreateJob inserts a new job definition.
	CreateJob(ctx context.Context, tx DBTransaction, job *Job) error

	// GetJobByID returns a job by its ID.
	GetJobByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// BumpBuildNumber increments next_build_number and total_builds,
	// returning the build number assigned to the new build.
	BumpBuildNumber(ctx context.Context, tx DBTransaction, jobID uuid.UUID) (int, error)

	// RecordBuildResult updates the job's success/failure counters and
	// last-build fields after a build reaches a terminal state.
	RecordBuildResult(ctx context.Context, jobID uuid.UUID, status string, endedAt time.Time) error
}

// BuildStore handles persistence of builds and their console output.
type BuildStore interface {
	// CreateBuild inserts the initial state of a new build.
	CreateBuild(ctx context.Context, tx DBTransaction, build *Build) error

	// GetBuildByID returns a build by its ID.
	GetBuildByID(ctx context.Context, id uuid.UUID) (*Build, error)

	// SetBuildStatus updates only the status column.
	SetBuildStatus(ctx context.Context, id uuid.UUID, status BuildStatus) error

	// AssignBuildAgent records the acquired agent and the start time,
	// moving the build to running.
	AssignBuildAgent(ctx context.Context, id uuid.UUID, agentID uuid.UUID, agentName string, startedAt time.Time) error

	// SetBuildWorkspace records the workspace path and container name
	// chosen when the remote command was built.
	SetBuildWorkspace(ctx context.Context, id uuid.UUID, workspace, containerName string) error

	// FinishBuild records the terminal state of a build.
	FinishBuild(ctx context.Context, id uuid.UUID, status BuildStatus, exitCode *int, errorMessage string, endedAt time.Time, durationSecs int) error

	// AppendConsole appends a chunk to the build's console output.
	AppendConsole(ctx context.Context, id uuid.UUID, chunk string) error

	// GetConsole returns the accumulated console output of a build.
	GetConsole(ctx context.Context, id uuid.UUID) (string, error)
}

// Store combines the repositories with transaction control. The
// postgres implementation satisfies this; tests use hand-rolled fakes.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	AgentStore
	JobStore
	BuildStore
}
