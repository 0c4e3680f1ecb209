// Package api contains shared JSON request/response structs.
// This package is shared between the CLI and the master.
package api

import "time"

// TriggerBuildRequest is the request body for triggering a build of a job.
type TriggerBuildRequest struct {
	Parameters  map[string]string `json:"parameters,omitempty"`
	TriggeredBy string            `json:"triggered_by,omitempty"`
	// Priority must be one of 1 (low), 5 (normal), 10 (high), 20 (critical).
	Priority int `json:"priority,omitempty"`
	// QuietPeriodSeconds delays dispatch after enqueue.
	QuietPeriodSeconds int `json:"quiet_period_seconds,omitempty"`
	// PreferAgentID requests session affinity to a specific agent.
	PreferAgentID string `json:"prefer_agent_id,omitempty"`
}

// TriggerBuildResponse is the response body after triggering a build.
type TriggerBuildResponse struct {
	BuildID     string `json:"build_id"`
	BuildNumber int    `json:"build_number"`
}

// BuildResponse represents a build in API responses.
type BuildResponse struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	JobName      string     `json:"job_name"`
	BuildNumber  int        `json:"build_number"`
	Status       string     `json:"status"`
	AgentID      string     `json:"agent_id,omitempty"`
	AgentName    string     `json:"agent_name,omitempty"`
	QueuedAt     time.Time  `json:"queued_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationSecs int        `json:"duration_seconds,omitempty"`
	ExitCode     *int       `json:"exit_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	TriggeredBy  string     `json:"triggered_by,omitempty"`
}

// ConsoleResponse carries the console output of a build.
type ConsoleResponse struct {
	BuildID string `json:"build_id"`
	Output  string `json:"output"`
}

// AbortBuildResponse is the response body after an abort request.
type AbortBuildResponse struct {
	Aborted bool `json:"aborted"`
}

// CreateJobRequest is the request body for creating a job definition.
type CreateJobRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// Type selects the execution style: "docker" or "freestyle".
	Type string `json:"type"`

	// Freestyle jobs.
	Script string `json:"script,omitempty"`

	// Docker jobs.
	DockerRegistry  string `json:"docker_registry,omitempty"`
	DockerImage     string `json:"docker_image,omitempty"`
	DockerTag       string `json:"docker_tag,omitempty"`
	Platform        string `json:"platform,omitempty"`
	TestSuite       string `json:"test_suite,omitempty"`
	TestMarkers     string `json:"test_markers,omitempty"`
	LabConfig       string `json:"lab_config,omitempty"`
	ConfigMountPath string `json:"config_mount_path,omitempty"`

	WorkspacePath       string   `json:"workspace_path,omitempty"`
	RequiredLabels      []string `json:"required_labels,omitempty"`
	MaxConcurrentBuilds int      `json:"max_concurrent_builds,omitempty"`
	BuildTimeoutSecs    int      `json:"build_timeout_seconds,omitempty"`
}

// CreateJobResponse is the response body after creating a job.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// CreateAgentRequest is the request body for registering an execution agent.
type CreateAgentRequest struct {
	Name         string   `json:"name"`
	Host         string   `json:"host"`
	Port         int      `json:"port,omitempty"`
	Username     string   `json:"username"`
	Password     string   `json:"password,omitempty"`
	SSHKeyPath   string   `json:"ssh_key_path,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	MaxExecutors int      `json:"max_executors,omitempty"`
	// Runtime selects the execution backend: "ssh" (default) or "docker".
	Runtime string `json:"runtime,omitempty"`
}

// AgentResponse represents an agent in API responses.
type AgentResponse struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Labels             []string `json:"labels"`
	Status             string   `json:"status"`
	Enabled            bool     `json:"enabled"`
	MaxExecutors       int      `json:"max_executors"`
	CurrentExecutors   int      `json:"current_executors"`
	AvailableExecutors int      `json:"available_executors"`
	CPUUsage           int      `json:"cpu_usage"`
	MemoryUsage        int      `json:"memory_usage"`
	DiskUsage          int      `json:"disk_usage"`
	TestsExecuted      int      `json:"tests_executed"`
	PassRate           float64  `json:"pass_rate"`
	LastError          string   `json:"last_error,omitempty"`
}

// QueueItemDetail describes one queued build in queue stats.
type QueueItemDetail struct {
	BuildID       string     `json:"build_id"`
	JobName       string     `json:"job_name"`
	BuildNumber   int        `json:"build_number"`
	State         string     `json:"state"`
	Priority      int        `json:"priority"`
	QueuedAt      time.Time  `json:"queued_at"`
	QuietUntil    *time.Time `json:"quiet_until,omitempty"`
	BlockedReason string     `json:"blocked_reason,omitempty"`
}

// QueueStatsResponse is the response body for queue statistics.
type QueueStatsResponse struct {
	WaitingCount   int               `json:"waiting_count"`
	BlockedCount   int               `json:"blocked_count"`
	BuildableCount int               `json:"buildable_count"`
	PendingCount   int               `json:"pending_count"`
	RunningCount   int               `json:"running_count"`
	TotalQueued    int               `json:"total_queued"`
	TotalCompleted int               `json:"total_completed"`
	Items          []QueueItemDetail `json:"items"`
}

// PoolStatsResponse is the response body for agent pool statistics.
type PoolStatsResponse struct {
	TotalAgents    int     `json:"total_agents"`
	OnlineAgents   int     `json:"online_agents"`
	BusyAgents     int     `json:"busy_agents"`
	OfflineAgents  int     `json:"offline_agents"`
	ErrorAgents    int     `json:"error_agents"`
	TotalExecutors int     `json:"total_executors"`
	UsedExecutors  int     `json:"used_executors"`
	PassRate       float64 `json:"pass_rate"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
