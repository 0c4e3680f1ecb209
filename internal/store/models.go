// Package store contains the database layer for buildplane.
package store

import (
	"time"

	"github.com/google/uuid"
)

// AgentStatus represents the health/occupancy state of an agent.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusError   AgentStatus = "error"
	AgentStatusTesting AgentStatus = "testing"
)

// AgentRuntime selects the execution backend for an agent.
type AgentRuntime string

const (
	// AgentRuntimeSSH dispatches builds over an SSH session to the agent host.
	AgentRuntimeSSH AgentRuntime = "ssh"
	// AgentRuntimeDocker runs builds in containers on the master host itself.
	AgentRuntimeDocker AgentRuntime = "docker"
)

// Agent represents a remote execution host with a fixed executor capacity.
// CurrentExecutors and Status are mutated only by the pool, under its lock.
type Agent struct {
	ID          uuid.UUID
	Name        string
	Description string

	// SSH connection details.
	Host       string
	Port       int
	Username   string
	Password   string
	SSHKeyPath string

	Runtime AgentRuntime

	// Capacity. Invariant: 0 <= CurrentExecutors <= MaxExecutors.
	MaxExecutors     int
	CurrentExecutors int
	Labels           []string

	Status    AgentStatus
	Enabled   bool
	LastPing  *time.Time
	LastError *string

	// Rolling metrics.
	TestsExecuted   int
	TestsPassed     int
	TestsFailed     int
	AvgDurationSecs int
	CPUUsage        int
	MemoryUsage     int
	DiskUsage       int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// AvailableExecutors returns the number of free executor slots.
func (a *Agent) AvailableExecutors() int {
	return a.MaxExecutors - a.CurrentExecutors
}

// PassRate returns the historical pass percentage, 0 when no history.
func (a *Agent) PassRate() float64 {
	if a.TestsExecuted == 0 {
		return 0
	}
	return float64(a.TestsPassed) / float64(a.TestsExecuted) * 100
}

// HasLabels reports whether every required label is present on the agent.
func (a *Agent) HasLabels(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range a.Labels {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// JobType selects how a job's builds execute on an agent.
type JobType string

const (
	// JobTypeDocker runs the job's container image on the agent.
	JobTypeDocker JobType = "docker"
	// JobTypeFreestyle runs the job's shell script on the agent.
	JobTypeFreestyle JobType = "freestyle"
)

// Job is a reusable build definition; builds are instances of it.
type Job struct {
	ID          uuid.UUID
	Name        string
	Description string
	Type        JobType

	// Freestyle configuration.
	Script string

	// Docker configuration.
	DockerRegistry string
	DockerImage    string
	DockerTag      string
	Platform       string
	TestSuite      string
	TestMarkers    string
	LabConfig      string

	// Workspace layout on the agent.
	WorkspacePath   string
	ConfigMountPath string

	RequiredLabels      []string
	MaxConcurrentBuilds int
	BuildTimeoutSecs    int

	Enabled         bool
	NextBuildNumber int
	LastBuildStatus string
	LastBuildAt     *time.Time

	TotalBuilds      int
	SuccessfulBuilds int
	FailedBuilds     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// BuildStatus represents the state of a build.
type BuildStatus string

const (
	BuildStatusQueued  BuildStatus = "queued"
	BuildStatusPending BuildStatus = "pending"
	BuildStatusRunning BuildStatus = "running"
	BuildStatusSuccess BuildStatus = "success"
	BuildStatusFailure BuildStatus = "failure"
	BuildStatusAborted BuildStatus = "aborted"
	BuildStatusTimeout BuildStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s BuildStatus) Terminal() bool {
	switch s {
	case BuildStatusSuccess, BuildStatusFailure, BuildStatusAborted, BuildStatusTimeout:
		return true
	}
	return false
}

// BuildConfig is the job execution config snapshotted into a build at
// trigger time, so later job edits don't change in-flight builds.
type BuildConfig struct {
	JobType         JobType  `json:"job_type"`
	RequiredLabels  []string `json:"required_labels"`
	Script          string   `json:"script,omitempty"`
	DockerRegistry  string   `json:"docker_registry,omitempty"`
	DockerImage     string   `json:"docker_image,omitempty"`
	DockerTag       string   `json:"docker_tag,omitempty"`
	Platform        string   `json:"platform,omitempty"`
	TestSuite       string   `json:"test_suite,omitempty"`
	TestMarkers     string   `json:"test_markers,omitempty"`
	LabConfig       string   `json:"lab_config,omitempty"`
	WorkspacePath   string   `json:"workspace_path,omitempty"`
	ConfigMountPath string   `json:"config_mount_path,omitempty"`
	TimeoutSecs     int      `json:"timeout_seconds"`
}

// Build represents a single execution attempt of a job.
type Build struct {
	ID          uuid.UUID
	JobID       uuid.UUID
	JobName     string
	BuildNumber int

	Status BuildStatus

	// AgentID is set once an agent is acquired and stays set through
	// the terminal state.
	AgentID   *uuid.UUID
	AgentName string

	Config     BuildConfig
	Parameters map[string]string

	QueuedAt     time.Time
	StartedAt    *time.Time
	EndedAt      *time.Time
	DurationSecs int

	Workspace     string
	ContainerName string
	ExitCode      *int
	ErrorMessage  string

	TriggeredBy string
	CreatedAt   time.Time
}
