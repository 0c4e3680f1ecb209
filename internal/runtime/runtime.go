// Package runtime provides the Runtime interface for build execution
// backends: remote execution over SSH and local Docker containers.
package runtime

import (
	"context"
	"io"
	"time"

	"buildplane/internal/sshexec"
)

// Runtime executes build payloads.
type Runtime interface {
	// Start begins execution and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a build. The SSH
// runtime uses Target and Script; the Docker runtime uses the
// container fields.
type StartOptions struct {
	// Remote execution (SSH runtime).
	Target         sshexec.Target
	Script         string
	ConnectTimeout time.Duration

	// Container execution (Docker runtime).
	Image         string
	Command       []string
	Env           map[string]string
	Binds         []string
	ContainerName string
}

// ExitResult carries the outcome of a finished execution.
type ExitResult struct {
	ExitCode int
	Error    error
}

// Handle represents a running build execution.
type Handle interface {
	// Wait blocks until the execution completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the execution.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader over the combined stdout/stderr.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
