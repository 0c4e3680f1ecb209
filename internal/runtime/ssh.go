package runtime

import (
	"context"
	"fmt"
	"io"

	"buildplane/internal/sshexec"
)

// SSHRuntime dispatches builds to a remote agent host over SSH.
type SSHRuntime struct{}

// NewSSHRuntime creates a new SSH-based runtime.
func NewSSHRuntime() *SSHRuntime {
	return &SSHRuntime{}
}

// Start implements Runtime.Start by opening an SSH connection to the
// target and executing the script.
func (r *SSHRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Script == "" {
		return nil, fmt.Errorf("no script to execute")
	}

	client, err := sshexec.Dial(ctx, opts.Target, opts.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	session, err := client.Start(opts.Script)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &sshHandle{client: client, session: session}, nil
}

type sshHandle struct {
	client  *sshexec.Client
	session *sshexec.Session
}

func (h *sshHandle) Wait(ctx context.Context) (ExitResult, error) {
	code, err := h.session.Wait(ctx)
	if err != nil {
		return ExitResult{ExitCode: -1, Error: err}, err
	}
	h.client.Close()
	return ExitResult{ExitCode: code}, nil
}

func (h *sshHandle) Stop(ctx context.Context) error {
	err := h.session.Terminate()
	h.client.Close()
	return err
}

func (h *sshHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(h.session.Output()), nil
}
