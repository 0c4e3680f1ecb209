package runtime

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
)

// DockerRuntime runs builds in containers on the master host itself,
// for agents registered with runtime=docker. It implements the same
// Handle contract as the SSH runtime.
type DockerRuntime struct {
	client *client.Client
}

// NewDockerRuntime creates a new Docker-based runtime from the
// standard environment (DOCKER_HOST, etc.).
func NewDockerRuntime() (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{client: cli}, nil
}

// Start implements Runtime.Start using local Docker containers.
func (d *DockerRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	if opts.Image == "" {
		return nil, fmt.Errorf("no image to run")
	}

	// Pull only when the image is not present locally.
	if _, err := d.client.ImageInspect(ctx, opts.Image); err != nil {
		reader, err := d.client.ImagePull(ctx, opts.Image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("failed to pull image %s: %w", opts.Image, err)
		}
		io.Copy(io.Discard, reader)
		reader.Close()
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerConfig := &container.Config{
		Image: opts.Image,
		Cmd:   opts.Command,
		Env:   env,
	}
	hostConfig := &container.HostConfig{
		Binds: opts.Binds,
	}

	created, err := d.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, opts.ContainerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := d.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	return &dockerHandle{client: d.client, containerID: created.ID}, nil
}

type dockerHandle struct {
	client      *client.Client
	containerID string
}

func (h *dockerHandle) Wait(ctx context.Context) (ExitResult, error) {
	statusCh, errCh := h.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	select {
	case err := <-errCh:
		return ExitResult{ExitCode: -1, Error: err}, err
	case status := <-statusCh:
		if status.Error != nil {
			return ExitResult{ExitCode: int(status.StatusCode), Error: fmt.Errorf("%s", status.Error.Message)}, nil
		}
		return ExitResult{ExitCode: int(status.StatusCode)}, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

func (h *dockerHandle) Stop(ctx context.Context) error {
	timeout := 5
	return h.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.client.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
}
