package master

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"buildplane/internal/logger"
	"buildplane/internal/pool"
	"buildplane/internal/queue"
	"buildplane/internal/runtime"
	"buildplane/internal/sshexec"
	"buildplane/internal/store"

	"github.com/google/uuid"
)

const (
	// Console output is flushed to the store in bounded chunks rather
	// than held in memory for the whole build.
	consoleFlushLines    = 100
	consoleFlushInterval = time.Second

	noAgentMessage = "no available agents matching required labels"
)

// execute runs one build end to end. Whatever happens after the agent
// is acquired, the deferred Release returns its executor slot exactly
// once; the caller's deferred MarkCompleted cleans up the queue.
func (m *Master) execute(ctx context.Context, item *queue.Item) {
	log := logger.ForBuild(m.logger, item.BuildID.String(), item.JobName, item.BuildNumber)

	// Persistence and release must survive abort and timeout of the
	// execution context.
	persistCtx := context.WithoutCancel(ctx)

	build, err := m.store.GetBuildByID(persistCtx, item.BuildID)
	if err != nil {
		log.Error("dispatched build not found in store", "error", err)
		return
	}

	if err := m.store.SetBuildStatus(persistCtx, build.ID, store.BuildStatusPending); err != nil {
		log.Error("failed to mark build pending", "error", err)
		return
	}
	m.appendConsole(persistCtx, build.ID, consoleHeader(build))

	agent := m.pool.Acquire(ctx, pool.AcquireRequest{
		Labels:        build.Config.RequiredLabels,
		PreferAgentID: item.PreferAgentID,
		AffinityKey:   build.JobName,
	})
	if agent == nil {
		log.Warn("no agent available", "labels", build.Config.RequiredLabels)
		m.appendConsole(persistCtx, build.ID, "[master] "+noAgentMessage+"\n")
		m.finishBuild(persistCtx, build, store.BuildStatusFailure, nil, noAgentMessage, nil)
		return
	}
	defer m.pool.Release(persistCtx, agent.ID)

	started := m.now().UTC()
	if err := m.store.AssignBuildAgent(persistCtx, build.ID, agent.ID, agent.Name, started); err != nil {
		log.Error("failed to assign agent", "agent", agent.Name, "error", err)
		m.finishBuild(persistCtx, build, store.BuildStatusFailure, nil, err.Error(), nil)
		return
	}
	m.queue.MarkRunning(build.ID)
	log.Info("build running", "agent", agent.Name, "host", agent.Host)
	m.appendConsole(persistCtx, build.ID,
		fmt.Sprintf("[master] running on agent %s (%s)\n", agent.Name, agent.Host))

	script, workspace, container := BuildCommand(build)
	if err := m.store.SetBuildWorkspace(persistCtx, build.ID, workspace, container); err != nil {
		log.Warn("failed to record workspace", "error", err)
	}

	timeout := time.Duration(build.Config.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = m.cfg.DefaultBuildTimeout
	}
	execCtx, cancelTimeout := context.WithTimeout(ctx, timeout)
	defer cancelTimeout()

	handle, err := m.runtimeFor(agent).Start(execCtx, m.startOptions(agent, build, script, container))
	if err != nil {
		// An abort or timeout can land while the runtime is still
		// connecting; classify it the same way a failed Wait is.
		status, message := terminalFor(execCtx, err)
		log.Error("failed to start build", "agent", agent.Name, "status", string(status), "error", err)
		m.appendConsole(persistCtx, build.ID, "[master] "+message+"\n")
		duration := m.finishBuild(persistCtx, build, status, nil, message, &started)
		if status != store.BuildStatusAborted {
			m.pool.UpdateMetrics(persistCtx, agent.ID, false, duration)
		}
		return
	}

	streamDone := make(chan struct{})
	if logs, err := handle.StreamLogs(execCtx); err != nil {
		log.Warn("console streaming unavailable", "error", err)
		close(streamDone)
	} else {
		go func() {
			defer close(streamDone)
			m.streamConsole(persistCtx, build.ID, logs)
		}()
	}

	res, waitErr := handle.Wait(execCtx)
	if waitErr != nil {
		handle.Stop(persistCtx)
		<-streamDone

		status, message := terminalFor(execCtx, waitErr)
		switch status {
		case store.BuildStatusAborted:
			m.appendConsole(persistCtx, build.ID, "[master] build aborted by user\n")
		case store.BuildStatusTimeout:
			m.appendConsole(persistCtx, build.ID,
				fmt.Sprintf("[master] build exceeded timeout of %s, terminating\n", timeout))
		default:
			m.appendConsole(persistCtx, build.ID, "[master] "+waitErr.Error()+"\n")
		}
		log.Info("build terminated", "status", string(status), "reason", message)
		duration := m.finishBuild(persistCtx, build, status, nil, message, &started)
		if status != store.BuildStatusAborted {
			m.pool.UpdateMetrics(persistCtx, agent.ID, false, duration)
		}
		return
	}
	<-streamDone

	status := store.BuildStatusSuccess
	message := ""
	if res.ExitCode != 0 {
		status = store.BuildStatusFailure
		message = fmt.Sprintf("build failed with exit code %d", res.ExitCode)
	}
	exitCode := res.ExitCode
	log.Info("build finished", "status", string(status), "exit_code", exitCode)
	duration := m.finishBuild(persistCtx, build, status, &exitCode, message, &started)
	m.pool.UpdateMetrics(persistCtx, agent.ID, status == store.BuildStatusSuccess, duration)
}

// terminalFor maps a failed runtime start or wait onto the build's
// terminal state, separating user aborts and timeouts from failures.
func terminalFor(execCtx context.Context, err error) (store.BuildStatus, string) {
	switch {
	case errors.Is(context.Cause(execCtx), errAborted):
		return store.BuildStatusAborted, "aborted by user"
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return store.BuildStatusTimeout, "timeout"
	default:
		return store.BuildStatusFailure, err.Error()
	}
}

// finishBuild records the terminal state, appends the console footer
// and updates the job counters. Returns the duration in seconds.
func (m *Master) finishBuild(ctx context.Context, build *store.Build, status store.BuildStatus, exitCode *int, message string, startedAt *time.Time) int {
	ended := m.now().UTC()
	duration := 0
	if startedAt != nil {
		duration = int(ended.Sub(*startedAt) / time.Second)
	}

	m.appendConsole(ctx, build.ID, fmt.Sprintf("[master] build finished: %s (duration %ds) at %s\n",
		strings.ToUpper(string(status)), duration, ended.Format(time.RFC3339)))

	if err := m.store.FinishBuild(ctx, build.ID, status, exitCode, message, ended, duration); err != nil {
		m.logger.Error("failed to record build result",
			"build_id", build.ID, "status", string(status), "error", err)
	}
	if err := m.store.RecordBuildResult(ctx, build.JobID, string(status), ended); err != nil {
		m.logger.Warn("failed to update job counters", "job_id", build.JobID, "error", err)
	}
	return duration
}

// startOptions maps a build onto the agent's runtime. SSH agents get
// the rendered script; docker agents get the container equivalent.
func (m *Master) startOptions(agent *store.Agent, build *store.Build, script, container string) runtime.StartOptions {
	if agent.Runtime == store.AgentRuntimeDocker {
		opts := runtime.StartOptions{
			ContainerName: container,
		}
		if build.Config.JobType == store.JobTypeDocker {
			opts.Image = imageRef(build.Config)
			opts.Env = containerEnvMap(build)
			if build.Config.LabConfig != "" && build.Config.ConfigMountPath != "" {
				opts.Binds = append(opts.Binds, build.Config.LabConfig+":"+build.Config.ConfigMountPath+":ro")
			}
		} else {
			opts.Image = defaultFreestyleImage
			opts.Command = []string{"/bin/sh", "-c", script}
			opts.ContainerName = sanitizeName(build.JobName) + "_" + build.ID.String()[:8]
		}
		return opts
	}

	return runtime.StartOptions{
		Target: sshexec.Target{
			Host: agent.Host,
			Port: agent.Port,
			User: agent.Username,
			Credential: sshexec.Credential{
				Password: agent.Password,
				KeyPath:  agent.SSHKeyPath,
			},
		},
		Script:         script,
		ConnectTimeout: m.cfg.SSHConnectTimeout,
	}
}

func containerEnvMap(build *store.Build) map[string]string {
	env := make(map[string]string)
	for _, pair := range containerEnv(build) {
		if k, v, ok := strings.Cut(pair, "="); ok {
			env[k] = v
		}
	}
	return env
}

// streamConsole copies the execution output into the build's console
// in bounded chunks, flushing every consoleFlushLines lines or
// consoleFlushInterval, whichever comes first.
func (m *Master) streamConsole(ctx context.Context, buildID uuid.UUID, r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var buf strings.Builder
	lines := 0
	lastFlush := time.Now()

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		m.appendConsole(ctx, buildID, buf.String())
		buf.Reset()
		lines = 0
		lastFlush = time.Now()
	}

	for scanner.Scan() {
		buf.WriteString(scanner.Text())
		buf.WriteByte('\n')
		lines++
		if lines >= consoleFlushLines || time.Since(lastFlush) >= consoleFlushInterval {
			flush()
		}
	}
	flush()

	if err := scanner.Err(); err != nil {
		m.logger.Warn("console stream ended with error", "build_id", buildID, "error", err)
	}
}

func (m *Master) appendConsole(ctx context.Context, buildID uuid.UUID, chunk string) {
	if err := m.store.AppendConsole(ctx, buildID, chunk); err != nil {
		m.logger.Warn("failed to append console output", "build_id", buildID, "error", err)
	}
}

// consoleHeader is the first thing written to every build's console.
func consoleHeader(build *store.Build) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[master] build #%d of job %s\n", build.BuildNumber, build.JobName)
	fmt.Fprintf(&b, "[master] queued at %s by %s\n",
		build.QueuedAt.Format(time.RFC3339), orUnknown(build.TriggeredBy))
	if len(build.Config.RequiredLabels) > 0 {
		fmt.Fprintf(&b, "[master] required labels: %s\n", strings.Join(build.Config.RequiredLabels, ", "))
	}
	for _, key := range sortedParamKeys(build.Parameters) {
		fmt.Fprintf(&b, "[master] parameter %s=%s\n", key, build.Parameters[key])
	}
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
