package pool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"buildplane/internal/sshexec"
	"buildplane/internal/store"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// healthCheckTimeout bounds one connectivity probe.
const healthCheckTimeout = 10 * time.Second

// resourceCommand collects CPU, memory and disk usage percentages,
// one per line.
const resourceCommand = `top -bn1 | grep 'Cpu(s)' | sed 's/.*, *\([0-9.]*\)%* id.*/\1/' | awk '{print 100 - $1}' && ` +
	`free | grep Mem | awk '{print int($3/$2 * 100)}' && ` +
	`df -h / | tail -1 | awk '{print int($5)}'`

// TestResult is the outcome of a connectivity probe. Probes never
// fail with an error; failures are part of the result.
type TestResult struct {
	OK      bool
	Message string
	Latency time.Duration
}

// Resources is a point-in-time usage sample, in percent.
type Resources struct {
	CPU    int
	Memory int
	Disk   int
}

// Prober checks agent connectivity and samples resource usage. The
// pool uses it for health checks; the API uses it to validate agents
// before creation.
type Prober interface {
	TestConnection(ctx context.Context, agent *store.Agent) TestResult
	SampleResources(ctx context.Context, agent *store.Agent) Resources
}

// SSHProber probes agents over SSH. Agents with the docker runtime
// live on the master host and are sampled locally via gopsutil.
type SSHProber struct {
	ConnectTimeout time.Duration
}

// NewProber creates a prober with the given SSH connect timeout.
func NewProber(connectTimeout time.Duration) *SSHProber {
	if connectTimeout <= 0 {
		connectTimeout = healthCheckTimeout
	}
	return &SSHProber{ConnectTimeout: connectTimeout}
}

func sshTarget(agent *store.Agent) sshexec.Target {
	return sshexec.Target{
		Host: agent.Host,
		Port: agent.Port,
		User: agent.Username,
		Credential: sshexec.Credential{
			Password: agent.Password,
			KeyPath:  agent.SSHKeyPath,
		},
	}
}

// TestConnection attempts a minimal remote command. It always returns
// a result, never an error.
func (p *SSHProber) TestConnection(ctx context.Context, agent *store.Agent) TestResult {
	if agent.Runtime == store.AgentRuntimeDocker {
		return TestResult{OK: true, Message: "local docker runtime"}
	}

	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	defer cancel()

	client, err := sshexec.Dial(dialCtx, sshTarget(agent), p.ConnectTimeout)
	if err != nil {
		return TestResult{
			OK:      false,
			Message: fmt.Sprintf("connection failed: %v", err),
			Latency: time.Since(start),
		}
	}
	defer client.Close()

	_, code, err := client.RunCombined(dialCtx, "echo ok")
	latency := time.Since(start)
	if err != nil || code != 0 {
		return TestResult{
			OK:      false,
			Message: fmt.Sprintf("remote command failed (exit %d): %v", code, err),
			Latency: latency,
		}
	}

	return TestResult{OK: true, Message: "connection successful", Latency: latency}
}

// SampleResources returns usage percentages, zeros on any failure.
func (p *SSHProber) SampleResources(ctx context.Context, agent *store.Agent) Resources {
	if agent.Runtime == store.AgentRuntimeDocker {
		return localResources(ctx)
	}

	sampleCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	client, err := sshexec.Dial(sampleCtx, sshTarget(agent), p.ConnectTimeout)
	if err != nil {
		return Resources{}
	}
	defer client.Close()

	output, code, err := client.RunCombined(sampleCtx, resourceCommand)
	if err != nil || code != 0 {
		return Resources{}
	}

	res, ok := parseResources(output)
	if !ok {
		return Resources{}
	}
	return res
}

// localResources samples the master host itself via gopsutil.
func localResources(ctx context.Context) Resources {
	var res Resources
	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		res.CPU = int(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		res.Memory = int(vm.UsedPercent)
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		res.Disk = int(du.UsedPercent)
	}
	return res
}

// parseResources expects three lines: cpu, memory, disk percentages.
func parseResources(output string) (Resources, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 3 {
		return Resources{}, false
	}

	cpuPct, err := strconv.ParseFloat(strings.TrimSpace(lines[0]), 64)
	if err != nil {
		return Resources{}, false
	}
	memPct, err := strconv.Atoi(strings.TrimSpace(lines[1]))
	if err != nil {
		return Resources{}, false
	}
	diskPct, err := strconv.Atoi(strings.TrimSpace(lines[2]))
	if err != nil {
		return Resources{}, false
	}

	return Resources{CPU: int(cpuPct), Memory: memPct, Disk: diskPct}, true
}

// HealthCheckAll probes every enabled agent and updates its status,
// resource usage and last error. Agents are probed concurrently and
// independently: one failure never affects another.
func (p *Pool) HealthCheckAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]store.Agent, 0, len(p.agents))
	for _, agent := range p.agents {
		if agent.Enabled {
			targets = append(targets, *agent)
		}
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := range targets {
		wg.Add(1)
		go func(agent store.Agent) {
			defer wg.Done()
			result := p.prober.TestConnection(ctx, &agent)

			var res Resources
			if result.OK {
				res = p.prober.SampleResources(ctx, &agent)
			}
			p.applyHealthResult(ctx, agent.ID, result, res)
		}(targets[i])
	}
	wg.Wait()

	p.logger.Info("health check completed", "agents", len(targets))
}

func (p *Pool) applyHealthResult(ctx context.Context, id uuid.UUID, result TestResult, res Resources) {
	p.mu.Lock()
	agent, ok := p.agents[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	now := p.now().UTC()
	if result.OK {
		if agent.Status == store.AgentStatusOffline || agent.Status == store.AgentStatusError {
			agent.Status = store.AgentStatusOnline
		}
		agent.LastPing = &now
		agent.LastError = nil
		agent.CPUUsage = res.CPU
		agent.MemoryUsage = res.Memory
		agent.DiskUsage = res.Disk
	} else {
		agent.Status = store.AgentStatusError
		msg := result.Message
		agent.LastError = &msg
	}
	cp := *agent
	p.mu.Unlock()

	p.persist(ctx, &cp)
}
