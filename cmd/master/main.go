// Package main is the entry point for the buildplane master.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"buildplane/internal/config"
	"buildplane/internal/logger"
	"buildplane/internal/master"
	"buildplane/internal/observability"
	"buildplane/internal/pool"
	"buildplane/internal/queue"
	"buildplane/internal/runtime"
	"buildplane/internal/server"
	"buildplane/internal/server/handlers"
	"buildplane/internal/store"
	"buildplane/internal/store/postgres"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer st.Close()

	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(st.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	// Tracing is optional; an empty endpoint disables it.
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.Init(ctx, "buildplane-master", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	_, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	prober := pool.NewProber(cfg.SSHConnectTimeout)
	agents := pool.New(st, prober, slogger)
	if err := agents.Load(ctx); err != nil {
		log.Fatalf("Failed to load agents: %v", err)
	}

	q := queue.New(cfg.QueueMaintenanceInterval, slogger)

	runtimes := map[store.AgentRuntime]runtime.Runtime{
		store.AgentRuntimeSSH: runtime.NewSSHRuntime(),
	}
	if dockerRT, err := runtime.NewDockerRuntime(); err != nil {
		slogger.Warn("docker runtime unavailable, docker agents will not dispatch", "error", err)
	} else {
		runtimes[store.AgentRuntimeDocker] = dockerRT
	}

	m := master.New(st, agents, q, runtimes, master.Config{
		DispatchInterval:    cfg.DispatchInterval,
		SSHConnectTimeout:   cfg.SSHConnectTimeout,
		DefaultBuildTimeout: cfg.DefaultBuildTimeout,
	}, slogger)

	// The gauges read live scheduler state on every scrape.
	err = observability.RegisterSchedulerGauges(func() observability.SchedulerStats {
		qs := m.GetQueueStats()
		ps := m.GetPoolStats()
		return observability.SchedulerStats{
			QueueDepth:     qs.WaitingCount + qs.BlockedCount + qs.BuildableCount + qs.PendingCount,
			RunningBuilds:  qs.RunningCount,
			TotalExecutors: ps.TotalExecutors,
			UsedExecutors:  ps.UsedExecutors,
			OnlineAgents:   ps.OnlineAgents,
		}
	})
	if err != nil {
		log.Printf("Failed to register scheduler gauges: %v", err)
	}

	go q.Run(ctx, agents.CapacityChanged())
	go m.Run(ctx)

	go func() {
		ticker := time.NewTicker(cfg.HealthCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				agents.HealthCheckAll(ctx)
			}
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := server.New(server.Config{
		Addr:               addr,
		RateLimitPerSecond: cfg.RateLimitPerSecond,
		RateLimitBurst:     cfg.RateLimitBurst,
	}, handlers.New(m, agents, prober, st))

	go func() {
		slogger.Info("buildplane master starting", "addr", addr)
		if err := srv.Run(ctx); err != nil {
			slogger.Error("server stopped", "error", err)
		}
	}()

	<-ctx.Done()

	log.Println("Shutting down master...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
		os.Exit(1)
	}
	log.Println("Server exited properly")
}
