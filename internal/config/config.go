// Package config handles environment variable loading for ports, database strings, etc.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the master.
type Config struct {
	// Database connection string
	DatabaseURL string

	// HTTP server port for the master API
	HTTPPort int

	// Maintenance tick of the build queue
	QueueMaintenanceInterval time.Duration

	// Fallback poll interval of the dispatch loop
	DispatchInterval time.Duration

	// Interval between agent health-check sweeps
	HealthCheckInterval time.Duration

	// Connect timeout for SSH sessions to agents
	SSHConnectTimeout time.Duration

	// Default timeout for builds whose job has none
	DefaultBuildTimeout time.Duration

	// API rate limit per client address; 0 disables the limiter
	RateLimitPerSecond float64
	RateLimitBurst     int

	// OTLP collector endpoint for traces (e.g. "localhost:4317");
	// empty disables tracing
	OTELEndpoint string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dbUrl := os.Getenv("DATABASE_URL")
	if dbUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	port := 7070 // Default
	if portStr := os.Getenv("PORT"); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		port = p
	}

	maintenance, err := durationEnv("QUEUE_MAINTENANCE_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	dispatch, err := durationEnv("DISPATCH_INTERVAL", time.Second)
	if err != nil {
		return nil, err
	}
	healthCheck, err := durationEnv("HEALTH_CHECK_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	sshTimeout, err := durationEnv("SSH_CONNECT_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, err
	}
	buildTimeout, err := durationEnv("DEFAULT_BUILD_TIMEOUT", time.Hour)
	if err != nil {
		return nil, err
	}

	rateLimit := 50.0 // Default
	if rlStr := os.Getenv("RATE_LIMIT_PER_SECOND"); rlStr != "" {
		rl, err := strconv.ParseFloat(rlStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_SECOND: %w", err)
		}
		rateLimit = rl
	}
	burst := 100 // Default
	if burstStr := os.Getenv("RATE_LIMIT_BURST"); burstStr != "" {
		b, err := strconv.Atoi(burstStr)
		if err != nil {
			return nil, fmt.Errorf("invalid RATE_LIMIT_BURST: %w", err)
		}
		burst = b
	}

	return &Config{
		DatabaseURL:              dbUrl,
		HTTPPort:                 port,
		QueueMaintenanceInterval: maintenance,
		DispatchInterval:         dispatch,
		HealthCheckInterval:      healthCheck,
		SSHConnectTimeout:        sshTimeout,
		DefaultBuildTimeout:      buildTimeout,
		RateLimitPerSecond:       rateLimit,
		RateLimitBurst:           burst,
		OTELEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return d, nil
}
