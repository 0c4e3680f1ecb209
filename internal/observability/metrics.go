// Package observability provides OpenTelemetry instrumentation for tracing and metrics.
package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InitMetrics initializes the OpenTelemetry metrics provider with a Prometheus exporter.
// It returns the HTTP handler for the /metrics endpoint and a shutdown function.
// The shutdown function should be called on application exit for graceful cleanup.
func InitMetrics() (http.Handler, func(context.Context) error, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(provider)

	return promhttp.Handler(), provider.Shutdown, nil
}

// SchedulerStats is the snapshot the observable gauges read on each
// scrape.
type SchedulerStats struct {
	QueueDepth     int
	RunningBuilds  int
	TotalExecutors int
	UsedExecutors  int
	OnlineAgents   int
}

// RegisterSchedulerGauges registers observable gauges for the queue
// and the agent pool. snapshot is called on every scrape.
func RegisterSchedulerGauges(snapshot func() SchedulerStats) error {
	meter := otel.Meter("buildplane/master")

	queueDepth, err := meter.Int64ObservableGauge("buildplane_queue_depth",
		metric.WithDescription("Builds waiting for dispatch"))
	if err != nil {
		return err
	}
	runningBuilds, err := meter.Int64ObservableGauge("buildplane_running_builds",
		metric.WithDescription("Builds currently executing"))
	if err != nil {
		return err
	}
	totalExecutors, err := meter.Int64ObservableGauge("buildplane_executors_total",
		metric.WithDescription("Executor slots across all agents"))
	if err != nil {
		return err
	}
	usedExecutors, err := meter.Int64ObservableGauge("buildplane_executors_used",
		metric.WithDescription("Executor slots in use"))
	if err != nil {
		return err
	}
	onlineAgents, err := meter.Int64ObservableGauge("buildplane_agents_online",
		metric.WithDescription("Agents currently online"))
	if err != nil {
		return err
	}

	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		s := snapshot()
		o.ObserveInt64(queueDepth, int64(s.QueueDepth))
		o.ObserveInt64(runningBuilds, int64(s.RunningBuilds))
		o.ObserveInt64(totalExecutors, int64(s.TotalExecutors))
		o.ObserveInt64(usedExecutors, int64(s.UsedExecutors))
		o.ObserveInt64(onlineAgents, int64(s.OnlineAgents))
		return nil
	}, queueDepth, runningBuilds, totalExecutors, usedExecutors, onlineAgents)
	return err
}
