// Package metrics tracks collector health counters. Values are kept in
// a local Prometheus registry and mirrored to the platform's metric
// counter endpoint after each sweep.
package metrics

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/coscene-io/coscout/internal/api"
)

// Collector metric names. The platform aggregates them per device.
const (
	RunSuccessfulTotal = "coscout_collector_run_successful_total"
	RecordCacheCount   = "coscout_collector_record_cache_count"
)

// Metrics owns the process-local registry and the server mirror.
type Metrics struct {
	registry *prometheus.Registry
	client   api.Client
	logger   *slog.Logger

	runSuccessful prometheus.Counter
	recordCount   prometheus.Gauge
}

func New(client api.Client, logger *slog.Logger) *Metrics {
	if logger == nil {
		logger = slog.Default()
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		client:   client,
		logger:   logger,
		runSuccessful: prometheus.NewCounter(prometheus.CounterOpts{
			Name: RunSuccessfulTotal,
			Help: "Completed collector sweeps.",
		}),
		recordCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: RecordCacheCount,
			Help: "Record caches currently on disk.",
		}),
	}

	m.registry.MustRegister(m.runSuccessful, m.recordCount)

	return m
}

// Registry exposes the local registry, e.g. for a debug handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SweepCompleted records one successful sweep and the current record
// count, mirroring the run counter to the platform. Mirror failures are
// logged only.
func (m *Metrics) SweepCompleted(ctx context.Context, totalRecords int) {
	m.runSuccessful.Inc()
	m.recordCount.Set(float64(totalRecords))

	if err := m.client.IncCounter(ctx, RunSuccessfulTotal, 1, nil); err != nil {
		m.logger.Debug("mirroring sweep counter failed", "error", err)
	}
}
