// Package resourcemon tracks live resource usage against configured global
// quotas and admits or rejects new containers against the latest snapshot.
package resourcemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/enginedriver"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Resource names a quota-governed resource class.
type Resource string

const (
	ResourceContainers Resource = "containers"
	ResourceCPU        Resource = "cpu"
	ResourceMemory     Resource = "memory"
	ResourcePorts      Resource = "ports"
)

// Usage is a point-in-time reading for a single resource class.
type Usage struct {
	Current     float64
	Limit       float64
	Percent     float64
	LastUpdated time.Time
}

// Snapshot is the full read-mostly usage view consulted by Admit.
type Snapshot struct {
	Containers Usage
	CPU        Usage
	Memory     Usage
	Ports      Usage
}

// Store is the subset of *store.Store the monitor needs.
type Store interface {
	CountRunning(ctx context.Context) (int, error)
	ListRunning(ctx context.Context) ([]store.Container, error)
	PortPoolCounts(ctx context.Context) (allocated, free int, err error)
	ReportPoolStats()
}

var _ Store = (*store.Store)(nil)

// StatsDriver is the subset of enginedriver.Driver the monitor needs to
// aggregate live cpu/memory usage.
type StatsDriver interface {
	Stats(ctx context.Context, id string) (enginedriver.Stats, error)
}

// Notifier is the subset of *notify.Notifier the monitor needs to page an
// operator when a global quota rejects an admission.
type Notifier interface {
	QuotaBreach(ctx context.Context, resource string, current, limit float64)
}

// PortMetricsReporter is the subset of *portalloc.Allocator the monitor needs
// to publish the port_pool gauge vec on the same tick as its own refresh.
type PortMetricsReporter interface {
	ReportMetrics(ctx context.Context)
}

// Limits are the configured global quotas.
type Limits struct {
	MaxContainers int
	MaxCPUPercent float64
	MaxMemory     int64
	MaxPorts      int
}

// Monitor periodically refreshes a Snapshot and admits proposed deltas
// against it. The snapshot is stored behind an atomic.Pointer so readers
// never block on or race with the refresh loop.
type Monitor struct {
	store    Store
	driver   StatsDriver
	notifier Notifier
	ports    PortMetricsReporter
	logger   *slog.Logger
	limits   Limits
	interval time.Duration
	enabled  bool

	snapshot atomic.Pointer[Snapshot]
}

// New creates a Monitor. enabled mirrors enable_resource_quotas: when false,
// Admit always succeeds (quotas are tracked for observability only). notifier
// may be a no-op (see notify.New with an empty bot token); reject still calls
// it unconditionally. Each refresh tick also republishes the database
// connection pool and port pool gauges, so every periodically-reported
// metric shares the one ticker.
func New(s Store, driver StatsDriver, logger *slog.Logger, limits Limits, interval time.Duration, enabled bool, notifier Notifier, ports PortMetricsReporter) *Monitor {
	m := &Monitor{store: s, driver: driver, notifier: notifier, ports: ports, logger: logger, limits: limits, interval: interval, enabled: enabled}
	m.snapshot.Store(&Snapshot{})
	return m
}

// Run refreshes the snapshot every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("resource monitor started", "interval", m.interval)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopped")
			return
		case <-ticker.C:
			m.refresh(ctx)
		}
	}
}

func (m *Monitor) refresh(ctx context.Context) {
	now := time.Now()

	m.store.ReportPoolStats()
	m.ports.ReportMetrics(ctx)

	running, err := m.store.ListRunning(ctx)
	if err != nil {
		m.logger.Error("resource monitor: listing running containers", "error", err)
		return
	}

	var totalCPU, totalMem float64
	for _, c := range running {
		stats, err := m.driver.Stats(ctx, c.ID)
		if err != nil {
			if !enginedriver.IsNotFound(err) {
				m.logger.Warn("resource monitor: reading container stats", "container_id", c.ID, "error", err)
			}
			continue
		}
		totalCPU += stats.CPUPercent
		totalMem += float64(stats.MemoryBytes)
	}

	allocated, free, err := m.store.PortPoolCounts(ctx)
	if err != nil {
		m.logger.Error("resource monitor: reading port pool counts", "error", err)
		return
	}

	snap := &Snapshot{
		Containers: usage(float64(len(running)), float64(m.limits.MaxContainers), now),
		CPU:        usage(totalCPU, m.limits.MaxCPUPercent, now),
		Memory:     usage(totalMem, float64(m.limits.MaxMemory), now),
		Ports:      usage(float64(allocated), float64(allocated+free), now),
	}
	m.snapshot.Store(snap)

	telemetry.ResourceUsagePercent.WithLabelValues(string(ResourceContainers)).Set(snap.Containers.Percent)
	telemetry.ResourceUsagePercent.WithLabelValues(string(ResourceCPU)).Set(snap.CPU.Percent)
	telemetry.ResourceUsagePercent.WithLabelValues(string(ResourceMemory)).Set(snap.Memory.Percent)
	telemetry.ResourceUsagePercent.WithLabelValues(string(ResourcePorts)).Set(snap.Ports.Percent)

	for name, u := range map[Resource]Usage{
		ResourceContainers: snap.Containers,
		ResourceCPU:        snap.CPU,
		ResourceMemory:     snap.Memory,
		ResourcePorts:      snap.Ports,
	} {
		telemetry.ResourceCurrent.WithLabelValues(string(name)).Set(u.Current)
		telemetry.ResourceLimit.WithLabelValues(string(name)).Set(u.Limit)
	}

	telemetry.ActiveContainers.Set(float64(len(running)))
}

func usage(current, limit float64, now time.Time) Usage {
	percent := 0.0
	if limit > 0 {
		percent = (current / limit) * 100.0
	}
	return Usage{Current: current, Limit: limit, Percent: percent, LastUpdated: now}
}

// Snapshot returns the most recently published snapshot.
func (m *Monitor) Snapshot() Snapshot {
	return *m.snapshot.Load()
}

// Admit checks a proposed +1 container against the latest snapshot plus a
// best-effort projection (current + expectedDelta), per spec.md §4.6. When
// quotas are disabled, Admit always succeeds.
func (m *Monitor) Admit(ctx context.Context, expectedDelta int) error {
	telemetry.ResourceQuotaChecksTotal.Inc()
	if !m.enabled {
		return nil
	}

	snap := m.Snapshot()

	if m.limits.MaxContainers > 0 {
		projected := snap.Containers.Current + float64(expectedDelta)
		if projected > float64(m.limits.MaxContainers) {
			return m.reject(ctx, ResourceContainers, projected, float64(m.limits.MaxContainers))
		}
	}
	if m.limits.MaxPorts > 0 && snap.Ports.Current >= snap.Ports.Limit {
		return m.reject(ctx, ResourcePorts, snap.Ports.Current, snap.Ports.Limit)
	}
	if m.limits.MaxMemory > 0 && snap.Memory.Current >= float64(m.limits.MaxMemory) {
		return m.reject(ctx, ResourceMemory, snap.Memory.Current, float64(m.limits.MaxMemory))
	}
	if m.limits.MaxCPUPercent > 0 && snap.CPU.Current >= m.limits.MaxCPUPercent {
		return m.reject(ctx, ResourceCPU, snap.CPU.Current, m.limits.MaxCPUPercent)
	}
	return nil
}

// reject records the rejection metric and pages an operator via notifier
// that a global quota just turned away an admission.
func (m *Monitor) reject(ctx context.Context, resource Resource, current, limit float64) error {
	telemetry.ResourceQuotaRejectionsTotal.WithLabelValues(string(resource)).Inc()
	m.notifier.QuotaBreach(ctx, string(resource), current, limit)
	return apierr.New(apierr.QuotaExceeded, "resource "+string(resource)+" exhausted")
}
