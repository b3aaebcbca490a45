// Package portalloc reserves and releases host ports for challenge
// containers out of the pre-seeded port_allocations table.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Store is the subset of *store.Store the allocator needs, narrowed so it
// can be faked in tests without a real database.
type Store interface {
	ReserveFreePort(ctx context.Context, containerID string, now int64) (int, error)
	MarkStale(ctx context.Context, port int, staleID string, now int64) error
	ReassignPort(ctx context.Context, port int, containerID string) error
	ReleasePort(ctx context.Context, port int) error
	ReleasePortsWithoutRunningContainer(ctx context.Context, staleAfterSec int64) (int, error)
	PortPoolCounts(ctx context.Context) (allocated, free int, err error)
}

var _ Store = (*store.Store)(nil)

// Allocator reserves and releases host ports, backed by the port_allocations
// table. The table is authoritative; the OS-level probe in Reserve is a
// belt-and-braces check against desync between the table and reality.
type Allocator struct {
	store         Store
	logger        *slog.Logger
	maxAttempts   int
	staleAfterSec int64
}

// New creates an Allocator. maxAttempts bounds how many times Reserve will
// retry after finding a table-free port that is not actually free on the OS.
// staleAfterSec is how long a port may sit allocated with no matching
// running container before Sweep reclaims it.
func New(s Store, logger *slog.Logger, maxAttempts int, staleAfterSec int64) *Allocator {
	return &Allocator{store: s, logger: logger, maxAttempts: maxAttempts, staleAfterSec: staleAfterSec}
}

// Reserve claims a free port for containerID, or returns an *apierr.Error of
// kind PortPoolFull if none is available after maxAttempts.
func (a *Allocator) Reserve(ctx context.Context, containerID string) (int, error) {
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		now := time.Now().Unix()
		port, err := a.store.ReserveFreePort(ctx, containerID, now)
		if errors.Is(err, pgx.ErrNoRows) {
			telemetry.PortAllocationFailuresTotal.Inc()
			return 0, apierr.New(apierr.PortPoolFull, "no free port available")
		}
		if err != nil {
			return 0, apierr.Wrap(apierr.StoreTransient, "reserving port", err)
		}

		if portFreeOnOS(port) {
			return port, nil
		}

		// The table said free but the OS disagrees: something outside this
		// system's control is squatting on it. Re-pin the row under a
		// synthetic id so it isn't handed out again, and try another port.
		staleID := fmt.Sprintf("stale-%d", time.Now().UnixNano())
		a.logger.Warn("port reported free by table but busy on OS, marking stale",
			"port", port, "attempt", attempt)
		if err := a.store.MarkStale(ctx, port, staleID, now); err != nil {
			a.logger.Warn("marking desynced port stale", "port", port, "error", err)
		}
	}

	telemetry.PortAllocationFailuresTotal.Inc()
	return 0, apierr.New(apierr.PortPoolFull, "no free port available after max attempts")
}

// Repin repoints port's reservation from a placeholder id to containerID,
// used once Deploy/Restart know the real engine container id. The port
// stays allocated throughout; no other reserver can claim it in between.
func (a *Allocator) Repin(ctx context.Context, port int, containerID string) error {
	if err := a.store.ReassignPort(ctx, port, containerID); err != nil {
		return apierr.Wrap(apierr.StoreTransient, "repinning port", err)
	}
	return nil
}

// Release frees port. Idempotent; releasing a free port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if err := a.store.ReleasePort(ctx, port); err != nil {
		return apierr.Wrap(apierr.StoreTransient, "releasing port", err)
	}
	return nil
}

// Sweep releases any port allocated past the stale-age threshold whose
// container is no longer running, reclaiming leaked reservations from
// crashed deploys, never-finalized placeholders, and stale-marked ports.
func (a *Allocator) Sweep(ctx context.Context) (int, error) {
	n, err := a.store.ReleasePortsWithoutRunningContainer(ctx, a.staleAfterSec)
	if err != nil {
		return 0, apierr.Wrap(apierr.StoreTransient, "sweeping ports", err)
	}
	return n, nil
}

// ReportMetrics publishes the current allocated/free counts to the port_pool
// gauge vec.
func (a *Allocator) ReportMetrics(ctx context.Context) {
	allocated, free, err := a.store.PortPoolCounts(ctx)
	if err != nil {
		a.logger.Warn("reading port pool counts", "error", err)
		return
	}
	telemetry.PortPool.WithLabelValues("allocated").Set(float64(allocated))
	telemetry.PortPool.WithLabelValues("free").Set(float64(free))
	telemetry.PortPool.WithLabelValues("total").Set(float64(allocated + free))
}

// portFreeOnOS probes whether port is free to bind on all interfaces. Any
// listen failure, whatever its cause, is treated as "busy".
func portFreeOnOS(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
