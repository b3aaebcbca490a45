// Package janitor runs the two background workers named in spec §4.9: a
// per-container monitor dispatcher that wakes a container's reclamation at
// its expiration, and an independent sweeper that batch-reclaims anything
// the dispatcher missed and purges stale port and rate-limit rows.
package janitor

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ctfrange/orchestrator/internal/captcha"
	"github.com/ctfrange/orchestrator/internal/enginedriver"
	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/notify"
	"github.com/ctfrange/orchestrator/internal/orchestrator"
	"github.com/ctfrange/orchestrator/internal/portalloc"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

var (
	_ Store          = (*store.Store)(nil)
	_ Driver         = (*enginedriver.DockerDriver)(nil)
	_ PortAllocator  = (*portalloc.Allocator)(nil)
	_ CaptchaSweeper = (*captcha.Broker)(nil)
	_ EventPublisher = (*eventbus.Bus)(nil)
	_ Notifier       = (*notify.Notifier)(nil)

	_ orchestrator.MonitorScheduler = (*Janitor)(nil)
)

// Store is the subset of *store.Store the janitor needs.
type Store interface {
	GetByID(ctx context.Context, id string) (*store.Container, error)
	ListRunning(ctx context.Context) ([]store.Container, error)
	ListExpiredRunning(ctx context.Context, now int64, limit int) ([]store.Container, error)
	UpdateStatus(ctx context.Context, id string, status store.ContainerStatus) error
	PurgeIPRequestsBefore(ctx context.Context, beforeUnix int64) (int, error)
}

// Driver is the subset of enginedriver.Driver the janitor needs.
type Driver interface {
	Remove(ctx context.Context, id string) error
}

// PortAllocator is the subset of *portalloc.Allocator the janitor needs.
type PortAllocator interface {
	Release(ctx context.Context, port int) error
	Sweep(ctx context.Context) (int, error)
}

// CaptchaSweeper is the subset of *captcha.Broker the janitor needs.
type CaptchaSweeper interface {
	Sweep() int
}

// EventPublisher is the subset of *eventbus.Bus the janitor needs.
type EventPublisher interface {
	Publish(ctx context.Context, ev eventbus.Event)
}

// Notifier is the subset of *notify.Notifier the janitor needs.
type Notifier interface {
	SweepFailure(ctx context.Context, attempts int, cause error)
}

// Config carries the janitor's timing and sizing knobs, all sourced from
// spec's "Maintenance" config group.
type Config struct {
	ThreadPoolSize            int
	MaintenanceIntervalSec    int64
	MaintenanceBatchSize      int
	ContainerCheckIntervalSec int64
	IPRequestRetentionSec     int64
	ReclaimTimeout            time.Duration
	MaxConsecutiveFailures    int
}

// Janitor owns the monitor dispatcher's heap and the sweeper loop. It
// implements orchestrator.MonitorScheduler via Schedule/Cancel.
type Janitor struct {
	store    Store
	driver   Driver
	ports    PortAllocator
	captcha  CaptchaSweeper
	events   EventPublisher
	notifier Notifier
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	heap  monitorHeap
	byID  map[string]*monitorEntry
	wake  chan struct{}
	sem   chan struct{}

	failureMu           sync.Mutex
	consecutiveFailures int
}

// New assembles a Janitor from its narrow dependencies.
func New(s Store, driver Driver, ports PortAllocator, captcha CaptchaSweeper, events EventPublisher, notifier Notifier, logger *slog.Logger, cfg Config) *Janitor {
	return &Janitor{
		store: s, driver: driver, ports: ports, captcha: captcha,
		events: events, notifier: notifier, logger: logger, cfg: cfg,
		byID: make(map[string]*monitorEntry),
		wake: make(chan struct{}, 1),
		sem:  make(chan struct{}, cfg.ThreadPoolSize),
	}
}

// Schedule registers (or reschedules, if already present) a wake-up for
// containerID at expiresAt.
func (j *Janitor) Schedule(containerID string, expiresAt time.Time) {
	j.mu.Lock()
	if entry, ok := j.byID[containerID]; ok {
		entry.expiresAt = expiresAt
		heap.Fix(&j.heap, entry.index)
	} else {
		entry := &monitorEntry{containerID: containerID, expiresAt: expiresAt}
		heap.Push(&j.heap, entry)
		j.byID[containerID] = entry
	}
	j.mu.Unlock()
	j.notifyWake()
}

// Cancel removes containerID's pending wake-up, if any. Called by
// Stop/Restart once a container is no longer the dispatcher's concern.
func (j *Janitor) Cancel(containerID string) {
	j.mu.Lock()
	if entry, ok := j.byID[containerID]; ok {
		heap.Remove(&j.heap, entry.index)
		delete(j.byID, containerID)
	}
	j.mu.Unlock()
}

func (j *Janitor) notifyWake() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// RunMonitors runs the heap-based dispatcher loop until ctx is cancelled. A
// single goroutine owns the heap; reclamation itself fans out onto a
// semaphore-bounded worker pool sized ThreadPoolSize, since monitors sleep
// for minutes and a saturated pool simply makes new wake-ups queue.
func (j *Janitor) RunMonitors(ctx context.Context) {
	j.logger.Info("monitor dispatcher started", "thread_pool_size", j.cfg.ThreadPoolSize)

	reconcile := time.NewTicker(time.Duration(j.cfg.ContainerCheckIntervalSec) * time.Second)
	defer reconcile.Stop()

	// Seed the heap with whatever is already running, so a freshly started
	// process picks up containers deployed before it started.
	j.reconcileRunning(ctx)

	for {
		timer, stop := j.nextWakeTimer()

		select {
		case <-ctx.Done():
			stop()
			j.logger.Info("monitor dispatcher stopped")
			return
		case <-reconcile.C:
			stop()
			j.reconcileRunning(ctx)
		case <-j.wake:
			stop()
		case <-timerChan(timer):
			j.drainDue(ctx)
		}
	}
}

// nextWakeTimer returns a timer that fires when the heap's soonest entry is
// due, or a nil timer (never fires) when the heap is empty.
func (j *Janitor) nextWakeTimer() (*time.Timer, func()) {
	j.mu.Lock()
	var d time.Duration
	empty := len(j.heap) == 0
	if !empty {
		d = time.Until(j.heap[0].expiresAt)
		if d < 0 {
			d = 0
		}
	}
	j.mu.Unlock()

	if empty {
		return nil, func() {}
	}
	t := time.NewTimer(d)
	return t, func() { t.Stop() }
}

func timerChan(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// drainDue pops every entry whose expiresAt has passed and dispatches
// reclamation for it, after re-reading the container's current
// expiration_time in case Extend moved it without a matching Schedule call
// racing ahead of this wake-up.
func (j *Janitor) drainDue(ctx context.Context) {
	now := time.Now()
	for {
		j.mu.Lock()
		if len(j.heap) == 0 || j.heap[0].expiresAt.After(now) {
			j.mu.Unlock()
			return
		}
		entry := heap.Pop(&j.heap).(*monitorEntry)
		delete(j.byID, entry.containerID)
		j.mu.Unlock()

		j.wakeOne(ctx, entry.containerID)
	}
}

func (j *Janitor) wakeOne(ctx context.Context, containerID string) {
	reconcileCtx, cancel := context.WithTimeout(ctx, j.cfg.ReclaimTimeout)
	c, err := j.store.GetByID(reconcileCtx, containerID)
	cancel()
	if err != nil {
		j.logger.Error("re-reading container on monitor wake-up", "container_id", containerID, "error", err)
		return
	}
	if c == nil || c.Status != store.StatusRunning {
		return // already reclaimed by the sweeper or a user Stop/Restart
	}
	if time.Unix(c.ExpirationTime, 0).After(time.Now()) {
		// Extended since this wake-up was scheduled; loop by rescheduling.
		j.Schedule(containerID, time.Unix(c.ExpirationTime, 0))
		return
	}

	select {
	case j.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	go func() {
		defer func() { <-j.sem }()
		rctx, cancel := context.WithTimeout(context.Background(), j.cfg.ReclaimTimeout)
		defer cancel()
		if err := j.reclaim(rctx, *c); err != nil {
			j.logger.Error("monitor reclamation failed", "container_id", containerID, "error", err)
		}
	}()
}

// reclaim force-removes c's engine container (tolerating NotFound), marks it
// removed, releases its port, and publishes the lifecycle event — the same
// sequence whether triggered by a monitor wake-up or the sweeper.
func (j *Janitor) reclaim(ctx context.Context, c store.Container) error {
	if err := j.driver.Remove(ctx, c.ID); err != nil && !enginedriver.IsNotFound(err) {
		return fmt.Errorf("force-removing container: %w", err)
	}
	if err := j.store.UpdateStatus(ctx, c.ID, store.StatusRemoved); err != nil {
		return fmt.Errorf("marking container removed: %w", err)
	}
	telemetry.ContainerLifetime.Observe(time.Since(time.Unix(c.StartTime, 0)).Seconds())
	if err := j.ports.Release(ctx, c.Port); err != nil {
		j.logger.Error("releasing port during reclamation", "container_id", c.ID, "port", c.Port, "error", err)
	}
	j.events.Publish(ctx, eventbus.Event{Type: eventbus.EventExpired, ContainerID: c.ID, UserUUID: c.UserUUID, Port: c.Port, Timestamp: time.Now().Unix()})
	return nil
}

// reconcileRunning schedules a wake-up for every currently running container
// that the dispatcher doesn't already know about — the recovery path for a
// janitor process that (re)started after containers were already deployed.
func (j *Janitor) reconcileRunning(ctx context.Context) {
	running, err := j.store.ListRunning(ctx)
	if err != nil {
		j.logger.Error("listing running containers for monitor reconciliation", "error", err)
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, c := range running {
		if _, ok := j.byID[c.ID]; ok {
			continue
		}
		entry := &monitorEntry{containerID: c.ID, expiresAt: time.Unix(c.ExpirationTime, 0)}
		heap.Push(&j.heap, entry)
		j.byID[c.ID] = entry
	}
}
