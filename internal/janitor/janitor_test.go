package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	byID     map[string]*store.Container
	running  []store.Container
	expired  []store.Container
	statuses map[string]store.ContainerStatus
	purged   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: map[string]*store.Container{}, statuses: map[string]store.ContainerStatus{}}
}

func (f *fakeStore) GetByID(ctx context.Context, id string) (*store.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.byID[id]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (f *fakeStore) ListRunning(ctx context.Context) ([]store.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeStore) ListExpiredRunning(ctx context.Context, now int64, limit int) ([]store.Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.expired) > limit {
		return f.expired[:limit], nil
	}
	return f.expired, nil
}

func (f *fakeStore) UpdateStatus(ctx context.Context, id string, status store.ContainerStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	if c, ok := f.byID[id]; ok {
		c.Status = status
	}
	return nil
}

func (f *fakeStore) PurgeIPRequestsBefore(ctx context.Context, beforeUnix int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.purged
	f.purged = 0
	return n, nil
}

type fakeDriver struct {
	mu      sync.Mutex
	removed []string
	failFor map[string]error
}

func newFakeDriver() *fakeDriver { return &fakeDriver{failFor: map[string]error{}} }

func (f *fakeDriver) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.failFor[id]
}

type fakePorts struct {
	mu       sync.Mutex
	released []int
	swept    int
}

func (f *fakePorts) Release(ctx context.Context, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, port)
	return nil
}

func (f *fakePorts) Sweep(ctx context.Context) (int, error) {
	return f.swept, nil
}

type fakeCaptcha struct{ swept int }

func (f *fakeCaptcha) Sweep() int { return f.swept }

type fakeEvents struct {
	mu        sync.Mutex
	published []eventbus.Event
}

func (f *fakeEvents) Publish(ctx context.Context, ev eventbus.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
}

func (f *fakeEvents) count(t eventbus.EventType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.published {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeNotifier) SweepFailure(ctx context.Context, attempts int, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testConfig() Config {
	return Config{
		ThreadPoolSize:            4,
		MaintenanceIntervalSec:    1,
		MaintenanceBatchSize:      50,
		ContainerCheckIntervalSec: 3600,
		IPRequestRetentionSec:     3600,
		ReclaimTimeout:            2 * time.Second,
		MaxConsecutiveFailures:    3,
	}
}

func TestScheduleThenCancelRemovesEntry(t *testing.T) {
	j := New(newFakeStore(), newFakeDriver(), &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, &fakeNotifier{}, discardLogger(), testConfig())

	j.Schedule("c1", time.Now().Add(time.Hour))
	assert.Len(t, j.heap, 1)

	j.Cancel("c1")
	assert.Len(t, j.heap, 0)
	assert.NotContains(t, j.byID, "c1")
}

func TestRescheduleUpdatesExistingEntryRatherThanDuplicating(t *testing.T) {
	j := New(newFakeStore(), newFakeDriver(), &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, &fakeNotifier{}, discardLogger(), testConfig())

	j.Schedule("c1", time.Now().Add(time.Hour))
	j.Schedule("c1", time.Now().Add(2*time.Hour))

	assert.Len(t, j.heap, 1)
}

func TestReclaimRemovesContainerReleasesPortAndPublishesExpired(t *testing.T) {
	s := newFakeStore()
	driver := newFakeDriver()
	ports := &fakePorts{}
	events := &fakeEvents{}
	j := New(s, driver, ports, &fakeCaptcha{}, events, &fakeNotifier{}, discardLogger(), testConfig())

	c := store.Container{ID: "c1", Port: 40000, Status: store.StatusRunning, UserUUID: "user-1"}
	err := j.reclaim(context.Background(), c)
	require.NoError(t, err)

	assert.Equal(t, []string{"c1"}, driver.removed)
	assert.Equal(t, []int{40000}, ports.released)
	assert.Equal(t, 1, events.count(eventbus.EventExpired))
}

func TestReclaimPropagatesNonNotFoundDriverError(t *testing.T) {
	s := newFakeStore()
	driver := newFakeDriver()
	driver.failFor["c1"] = errors.New("engine unreachable")
	ports := &fakePorts{}
	events := &fakeEvents{}
	j := New(s, driver, ports, &fakeCaptcha{}, events, &fakeNotifier{}, discardLogger(), testConfig())

	c := store.Container{ID: "c1", Port: 40000, Status: store.StatusRunning}
	err := j.reclaim(context.Background(), c)
	require.Error(t, err)
}

func TestSweepOnceReclaimsExpiredAndPurges(t *testing.T) {
	s := newFakeStore()
	s.expired = []store.Container{
		{ID: "c1", Port: 40000, Status: store.StatusRunning, UserUUID: "user-1"},
		{ID: "c2", Port: 40001, Status: store.StatusRunning, UserUUID: "user-2"},
	}
	s.purged = 5
	driver := newFakeDriver()
	ports := &fakePorts{swept: 2}
	captcha := &fakeCaptcha{swept: 1}
	events := &fakeEvents{}
	j := New(s, driver, ports, captcha, events, &fakeNotifier{}, discardLogger(), testConfig())

	j.sweepOnce(context.Background())

	assert.ElementsMatch(t, []string{"c1", "c2"}, driver.removed)
	assert.ElementsMatch(t, []int{40000, 40001}, ports.released)
	assert.Equal(t, 1, events.count(eventbus.EventSwept))
	assert.Equal(t, 0, j.consecutiveFailures)
}

func TestSweepOnceNotifiesAfterRepeatedFailures(t *testing.T) {
	s := newFakeStore()
	s.expired = []store.Container{{ID: "c1", Port: 40000, Status: store.StatusRunning}}
	driver := newFakeDriver()
	driver.failFor["c1"] = errors.New("engine down")
	notifier := &fakeNotifier{}
	j := New(s, driver, &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, notifier, discardLogger(), testConfig())

	for i := 0; i < 3; i++ {
		j.sweepOnce(context.Background())
	}

	assert.GreaterOrEqual(t, notifier.calls, 1)
}

func TestWakeOneSkipsAlreadyReclaimedContainer(t *testing.T) {
	s := newFakeStore()
	s.byID["c1"] = &store.Container{ID: "c1", Status: store.StatusRemoved}
	driver := newFakeDriver()
	j := New(s, driver, &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, &fakeNotifier{}, discardLogger(), testConfig())

	j.wakeOne(context.Background(), "c1")

	assert.Empty(t, driver.removed)
}

func TestWakeOneReschedulesWhenExtendedPastOriginalExpiration(t *testing.T) {
	s := newFakeStore()
	future := time.Now().Add(time.Hour).Unix()
	s.byID["c1"] = &store.Container{ID: "c1", Status: store.StatusRunning, ExpirationTime: future}
	driver := newFakeDriver()
	j := New(s, driver, &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, &fakeNotifier{}, discardLogger(), testConfig())

	j.wakeOne(context.Background(), "c1")

	assert.Empty(t, driver.removed)
	j.mu.Lock()
	_, scheduled := j.byID["c1"]
	j.mu.Unlock()
	assert.True(t, scheduled)
}

func TestReconcileRunningSchedulesUnknownContainers(t *testing.T) {
	s := newFakeStore()
	s.running = []store.Container{
		{ID: "c1", ExpirationTime: time.Now().Add(time.Hour).Unix()},
		{ID: "c2", ExpirationTime: time.Now().Add(2 * time.Hour).Unix()},
	}
	j := New(s, newFakeDriver(), &fakePorts{}, &fakeCaptcha{}, &fakeEvents{}, &fakeNotifier{}, discardLogger(), testConfig())

	j.reconcileRunning(context.Background())

	assert.Len(t, j.heap, 2)
	assert.Contains(t, j.byID, "c1")
	assert.Contains(t, j.byID, "c2")
}
