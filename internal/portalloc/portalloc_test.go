package portalloc

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctfrange/orchestrator/internal/apierr"
)

type fakeStore struct {
	ports          map[int]bool // port -> allocated
	reserveErr     error
	sweepCount     int
	sweepErr       error
	releaseCalls   []int
	markStaleCalls []int
}

func newFakeStore(free ...int) *fakeStore {
	ports := map[int]bool{}
	for _, p := range free {
		ports[p] = false
	}
	return &fakeStore{ports: ports}
}

func (f *fakeStore) ReserveFreePort(ctx context.Context, containerID string, now int64) (int, error) {
	if f.reserveErr != nil {
		return 0, f.reserveErr
	}
	for p, allocated := range f.ports {
		if !allocated {
			f.ports[p] = true
			return p, nil
		}
	}
	return 0, pgx.ErrNoRows
}

func (f *fakeStore) MarkStale(ctx context.Context, port int, staleID string, now int64) error {
	f.markStaleCalls = append(f.markStaleCalls, port)
	return nil
}

func (f *fakeStore) ReassignPort(ctx context.Context, port int, containerID string) error {
	return nil
}

func (f *fakeStore) ReleasePort(ctx context.Context, port int) error {
	f.releaseCalls = append(f.releaseCalls, port)
	f.ports[port] = false
	return nil
}

func (f *fakeStore) ReleasePortsWithoutRunningContainer(ctx context.Context, staleAfterSec int64) (int, error) {
	if f.sweepErr != nil {
		return 0, f.sweepErr
	}
	return f.sweepCount, nil
}

func (f *fakeStore) PortPoolCounts(ctx context.Context) (int, int, error) {
	allocated := 0
	for _, a := range f.ports {
		if a {
			allocated++
		}
	}
	return allocated, len(f.ports) - allocated, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReserveReturnsFreePort(t *testing.T) {
	fs := newFakeStore(40000)
	a := New(fs, discardLogger(), 3, 86400)

	port, err := a.Reserve(context.Background(), "container-a")
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
}

func TestReservePoolFullReturnsPortPoolFullKind(t *testing.T) {
	fs := newFakeStore() // no free ports
	a := New(fs, discardLogger(), 3, 86400)

	_, err := a.Reserve(context.Background(), "container-a")
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.PortPoolFull, apiErr.Kind)
}

func TestReleaseIsIdempotent(t *testing.T) {
	fs := newFakeStore(40000)
	a := New(fs, discardLogger(), 3, 86400)

	require.NoError(t, a.Release(context.Background(), 40000))
	require.NoError(t, a.Release(context.Background(), 40000))
	assert.Equal(t, []int{40000, 40000}, fs.releaseCalls)
}

func TestSweepDelegatesToStore(t *testing.T) {
	fs := newFakeStore()
	fs.sweepCount = 4
	a := New(fs, discardLogger(), 3, 86400)

	n, err := a.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}
