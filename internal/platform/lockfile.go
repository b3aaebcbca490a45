package platform

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
)

// InstanceID returns a 16-hex-char digest of the given install path,
// stable across restarts as long as the install path doesn't move.
func InstanceID(installPath string) string {
	abs, err := filepath.Abs(installPath)
	if err != nil {
		abs = installPath
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(abs))
	return fmt.Sprintf("%016x", h.Sum64())
}

// Lock is a held exclusive lock on a port range for one host. Release
// removes the lock file; a crashed process simply leaves it behind, in
// which case an operator must remove it manually before restarting (the
// source system's own documented recovery step for this failure mode).
type Lock struct {
	path string
	file *os.File
}

// AcquireLock creates /var/lock/<app>/<start>-<stop>_<instance>, failing if
// the file already exists — this is what prevents two instances of this
// system from claiming overlapping port ranges on the same host.
func AcquireLock(app string, startRange, stopRange int, installPath string) (*Lock, error) {
	dir := filepath.Join("/var/lock", app)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}

	instance := InstanceID(installPath)
	path := filepath.Join(dir, fmt.Sprintf("%d-%d_%s", startRange, stopRange, instance))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("lock file %s already exists: another instance may be claiming this port range", path)
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	return &Lock{path: path, file: f}, nil
}

// Release closes and removes the lock file.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}
	return nil
}
