// Package enginedriver abstracts the container engine behind the narrow
// capability set the orchestrator actually needs, so the engine can be
// swapped or faked in tests without touching orchestration logic.
package enginedriver

import (
	"context"
	"errors"
	"time"
)

// Kind classifies a driver error the way the orchestrator needs to react to
// it: NotFound paths are treated as success for removal, Conflict is
// retryable, Fatal must surface.
type Kind string

const (
	NotFound Kind = "not_found"
	Conflict Kind = "conflict"
	Fatal    Kind = "fatal"
)

// Error is a classified engine error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports whether err classifies as NotFound.
func IsNotFound(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == NotFound
}

// Spec describes the container to create, the union of everything spec.md
// §4.4 requires of the engine.
type Spec struct {
	Image           string
	Name            string
	Labels          map[string]string
	Env             []string
	NetworkName     string
	HostPort        int
	ContainerPort   int
	MemoryBytes     int64
	MemorySwapBytes int64
	CPUCores        float64
	PIDsLimit       int64
	NoNewPrivileges bool
	ReadOnlyRootfs  bool
	TmpfsEnable     bool
	TmpfsSize       string
	DropAllCaps     bool
	CapNetBind      bool
	CapChown        bool
}

// Status is a point-in-time container status.
type Status struct {
	ID      string
	Running bool
	State   string // e.g. "running", "exited", "created"
}

// Stats is a single resource-usage sample.
type Stats struct {
	CPUPercent  float64
	MemoryBytes int64
}

// Driver is the capability set the orchestrator and janitor depend on.
// Implementations must classify every returned error as an *Error.
type Driver interface {
	Create(ctx context.Context, spec Spec) (id string, err error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, timeout time.Duration) error
	Remove(ctx context.Context, id string) error
	Inspect(ctx context.Context, id string) (Status, error)
	Logs(ctx context.Context, id string, tailLines int, since time.Time) (string, error)
	Stats(ctx context.Context, id string) (Stats, error)
	List(ctx context.Context, labelKey, labelValue string) ([]Status, error)
}
