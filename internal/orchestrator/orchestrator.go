// Package orchestrator implements the Deploy/Stop/Restart/Extend/GetOwned
// state machine: the composition point for the store, port allocator,
// container driver, rate limiter, resource monitor, and captcha broker.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ctfrange/orchestrator/internal/apierr"
	"github.com/ctfrange/orchestrator/internal/enginedriver"
	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Store is the subset of *store.Store the orchestrator needs.
type Store interface {
	GetRunningByUser(ctx context.Context, userUUID string) (*store.Container, error)
	GetByID(ctx context.Context, id string) (*store.Container, error)
	CreateRunningContainer(ctx context.Context, p store.CreateContainerParams) (store.Container, error)
	UpdateStatus(ctx context.Context, id string, status store.ContainerStatus) error
	Extend(ctx context.Context, id string, newExpirationTime int64) (store.Container, error)
}

// PortAllocator is the subset of *portalloc.Allocator the orchestrator needs.
type PortAllocator interface {
	Reserve(ctx context.Context, containerID string) (int, error)
	Repin(ctx context.Context, port int, containerID string) error
	Release(ctx context.Context, port int) error
}

// Driver is the subset of enginedriver.Driver the orchestrator needs.
type Driver interface {
	Create(ctx context.Context, spec enginedriver.Spec) (string, error)
	Start(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// RateLimiter is the subset of *ratelimit.Limiter the orchestrator needs.
type RateLimiter interface {
	Admit(ctx context.Context, ipAddress string) error
}

// ResourceMonitor is the subset of *resourcemon.Monitor the orchestrator needs.
type ResourceMonitor interface {
	Admit(ctx context.Context, expectedDelta int) error
}

// CaptchaBroker is the subset of *captcha.Broker the orchestrator needs.
type CaptchaBroker interface {
	Verify(id, answer string) error
}

// MonitorScheduler is the janitor's per-container monitor dispatcher. Deploy
// schedules a wake-up at expiration; Stop/Restart cancel the old one.
type MonitorScheduler interface {
	Schedule(containerID string, expiresAt time.Time)
	Cancel(containerID string)
}

// EventPublisher is the subset of *eventbus.Bus the orchestrator needs.
type EventPublisher interface {
	Publish(ctx context.Context, ev eventbus.Event)
}

// Config carries the orchestrator's policy knobs.
type Config struct {
	ChallengeImage     string
	PortInContainer    int
	NetworkName        string
	DefaultLifetimeSec int64
	ExtensionSec       int64
	OperationTimeout   time.Duration
	MemoryBytes        int64
	MemorySwapBytes    int64
	CPUCores           float64
	PIDsLimit          int64
	NoNewPrivileges    bool
	ReadOnlyRootfs     bool
	TmpfsEnable        bool
	TmpfsSize          string
	DropAllCaps        bool
	CapNetBind         bool
	CapChown           bool
	// RestartResetsLifetime controls whether Restart refreshes
	// expiration_time to now+default_lifetime_sec instead of preserving the
	// original deadline (see SPEC_FULL.md §9 open question).
	RestartResetsLifetime bool
	// MaxExtensions bounds cumulative Extend calls per container; 0 means
	// unlimited.
	MaxExtensions int
}

// Deployment is what Deploy/Restart/GetOwned return to the API layer.
type Deployment struct {
	ContainerID string
	Port        int
	Expiration  int64
}

// Orchestrator composes the admission and lifecycle dependencies behind the
// operations spec.md §4.8 names.
type Orchestrator struct {
	store     Store
	ports     PortAllocator
	driver    Driver
	limiter   RateLimiter
	resources ResourceMonitor
	captcha   CaptchaBroker
	monitors  MonitorScheduler
	events    EventPublisher
	logger    *slog.Logger
	cfg       Config
}

// New assembles an Orchestrator from its narrow dependencies.
func New(
	s Store, ports PortAllocator, driver Driver, limiter RateLimiter,
	resources ResourceMonitor, captcha CaptchaBroker, monitors MonitorScheduler,
	events EventPublisher, logger *slog.Logger, cfg Config,
) *Orchestrator {
	return &Orchestrator{
		store: s, ports: ports, driver: driver, limiter: limiter,
		resources: resources, captcha: captcha, monitors: monitors,
		events: events, logger: logger, cfg: cfg,
	}
}

func (o *Orchestrator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, o.cfg.OperationTimeout)
}

// Deploy runs the full admission chain and, on success, starts a new
// challenge container for user_uuid. Every failure unwinds everything the
// chain had already reserved.
func (o *Orchestrator) Deploy(ctx context.Context, userUUID, ip, captchaID, captchaAnswer string) (Deployment, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	start := time.Now()

	if err := o.captcha.Verify(captchaID, captchaAnswer); err != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("captcha_rejected").Inc()
		return Deployment{}, err
	}

	if err := o.limiter.Admit(ctx, ip); err != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("rate_limited").Inc()
		return Deployment{}, err
	}

	existing, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("store_error").Inc()
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "checking existing instance", err)
	}
	if existing != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("already_owns").Inc()
		return Deployment{}, apierr.New(apierr.AlreadyOwns, "existing instance")
	}

	if err := o.resources.Admit(ctx, 1); err != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("quota_exceeded").Inc()
		return Deployment{}, err
	}

	placeholderID := "pending-" + uuid.NewString()
	port, err := o.ports.Reserve(ctx, placeholderID)
	if err != nil {
		telemetry.ContainerDeploymentsTotal.WithLabelValues("port_pool_full").Inc()
		return Deployment{}, err
	}

	engineID, err := o.driver.Create(ctx, enginedriver.Spec{
		Image:           o.cfg.ChallengeImage,
		Name:            placeholderID,
		Labels:          map[string]string{"ctfrange.user_uuid": userUUID},
		NetworkName:     o.cfg.NetworkName,
		HostPort:        port,
		ContainerPort:   o.cfg.PortInContainer,
		MemoryBytes:     o.cfg.MemoryBytes,
		MemorySwapBytes: o.cfg.MemorySwapBytes,
		CPUCores:        o.cfg.CPUCores,
		PIDsLimit:       o.cfg.PIDsLimit,
		NoNewPrivileges: o.cfg.NoNewPrivileges,
		ReadOnlyRootfs:  o.cfg.ReadOnlyRootfs,
		TmpfsEnable:     o.cfg.TmpfsEnable,
		TmpfsSize:       o.cfg.TmpfsSize,
		DropAllCaps:     o.cfg.DropAllCaps,
		CapNetBind:      o.cfg.CapNetBind,
		CapChown:        o.cfg.CapChown,
	})
	if err != nil {
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed engine create", "port", port, "error", relErr)
		}
		telemetry.ContainerDeploymentsTotal.WithLabelValues("engine_error").Inc()
		return Deployment{}, fmt.Errorf("creating challenge container: %w", err)
	}

	if err := o.driver.Start(ctx, engineID); err != nil {
		if rmErr := o.driver.Remove(ctx, engineID); rmErr != nil && !enginedriver.IsNotFound(rmErr) {
			o.logger.Error("removing engine container after failed start", "container_id", engineID, "error", rmErr)
		}
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed start", "port", port, "error", relErr)
		}
		telemetry.ContainerDeploymentsTotal.WithLabelValues("engine_error").Inc()
		return Deployment{}, fmt.Errorf("starting challenge container: %w", err)
	}

	now := time.Now().Unix()
	expiration := now + o.cfg.DefaultLifetimeSec
	container, err := o.store.CreateRunningContainer(ctx, store.CreateContainerParams{
		ID: engineID, Port: port, StartTime: now, ExpirationTime: expiration,
		UserUUID: userUUID, IPAddress: ip,
	})
	if err != nil {
		if rmErr := o.driver.Remove(ctx, engineID); rmErr != nil && !enginedriver.IsNotFound(rmErr) {
			o.logger.Error("removing engine container after failed store insert", "container_id", engineID, "error", rmErr)
		}
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed store insert", "port", port, "error", relErr)
		}
		telemetry.ContainerDeploymentsTotal.WithLabelValues("store_error").Inc()
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "persisting deployed container", err)
	}

	// The port row still points at placeholderID; if this fails, a later
	// janitor sweep reconciles it since the Container row is authoritative.
	if err := o.ports.Repin(ctx, port, engineID); err != nil {
		o.logger.Error("repinning port to real container id", "port", port, "container_id", engineID, "error", err)
	}

	o.monitors.Schedule(container.ID, time.Unix(container.ExpirationTime, 0))
	o.events.Publish(ctx, eventbus.Event{Type: eventbus.EventDeployed, ContainerID: container.ID, UserUUID: userUUID, Port: port, Timestamp: now})

	telemetry.ContainerDeploymentsTotal.WithLabelValues("success").Inc()
	telemetry.ContainerDeploymentDuration.Observe(time.Since(start).Seconds())

	return Deployment{ContainerID: container.ID, Port: port, Expiration: expiration}, nil
}

// Stop force-removes the user's running container, marks it stopped, and
// releases its port. NotFound from the driver is benign: the container is
// already gone, which is the desired end state.
func (o *Orchestrator) Stop(ctx context.Context, userUUID string) error {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return apierr.Wrap(apierr.StoreTransient, "looking up running container", err)
	}
	if c == nil {
		return apierr.New(apierr.NotFound, "no running container for user")
	}
	return o.stopContainer(ctx, *c)
}

func (o *Orchestrator) stopContainer(ctx context.Context, c store.Container) error {
	o.monitors.Cancel(c.ID)

	if err := o.driver.Remove(ctx, c.ID); err != nil && !enginedriver.IsNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}
	if err := o.store.UpdateStatus(ctx, c.ID, store.StatusStopped); err != nil {
		return apierr.Wrap(apierr.StoreTransient, "marking container stopped", err)
	}
	if err := o.ports.Release(ctx, c.Port); err != nil {
		o.logger.Error("releasing port after stop", "port", c.Port, "error", err)
	}
	o.events.Publish(ctx, eventbus.Event{Type: eventbus.EventStopped, ContainerID: c.ID, UserUUID: c.UserUUID, Port: c.Port, Timestamp: time.Now().Unix()})
	return nil
}

// Restart stops the user's current container and deploys a fresh one,
// skipping captcha/rate-limit re-validation since the caller already proved
// ownership of the instance being replaced. The original expiration is
// preserved unless RestartResetsLifetime is configured.
func (o *Orchestrator) Restart(ctx context.Context, userUUID, ip string) (Deployment, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "looking up running container", err)
	}
	if c == nil {
		return Deployment{}, apierr.New(apierr.NotFound, "no running container for user")
	}

	originalExpiration := c.ExpirationTime
	if err := o.stopContainer(ctx, *c); err != nil {
		return Deployment{}, err
	}

	d, err := o.deployWithoutAdmission(ctx, userUUID, ip)
	if err != nil {
		return Deployment{}, err
	}

	if !o.cfg.RestartResetsLifetime {
		updated, err := o.store.Extend(ctx, d.ContainerID, originalExpiration)
		if err == nil {
			d.Expiration = updated.ExpirationTime
			o.monitors.Schedule(d.ContainerID, time.Unix(d.Expiration, 0))
		} else {
			o.logger.Error("restoring original expiration after restart", "container_id", d.ContainerID, "error", err)
		}
	}

	return d, nil
}

// deployWithoutAdmission runs Deploy's port-reserve-through-schedule steps
// only, for Restart's "Stop followed by Deploy semantics, but without
// re-validating captcha or rate limit" rule.
func (o *Orchestrator) deployWithoutAdmission(ctx context.Context, userUUID, ip string) (Deployment, error) {
	placeholderID := "pending-" + uuid.NewString()
	port, err := o.ports.Reserve(ctx, placeholderID)
	if err != nil {
		return Deployment{}, err
	}

	engineID, err := o.driver.Create(ctx, enginedriver.Spec{
		Image: o.cfg.ChallengeImage, Name: placeholderID,
		Labels: map[string]string{"ctfrange.user_uuid": userUUID},
		NetworkName: o.cfg.NetworkName, HostPort: port, ContainerPort: o.cfg.PortInContainer,
		MemoryBytes: o.cfg.MemoryBytes, MemorySwapBytes: o.cfg.MemorySwapBytes, CPUCores: o.cfg.CPUCores,
		PIDsLimit: o.cfg.PIDsLimit, NoNewPrivileges: o.cfg.NoNewPrivileges, ReadOnlyRootfs: o.cfg.ReadOnlyRootfs,
		TmpfsEnable: o.cfg.TmpfsEnable, TmpfsSize: o.cfg.TmpfsSize, DropAllCaps: o.cfg.DropAllCaps,
		CapNetBind: o.cfg.CapNetBind, CapChown: o.cfg.CapChown,
	})
	if err != nil {
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed restart create", "port", port, "error", relErr)
		}
		return Deployment{}, fmt.Errorf("creating challenge container: %w", err)
	}

	if err := o.driver.Start(ctx, engineID); err != nil {
		if rmErr := o.driver.Remove(ctx, engineID); rmErr != nil && !enginedriver.IsNotFound(rmErr) {
			o.logger.Error("removing engine container after failed restart start", "container_id", engineID, "error", rmErr)
		}
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed restart start", "port", port, "error", relErr)
		}
		return Deployment{}, fmt.Errorf("starting challenge container: %w", err)
	}

	now := time.Now().Unix()
	expiration := now + o.cfg.DefaultLifetimeSec
	container, err := o.store.CreateRunningContainer(ctx, store.CreateContainerParams{
		ID: engineID, Port: port, StartTime: now, ExpirationTime: expiration, UserUUID: userUUID, IPAddress: ip,
	})
	if err != nil {
		if rmErr := o.driver.Remove(ctx, engineID); rmErr != nil && !enginedriver.IsNotFound(rmErr) {
			o.logger.Error("removing engine container after failed restart store insert", "container_id", engineID, "error", rmErr)
		}
		if relErr := o.ports.Release(ctx, port); relErr != nil {
			o.logger.Error("releasing port after failed restart store insert", "port", port, "error", relErr)
		}
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "persisting restarted container", err)
	}

	if err := o.ports.Repin(ctx, port, engineID); err != nil {
		o.logger.Error("repinning port to real container id", "port", port, "container_id", engineID, "error", err)
	}
	o.monitors.Schedule(container.ID, time.Unix(container.ExpirationTime, 0))
	o.events.Publish(ctx, eventbus.Event{Type: eventbus.EventDeployed, ContainerID: container.ID, UserUUID: userUUID, Port: port, Timestamp: now})

	return Deployment{ContainerID: container.ID, Port: port, Expiration: expiration}, nil
}

// Extend advances the user's running container's expiration, bounded by
// MaxExtensions if configured.
func (o *Orchestrator) Extend(ctx context.Context, userUUID string) (Deployment, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "looking up running container", err)
	}
	if c == nil {
		return Deployment{}, apierr.New(apierr.NotFound, "no running container for user")
	}
	if o.cfg.MaxExtensions > 0 && c.ExtensionCount >= o.cfg.MaxExtensions {
		return Deployment{}, apierr.New(apierr.QuotaExceeded, "maximum extensions reached")
	}

	now := time.Now().Unix()
	base := c.ExpirationTime
	if now > base {
		base = now
	}
	newExpiration := base + o.cfg.ExtensionSec

	updated, err := o.store.Extend(ctx, c.ID, newExpiration)
	if err != nil {
		return Deployment{}, apierr.Wrap(apierr.StoreTransient, "extending container", err)
	}

	o.monitors.Schedule(updated.ID, time.Unix(updated.ExpirationTime, 0))
	o.events.Publish(ctx, eventbus.Event{Type: eventbus.EventExtended, ContainerID: updated.ID, UserUUID: userUUID, Port: updated.Port, Timestamp: now})

	return Deployment{ContainerID: updated.ID, Port: updated.Port, Expiration: updated.ExpirationTime}, nil
}

// GetOwned returns the user's currently running container, if any.
func (o *Orchestrator) GetOwned(ctx context.Context, userUUID string) (*Deployment, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	c, err := o.store.GetRunningByUser(ctx, userUUID)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreTransient, "looking up running container", err)
	}
	if c == nil {
		return nil, nil
	}
	return &Deployment{ContainerID: c.ID, Port: c.Port, Expiration: c.ExpirationTime}, nil
}
