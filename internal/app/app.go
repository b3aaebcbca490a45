// Package app wires every component into the three runtime modes spec.md
// §4.1 names: api (HTTP surface), worker (monitor dispatcher), and janitor
// (batch sweeper). All three share one Store/PortAllocator/Driver set; only
// the top-level Run loop they drive differs.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/ctfrange/orchestrator/internal/captcha"
	"github.com/ctfrange/orchestrator/internal/config"
	"github.com/ctfrange/orchestrator/internal/enginedriver"
	"github.com/ctfrange/orchestrator/internal/eventbus"
	"github.com/ctfrange/orchestrator/internal/httpserver"
	"github.com/ctfrange/orchestrator/internal/janitor"
	"github.com/ctfrange/orchestrator/internal/notify"
	"github.com/ctfrange/orchestrator/internal/orchestrator"
	"github.com/ctfrange/orchestrator/internal/platform"
	"github.com/ctfrange/orchestrator/internal/portalloc"
	"github.com/ctfrange/orchestrator/internal/ratelimit"
	"github.com/ctfrange/orchestrator/internal/resourcemon"
	"github.com/ctfrange/orchestrator/internal/store"
	"github.com/ctfrange/orchestrator/internal/telemetry"
)

// Run reads config, connects to infrastructure, acquires the host's
// port-range lock, and starts the mode cfg.Mode names.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting ctfrange", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	installPath, err := os.Executable()
	if err != nil {
		installPath = "."
	}
	lock, err := platform.AcquireLock("ctfrange", cfg.StartRange, cfg.StopRange, installPath)
	if err != nil {
		return fmt.Errorf("acquiring port-range lock: %w", err)
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Error("releasing port-range lock", "error", err)
		}
	}()

	primaryPool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, platform.PoolConfig{
		MinConns: cfg.StorePoolMin, MaxConns: cfg.StorePoolMax,
	})
	if err != nil {
		return fmt.Errorf("connecting primary database pool: %w", err)
	}
	defer primaryPool.Close()

	maintenancePool, err := platform.NewPostgresPool(ctx, cfg.DatabaseURL, platform.PoolConfig{
		MinConns: cfg.MaintenancePoolMin, MaxConns: cfg.MaintenancePoolMax,
	})
	if err != nil {
		return fmt.Errorf("connecting maintenance database pool: %w", err)
	}
	defer maintenancePool.Close()

	if err := platform.RunMigrations(cfg.DatabaseURL, cfg.MigrationsDir); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Info("migrations applied")

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("closing redis", "error", err)
		}
	}()

	metricsReg := telemetry.NewRegistry(telemetry.BuildVersion(), "")

	s := store.New(primaryPool, maintenancePool)

	if err := s.SeedPorts(ctx, cfg.StartRange, cfg.StopRange); err != nil {
		return fmt.Errorf("seeding port pool: %w", err)
	}

	driver, err := enginedriver.NewDockerDriver()
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}

	ports := portalloc.New(s, logger, cfg.PortAllocationMaxAttempts, cfg.StalePortMaxAgeSec)
	limiter := ratelimit.New(s, cfg.RateLimitWindowSec, cfg.MaxContainersPerSourcePerWindow)
	notifier := notify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger)
	resources := resourcemon.New(s, driver, logger, resourcemon.Limits{
		MaxContainers: cfg.MaxTotalContainers,
		MaxCPUPercent: cfg.MaxTotalCPUPercent,
		MaxMemory:     cfg.MaxTotalMemoryBytes,
		MaxPorts:      cfg.StopRange - cfg.StartRange,
	}, time.Duration(cfg.ResourceCheckIntervalSec)*time.Second, cfg.EnableResourceQuotas, notifier, ports)
	go resources.Run(ctx)

	broker := captcha.New(captcha.ArithmeticGenerator{}, time.Duration(cfg.CaptchaTTLSec)*time.Second, cfg.BypassCaptcha)
	bus := eventbus.New(rdb, logger)

	jcfg := janitor.Config{
		ThreadPoolSize:            cfg.ThreadPoolSize,
		MaintenanceIntervalSec:    cfg.MaintenanceIntervalSec,
		MaintenanceBatchSize:      cfg.MaintenanceBatchSize,
		ContainerCheckIntervalSec: cfg.ContainerCheckIntervalSec,
		IPRequestRetentionSec:     cfg.RateLimitWindowSec * 2,
		ReclaimTimeout:            30 * time.Second,
		MaxConsecutiveFailures:    3,
	}
	j := janitor.New(s, driver, ports, broker, bus, notifier, logger, jcfg)

	orch := orchestrator.New(s, ports, driver, limiter, resources, broker, j, bus, logger, orchestrator.Config{
		ChallengeImage:        cfg.ChallengeImage,
		PortInContainer:       cfg.PortInContainer,
		NetworkName:           cfg.NetworkName,
		DefaultLifetimeSec:    cfg.DefaultLifetimeSec,
		ExtensionSec:          cfg.ExtensionSec,
		OperationTimeout:      30 * time.Second,
		MemoryBytes:           cfg.PerContainerMem,
		MemorySwapBytes:       cfg.PerContainerSwap,
		CPUCores:              cfg.PerContainerCPU,
		PIDsLimit:             cfg.PerContainerPIDs,
		NoNewPrivileges:       cfg.NoNewPrivileges,
		ReadOnlyRootfs:        cfg.ReadOnly,
		TmpfsEnable:           cfg.TmpfsEnable,
		TmpfsSize:             cfg.TmpfsSize,
		DropAllCaps:           cfg.DropAllCaps,
		CapNetBind:            cfg.CapNetBind,
		CapChown:              cfg.CapChown,
		RestartResetsLifetime: cfg.RestartResetsLifetime,
		MaxExtensions:         cfg.MaxExtensions,
	})

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, s, primaryPool, rdb, metricsReg, orch, broker, resources, driver, bus)
	case "worker":
		j.RunMonitors(ctx)
		return nil
	case "janitor":
		j.RunSweeper(ctx)
		return nil
	default:
		return fmt.Errorf("unknown mode: %s", cfg.Mode)
	}
}

func runAPI(
	ctx context.Context, cfg *config.Config, logger *slog.Logger,
	s *store.Store, db *pgxpool.Pool, rdb *redis.Client, metricsReg *prometheus.Registry,
	orch *orchestrator.Orchestrator, broker *captcha.Broker, resources *resourcemon.Monitor,
	driver *enginedriver.DockerDriver, bus *eventbus.Bus,
) error {
	srv := httpserver.NewServer(cfg, logger, metricsReg, httpserver.Deps{
		DB:           db,
		Redis:        rdb,
		Orchestrator: orch,
		Captcha:      broker,
		Store:        s,
		Resources:    resources,
		LogReader:    driver,
		Events:       bus,
		DBHost:       dbHost(cfg.DatabaseURL),
		DBName:       dbName(cfg.DatabaseURL),
	})

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// dbHost/dbName parse the configured DSN for the admin status endpoint's
// database section, never surfacing the credentials embedded in it.
func dbHost(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func dbName(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	name := u.Path
	for len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}
