package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ctfrange/orchestrator/internal/app"
	"github.com/ctfrange/orchestrator/internal/config"
	"github.com/ctfrange/orchestrator/internal/platform"
)

func main() {
	flag.Usage = usage
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	subcommand := os.Args[1]
	fs := flag.NewFlagSet(subcommand, flag.ExitOnError)
	verbose := fs.Bool("v", false, "verbose logging")
	skipValidations := fs.Bool("s", false, "skip pre-deploy validations")
	postDeploySmoke := fs.Bool("p", false, "run post-deploy smoke test against the api once it's up")
	runUnitSuite := fs.Bool("u", false, "run the unit test suite before doing anything else")
	_ = fs.Parse(os.Args[2:])

	// Parse without validating: runUp validates unless -s is given.
	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fail("loading config: %v", err)
	}
	if *verbose {
		cfg.LogLevel = "debug"
	}

	switch subcommand {
	case "up":
		runUp(cfg, *skipValidations, *postDeploySmoke, *runUnitSuite)
	case "down":
		runDown(cfg)
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s <up|down> [-v] [-s] [-p] [-u]\n", os.Args[0])
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// runUp starts the orchestrator in the foreground, blocking until a
// termination signal arrives. Validation and the optional unit suite run
// before anything touches the network; the optional smoke test runs after
// the server reports healthy.
func runUp(cfg *config.Config, skipValidations, smoke, unitSuite bool) {
	if unitSuite {
		cmd := exec.Command("go", "test", "./...")
		cmd.Stdout, cmd.Stderr = os.Stdout, os.Stderr
		if err := cmd.Run(); err != nil {
			fail("unit suite failed: %v", err)
		}
	}

	if !skipValidations {
		if err := cfg.Validate(); err != nil {
			fail("pre-deploy validation failed: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if smoke {
		go runSmokeTest(cfg)
	}

	if err := app.Run(ctx, cfg); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// runSmokeTest polls /health until the api answers, then reports a single
// GET /get_captcha round trip, giving an operator quick confirmation that a
// freshly started instance is actually serving traffic.
func runSmokeTest(cfg *config.Config) {
	client := &http.Client{Timeout: 2 * time.Second}
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.Port)

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := client.Get(base + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		time.Sleep(time.Second)
	}

	resp, err := client.Get(base + "/get_captcha")
	if err != nil {
		slog.Error("smoke test: get_captcha failed", "error", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		slog.Error("smoke test: get_captcha returned non-200", "status", resp.StatusCode)
		return
	}
	slog.Info("smoke test passed")
}

// runDown signals the foreground instance holding the lock file for this
// host's port range to shut down gracefully.
func runDown(cfg *config.Config) {
	installPath, err := os.Executable()
	if err != nil {
		installPath = "."
	}
	instance := platform.InstanceID(installPath)
	path := fmt.Sprintf("/var/lock/ctfrange/%d-%d_%s", cfg.StartRange, cfg.StopRange, instance)

	data, err := os.ReadFile(path)
	if err != nil {
		fail("reading lock file %s: %v (is an instance running?)", path, err)
	}

	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		fail("parsing pid from lock file %s: %v", path, err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		fail("finding process %d: %v", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		fail("signaling process %d: %v", pid, err)
	}
	slog.Info("sent shutdown signal", "pid", pid)
}
