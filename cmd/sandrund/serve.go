package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/queelius/sandrun/internal/envmanager"
	"github.com/queelius/sandrun/internal/executor"
	"github.com/queelius/sandrun/internal/identity"
	"github.com/queelius/sandrun/internal/metrics"
	"github.com/queelius/sandrun/internal/queue"
	"github.com/queelius/sandrun/internal/ratelimit"
	"github.com/queelius/sandrun/internal/sandbox"
	"github.com/queelius/sandrun/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
)

// newServeCmd builds the serve subcommand: the queue, worker pool, and
// reference transport, all wired together and run until signaled.
func newServeCmd() *cobra.Command {
	cfg := &Config{
		Addr:            ":8080",
		WorkDirRoot:     "/var/lib/sandrun/jobs",
		SeccompDir:      "/var/run/sandrun/seccomp",
		EnvBaseDir:      "/var/lib/sandrun/envs",
		EnvCachePath:    "/var/lib/sandrun/envs/cache.db",
		QueueCapacity:   256,
		WorkerCount:     4,
		WindowBudgetCPU: ratelimit.DefaultWindowBudgetCPUSeconds,
	}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sandrun worker: queue, sandbox pool, and HTTP API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", envOr("SANDRUN_ADDR", cfg.Addr), "HTTP listen address")
	cmd.Flags().StringVar(&cfg.WorkerKeyPath, "worker-key", envOr("SANDRUN_WORKER_KEY", ""), "path to Ed25519 worker key (anonymous mode if unset)")
	cmd.Flags().StringVar(&cfg.WorkDirRoot, "workdir-root", envOr("SANDRUN_WORKDIR_ROOT", cfg.WorkDirRoot), "root directory for per-job work_dirs")
	cmd.Flags().StringVar(&cfg.SeccompDir, "seccomp-dir", envOr("SANDRUN_SECCOMP_DIR", cfg.SeccompDir), "directory for per-run seccomp profile JSON files")
	cmd.Flags().StringVar(&cfg.EnvBaseDir, "env-base-dir", envOr("SANDRUN_ENV_BASE_DIR", cfg.EnvBaseDir), "root directory for cached environment fs_roots")
	cmd.Flags().StringVar(&cfg.EnvCachePath, "env-cache-path", envOr("SANDRUN_ENV_CACHE_PATH", cfg.EnvCachePath), "bbolt cache ledger path (empty disables persistence)")
	cmd.Flags().IntVar(&cfg.QueueCapacity, "queue-capacity", envIntOr("SANDRUN_QUEUE_CAPACITY", cfg.QueueCapacity), "bounded FIFO capacity")
	cmd.Flags().IntVar(&cfg.WorkerCount, "workers", envIntOr("SANDRUN_WORKERS", cfg.WorkerCount), "fixed worker pool size")

	return cmd
}

func runServe(cfg *Config) error {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	id := identity.Anonymous()
	if cfg.WorkerKeyPath != "" {
		loaded, err := identity.Load(cfg.WorkerKeyPath)
		if err != nil {
			return fmt.Errorf("load worker key: %w", err)
		}
		id = loaded
		log.Info("worker identity loaded", "worker_id", id.WorkerID())
	} else {
		log.Warn("running in anonymous mode: results will be unsigned")
	}

	envs, err := envmanager.New(cfg.EnvBaseDir, cfg.EnvCachePath, envmanager.LocalBuilder{})
	if err != nil {
		return fmt.Errorf("construct environment manager: %w", err)
	}
	defer func() { _ = envs.Close() }()

	limiter := ratelimit.New(cfg.WindowBudgetCPU, ratelimit.DefaultWindow, ratelimit.DefaultPerIPConcurrency, ratelimit.DefaultHourlyCap, ratelimit.DefaultIdleReset)

	if err := os.MkdirAll(cfg.SeccompDir, 0o755); err != nil {
		return fmt.Errorf("create seccomp dir: %w", err)
	}
	sb, err := sandbox.NewDockerSandbox(defaultImageFor, cfg.SeccompDir)
	if err != nil {
		return fmt.Errorf("construct docker sandbox: %w", err)
	}

	// The transport's /metrics route serves the default registry.
	m := metrics.New(prometheus.DefaultRegisterer)

	exec := &executor.Executor{
		Identity:    id,
		Envs:        envs,
		Limiter:     limiter,
		Sandbox:     sb,
		WorkDirRoot: cfg.WorkDirRoot,
		GracePeriod: executor.DefaultGracePeriod,
		Log:         log,
		Metrics:     m,
	}

	envs.UseMetrics(m)

	q := queue.New(exec, cfg.QueueCapacity, cfg.WorkerCount)
	q.UseMetrics(m)
	q.Start()

	srv := transport.New(q, id)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv.Handler()}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		log.Info("shutting down: draining in-flight jobs")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctx)
	q.Shutdown(queue.Drain)
	return nil
}

// defaultImageFor maps a manifest's interpreter to the Docker image it
// runs in. A production deployment would make this table configurable;
// it is fixed here since spec.md names only the interpreted-workload
// case this serves.
func defaultImageFor(interpreter string) string {
	switch interpreter {
	case "python3", "python":
		return "python:3.12-alpine"
	case "node", "nodejs":
		return "node:20-alpine"
	default:
		return "alpine:3.21"
	}
}
