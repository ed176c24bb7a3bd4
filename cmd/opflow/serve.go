package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rendis/opflow/internal/agent"
	"github.com/rendis/opflow/internal/api"
	"github.com/rendis/opflow/internal/definition"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/logging"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/service"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/streaming"
	"github.com/rendis/opflow/internal/trigger"
	"github.com/rendis/opflow/internal/validation"
	"github.com/rendis/opflow/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string) error {
	cfg := loadConfig()

	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	fs.StringVar(&cfg.ListenAddr, "listen-addr", cfg.ListenAddr, "TCP listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "database path")
	fs.StringVar(&cfg.ImportDir, "import-dir", cfg.ImportDir, "directory of workflow files imported at startup")
	fs.BoolVar(&cfg.MCPStdio, "mcp-stdio", cfg.MCPStdio, "serve MCP tools on stdio")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Logs go to stderr so stdout stays free for the MCP transport.
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	hub := streaming.NewMemoryHub()
	events := store.NewEventLog(db, hub, logger)

	agents := agent.NewRegistry(cfg.DefaultAgent)
	if err := agents.Register(agent.EchoExecutor{}); err != nil {
		return err
	}
	if err := agents.Register(agent.NewHTTPExecutor(agent.HTTPConfig{
		URL:    cfg.AgentURL,
		Client: &http.Client{Timeout: time.Duration(cfg.AgentTimeoutMs) * time.Millisecond},
	})); err != nil {
		return err
	}

	validator, err := validation.NewWorkflowValidator(agents)
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}
	defs := definition.NewService(db, validator, logger)
	if cfg.ImportDir != "" {
		if err := importDefinitions(ctx, defs, cfg.ImportDir, logger); err != nil {
			return err
		}
	}

	exec := engine.NewExecutor(events, defs, agents, engine.Config{
		PoolSize:  cfg.PoolSize,
		QueueSize: cfg.QueueSize,
		CircuitBreaker: &engine.CircuitBreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         time.Duration(cfg.BreakerCooldownMs) * time.Millisecond,
			HalfOpenMax:      1,
		},
	}, logger)
	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	defer exec.Stop()

	sched := scheduler.NewScheduler(db, exec, scheduler.Config{
		TickInterval: time.Duration(cfg.SchedulerTickMs) * time.Millisecond,
		Location:     cfg.location(),
	}, logger)
	if err := sched.RecoverMissed(ctx); err != nil {
		logger.Warn("schedule recovery failed", "error", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	triggers, err := trigger.NewEvaluator(defs, exec, trigger.Config{
		Formula:   cfg.ConfidenceFormula,
		Threshold: cfg.ActivationThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("create trigger evaluator: %w", err)
	}

	svc, err := service.New(service.Deps{
		Store:       db,
		Events:      events,
		Definitions: defs,
		Executor:    exec,
		Triggers:    triggers,
		Scheduler:   sched,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create service: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(api.Deps{Service: svc, Hub: hub, Logger: logger}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 2)
	go func() {
		logger.Info("http api listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if cfg.MCPStdio {
		mcpSrv := mcp.NewServer(mcp.ServerDeps{Ops: svc, Logger: logger, Version: version})
		go func() {
			if err := mcpSrv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("mcp stdio: %w", err)
			}
		}()
	}

	writePID(logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case runErr = <-errCh:
			break loop
		case <-hup:
			next := loadConfig()
			d := diffConfigs(cfg, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
				logger.Info("log level changed", "level", next.LogLevel)
				cfg.LogLevel = next.LogLevel
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes require restart", "fields", d.RestartNeeded)
			}
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return runErr
}

// importDefinitions publishes every workflow file in dir.
func importDefinitions(ctx context.Context, defs *definition.Service, dir string, logger *slog.Logger) error {
	specs, err := definition.LoadDir(dir)
	if err != nil {
		return fmt.Errorf("load workflows from %s: %w", dir, err)
	}
	for _, spec := range specs {
		def, err := defs.Import(ctx, spec)
		if err != nil {
			return fmt.Errorf("import workflow %q: %w", spec.ID, err)
		}
		logger.Info("workflow imported", "workflow_id", def.ID, "version", def.Version)
	}
	return nil
}

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(opflowDir(), 0o700); err != nil {
		logger.Warn("pid file", "error", err)
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("pid file", "error", err)
	}
}
