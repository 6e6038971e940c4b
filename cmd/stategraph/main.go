package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/stategraph/internal/logging"
	"github.com/rendis/stategraph/internal/scheduler"
	"github.com/rendis/stategraph/internal/streaming"
	"github.com/rendis/stategraph/internal/validation"
	"github.com/rendis/stategraph/pkg/checkpoint"
	"github.com/rendis/stategraph/pkg/engine"
	"github.com/rendis/stategraph/pkg/graph"
	"github.com/rendis/stategraph/pkg/mcp"
	"github.com/rendis/stategraph/pkg/schema"
	"github.com/rendis/stategraph/pkg/state"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "stategraph:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := slog.New(logging.NewCorrelationHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: parseLogLevel(cfg.LogLevel)})))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cp, closeStore, err := buildCheckpointer(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	registry := engine.NewRegistry()
	hub := streaming.NewMemoryHub()

	exec := engine.New(
		engine.WithCheckpointer(cp),
		engine.WithResolver(registry),
		engine.WithObserver(streaming.NewHubObserver(hub)),
		engine.WithLogger(logger),
	)

	validator, err := validation.NewGraphValidator(nil)
	if err != nil {
		return err
	}

	tools := graph.ToolRegistry{}
	if err := loadWorkflows(cfg.WorkflowsDir, registry, validator, tools, logger); err != nil {
		return err
	}

	pool := engine.NewWorkerPool(cfg.PoolSize)
	defer pool.Shutdown()

	if len(cfg.Jobs) > 0 {
		sched := scheduler.New(&workflowRunner{exec: exec, registry: registry, pool: pool}, logger)
		for _, job := range cfg.Jobs {
			if err := sched.AddJob(job); err != nil {
				logger.Warn("skipping scheduled job", "job", job.ID, "error", err)
			}
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewServer(mcp.ServerDeps{
		Executor:     exec,
		Registry:     registry,
		Checkpointer: cp,
		Validator:    validator,
		Tools:        tools,
		Logger:       logger,
	})

	logger.Info("serving MCP over stdio",
		"backend", cfg.Backend, "workflows", len(registry.Names()))
	return srv.Serve(ctx)
}

func buildCheckpointer(ctx context.Context, cfg Config) (checkpoint.Checkpointer, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case "", "memory":
		return checkpoint.NewMemoryCheckpointer(), noop, nil

	case "file":
		return checkpoint.NewFileCheckpointer(filepath.Join(stategraphDir(), "checkpoints.json")), noop, nil

	case "dir":
		cp, err := checkpoint.NewDirCheckpointer(filepath.Join(stategraphDir(), "checkpoints"))
		return cp, noop, err

	case "libsql":
		cp, err := checkpoint.NewLibSQLCheckpointer(ctx, cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		return cp, func() { _ = cp.Close() }, nil

	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return checkpoint.NewRedisCheckpointer(client, cfg.RedisPrefix),
			func() { _ = client.Close() }, nil

	default:
		return nil, nil, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown checkpoint backend %q", cfg.Backend)
	}
}

// loadWorkflows registers every *.json graph definition found in dir. A
// missing directory is not an error; an invalid definition is skipped with a
// warning so one bad file never blocks startup.
func loadWorkflows(dir string, registry *engine.Registry, validator *validation.GraphValidator, tools graph.ToolRegistry, logger *slog.Logger) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Warn("skipping workflow file", "path", path, "error", err)
			continue
		}

		var def schema.GraphDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			logger.Warn("skipping workflow file", "path", path, "error", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(entry.Name(), ".json")
		}

		if vres := validator.Validate(&def); !vres.Valid() {
			logger.Warn("skipping invalid workflow", "path", path, "errors", len(vres.Errors))
			continue
		}

		g, err := graph.FromDefinition(def, tools)
		if err != nil {
			logger.Warn("skipping workflow that does not compile", "path", path, "error", err)
			continue
		}
		if err := registry.Register(def.Name, g); err != nil {
			logger.Warn("skipping duplicate workflow", "path", path, "error", err)
			continue
		}
		logger.Info("registered workflow", "name", def.Name, "nodes", len(g.Nodes()))
	}
	return nil
}

// workflowRunner adapts the executor and registry to the scheduler's runner
// contract. Runs go through the worker pool so a burst of due jobs cannot
// spawn unbounded concurrent executions.
type workflowRunner struct {
	exec     *engine.Executor
	registry *engine.Registry
	pool     *engine.WorkerPool
}

func (r *workflowRunner) RunWorkflow(ctx context.Context, workflow string, overrides map[string]any) error {
	g, ok := r.registry.Resolve(workflow)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q is not registered", workflow)
	}

	done := make(chan error, 1)
	if err := r.pool.Submit(ctx, func(ctx context.Context) error {
		_, err := r.exec.Run(ctx, g, nil, state.Update(overrides))
		done <- err
		return err
	}); err != nil {
		return err
	}
	return <-done
}
