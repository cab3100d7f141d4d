// Dirigent orchestrator server: JSON-RPC gateway, WebSocket streaming,
// agent workflows and the task scheduler behind one binary.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/treufabrik/dirigent/pkg/api"
	"github.com/treufabrik/dirigent/pkg/brain"
	"github.com/treufabrik/dirigent/pkg/config"
	"github.com/treufabrik/dirigent/pkg/docstore"
	"github.com/treufabrik/dirigent/pkg/events"
	"github.com/treufabrik/dirigent/pkg/history"
	"github.com/treufabrik/dirigent/pkg/llm"
	"github.com/treufabrik/dirigent/pkg/registry"
	"github.com/treufabrik/dirigent/pkg/scheduler"
	"github.com/treufabrik/dirigent/pkg/session"
	"github.com/treufabrik/dirigent/pkg/store"
	"github.com/treufabrik/dirigent/pkg/tools"
	"github.com/treufabrik/dirigent/pkg/workflow"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func logLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func main() {
	// Parse command-line flags
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	ctx := context.Background()

	// 1. Initialize configuration and logging
	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.Logging.Level),
	})))

	slog.Info("Starting dirigent",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"config_dir", *configDir)

	// 2. Shared state store (sessions, history, locks, pub/sub)
	kv, err := store.NewRedisStore(ctx, store.Config{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		UseTLS:   cfg.Redis.UseTLS,
	})
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing redis client", "error", err)
		}
	}()
	slog.Info("Connected to redis", "host", cfg.Redis.Host, "port", cfg.Redis.Port)

	// 3. Document store (tasks, executions, mandates, thread archive)
	docs, err := docstore.NewClient(ctx, docstore.Config{
		URI:      cfg.Docstore.URI,
		Database: cfg.Docstore.Database,
	})
	if err != nil {
		slog.Error("Failed to connect to document store", "error", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := docs.Close(closeCtx); err != nil {
			slog.Error("Error closing document store client", "error", err)
		}
	}()
	slog.Info("Connected to document store", "database", cfg.Docstore.Database)

	// 4. LLM provider client
	llmClient, err := llm.NewAnthropicClient(llm.AnthropicConfig{
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MiniModel:   cfg.LLM.MiniModel,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})
	if err != nil {
		slog.Error("Failed to initialize LLM client", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := llmClient.Close(); err != nil {
			slog.Error("Error closing LLM client", "error", err)
		}
	}()
	slog.Info("LLM client initialized", "model", cfg.LLM.Model, "mini_model", cfg.LLM.MiniModel)

	// 5. Sessions, history and the Brain cache.
	// NewCache registers the session-flush hook itself; Start launches the
	// idle-Brain janitor.
	hist := history.NewManager(kv)
	sessions := session.NewManager(kv, docs.Mandates(), nil)
	defer sessions.Close()
	brains := brain.NewCache(hist, sessions)
	brains.Start(ctx)
	summarizer := brain.NewSummarizer(llmClient, cfg.LLM.MiniModel, hist,
		cfg.Brain.TokenSoftLimit, cfg.Brain.KeepRecentMessages)

	// 5a. Streaming infrastructure: presence registry, WebSocket hub, stream
	// publisher and the store-level pub/sub listener. NewListener wires
	// itself into the hub.
	presence := registry.New(kv)
	hub := events.NewHub(presence, 5*time.Second)
	publisher := events.NewPublisher(kv)
	listener := events.NewListener(kv, hub)
	slog.Info("Streaming infrastructure initialized")

	// 6. Task service and the tool registry. The task service is built
	// before the scheduler because the CREATE_TASK tool family needs it;
	// the run launcher is bound in step 8.
	tz := scheduler.NewTimezoneResolver(llmClient, cfg.LLM.MiniModel, docs.Mandates())
	taskSvc := scheduler.NewTaskService(docs.Tasks(), docs.SchedulerIndex(), tz, nil)
	worker := tools.NewWorkerClient(cfg.Workers.Endpoints, cfg.Workers.APIKey,
		cfg.Workers.CallbackBaseURL, cfg.Workers.SubmitTimeoutDuration())
	toolRegistry := tools.NewRegistry(tools.Deps{
		Documents:  docs.Documents(),
		Tasks:      taskSvc,
		Executions: docs.Executions(),
		Publisher:  publisher,
		Worker:     worker,
	})

	// 7. Workflow executor and the paused-workflow watchdog. The watchdog's
	// first sweep runs at start, so pause markers orphaned by a crashed
	// instance are resumed without waiting a full interval.
	executor := workflow.NewExecutor(workflow.Config{
		MaxTurns: cfg.Workflow.MaxTurns,
		Model:    cfg.LLM.Model,
	}, workflow.Deps{
		LLM:        llmClient,
		Brains:     brains,
		Summarizer: summarizer,
		History:    hist,
		Sessions:   sessions,
		Registry:   toolRegistry,
		Publisher:  publisher,
		Conns:      hub,
		KV:         kv,
		Threads:    docs.Threads(),
		Executions: docs.Executions(),
		Tasks:      docs.Tasks(),
	})
	watchdog := workflow.NewWatchdog(executor, kv,
		cfg.Workflow.LPTMaxWaitDuration(), cfg.Workflow.WatchdogIntervalDuration())
	watchdog.Start(ctx)

	// 8. Task scheduler. Finalized executions flow back through
	// HandleFinalized so run-once tasks are retired; the task service gets
	// its run launcher here.
	sched := scheduler.New(scheduler.Config{
		TickInterval: cfg.Scheduler.TickIntervalDuration(),
		MaxParallel:  cfg.Scheduler.MaxParallel,
	}, scheduler.Deps{
		Tasks:      docs.Tasks(),
		Index:      docs.SchedulerIndex(),
		Executions: docs.Executions(),
		Runner:     executor,
		KV:         kv,
	})
	taskSvc.BindSpawner(sched)
	executor.OnFinalized(sched.HandleFinalized)
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
	} else {
		slog.Info("Scheduler disabled by configuration")
	}

	// 9. HTTP server (non-blocking)
	httpServer := api.NewServer(cfg, api.Deps{
		Workflow:   executor,
		Brains:     brains,
		History:    hist,
		Sessions:   sessions,
		Registry:   presence,
		Tasks:      taskSvc,
		Hub:        hub,
		Publisher:  publisher,
		Executions: docs.Executions(),
		KV:         kv,
		Docs:       docs,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Dirigent started successfully")

	// 10. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 11. Graceful shutdown: stop launching work first (scheduler ticks,
	// watchdog resumptions), then drain HTTP, then cancel whatever streams
	// are still in flight.
	if cfg.Scheduler.Enabled {
		sched.Stop()
	}
	watchdog.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeoutDuration())
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	brains.Stop()
	listener.Stop()

	slog.Info("Shutdown complete")
}
