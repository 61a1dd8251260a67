package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus-core/internal/agent"
	"github.com/haasonsaas/nexus-core/internal/agent/providers"
	"github.com/haasonsaas/nexus-core/internal/approval"
	"github.com/haasonsaas/nexus-core/internal/config"
	"github.com/haasonsaas/nexus-core/internal/costguard"
	"github.com/haasonsaas/nexus-core/internal/errdefs"
	"github.com/haasonsaas/nexus-core/internal/gateway"
	"github.com/haasonsaas/nexus-core/internal/inbound"
	"github.com/haasonsaas/nexus-core/internal/mcp"
	"github.com/haasonsaas/nexus-core/internal/memory"
	"github.com/haasonsaas/nexus-core/internal/observability"
	"github.com/haasonsaas/nexus-core/internal/prompt"
	"github.com/haasonsaas/nexus-core/internal/scheduler"
	"github.com/haasonsaas/nexus-core/internal/secrets"
	"github.com/haasonsaas/nexus-core/internal/storage"
	"github.com/haasonsaas/nexus-core/internal/tools"
	"github.com/haasonsaas/nexus-core/internal/webhook"
	"github.com/haasonsaas/nexus-core/pkg/models"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Nexus Core runtime",
		Long: `Start the Nexus Core runtime: the HTTP gateway, the scheduled-task
dispatcher, the async webhook queue, and the configured MCP server fleet.

Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("NEXUS_CORE_CONFIG"),
		"Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false,
		"Enable debug logging")

	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return errdefs.Wrap(errdefs.CodeValidation, "load config", err)
	}

	level := cfg.Observability.LogLevel
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Observability.LogFormat,
	})
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:  cfg.Observability.TracingOn,
		Endpoint: cfg.Observability.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	secretSvc, err := secrets.NewServiceFromEnv(cfg.Secrets.KeyEnvVar, store.Secrets)
	if err != nil {
		return err
	}

	longTerm, err := memory.NewLongTermStore("", memory.HashEmbedder(256))
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	for _, t := range []tools.ExecutableTool{
		&tools.CalculatorTool{},
		&tools.CurrentTimeTool{},
	} {
		if err := registry.Register(t); err != nil {
			return err
		}
	}

	guard := costguard.NewGuard(store.Usage, logger,
		func(projectID, budget string, percentUsed float64) {
			logger.Warn(ctx, "budget alert",
				"project_id", projectID, "budget", budget, "percent_used", percentUsed)
		})
	gate := approval.NewGate(store.Approvals)
	prompts := prompt.NewService(store.Layers)

	resolver := providers.NewResolver(logger)
	counter := memory.NewTokenCounter("")

	runner := agent.NewRunner(store, registry, guard, gate, prompts,
		resolver.Resolve, counter, logger,
		agent.WithLongTermStore(longTerm),
		agent.WithMetrics(metrics))

	if err := registry.Register(&tools.MemorySearchTool{
		Searcher: memorySearcher{store: longTerm},
	}); err != nil {
		return err
	}

	mcpManager := mcp.NewManager(registry, logger)
	if cfg.MCP.Enabled {
		if err := mcpManager.ConnectAll(ctx, mcpServerConfigs(cfg)); err != nil {
			logger.Warn(ctx, "mcp fleet startup incomplete", "error", err)
		}
	}
	defer mcpManager.DisconnectAll()

	sched := scheduler.New(store, runner, logger,
		scheduler.WithTickInterval(cfg.Scheduler.TickInterval),
		scheduler.WithWorkers(cfg.Scheduler.Workers))
	if cfg.Scheduler.Enabled {
		sched.Start(ctx)
		defer func() { _ = sched.Stop(context.Background()) }()
	}

	hooks := webhook.NewProcessor(store, runner, logger)
	queue := buildWebhookQueue(cfg, hooks, logger)
	queue.Start(ctx)
	defer func() { _ = queue.Stop(context.Background()) }()

	channels := inbound.NewResolver(logger)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	server := gateway.NewServer(addr, gateway.Deps{
		Store:    store,
		Runner:   runner,
		Prompts:  prompts,
		Gate:     gate,
		Tasks:    scheduler.NewService(store),
		Hooks:    hooks,
		Queue:    queue,
		Secrets:  secretSvc,
		Channels: channels,
		Logger:   logger,
		Metrics:  metrics,
	})

	logger.Info(ctx, "nexus-core starting", "version", version, "addr", addr)
	return server.Start(ctx)
}

// openStore connects Postgres when DATABASE_URL is configured and falls back
// to the in-memory store otherwise. In-memory is for development only: all
// state is lost on restart.
func openStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*storage.Store, error) {
	if cfg.Database.URL == "" {
		logger.Warn(ctx, "DATABASE_URL not set, using in-memory storage")
		return storage.NewMemoryStore(), nil
	}
	return storage.NewPostgresStore(ctx, cfg.Database.URL, storage.PostgresOptions{
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
}

func buildWebhookQueue(cfg *config.Config, hooks *webhook.Processor, logger *observability.Logger) *webhook.Queue {
	opts := []webhook.QueueOption{
		webhook.WithQueueWorkers(cfg.Webhooks.QueueWorkers),
		webhook.WithQueueAttempts(cfg.Webhooks.MaxAttempts),
	}
	if cfg.Redis.URL != "" {
		if redisOpts, err := redis.ParseURL(cfg.Redis.URL); err == nil {
			return webhook.NewRedisQueue(hooks, redis.NewClient(redisOpts), logger, opts...)
		}
		logger.Warn(context.Background(), "invalid REDIS_URL, falling back to in-memory queue")
	}
	return webhook.NewQueue(hooks, logger, opts...)
}

func mcpServerConfigs(cfg *config.Config) []*mcp.ServerConfig {
	out := make([]*mcp.ServerConfig, 0, len(cfg.MCP.Servers))
	for _, s := range cfg.MCP.Servers {
		out = append(out, &mcp.ServerConfig{
			Name:      s.Name,
			Transport: mcp.TransportType(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			URL:       s.URL,
			Env:       s.Env,
			Prefix:    s.Prefix,
		})
	}
	return out
}

// memorySearcher adapts the long-term store to the memory_search tool; decay
// is left to per-project memory managers, so retrieval here is undecayed.
type memorySearcher struct {
	store *memory.LongTermStore
}

func (m memorySearcher) RetrieveMemories(ctx context.Context, projectID, query string, topK int) ([]*models.MemoryEntry, error) {
	return m.store.Retrieve(ctx, projectID, query, topK, 0)
}
