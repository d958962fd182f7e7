// Convergio orchestration server: provides the HTTP API, runs the
// multi-agent conversation loop, and manages the cost/safety planes.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/convergio/convergio/pkg/api"
	"github.com/convergio/convergio/pkg/approval"
	"github.com/convergio/convergio/pkg/breaker"
	"github.com/convergio/convergio/pkg/config"
	"github.com/convergio/convergio/pkg/events"
	"github.com/convergio/convergio/pkg/ledger"
	"github.com/convergio/convergio/pkg/llm"
	"github.com/convergio/convergio/pkg/orchestrator"
	"github.com/convergio/convergio/pkg/rag"
	"github.com/convergio/convergio/pkg/registry"
	"github.com/convergio/convergio/pkg/runner"
	"github.com/convergio/convergio/pkg/safety"
	"github.com/convergio/convergio/pkg/selector"
	"github.com/convergio/convergio/pkg/store"
	"github.com/convergio/convergio/pkg/tokens"
	"github.com/convergio/convergio/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// endpointResolver maps an agent definition to (provider, model). The
// model preference wins when priced; otherwise the first configured
// provider and its default model apply.
func endpointResolver(cfg *config.Config) registry.EndpointResolver {
	names := make([]string, 0, len(cfg.Providers))
	for name := range cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(def *registry.AgentDefinition) (string, string) {
		if def.ModelPreference != "" && cfg.Pricing != nil {
			if price, ok := cfg.Pricing.Price(def.ModelPreference); ok && price.Provider != "" {
				return price.Provider, def.ModelPreference
			}
		}
		if len(names) == 0 {
			return "", def.ModelPreference
		}
		name := names[0]
		model := def.ModelPreference
		if model == "" {
			model = cfg.Providers[name].DefaultModel
		}
		return name, model
	}
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	ctx := context.Background()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	httpPort := "8080"
	if cfg.System != nil && cfg.System.HTTPPort != "" {
		httpPort = cfg.System.HTTPPort
	}
	stats := cfg.Stats()
	slog.Info("Starting Convergio",
		"version", version.Full(),
		"http_port", httpPort,
		"config_dir", *configDir,
		"providers", stats.Providers,
		"models", stats.Models)

	// Persistence: PostgreSQL when configured, in-memory otherwise.
	var st store.Store
	var pg *store.Postgres
	if cfg.System != nil && cfg.System.Database != nil {
		pg, err = store.NewPostgres(ctx, cfg.System.Database)
		if err != nil {
			slog.Error("Failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("Connected to PostgreSQL database")
	} else {
		st = store.NewMemory()
		slog.Info("Using in-memory store")
	}
	defer st.Close()

	bus := events.NewBus()

	led := ledger.New(cfg.Budgets.Limits(),
		ledger.WithSink(st),
		ledger.WithAlertFunc(func(a ledger.Alert) {
			bus.Publish(events.Event{
				Channel: events.ChannelBudget,
				Type:    string(a.Level),
				Payload: a,
			})
		}))

	brk := breaker.New(cfg.Breaker, led)

	reg := registry.New(cfg.Registry, registry.WithEndpointResolver(endpointResolver(cfg)))
	loaded, err := reg.ScanAndLoad()
	if err != nil {
		slog.Error("Failed to load agent definitions",
			"dir", cfg.Registry.DefinitionsDir, "error", err)
		os.Exit(1)
	}
	slog.Info("Agent registry loaded", "agents", loaded)

	if cfg.Registry.Watch {
		reloads, werr := reg.Watch(ctx)
		if werr != nil {
			slog.Error("Failed to start registry watcher", "error", werr)
			os.Exit(1)
		}
		go func() {
			for ev := range reloads {
				bus.Publish(events.Event{
					Channel: events.ChannelRegistry,
					Type:    "reload",
					Payload: ev,
				})
			}
		}()
	}

	pool, err := llm.NewPool(cfg.Providers, brk)
	if err != nil {
		slog.Error("Failed to initialize provider pool", "error", err)
		os.Exit(1)
	}

	var retriever rag.Retriever
	var approvals approval.Store
	if pg != nil {
		pgRetriever := rag.NewPGRetriever(pg.Pool())
		if err := pgRetriever.Init(ctx); err != nil {
			slog.Error("Failed to initialize knowledge store", "error", err)
			os.Exit(1)
		}
		retriever = pgRetriever
		approvals = approval.NewPGStore(pg.Pool())
	} else {
		retriever = rag.NewMemoryRetriever()
		approvals = approval.NewMemoryStore()
	}

	tracker := tokens.New(cfg.Pricing)

	orch, err := orchestrator.New(orchestrator.Deps{
		Config:    cfg,
		Registry:  reg,
		Store:     st,
		Ledger:    led,
		Breaker:   brk,
		Tracker:   tracker,
		Selector:  selector.New(cfg.Policy),
		Guardian:  safety.New(cfg.Safety),
		Approvals: approvals,
		Injector:  rag.NewInjector(cfg.RAG, retriever),
		Runner: runner.New(pool, cfg.Pricing,
			runner.WithHeartbeat(cfg.Policy.HeartbeatInterval.Std(5*time.Second)),
			runner.WithMailbox(cfg.Policy.MailboxCapacity)),
		Bus:       bus,
	})
	if err != nil {
		slog.Error("Failed to build orchestrator", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg, orch, st, approvals, led, brk, reg, bus, tracker)

	httpServer := &http.Server{
		Addr:              ":" + httpPort,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	grace := 30 * time.Second
	if cfg.System != nil && cfg.System.ShutdownGraceSec > 0 {
		grace = time.Duration(cfg.System.ShutdownGraceSec) * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
