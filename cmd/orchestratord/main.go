// orchestratord is the orchestrator's composition root: it loads
// configuration, wires every subsystem (storage, memory, budget, worktree,
// agent adapter, workflow engine, tick loop) and serves the Command API.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cardloop/orchestrator/pkg/agentadapter"
	"github.com/cardloop/orchestrator/pkg/api"
	"github.com/cardloop/orchestrator/pkg/budget"
	"github.com/cardloop/orchestrator/pkg/cleanup"
	"github.com/cardloop/orchestrator/pkg/config"
	"github.com/cardloop/orchestrator/pkg/database"
	"github.com/cardloop/orchestrator/pkg/eventbus"
	"github.com/cardloop/orchestrator/pkg/loop"
	"github.com/cardloop/orchestrator/pkg/masking"
	"github.com/cardloop/orchestrator/pkg/memory/longterm"
	"github.com/cardloop/orchestrator/pkg/memory/shortterm"
	"github.com/cardloop/orchestrator/pkg/store"
	"github.com/cardloop/orchestrator/pkg/version"
	"github.com/cardloop/orchestrator/pkg/workflow"
	"github.com/cardloop/orchestrator/pkg/worktree"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "./orchestrator.yaml"), "Path to configuration file")
	flag.Parse()

	log := slog.Default()
	log.Info("starting orchestrator", "version", version.Full())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Error("loading configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(cfg.Database); err != nil {
		log.Error("applying database migrations", "error", err)
		os.Exit(1)
	}

	pool, err := database.NewPool(ctx, cfg.Database)
	if err != nil {
		log.Error("connecting to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	log.Info("connected to postgresql")

	goals := store.NewGoalStore(pool)
	cards := store.NewCardStore(pool)
	executions := store.NewExecutionStore(pool)
	actions := store.NewActionStore(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Memory.ShortTerm.RedisAddr,
		Password: cfg.Memory.ShortTerm.RedisPassword,
		DB:       cfg.Memory.ShortTerm.RedisDB,
	})
	defer redisClient.Close()
	stm := shortterm.New(redisClient, cfg.Memory.ShortTerm.Retention())
	if err := stm.HealthCheck(ctx); err != nil {
		log.Warn("short term memory health check failed at startup", "error", err)
	} else {
		log.Info("connected to redis")
	}

	embedder := longterm.NewHTTPEmbedder(cfg.Memory.LongTerm.EmbedURL, cfg.Memory.LongTerm.EmbedModel)
	ltm, err := longterm.NewStore(
		cfg.Memory.LongTerm.QdrantHost, cfg.Memory.LongTerm.QdrantPort, cfg.Memory.LongTerm.QdrantAPIKey,
		cfg.Memory.LongTerm.CollectionName, cfg.Memory.LongTerm.VectorSize, embedder,
	)
	if err != nil {
		log.Error("connecting to qdrant", "error", err)
		os.Exit(1)
	}
	log.Info("connected to qdrant")

	worktreeManager := worktree.NewManager(
		worktree.NewGitRunner(), cfg.Worktree.RepoPath, cfg.Worktree.WorktreeDir,
		cfg.Worktree.BranchPrefix, cfg.Worktree.MaxConcurrentWorktrees,
	)
	if err := worktreeManager.RecoverState(ctx); err != nil {
		log.Warn("recovering worktree state", "error", err)
	}

	prober := budget.NewHTTPProber(cfg.Budget.ProbeURL, cfg.Budget.ProbeTimeout)
	usageChecker := budget.NewChecker(prober, cfg.Budget.ThresholdPercent)

	adapter := agentadapter.New(cfg.Agent)
	masker := masking.New()
	bus := eventbus.New()

	engine := workflow.NewEngine(cards, executions, worktreeManager, adapter, masker, bus, cfg.Orchestrator.StageTimeout)
	decomposer := loop.NewDecomposer(adapter, cfg.Orchestrator.DecomposerModel, cfg.Worktree.RepoPath)

	cardsHub := eventbus.NewCardsHub(bus)
	execHub := eventbus.NewExecutionHub(bus)
	go cardsHub.Run()
	go execHub.Run()

	cleanupService := cleanup.NewService(stm, worktreeManager, cards, cfg.Cleanup.Interval())
	cleanupService.Start(ctx)
	defer cleanupService.Stop()

	if cfg.Orchestrator.Enabled {
		tickLoop := loop.New(goals, cards, executions, actions, stm, ltm, usageChecker, engine, decomposer,
			worktreeManager, bus, cfg.Orchestrator.Interval(), cfg.Worktree.MaxConcurrentWorktrees)
		go tickLoop.Run(ctx)
		log.Info("tick loop started", "interval", cfg.Orchestrator.Interval())
	} else {
		log.Info("tick loop disabled by configuration")
	}

	srv := api.NewServer(cards, executions, engine, worktreeManager, cards, bus, cardsHub, execHub, pool, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: srv.Router(cfg.HTTP.GinMode),
	}

	go func() {
		log.Info("http server listening", "port", cfg.HTTP.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown", "error", err)
	}
}
