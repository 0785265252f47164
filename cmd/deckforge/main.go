package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"deckforge/internal/adapters/deckwriter"
	"deckforge/internal/adapters/duckdb"
	"deckforge/internal/adapters/teams"
	"deckforge/internal/adapters/upstream"
	"deckforge/internal/artifacts"
	"deckforge/internal/cache"
	"deckforge/internal/config"
	"deckforge/internal/core/domain"
	"deckforge/internal/core/services"
	"deckforge/internal/report"
	"deckforge/pkg/server"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting deckforge")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	cfg, err := config.Load(".env")
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	repo, err := duckdb.NewRepository(cfg.DBPath, cfg.Retention, logger)
	if err != nil {
		return fmt.Errorf("failed to init repository: %w", err)
	}
	defer repo.Close()

	artifactStore, err := artifacts.NewStore(logger, cfg.ArtifactDir)
	if err != nil {
		return fmt.Errorf("failed to init artifact store: %w", err)
	}

	cacheStore := cache.NewStore(logger, repo, cfg.Cache.WarehouseTTL, map[string]time.Duration{
		cache.NamespaceWarehouse:  cfg.Cache.WarehouseTTL,
		cache.NamespaceAIInsight:  cfg.Cache.AIInsightTTL,
		cache.NamespaceLogo:       cfg.Cache.LogoTTL,
		cache.NamespaceTeamConfig: cfg.Cache.WarehouseTTL,
	})

	teamDir, err := teams.NewDirectory(cfg.TeamCatalog)
	if err != nil {
		return fmt.Errorf("failed to load team catalog: %w", err)
	}

	deckGraph, err := report.NewDeckGraph(logger, report.Collaborators{
		Teams:     teamDir,
		Warehouse: upstream.NewWarehouseClient(cfg.Upstream.WarehouseURL),
		Insights:  upstream.NewInsightClient(cfg.Upstream.InsightURL),
		Logos:     upstream.NewLogoClient(cfg.Upstream.LogoURL),
		Builder:   deckwriter.NewJSONBuilder(),
	}, artifactStore)
	if err != nil {
		return fmt.Errorf("failed to build deck graph: %w", err)
	}

	eventBus := services.NewEventBus(logger)
	executor := services.NewExecutor(logger, cfg.TaskConcurrency)
	runner := services.NewRunner(logger, repo, eventBus, executor, cacheStore, cfg.MaxJobLifetime)
	runner.RegisterGraph(report.DocumentTypeSponsorshipDeck, deckGraph)

	scheduler := services.NewScheduler(logger, int64(cfg.MaxConcurrentJobs), cfg.QueueCapacity)
	sweeper := services.NewSweeper(logger, repo, repo, artifactStore, cfg.Retention, cfg.SweepInterval)

	if err := services.RecoverJobs(ctx, logger, repo, scheduler); err != nil {
		return fmt.Errorf("failed to recover persisted jobs: %w", err)
	}

	apiServer := server.NewServer(
		logger, repo, artifactStore, eventBus, scheduler, cacheStore, teamDir,
		func() error { return repo.Ping(ctx) },
		cfg.HeartbeatInterval,
	)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: c.Handler(apiServer.Handler()),
	}

	g, gCtx := errgroup.WithContext(ctx)

	scheduler.Start(gCtx, func(jobCtx context.Context, id domain.JobID) {
		runner.Run(jobCtx, id, report.DocumentTypeSponsorshipDeck)
	})

	g.Go(func() error {
		return sweeper.Run(gCtx)
	})

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
