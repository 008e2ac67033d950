package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "golang.org/x/crypto/x509roots/fallback" // Embed CA certs for scratch container

	githubadapter "github.com/dceleste/mergetrain/internal/adapter/driven/github"
	sqliteadapter "github.com/dceleste/mergetrain/internal/adapter/driven/sqlite"
	"github.com/dceleste/mergetrain/internal/adapter/driving/webhook"
	"github.com/dceleste/mergetrain/internal/application"
	"github.com/dceleste/mergetrain/internal/config"
	"github.com/dceleste/mergetrain/internal/rules"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on missing required env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"rules_path", cfg.RulesPath,
		"tick_interval", cfg.TickInterval,
	)

	// 2. Setup signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}
	slog.Info("migrations complete")

	// 5. Load and compile the rules file.
	ruleSet, err := rules.Load(cfg.RulesPath)
	if err != nil {
		return err
	}
	slog.Info("rules loaded", "queues", len(ruleSet.Queues), "rules", len(ruleSet.Rules))

	// 6. Wire adapters.
	ghClient := githubadapter.NewClient(cfg.GitHubToken)
	stateStore := sqliteadapter.NewStateRepo(db)

	// 7. Create the orchestrator and the webhook server feeding it.
	orch := application.NewOrchestrator(ghClient, stateStore, ruleSet, cfg.TickInterval)

	handler := webhook.NewHandler(orch, cfg.WebhookSecret, slog.Default())
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           webhook.NewServeMux(handler, slog.Default()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)

	// 8. Orchestrator: restores persisted queues, then processes events.
	group.Go(func() error {
		return orch.Start(gctx)
	})

	// 9. Hot-reload the rules file on change.
	group.Go(func() error {
		return rules.Watch(gctx, cfg.RulesPath, orch.ReplaceRules)
	})

	// 10. HTTP server with shutdown driven by context cancellation.
	group.Go(func() error {
		slog.Info("http server starting", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("mergetrain started", "listen_addr", cfg.ListenAddr)

	// 11. Wait for shutdown signal or component failure.
	err = group.Wait()
	slog.Info("shutdown complete")
	return err
}
