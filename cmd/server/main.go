package main

// @title        refprice API
// @version      1.0
// @description  Resolução e sincronização de preços de referência (SINAPI/SICRO).
// @BasePath     /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"refprice/internal/app"
	"refprice/internal/config"
	"refprice/internal/router"
	"refprice/internal/service"
	"refprice/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Structured logger: pretty in dev, JSON in prod
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	for _, w := range cfg.Warnings() {
		log.Warn().Msg(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(cfg, app.Options{})
	defer a.Close()
	a.HydrateMemory(ctx)

	// Worker pool consumes sync and alert jobs; webhook-triggered syncs land here.
	a.Dispatcher.StartWorkerPool(ctx, cfg.WorkerPoolSize)

	scheduler, err := worker.NewSyncScheduler(worker.SyncCronConfig{
		Runner:  a.Runner,
		Spec:    cfg.SyncCron,
		Sources: a.Sources.Names(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("invalid SYNC_CRON")
	}
	if cfg.SyncEnabled {
		scheduler.Start(ctx)
	} else {
		log.Info().Msg("sync scheduler disabled (SYNC_ENABLED=false)")
	}
	if cfg.WarmupOnStartup {
		go scheduler.RunAll(ctx, service.TriggerStartup)
	}

	if cfg.ImportWatchDir != "" {
		if err := worker.NewImportWatcher(cfg.ImportWatchDir, a.Ingestion).Start(ctx); err != nil {
			log.Error().Err(err).Msg("import watcher not started")
		}
	}

	r := router.New(cfg, router.Deps{
		DB:           a.DB,
		Redis:        a.RedisClient(),
		Repo:         a.Repo,
		Coordinators: a.Coordinators,
		Ingestion:    a.Ingestion,
		Webhooks:     a.Webhooks,
		Sync:         a.Dispatcher,
		SyncStates:   a.Runner,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown on SIGINT / SIGTERM
	go func() {
		log.Info().Msgf("refprice listening on :%d", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server…")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server exited")
}
