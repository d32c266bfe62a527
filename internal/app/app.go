// Package app is the composition root shared by the HTTP server and the CLI.
// Backends that fail to connect are logged and left nil; the coordinator
// then serves from the remaining tiers.
package app

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"refprice/internal/cache"
	"refprice/internal/config"
	"refprice/internal/infra"
	"refprice/internal/repository"
	"refprice/internal/service"
	"refprice/internal/worker"
)

// hydrateLimit bounds how many persisted rows per source are copied into the
// in-memory tier at startup.
const hydrateLimit = 100_000

// App holds every long-lived dependency.
type App struct {
	Config  *config.Config
	Sources config.Sources

	DB    *gorm.DB
	Redis *redis.Client
	Repo  repository.ReferenceRepository
	Cache *cache.Cache

	Coordinators service.Coordinators
	Remotes      map[string]*infra.GovPriceClient
	Ingestion    service.IngestionService
	Webhooks     service.WebhookService

	Dispatcher *worker.Dispatcher
	Runner     *worker.SyncRunner
	Mailer     *infra.Mailer
}

// Options turns off backends a caller does not need.
type Options struct {
	SkipDatabase bool
	SkipRedis    bool
}

// New connects the backends and wires services, coordinators and workers.
func New(cfg *config.Config, opts Options) *App {
	a := &App{
		Config:  cfg,
		Sources: cfg.Sources(),
		Remotes: make(map[string]*infra.GovPriceClient),
	}

	// ── Infrastructure ───────────────────────────────────────────────────────
	if !opts.SkipDatabase {
		db, err := infra.NewDatabase(cfg.DatabaseURL)
		if err != nil {
			log.Error().Err(err).Msg("app: postgres unavailable, persistent tier disabled")
		} else {
			a.DB = db
		}
	}
	if !opts.SkipRedis {
		rdb, err := infra.NewRedis(cfg.RedisURL)
		if err != nil {
			log.Error().Err(err).Msg("app: redis unavailable, cache and job queue disabled")
		} else {
			a.Redis = rdb
		}
	}

	rdb := a.RedisClient()
	if a.DB != nil {
		a.Repo = repository.NewReferenceRepository(a.DB)
	}
	a.Cache = cache.New(rdb, a.Sources)
	a.Mailer = infra.NewMailer(cfg)

	// ── Coordinators ─────────────────────────────────────────────────────────
	a.Coordinators = make(service.Coordinators)
	versions := make(map[string]worker.VersionSource)
	for _, name := range a.Sources.Names() {
		settings, _ := a.Sources.Get(name)
		var remote service.RemoteSource
		if settings.RemoteEnabled {
			client := infra.NewGovPriceClient(infra.GovClientConfig{
				BaseURL:    cfg.GovAPIBaseURL,
				APIKey:     cfg.GovAPIKey,
				Source:     name,
				Timeout:    time.Duration(cfg.GovAPITimeoutSeconds) * time.Second,
				Retries:    cfg.GovAPIRetries,
				MaxBackoff: time.Duration(cfg.GovAPIMaxBackoffSeconds) * time.Second,
			})
			a.Remotes[name] = client
			remote = client
			versions[name] = client
		}
		a.Coordinators[name] = service.NewCoordinator(settings, a.Cache, remote, a.Repo, nil)
	}

	// ── Workers ──────────────────────────────────────────────────────────────
	a.Dispatcher = worker.NewDispatcher(rdb)
	a.Runner = worker.NewSyncRunner(a.Coordinators, versions, cfg.SyncEnabled)
	if cfg.AlertEmail != "" && a.Mailer.Enabled() {
		a.Runner.WithAlerts(a.Dispatcher, cfg.AlertEmail)
	}
	a.Dispatcher.Register(worker.JobTypeSync, a.Runner.HandleJob)
	a.Dispatcher.Register(worker.JobTypeEmail, worker.NewEmailWorker(a.Mailer).Process)

	// ── Services ─────────────────────────────────────────────────────────────
	a.Ingestion = service.NewIngestionService(a.Coordinators, a.Repo)
	a.Webhooks = service.NewWebhookService(cfg.WebhookEnabled, cfg.WebhookSecret, a.Coordinators, a.Dispatcher)
	return a
}

// RedisClient returns the client as an interface, or a true nil when Redis
// is unavailable.
func (a *App) RedisClient() redis.UniversalClient {
	if a.Redis == nil {
		return nil
	}
	return a.Redis
}

// HydrateMemory copies persisted rows into each source's in-memory tier so
// the last-resort tier has data after a restart.
func (a *App) HydrateMemory(ctx context.Context) {
	if a.Repo == nil {
		return
	}
	for name, co := range a.Coordinators {
		refs, err := a.Repo.ListSource(ctx, name, hydrateLimit)
		if err != nil {
			log.Warn().Err(err).Str("source", name).Msg("app: memory hydration failed")
			continue
		}
		n := co.Memory().Load(refs)
		log.Info().Str("source", name).Int("items", n).Msg("app: memory tier hydrated")
	}
}

// Close releases backend connections.
func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
