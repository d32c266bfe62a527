package worker

// sync_cron.go
// Cron-driven sync: fires the shared sync flow for every source on SYNC_CRON
// and keeps next_run_at current in SyncState. Stops with the context.

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"refprice/internal/service"
)

// SyncCronConfig holds all dependencies for the scheduler.
type SyncCronConfig struct {
	Runner  *SyncRunner
	Spec    string
	Sources []string
}

// SyncScheduler owns the cron instance.
type SyncScheduler struct {
	cfg   SyncCronConfig
	cron  *cron.Cron
	entry cron.EntryID
}

// NewSyncScheduler parses the cron spec eagerly so a bad SYNC_CRON fails at startup.
func NewSyncScheduler(cfg SyncCronConfig) (*SyncScheduler, error) {
	s := &SyncScheduler{cfg: cfg, cron: cron.New()}
	id, err := s.cron.AddFunc(cfg.Spec, s.tick)
	if err != nil {
		return nil, fmt.Errorf("sync_cron: invalid spec %q: %w", cfg.Spec, err)
	}
	s.entry = id
	return s, nil
}

// Start launches the cron goroutine. It respects the context for graceful shutdown.
func (s *SyncScheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.recordNext()
	log.Info().Str("spec", s.cfg.Spec).Strs("sources", s.cfg.Sources).Msg("sync_cron: started")

	go func() {
		<-ctx.Done()
		stopped := s.cron.Stop()
		<-stopped.Done()
		log.Info().Msg("sync_cron: shutting down")
	}()
}

func (s *SyncScheduler) tick() {
	s.RunAll(context.Background(), service.TriggerSchedule)
	s.recordNext()
}

// RunAll runs the sync flow sequentially for every configured source.
func (s *SyncScheduler) RunAll(ctx context.Context, trigger string) {
	for _, source := range s.cfg.Sources {
		if err := s.cfg.Runner.Run(ctx, source, trigger); err != nil {
			log.Warn().Err(err).Str("source", source).Str("trigger", trigger).Msg("sync_cron: run ended with error")
		}
	}
}

func (s *SyncScheduler) recordNext() {
	next := s.cron.Entry(s.entry).Next
	if next.IsZero() {
		return
	}
	for _, source := range s.cfg.Sources {
		s.cfg.Runner.SetNextRun(source, next)
	}
}
