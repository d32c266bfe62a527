package worker

// sync_runner.go
// One sync flow shared by the cron schedule, the webhook and the admin API:
// check the upstream version, and on change invalidate the source cache,
// reset the circuit and warm popular searches back into the cache.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"refprice/internal/cache"
	"refprice/internal/dto"
	"refprice/internal/infra"
	"refprice/internal/service"
)

// Sync status values.
const (
	StatusIdle    = "idle"
	StatusRunning = "running"
	StatusError   = "error"
)

const statusTimeout = 30 * time.Second

// statusKey is the logical cache key of the upstream status, kept for StatusTTL.
var statusKey = cache.LogicalKey("status")

// ErrSyncInProgress is returned when a run for the same source is already active.
var ErrSyncInProgress = errors.New("sincronização já em andamento")

// VersionSource reports the upstream dataset version. *infra.GovPriceClient satisfies it.
type VersionSource interface {
	Status(ctx context.Context) (*infra.UpstreamStatus, error)
}

// AlertEnqueuer queues operator e-mails. *Dispatcher satisfies it.
type AlertEnqueuer interface {
	EnqueueEmail(ctx context.Context, payload interface{}) error
}

// WarmupProgress counts warm-up cells done out of the grid size.
type WarmupProgress struct {
	Current int `json:"current"`
	Total   int `json:"total"`
}

// SyncState is a point-in-time snapshot of one source's sync bookkeeping.
type SyncState struct {
	Source                   string         `json:"source"`
	Enabled                  bool           `json:"enabled"`
	LastRunAt                *time.Time     `json:"last_run_at,omitempty"`
	LastKnownUpstreamVersion string         `json:"last_known_upstream_version,omitempty"`
	NextRunAt                *time.Time     `json:"next_run_at,omitempty"`
	Status                   string         `json:"status"`
	LastError                string         `json:"last_error,omitempty"`
	LastTrigger              string         `json:"last_trigger,omitempty"`
	WarmupProgress           WarmupProgress `json:"warmup_progress"`
}

type sourceState struct {
	mu sync.Mutex
	st SyncState
}

// SyncRunner owns SyncState for every source.
type SyncRunner struct {
	coordinators service.Coordinators
	versions     map[string]VersionSource
	alerts       AlertEnqueuer
	alertTo      string
	enabled      bool

	mu     sync.Mutex
	states map[string]*sourceState

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSyncRunner wires the runner. versions holds the remote status client per
// source; sources without one are never "changed" unless the run is forced.
func NewSyncRunner(coordinators service.Coordinators, versions map[string]VersionSource, enabled bool) *SyncRunner {
	if versions == nil {
		versions = map[string]VersionSource{}
	}
	return &SyncRunner{
		coordinators: coordinators,
		versions:     versions,
		enabled:      enabled,
		states:       make(map[string]*sourceState),
		now:          time.Now,
		sleep:        sleepCtx,
	}
}

// WithAlerts enables operator e-mails on failed runs.
func (r *SyncRunner) WithAlerts(q AlertEnqueuer, to string) *SyncRunner {
	r.alerts = q
	r.alertTo = to
	return r
}

func (r *SyncRunner) state(source string) *sourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.states[source]
	if !ok {
		s = &sourceState{st: SyncState{Source: source, Enabled: r.enabled, Status: StatusIdle}}
		r.states[source] = s
	}
	return s
}

// Snapshot returns the current state of a source.
func (r *SyncRunner) Snapshot(source string) SyncState {
	s := r.state(source)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// SetNextRun records the scheduler's next fire time.
func (r *SyncRunner) SetNextRun(source string, at time.Time) {
	s := r.state(source)
	s.mu.Lock()
	s.st.NextRunAt = &at
	s.mu.Unlock()
}

// HandleJob adapts Run to the dispatcher's JobHandler.
func (r *SyncRunner) HandleJob(ctx context.Context, raw json.RawMessage) error {
	var p SyncJobPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Error().Err(err).Msg("sync_runner: invalid job payload")
		return nil
	}
	err := r.Run(ctx, p.Source, p.Trigger)
	if errors.Is(err, ErrSyncInProgress) {
		return nil
	}
	return err
}

// Run executes the sync flow for source. Schedule-triggered runs act only on
// an upstream version change. Webhook, manual and startup runs always
// invalidate and warm.
func (r *SyncRunner) Run(ctx context.Context, source, trigger string) error {
	co, err := r.coordinators.Get(source)
	if err != nil {
		return err
	}
	source = co.Source()
	s := r.state(source)

	s.mu.Lock()
	if s.st.Status == StatusRunning {
		s.mu.Unlock()
		log.Info().Str("source", source).Str("trigger", trigger).Msg("sync_runner: run already in progress, skipping")
		return ErrSyncInProgress
	}
	now := r.now().UTC()
	s.st.Status = StatusRunning
	s.st.LastRunAt = &now
	s.st.LastTrigger = trigger
	s.st.LastError = ""
	s.st.WarmupProgress = WarmupProgress{}
	known := s.st.LastKnownUpstreamVersion
	s.mu.Unlock()

	log.Info().Str("source", source).Str("trigger", trigger).Msg("sync_runner: run started")

	forced := trigger != service.TriggerSchedule
	version := known
	var (
		upstream  *infra.UpstreamStatus
		fromCache bool
	)
	if vs, ok := r.versions[source]; ok && vs != nil {
		upstream, fromCache, err = r.upstreamStatus(ctx, co, vs, forced)
		if err != nil {
			r.fail(ctx, s, source, fmt.Errorf("status upstream: %w", err))
			return err
		}
		version = upstream.Version
	}

	changed := version != known
	if !changed && !forced {
		if upstream != nil && !fromCache {
			r.storeStatus(ctx, co, upstream)
		}
		r.setStatus(s, StatusIdle)
		log.Info().Str("source", source).Str("version", version).Msg("sync_runner: upstream unchanged")
		return nil
	}

	removed, err := co.InvalidateCache(ctx)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Msg("sync_runner: cache invalidation failed")
	}
	co.ResetCircuit()
	if upstream != nil {
		r.storeStatus(ctx, co, upstream)
	}

	s.mu.Lock()
	s.st.LastKnownUpstreamVersion = version
	s.mu.Unlock()
	log.Info().
		Str("source", source).
		Str("previous_version", known).
		Str("version", version).
		Int("cache_removed", removed).
		Msg("sync_runner: cache invalidated")

	r.warmup(ctx, co, s)

	if err := ctx.Err(); err != nil {
		r.setStatus(s, StatusIdle)
		log.Warn().Err(err).Str("source", source).Msg("sync_runner: warm-up cancelled")
		return err
	}
	r.setStatus(s, StatusIdle)
	log.Info().Str("source", source).Msg("sync_runner: run finished")
	return nil
}

// upstreamStatus asks upstream for its version. Scheduled runs are served
// from the source cache while the last answer is younger than StatusTTL.
func (r *SyncRunner) upstreamStatus(ctx context.Context, co *service.Coordinator, vs VersionSource, forced bool) (*infra.UpstreamStatus, bool, error) {
	if !forced {
		var cached infra.UpstreamStatus
		if co.Cache().Get(ctx, co.Source(), statusKey, &cached) {
			log.Debug().Str("source", co.Source()).Str("version", cached.Version).Msg("sync_runner: upstream status from cache")
			return &cached, true, nil
		}
	}
	sctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	st, err := vs.Status(sctx)
	if err != nil {
		return nil, false, err
	}
	return st, false, nil
}

func (r *SyncRunner) storeStatus(ctx context.Context, co *service.Coordinator, st *infra.UpstreamStatus) {
	co.Cache().Set(context.WithoutCancel(ctx), co.Source(), statusKey, st, co.Settings().StatusTTL)
}

// warmup runs one real search per (term, region) cell so the results land in
// the cache. Cell failures are logged and skipped.
func (r *SyncRunner) warmup(ctx context.Context, co *service.Coordinator, s *sourceState) {
	settings := co.Settings()
	terms, regions := settings.WarmupTerms, settings.WarmupRegions
	if len(regions) == 0 {
		regions = []string{""}
	}
	total := len(terms) * len(regions)

	s.mu.Lock()
	s.st.WarmupProgress = WarmupProgress{Total: total}
	s.mu.Unlock()

	done := 0
	for _, term := range terms {
		for _, region := range regions {
			if ctx.Err() != nil {
				return
			}
			if done > 0 && settings.WarmupDelay > 0 {
				if err := r.sleep(ctx, settings.WarmupDelay); err != nil {
					return
				}
			}
			f := dto.SearchFilters{Query: term, Region: region}
			if _, err := co.Search(ctx, f); err != nil {
				log.Warn().Err(err).Str("source", co.Source()).Str("term", term).Str("region", region).Msg("sync_runner: warm-up cell failed")
			}
			done++
			s.mu.Lock()
			s.st.WarmupProgress.Current = done
			s.mu.Unlock()
		}
	}
}

func (r *SyncRunner) setStatus(s *sourceState, status string) {
	s.mu.Lock()
	s.st.Status = status
	s.mu.Unlock()
}

func (r *SyncRunner) fail(ctx context.Context, s *sourceState, source string, err error) {
	s.mu.Lock()
	s.st.Status = StatusError
	s.st.LastError = err.Error()
	s.mu.Unlock()
	log.Error().Err(err).Str("source", source).Msg("sync_runner: run failed")

	if r.alerts == nil || r.alertTo == "" {
		return
	}
	payload := EmailJobPayload{
		ToEmail: r.alertTo,
		Subject: fmt.Sprintf("[refprice] falha na sincronização %s", source),
		Body:    fmt.Sprintf("Fonte: %s\nHorário: %s\nErro: %s\n", source, r.now().UTC().Format(time.RFC3339), err.Error()),
	}
	if qerr := r.alerts.EnqueueEmail(context.WithoutCancel(ctx), payload); qerr != nil {
		log.Warn().Err(qerr).Str("source", source).Msg("sync_runner: alert enqueue failed")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
