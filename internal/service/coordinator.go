package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"refprice/internal/cache"
	"refprice/internal/config"
	"refprice/internal/dto"
	"refprice/internal/infra"
	"refprice/internal/model"
	"refprice/internal/repository"
)

var (
	ErrReferenceNotFound  = errors.New("referência não encontrada")
	ErrInvalidReferenceID = errors.New("identificador de referência inválido")
	ErrUnknownSource      = errors.New("fonte de referência desconhecida")
)

const (
	memoryTimeout       = 250 * time.Millisecond
	cacheTimeout        = 250 * time.Millisecond
	maxRateLimitBackoff = 5 * time.Second
)

// RemoteSource is the subset of the remote pricing client the coordinator
// needs. *infra.GovPriceClient satisfies it.
type RemoteSource interface {
	Search(ctx context.Context, itemType model.ItemType, q infra.RemoteQuery) (*infra.RemotePage, error)
	GetReference(ctx context.Context, id string) (*model.PriceReference, error)
	Exhausted() bool
	MaxCallDuration() time.Duration
	RateLimits() *infra.RateLimitState
}

// SearchResult is the provenance-annotated answer of Coordinator.Search.
// IsFallback is true when Source differs from the top configured tier.
// Remote pages are post-filtered locally on transport mode and price bounds,
// so an api page may hold fewer than PageSize items and Total is then an
// estimate: upstream total minus the rows dropped from this page.
type SearchResult struct {
	Items      []model.PriceReference `json:"items"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	Source     string                 `json:"source"`
	Cached     bool                   `json:"cached"`
	IsFallback bool                   `json:"is_fallback"`
}

// CoordinatorStatus is exposed on the admin status endpoint.
type CoordinatorStatus struct {
	Source        string                   `json:"source"`
	RemoteEnabled bool                     `json:"remote_enabled"`
	PreferredTier string                   `json:"preferred_tier"`
	Circuit       infra.CircuitSnapshot    `json:"circuit"`
	RateLimit     *infra.RateLimitSnapshot `json:"rate_limit,omitempty"`
	MemoryItems   int                      `json:"memory_items"`
	Cache         cache.Stats              `json:"cache"`
}

// Coordinator is the single read entry point for one source. It walks
// Cache → Remote API → Persistent Store → In-Memory and never fails a read
// because a tier is unavailable.
type Coordinator struct {
	settings config.SourceSettings
	cache    *cache.Cache
	remote   RemoteSource
	repo     repository.ReferenceRepository
	memory   *repository.MemoryStore
	circuit  *infra.SourceCircuit
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewCoordinator wires one source. remote and repo may be nil; memory may not.
func NewCoordinator(settings config.SourceSettings, c *cache.Cache, remote RemoteSource, repo repository.ReferenceRepository, memory *repository.MemoryStore) *Coordinator {
	if memory == nil {
		memory = repository.NewMemoryStore()
	}
	if c == nil {
		c = cache.New(nil, config.NewSources(settings))
	}
	if settings.SearchBudget <= 0 {
		settings.SearchBudget = 30 * time.Second
	}
	if settings.StoreTimeout <= 0 {
		settings.StoreTimeout = 2 * time.Second
	}
	if settings.RateLimitMaxRetries < 0 {
		settings.RateLimitMaxRetries = 0
	}
	return &Coordinator{
		settings: settings,
		cache:    c,
		remote:   remote,
		repo:     repo,
		memory:   memory,
		circuit:  infra.NewSourceCircuit(settings.CircuitCooldown),
		sleep:    sleepCtx,
	}
}

func (co *Coordinator) Source() string                  { return co.settings.Name }
func (co *Coordinator) Settings() config.SourceSettings { return co.settings }
func (co *Coordinator) Memory() *repository.MemoryStore { return co.memory }
func (co *Coordinator) Cache() *cache.Cache             { return co.cache }

// ResetCircuit clears failure history and any demotion.
func (co *Coordinator) ResetCircuit() {
	co.circuit.Reset()
	log.Info().Str("source", co.settings.Name).Msg("coordinator: circuit reset")
}

// InvalidateCache drops every cached entry of this source.
func (co *Coordinator) InvalidateCache(ctx context.Context) (int, error) {
	return co.cache.InvalidateSource(ctx, co.settings.Name)
}

// Status snapshots tier preference, circuit, quota and cache counters.
func (co *Coordinator) Status() CoordinatorStatus {
	st := CoordinatorStatus{
		Source:        co.settings.Name,
		RemoteEnabled: co.remote != nil,
		PreferredTier: co.preferredTier().String(),
		Circuit:       co.circuit.Snapshot(),
		MemoryItems:   co.memory.Len(co.settings.Name),
		Cache:         co.cache.Stats(co.settings.Name),
	}
	if co.remote != nil {
		rl := co.remote.RateLimits().Snapshot()
		st.RateLimit = &rl
	}
	return st
}

// topTier is the highest tier configured for this source, the baseline
// against which is_fallback is reported.
func (co *Coordinator) topTier() infra.Tier {
	if co.remote == nil {
		return infra.TierPersistent
	}
	return infra.TierRemoteAPI
}

// preferredTier is the first tier after the cache the coordinator trusts.
func (co *Coordinator) preferredTier() infra.Tier {
	if co.remote == nil {
		return infra.TierPersistent
	}
	return co.circuit.Preferred()
}

// ── Search ───────────────────────────────────────────────────────────────────

// Search returns a best-effort page. The only error is a context that was
// already done on entry.
func (co *Coordinator) Search(ctx context.Context, f dto.SearchFilters) (*SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f = f.Normalize()
	ctx, cancel := context.WithTimeout(ctx, co.settings.SearchBudget)
	defer cancel()

	key := cache.FiltersKey(f)

	// 1. Cache
	var cached SearchResult
	cctx, ccancel := context.WithTimeout(ctx, cacheTimeout)
	hit := co.cache.Get(cctx, co.settings.Name, key, &cached)
	ccancel()
	if hit {
		cached.Cached = true
		return &cached, nil
	}

	preferred := co.preferredTier()

	// 2. Remote API
	if items, total, ok := co.searchRemote(ctx, f); ok {
		return co.finish(ctx, key, f, infra.TierRemoteAPI, items, total, co.settings.SearchTTL), nil
	}

	// 3. Persistent store
	if co.repo != nil {
		sctx, scancel := context.WithTimeout(ctx, co.settings.StoreTimeout)
		items, total, err := co.repo.Search(sctx, co.settings.Name, f)
		scancel()
		switch {
		case err != nil:
			log.Warn().Err(err).Str("source", co.settings.Name).Str("tier", infra.TierPersistent.String()).Msg("coordinator: tier failed")
		case total > 0 || preferred == infra.TierPersistent:
			return co.finish(ctx, key, f, infra.TierPersistent, items, total, co.settings.SearchTTL), nil
		default:
			log.Debug().Str("source", co.settings.Name).Msg("coordinator: empty non-preferred store result, continuing")
		}
	}

	// 4. In-memory, always returned
	items, total := co.searchMemory(f)
	ttl := co.settings.FallbackTTL
	if total == 0 {
		ttl = 0
	}
	return co.finish(ctx, key, f, infra.TierMemory, items, total, ttl), nil
}

// searchRemote reports ok=false when the tier was skipped or failed.
func (co *Coordinator) searchRemote(ctx context.Context, f dto.SearchFilters) ([]model.PriceReference, int64, bool) {
	if co.remote == nil || co.remote.Exhausted() || !co.circuit.Allow() {
		return nil, 0, false
	}
	q := infra.RemoteQuery{
		Query:    f.Query,
		Region:   f.Region,
		Month:    f.ReferenceMonth,
		Category: f.Category,
		Page:     f.Page,
		Limit:    f.PageSize,
	}
	if r, ok := model.ParseTaxRegime(f.TaxRegime); ok {
		q.Regime = r
	}

	page, err := co.callRemote(ctx, func(rctx context.Context) (*infra.RemotePage, error) {
		return co.remote.Search(rctx, model.ItemType(f.ItemType), q)
	})
	if err != nil {
		return nil, 0, false
	}

	// Upstream does not filter on every field; apply the rest locally.
	items := make([]model.PriceReference, 0, len(page.Items))
	for _, it := range page.Items {
		if !remoteMatches(it, f) {
			continue
		}
		it.Relevance = repository.Score(f.Query, it)
		items = append(items, it)
	}
	repository.SortByRelevance(items)
	total := page.Total - int64(len(page.Items)-len(items))
	if total < int64(len(items)) {
		total = int64(len(items))
	}
	return items, total, true
}

// callRemote runs op with the per-call timeout, retrying rate-limit errors
// up to RateLimitMaxRetries, and records the outcome on the circuit.
func (co *Coordinator) callRemote(ctx context.Context, op func(context.Context) (*infra.RemotePage, error)) (*infra.RemotePage, error) {
	var err error
	for attempt := 0; ; attempt++ {
		rctx, cancel := context.WithTimeout(ctx, co.remote.MaxCallDuration())
		var page *infra.RemotePage
		page, err = op(rctx)
		cancel()
		if err == nil {
			co.circuit.RecordSuccess()
			return page, nil
		}

		var rl *infra.RateLimitError
		if !errors.As(err, &rl) || attempt >= co.settings.RateLimitMaxRetries {
			break
		}
		wait := rl.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		if wait > maxRateLimitBackoff {
			wait = maxRateLimitBackoff
		}
		log.Info().Str("source", co.settings.Name).Dur("retry_after", wait).Int("attempt", attempt+1).Msg("coordinator: rate limited, waiting")
		if serr := co.sleep(ctx, wait); serr != nil {
			err = fmt.Errorf("rate limit wait: %w", serr)
			break
		}
	}

	// A caller that went away says nothing about upstream health. The
	// per-call timeout in rctx still counts as a transport failure.
	if ctx.Err() != nil {
		log.Info().Err(err).Str("source", co.settings.Name).Msg("coordinator: remote call abandoned by caller")
		return nil, err
	}

	demote := infra.IsDemoting(err)
	co.circuit.RecordFailure(demote, err.Error())
	ev := log.Warn()
	if demote {
		ev = log.Error()
	}
	ev.Err(err).Str("source", co.settings.Name).Bool("demoted", demote).Msg("coordinator: remote api failed, falling back")
	return nil, err
}

func (co *Coordinator) searchMemory(f dto.SearchFilters) ([]model.PriceReference, int64) {
	type res struct {
		items []model.PriceReference
		total int64
	}
	done := make(chan res, 1)
	go func() {
		items, total := co.memory.Search(co.settings.Name, f)
		done <- res{items, total}
	}()
	select {
	case r := <-done:
		return r.items, r.total
	case <-time.After(memoryTimeout):
		log.Warn().Str("source", co.settings.Name).Msg("coordinator: in-memory search timed out")
		return []model.PriceReference{}, 0
	}
}

func (co *Coordinator) finish(ctx context.Context, key string, f dto.SearchFilters, tier infra.Tier, items []model.PriceReference, total int64, ttl time.Duration) *SearchResult {
	if items == nil {
		items = []model.PriceReference{}
	}
	res := &SearchResult{
		Items:      items,
		Total:      total,
		Page:       f.Page,
		PageSize:   f.PageSize,
		Source:     tier.String(),
		IsFallback: tier != co.topTier(),
	}
	if ttl > 0 {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
		co.cache.Set(sctx, co.settings.Name, key, res, ttl)
		cancel()
	}
	return res
}

// remoteMatches applies the filters the upstream API does not understand.
func remoteMatches(r model.PriceReference, f dto.SearchFilters) bool {
	if f.TransportMode != "" && !strings.EqualFold(r.TransportMode, f.TransportMode) {
		return false
	}
	if f.MinPrice != nil && r.UnitPrice.LessThan(*f.MinPrice) {
		return false
	}
	if f.MaxPrice != nil && r.UnitPrice.GreaterThan(*f.MaxPrice) {
		return false
	}
	return true
}

// ── Get by id ────────────────────────────────────────────────────────────────

// GetByID resolves a canonical id: cache, persistent store, in-memory, then
// the remote API when the circuit allows it.
func (co *Coordinator) GetByID(ctx context.Context, id string) (*model.PriceReference, error) {
	source, _, _, _, _, err := model.ParseReferenceID(id)
	if err != nil || !strings.EqualFold(source, co.settings.Name) {
		return nil, ErrInvalidReferenceID
	}
	ctx, cancel := context.WithTimeout(ctx, co.settings.SearchBudget)
	defer cancel()
	key := cache.ItemKey(id)

	var cached model.PriceReference
	cctx, ccancel := context.WithTimeout(ctx, cacheTimeout)
	hit := co.cache.Get(cctx, co.settings.Name, key, &cached)
	ccancel()
	if hit {
		return &cached, nil
	}

	if co.repo != nil {
		sctx, scancel := context.WithTimeout(ctx, co.settings.StoreTimeout)
		ref, err := co.repo.FindByID(sctx, id)
		scancel()
		switch {
		case err == nil:
			co.cacheItem(ctx, key, ref, co.settings.SearchTTL)
			return ref, nil
		case !errors.Is(err, repository.ErrNotFound):
			log.Warn().Err(err).Str("id", id).Msg("coordinator: store lookup failed")
		}
	}

	if ref, ok := co.memory.Get(id); ok {
		co.cacheItem(ctx, key, &ref, co.settings.FallbackTTL)
		return &ref, nil
	}

	if co.remote != nil && !co.remote.Exhausted() && co.circuit.Allow() {
		var ref *model.PriceReference
		_, err := co.callRemote(ctx, func(rctx context.Context) (*infra.RemotePage, error) {
			r, err := co.remote.GetReference(rctx, id)
			ref = r
			return nil, err
		})
		if err == nil && ref != nil {
			co.cacheItem(ctx, key, ref, co.settings.SearchTTL)
			return ref, nil
		}
	}
	return nil, ErrReferenceNotFound
}

func (co *Coordinator) cacheItem(ctx context.Context, key string, ref *model.PriceReference, ttl time.Duration) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheTimeout)
	defer cancel()
	co.cache.Set(sctx, co.settings.Name, key, ref, ttl)
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

// ── Registry ─────────────────────────────────────────────────────────────────

// Coordinators maps a source name to its coordinator.
type Coordinators map[string]*Coordinator

// Get looks a coordinator up by case-insensitive source name.
func (cs Coordinators) Get(source string) (*Coordinator, error) {
	co, ok := cs[strings.ToLower(strings.TrimSpace(source))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, source)
	}
	return co, nil
}
