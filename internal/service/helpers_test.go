package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"refprice/internal/cache"
	"refprice/internal/config"
	"refprice/internal/infra"
	"refprice/internal/model"
	"refprice/internal/repository"
)

// ── Stubs ─────────────────────────────────────────────────────────────────────

type remoteReply struct {
	page *infra.RemotePage
	err  error
}

// stubRemote replays scripted replies; the last one repeats.
type stubRemote struct {
	mu        sync.Mutex
	replies   []remoteReply
	calls     int
	exhausted bool
	ref       *model.PriceReference
	refErr    error
	rl        *infra.RateLimitState
}

func newStubRemote(replies ...remoteReply) *stubRemote {
	return &stubRemote{replies: replies, rl: infra.NewRateLimitState()}
}

func (s *stubRemote) Search(_ context.Context, _ model.ItemType, _ infra.RemoteQuery) (*infra.RemotePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.replies) == 0 {
		return &infra.RemotePage{}, nil
	}
	r := s.replies[0]
	if len(s.replies) > 1 {
		s.replies = s.replies[1:]
	}
	return r.page, r.err
}

func (s *stubRemote) GetReference(_ context.Context, _ string) (*model.PriceReference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.ref, s.refErr
}

func (s *stubRemote) Exhausted() bool                   { return s.exhausted }
func (s *stubRemote) MaxCallDuration() time.Duration    { return time.Second }
func (s *stubRemote) RateLimits() *infra.RateLimitState { return s.rl }

func (s *stubRemote) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

var _ RemoteSource = (*stubRemote)(nil)

// ── Fixtures ──────────────────────────────────────────────────────────────────

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, infra.RunMigrations(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestCache(t *testing.T, settings config.SourceSettings) (*cache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return cache.New(rdb, config.NewSources(settings)), mr
}

func testSettings() config.SourceSettings {
	return config.SourceSettings{
		Name:                config.SourceSINAPI,
		CachePrefix:         "gov:sinapi",
		RemoteEnabled:       true,
		SearchTTL:           time.Hour,
		StatusTTL:           5 * time.Minute,
		FallbackTTL:         10 * time.Minute,
		CircuitCooldown:     time.Minute,
		RateLimitMaxRetries: 2,
		SearchBudget:        5 * time.Second,
		StoreTimeout:        time.Second,
	}
}

func ref(source, code, desc, region, month string, regime model.TaxRegime, burdened, unburdened string) model.PriceReference {
	r := model.NewPriceReference(source, code, region, month, regime,
		decimal.RequireFromString(burdened), decimal.RequireFromString(unburdened))
	r.Description = desc
	r.Unit = "UN"
	return r
}

func remotePage(refs ...model.PriceReference) remoteReply {
	return remoteReply{page: &infra.RemotePage{Items: refs, Total: int64(len(refs))}}
}

func remoteErr(err error) remoteReply { return remoteReply{err: err} }

// newRepo returns a sqlite-backed repository seeded with refs.
func newRepo(t *testing.T, refs ...model.PriceReference) repository.ReferenceRepository {
	t.Helper()
	repo := repository.NewReferenceRepository(newTestDB(t))
	if len(refs) > 0 {
		_, err := repo.InsertIgnore(context.Background(), refs)
		require.NoError(t, err)
	}
	return repo
}
