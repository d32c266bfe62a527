// Package cache is the Redis-backed cache-aside layer in front of every
// pricing tier. It never surfaces errors to callers: an unreachable Redis is
// a miss on read and a no-op on write.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"refprice/internal/config"
	"refprice/internal/dto"
)

const scanBatch = 200

// Cache is safe for concurrent use. Writes to the same key are
// last-writer-wins.
type Cache struct {
	rdb     redis.UniversalClient
	sources config.Sources

	mu    sync.Mutex
	stats map[string]*counters
}

// New wraps rdb. A nil client yields a cache that always misses.
func New(rdb redis.UniversalClient, sources config.Sources) *Cache {
	return &Cache{rdb: rdb, sources: sources, stats: make(map[string]*counters)}
}

// Key renders the physical Redis key for a logical key.
func (c *Cache) Key(source, logical string) string {
	sum := sha256.Sum256([]byte(normalize(logical)))
	return c.prefix(source) + ":" + hex.EncodeToString(sum[:])
}

// Get decodes the cached value into dest. Any failure, including a decode
// error, is reported as a miss.
func (c *Cache) Get(ctx context.Context, source, key string, dest any) bool {
	st := c.counters(source)
	if c.rdb == nil {
		st.misses.Add(1)
		return false
	}
	raw, err := c.rdb.Get(ctx, c.Key(source, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			st.errors.Add(1)
			log.Warn().Err(err).Str("source", source).Msg("cache: get failed")
		}
		st.misses.Add(1)
		return false
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		st.errors.Add(1)
		st.misses.Add(1)
		log.Warn().Err(err).Str("source", source).Msg("cache: corrupt entry")
		return false
	}
	st.hits.Add(1)
	return true
}

// Set stores value as JSON with the given TTL. Errors are logged and dropped.
func (c *Cache) Set(ctx context.Context, source, key string, value any, ttl time.Duration) {
	if c.rdb == nil || ttl <= 0 {
		return
	}
	st := c.counters(source)
	b, err := json.Marshal(value)
	if err != nil {
		st.errors.Add(1)
		log.Warn().Err(err).Str("source", source).Msg("cache: marshal failed")
		return
	}
	if err := c.rdb.Set(ctx, c.Key(source, key), b, ttl).Err(); err != nil {
		st.errors.Add(1)
		log.Warn().Err(err).Str("source", source).Msg("cache: set failed")
		return
	}
	st.sets.Add(1)
}

// Delete removes one logical key.
func (c *Cache) Delete(ctx context.Context, source, key string) {
	if c.rdb == nil {
		return
	}
	st := c.counters(source)
	if err := c.rdb.Del(ctx, c.Key(source, key)).Err(); err != nil {
		st.errors.Add(1)
		log.Warn().Err(err).Str("source", source).Msg("cache: delete failed")
		return
	}
	st.deletes.Add(1)
}

// InvalidateSource removes every key under the source prefix using SCAN, and
// returns how many keys were deleted.
func (c *Cache) InvalidateSource(ctx context.Context, source string) (int, error) {
	if c.rdb == nil {
		return 0, nil
	}
	st := c.counters(source)
	pattern := c.prefix(source) + ":*"

	deleted := 0
	var cursor uint64
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			st.errors.Add(1)
			return deleted, fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				st.errors.Add(1)
				return deleted, fmt.Errorf("cache: delete batch: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	st.deletes.Add(int64(deleted))
	log.Info().Str("source", source).Int("keys", deleted).Msg("cache: source invalidated")
	return deleted, nil
}

// Ping reports whether Redis answers; used by the health endpoint.
func (c *Cache) Ping(ctx context.Context) error {
	if c.rdb == nil {
		return errors.New("cache: redis not configured")
	}
	return c.rdb.Ping(ctx).Err()
}

func (c *Cache) prefix(source string) string {
	if st, ok := c.sources.Get(source); ok && st.CachePrefix != "" {
		return st.CachePrefix
	}
	return "gov:" + strings.ToLower(strings.TrimSpace(source))
}

// ── Keys ─────────────────────────────────────────────────────────────────────

// normalize trims, lowercases and collapses internal whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// LogicalKey joins parts into a logical key. Parts of the form "field=value"
// are sorted so their order never changes the key; empty values are dropped.
func LogicalKey(kind string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if i := strings.IndexByte(p, '='); i >= 0 && strings.TrimSpace(p[i+1:]) == "" {
			continue
		}
		if strings.TrimSpace(p) == "" {
			continue
		}
		kept = append(kept, normalize(p))
	}
	sort.Strings(kept)
	return kind + "|" + strings.Join(kept, "|")
}

// FiltersKey is the logical key of one search page.
func FiltersKey(f dto.SearchFilters) string {
	f = f.Normalize()
	parts := []string{
		"q=" + f.Query,
		"region=" + f.Region,
		"month=" + f.ReferenceMonth,
		"type=" + f.ItemType,
		"category=" + f.Category,
		"transport=" + f.TransportMode,
		"regime=" + f.TaxRegime,
		fmt.Sprintf("page=%d", f.Page),
		fmt.Sprintf("size=%d", f.PageSize),
	}
	if f.MinPrice != nil {
		parts = append(parts, "min="+f.MinPrice.String())
	}
	if f.MaxPrice != nil {
		parts = append(parts, "max="+f.MaxPrice.String())
	}
	return LogicalKey("search", parts...)
}

// ItemKey is the logical key of a single reference lookup.
func ItemKey(id string) string {
	return LogicalKey("item", "id="+id)
}

// ── Stats ────────────────────────────────────────────────────────────────────

type counters struct {
	hits, misses, sets, deletes, errors atomic.Int64
}

// Stats is a point-in-time copy of one source's counters.
type Stats struct {
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Sets    int64 `json:"sets"`
	Deletes int64 `json:"deletes"`
	Errors  int64 `json:"errors"`
}

func (c *Cache) counters(source string) *counters {
	source = strings.ToLower(strings.TrimSpace(source))
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.stats[source]
	if !ok {
		st = &counters{}
		c.stats[source] = st
	}
	return st
}

// Stats returns the counters for source.
func (c *Cache) Stats(source string) Stats {
	st := c.counters(source)
	return Stats{
		Hits:    st.hits.Load(),
		Misses:  st.misses.Load(),
		Sets:    st.sets.Load(),
		Deletes: st.deletes.Load(),
		Errors:  st.errors.Load(),
	}
}
