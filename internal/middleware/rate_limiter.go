package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"refprice/internal/apierror"
)

// ── Per-IP fixed-window limiter ───────────────────────────────────────────────

// rateEntry tracks request counts per IP within one window.
type rateEntry struct {
	count     int
	windowEnd time.Time
}

// IPRateLimiter counts requests per client IP in fixed windows.
// Expired entries are purged lazily, at most once per purgeInterval.
type IPRateLimiter struct {
	limit  int
	window time.Duration
	name   string

	mu        sync.Mutex
	entries   map[string]*rateEntry
	nextPurge time.Time
	now       func() time.Time
}

const purgeInterval = 5 * time.Minute

// NewIPRateLimiter allows limit requests per window for each IP.
func NewIPRateLimiter(name string, limit int, window time.Duration) *IPRateLimiter {
	if limit < 1 {
		limit = 1
	}
	return &IPRateLimiter{
		limit:   limit,
		window:  window,
		name:    name,
		entries: make(map[string]*rateEntry),
		now:     time.Now,
	}
}

// Allow records one request from ip and reports whether it is within the
// limit, plus the end of the current window.
func (l *IPRateLimiter) Allow(ip string) (bool, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.nextPurge) {
		l.purgeLocked(now)
		l.nextPurge = now.Add(purgeInterval)
	}

	entry, ok := l.entries[ip]
	if !ok {
		entry = &rateEntry{}
		l.entries[ip] = entry
	}
	if now.After(entry.windowEnd) {
		entry.count = 0
		entry.windowEnd = now.Add(l.window)
	}
	entry.count++
	return entry.count <= l.limit, entry.windowEnd
}

func (l *IPRateLimiter) purgeLocked(now time.Time) {
	purged := 0
	for ip, e := range l.entries {
		if now.After(e.windowEnd) {
			delete(l.entries, ip)
			purged++
		}
	}
	if purged > 0 {
		log.Debug().
			Str("limiter", l.name).
			Int("entries_purged", purged).
			Int("entries_remaining", len(l.entries)).
			Msg("rate limiter map purged")
	}
}

// Handler returns the gin middleware.
func (l *IPRateLimiter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, windowEnd := l.Allow(c.ClientIP())
		if !ok {
			wait := int(time.Until(windowEnd).Seconds()) + 1
			c.Header("Retry-After", strconv.Itoa(wait))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apierror.New("Muitas requisições. Tente novamente em instantes."))
			return
		}
		c.Next()
	}
}

// RateLimiter returns a general-purpose per-IP limiter middleware.
func RateLimiter(limit int, window time.Duration) gin.HandlerFunc {
	return NewIPRateLimiter("api", limit, window).Handler()
}
