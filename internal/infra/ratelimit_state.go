package infra

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Upstream rate-limit headers.
const (
	HeaderRateLimit            = "X-RateLimit-Limit"
	HeaderRateRemaining        = "X-RateLimit-Remaining"
	HeaderRateReset            = "X-RateLimit-Reset"
	HeaderRateMonthlyLimit     = "X-RateLimit-Monthly-Limit"
	HeaderRateMonthlyRemaining = "X-RateLimit-Monthly-Remaining"
	HeaderRetryAfter           = "Retry-After"
)

// RateLimitState is the last quota reported by upstream. Values of -1 mean
// "never reported". Races between concurrent updates are tolerated: the worst
// case is one extra upstream call or one unnecessary fallback.
type RateLimitState struct {
	mu               sync.RWMutex
	limit            int
	remaining        int
	resetAt          time.Time
	monthlyLimit     int
	monthlyRemaining int
}

// NewRateLimitState returns a state with nothing reported yet.
func NewRateLimitState() *RateLimitState {
	return &RateLimitState{limit: -1, remaining: -1, monthlyLimit: -1, monthlyRemaining: -1}
}

// Update refreshes the state from response headers. Missing headers keep
// their previous value.
func (s *RateLimitState) Update(h http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := headerInt(h, HeaderRateLimit); ok {
		s.limit = v
	}
	if v, ok := headerInt(h, HeaderRateRemaining); ok {
		s.remaining = v
	}
	if v, ok := headerInt(h, HeaderRateReset); ok {
		s.resetAt = time.Unix(int64(v), 0).UTC()
	}
	if v, ok := headerInt(h, HeaderRateMonthlyLimit); ok {
		s.monthlyLimit = v
	}
	if v, ok := headerInt(h, HeaderRateMonthlyRemaining); ok {
		s.monthlyRemaining = v
	}
}

// Exhausted reports whether a new request would certainly be rejected:
// the monthly quota is spent, or the window quota is spent and the window
// has not reset yet.
func (s *RateLimitState) Exhausted(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.monthlyLimit > 0 && s.monthlyRemaining == 0 {
		return true
	}
	if s.remaining == 0 && now.Before(s.resetAt) {
		return true
	}
	return false
}

// RateLimitSnapshot is a read-only copy for status endpoints.
type RateLimitSnapshot struct {
	Limit            int        `json:"limit"`
	Remaining        int        `json:"remaining"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	MonthlyLimit     int        `json:"monthly_limit"`
	MonthlyRemaining int        `json:"monthly_remaining"`
}

func (s *RateLimitState) Snapshot() RateLimitSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := RateLimitSnapshot{
		Limit:            s.limit,
		Remaining:        s.remaining,
		MonthlyLimit:     s.monthlyLimit,
		MonthlyRemaining: s.monthlyRemaining,
	}
	if !s.resetAt.IsZero() {
		t := s.resetAt
		snap.ResetAt = &t
	}
	return snap
}

func headerInt(h http.Header, key string) (int, bool) {
	raw := h.Get(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return v, true
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(raw string, now time.Time) time.Duration {
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(raw); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
