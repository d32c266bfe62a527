package config

import (
	"sort"
	"strings"
	"time"
)

// Known upstream sources.
const (
	SourceSINAPI = "sinapi"
	SourceSICRO  = "sicro"
)

// SourceSettings is the per-source specialization of the engine: cache
// prefix, TTLs and fallback tuning. Built once at startup and passed by value.
type SourceSettings struct {
	Name          string
	CachePrefix   string
	RemoteEnabled bool

	SearchTTL   time.Duration
	StatusTTL   time.Duration
	FallbackTTL time.Duration

	CircuitCooldown     time.Duration
	RateLimitMaxRetries int
	SearchBudget        time.Duration
	StoreTimeout        time.Duration

	WarmupTerms   []string
	WarmupRegions []string
	WarmupDelay   time.Duration
}

// Sources is an immutable lookup of SourceSettings by name.
type Sources struct {
	byName map[string]SourceSettings
}

// NewSources builds a Sources set from explicit settings (tests, CLI).
func NewSources(settings ...SourceSettings) Sources {
	m := make(map[string]SourceSettings, len(settings))
	for _, s := range settings {
		m[s.Name] = s
	}
	return Sources{byName: m}
}

// Get returns the settings for a source name (case-insensitive).
func (s Sources) Get(name string) (SourceSettings, bool) {
	st, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	return st, ok
}

// Names returns the configured source names in stable order.
func (s Sources) Names() []string {
	names := make([]string, 0, len(s.byName))
	for n := range s.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Sources derives the per-source settings from the flat env configuration.
// SINAPI is backed by the remote API when a key is configured; SICRO is
// spreadsheet-only.
func (c *Config) Sources() Sources {
	common := SourceSettings{
		StatusTTL:           minutes(c.CacheTTLStatusMinutes, 5),
		FallbackTTL:         minutes(c.CacheTTLFallbackMinutes, 10),
		CircuitCooldown:     seconds(c.CircuitCooldownSeconds, 300),
		RateLimitMaxRetries: c.RateLimitMaxRetries,
		SearchBudget:        seconds(c.SearchBudgetSeconds, 30),
		StoreTimeout:        seconds(c.StoreQueryTimeoutSeconds, 2),
		WarmupTerms:         splitList(c.WarmupTerms),
		WarmupRegions:       splitList(strings.ToUpper(c.WarmupRegions)),
		WarmupDelay:         time.Duration(c.WarmupDelayMS) * time.Millisecond,
	}

	sinapi := common
	sinapi.Name = SourceSINAPI
	sinapi.CachePrefix = "gov:sinapi"
	sinapi.RemoteEnabled = c.GovAPIKey != "" && c.GovAPIBaseURL != ""
	sinapi.SearchTTL = hours(c.CacheTTLSinapiHours, 24)

	sicro := common
	sicro.Name = SourceSICRO
	sicro.CachePrefix = "gov:sicro"
	sicro.SearchTTL = hours(c.CacheTTLSicroHours, 24)

	return NewSources(sinapi, sicro)
}

func hours(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Hour
}

func minutes(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Minute
}

func seconds(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Second
}
