package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("GOV_API_KEY", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Port)
	assert.Equal(t, "0 3 * * *", cfg.SyncCron)
	assert.Equal(t, 10, cfg.WebhookRatePerMinute)
	assert.False(t, cfg.WebhookEnabled)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("WEBHOOK_ENABLED", "true")
	t.Setenv("WARMUP_REGIONS", "sp, df")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9100, cfg.Port)
	assert.True(t, cfg.WebhookEnabled)

	st, ok := cfg.Sources().Get("SINAPI")
	require.True(t, ok)
	assert.Equal(t, []string{"SP", "DF"}, st.WarmupRegions)
}

func TestSources_PerSourceSettings(t *testing.T) {
	cfg := &Config{
		GovAPIBaseURL:       "http://upstream",
		GovAPIKey:           "k",
		CacheTTLSinapiHours: 12,
		CacheTTLSicroHours:  48,
	}
	srcs := cfg.Sources()

	assert.Equal(t, []string{SourceSICRO, SourceSINAPI}, srcs.Names())

	sinapi, _ := srcs.Get(SourceSINAPI)
	assert.Equal(t, "gov:sinapi", sinapi.CachePrefix)
	assert.True(t, sinapi.RemoteEnabled)
	assert.Equal(t, 12*time.Hour, sinapi.SearchTTL)
	assert.Equal(t, 5*time.Minute, sinapi.StatusTTL)

	sicro, _ := srcs.Get(SourceSICRO)
	assert.Equal(t, "gov:sicro", sicro.CachePrefix)
	assert.False(t, sicro.RemoteEnabled)
	assert.Equal(t, 48*time.Hour, sicro.SearchTTL)

	_, ok := srcs.Get("orse")
	assert.False(t, ok)
}

func TestWarnings(t *testing.T) {
	cfg := &Config{WebhookEnabled: true, AlertEmail: "ops@example.com"}
	w := cfg.Warnings()
	assert.Len(t, w, 4)

	cfg = &Config{GovAPIKey: "k", AdminJWTSecret: "s"}
	assert.Empty(t, cfg.Warnings())
}
