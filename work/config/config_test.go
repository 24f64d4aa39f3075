package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFrom(t *testing.T, body string) *Config {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("ANISTREAM_CONFIG", path)

	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	return LoadConfig()
}

func TestLoadConfigFromFile(t *testing.T) {
	cfg := loadFrom(t, `{
		"baseURL": "https://proxy.example",
		"listenPort": 9090,
		"primaryApiUrl": "https://api.example",
		"serverLadder": ["alpha", "beta"],
		"sourceCacheTTL": "45s",
		"sourcesRetries": 3,
		"logLevel": "DEBUG",
		"obfuscateUrls": true
	}`)

	assert.Equal(t, "https://proxy.example", cfg.BaseURL)
	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, "https://api.example", cfg.PrimaryAPIURL)
	assert.Equal(t, []string{"alpha", "beta"}, cfg.ServerLadder)
	assert.Equal(t, 45*time.Second, cfg.SourceCacheTTL)
	assert.Equal(t, 3, cfg.SourcesRetries)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.True(t, cfg.ObfuscateUrls)
	assert.True(t, cfg.CacheEnabled, "caching defaults on")
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := loadFrom(t, `{}`)

	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, "http://localhost:8080", cfg.BaseURL)
	assert.Equal(t, []string{"hd-2", "hd-3", "hd-1"}, cfg.ServerLadder)
	assert.Len(t, cfg.ReferrerCandidates, 4)
	assert.Equal(t, 10*time.Minute, cfg.SearchCacheTTL)
	assert.Equal(t, 90*time.Second, cfg.SourceCacheTTL)
	assert.Equal(t, 2, cfg.SourcesRetries)
	assert.Equal(t, 1, cfg.StepRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryBackoff)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadConfigMissingFileFallsBack(t *testing.T) {
	t.Setenv("ANISTREAM_CONFIG", filepath.Join(t.TempDir(), "nope.json"))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, 8080, cfg.ListenPort)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ANISTREAM_PRIMARY_API", "https://override.example")
	cfg := loadFrom(t, `{"primaryApiUrl": "https://file.example"}`)
	assert.Equal(t, "https://override.example", cfg.PrimaryAPIURL)
}

func TestLoadConfigIsCached(t *testing.T) {
	cfg := loadFrom(t, `{"listenPort": 7070}`)
	again := LoadConfig()
	assert.Same(t, cfg, again)
}

func TestLoadConfigBadDuration(t *testing.T) {
	cfg := loadFrom(t, `{"stepTimeout": "not-a-duration"}`)
	assert.Equal(t, 8*time.Second, cfg.StepTimeout, "invalid durations fall back to defaults")
}
