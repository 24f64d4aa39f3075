package metadata_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"anistream-proxy/work/cache"
	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/metadata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(metaURL string) *config.Config {
	return &config.Config{
		MetadataAPIURL:     metaURL,
		UserAgent:          "test-agent",
		MetadataCacheTTL:   time.Minute,
		StepTimeout:        2 * time.Second,
		ProxyHeaderTimeout: 2 * time.Second,
		BackendRateLimit:   1000,
		LogLevel:           "ERROR",
	}
}

func TestLookup(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, "/meta", r.URL.Path)
		assert.Equal(t, "Attack on Titan", r.URL.Query().Get("title"))
		w.Write([]byte(`{"title":"Attack on Titan","alternateTitle":"Shingeki no Kyojin","episodeCount":25}`))
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	p := metadata.NewProvider(cfg, client.NewHeaderSettingClient(cfg), cache.NewMemo(true))

	meta, err := p.Lookup(context.Background(), "Attack on Titan")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.Equal(t, "Shingeki no Kyojin", meta.AlternateTitle)
	assert.Equal(t, 25, meta.EpisodeCount)

	// second lookup is served from cache
	_, err = p.Lookup(context.Background(), "Attack on Titan")
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestLookupNotFound(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	cfg := testConfig(ts.URL)
	p := metadata.NewProvider(cfg, client.NewHeaderSettingClient(cfg), cache.NewMemo(true))

	meta, err := p.Lookup(context.Background(), "Unknown Show")
	require.NoError(t, err)
	assert.Nil(t, meta, "an unknown title is not an error, just no hints")
}

func TestLookupUnconfigured(t *testing.T) {
	cfg := testConfig("")
	p := metadata.NewProvider(cfg, client.NewHeaderSettingClient(cfg), cache.NewMemo(true))

	meta, err := p.Lookup(context.Background(), "Anything")
	require.NoError(t, err)
	assert.Nil(t, meta)
}
