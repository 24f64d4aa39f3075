// Package metadata is the thin consuming client for the external metadata
// provider. The provider itself is out of scope; this client only feeds the
// title matcher's alternate-title and expected-episode-count inputs.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"anistream-proxy/work/cache"
	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/metrics"
	"anistream-proxy/work/types"

	"go.uber.org/ratelimit"
)

// Provider looks up title metadata, cached and rate limited. A nil lookup
// result is normal operation: resolution proceeds without matcher hints.
type Provider struct {
	cfg     *config.Config
	http    *client.HeaderSettingClient
	memo    *cache.Memo
	limiter ratelimit.Limiter
}

// NewProvider wires a metadata client against the shared HTTP client and memo
// cache.
func NewProvider(cfg *config.Config, httpClient *client.HeaderSettingClient, memo *cache.Memo) *Provider {
	return &Provider{
		cfg:     cfg,
		http:    httpClient,
		memo:    memo,
		limiter: ratelimit.New(cfg.BackendRateLimit),
	}
}

// Lookup fetches {title, alternateTitle, episodeCount} for a display title.
// Returns (nil, nil) when no provider is configured or the provider has
// nothing; lookups are best-effort and callers treat any error as "no hints".
func (p *Provider) Lookup(ctx context.Context, title string) (*types.TitleMeta, error) {
	if p.cfg.MetadataAPIURL == "" || title == "" {
		return nil, nil
	}

	key := cache.Key("meta", title)
	meta, shared, err := cache.Through(p.memo, key, p.cfg.MetadataCacheTTL, func() (*types.TitleMeta, error) {
		return p.fetch(ctx, title)
	})
	if shared {
		metrics.CacheOps.WithLabelValues("metadata", "hit").Inc()
	} else {
		metrics.CacheOps.WithLabelValues("metadata", "miss").Inc()
	}
	return meta, err
}

func (p *Provider) fetch(ctx context.Context, title string) (*types.TitleMeta, error) {
	p.limiter.Take()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.StepTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/meta?title=%s", p.cfg.MetadataAPIURL, url.QueryEscape(title))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("metadata lookup: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metadata lookup: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var meta types.TitleMeta
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, fmt.Errorf("metadata lookup: %w", types.ErrUnrecognizedShape)
	}
	if meta.Title == "" {
		return nil, nil
	}

	logger.Debug("{metadata - fetch} %q -> alt=%q episodes=%d", title, meta.AlternateTitle, meta.EpisodeCount)
	return &meta, nil
}
