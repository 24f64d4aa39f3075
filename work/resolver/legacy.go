package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/types"

	"go.uber.org/ratelimit"
)

// legacyBackend is the independently hosted last-resort backend consulted only
// after the primary's entire server ladder came up empty. It has one job and
// one endpoint: episode id in, bundle out.
type legacyBackend struct {
	cfg     *config.Config
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

func newLegacyBackend(cfg *config.Config, httpClient *client.HeaderSettingClient) *legacyBackend {
	return &legacyBackend{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(cfg.BackendRateLimit),
	}
}

// Sources asks the legacy backend for a bundle. The legacy service predates
// the category split, so category is passed along but may be ignored upstream.
func (b *legacyBackend) Sources(ctx context.Context, episodeID string, category types.Category) (*types.StreamingBundle, error) {
	if b.cfg.LegacyAPIURL == "" {
		return nil, fmt.Errorf("legacy backend not configured: %w", types.ErrNoSources)
	}

	b.limiter.Take()

	reqURL := fmt.Sprintf("%s/watch?episodeId=%s&category=%s",
		b.cfg.LegacyAPIURL, url.QueryEscape(episodeID), url.QueryEscape(string(category)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("legacy sources %s: %w", episodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("legacy sources %s: backend status %d", episodeID, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	payload, err := unwrapEnvelope(body)
	if err != nil {
		return nil, fmt.Errorf("legacy sources %s: %w", episodeID, err)
	}

	var shape sourcesShape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, fmt.Errorf("legacy sources %s: %w", episodeID, types.ErrUnrecognizedShape)
	}

	bundle := shape.bundle("legacy")
	logger.Debug("{resolver/legacy - Sources} %s category=%s -> %d sources", episodeID, category, len(bundle.Sources))
	return bundle, nil
}
