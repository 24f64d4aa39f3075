package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/types"

	"go.uber.org/ratelimit"
)

// primaryBackend is the single-attempt client for the primary scraping
// backend. Retry, caching and deduplication live in Resolver; this layer only
// speaks the wire protocol and normalizes its several response envelopes.
type primaryBackend struct {
	cfg     *config.Config
	http    *client.HeaderSettingClient
	limiter ratelimit.Limiter
}

func newPrimaryBackend(cfg *config.Config, httpClient *client.HeaderSettingClient) *primaryBackend {
	return &primaryBackend{
		cfg:     cfg,
		http:    httpClient,
		limiter: ratelimit.New(cfg.BackendRateLimit),
	}
}

// getJSON performs one rate-limited GET and returns the payload with any
// {"data": ...} wrapper removed. Newer backend deploys wrap every payload;
// older ones return it bare, so both shapes are accepted.
func (b *primaryBackend) getJSON(ctx context.Context, reqURL string) (json.RawMessage, error) {
	b.limiter.Take()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	return unwrapEnvelope(body)
}

func unwrapEnvelope(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, types.ErrUnrecognizedShape
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err == nil &&
		len(wrapped.Data) > 0 && !bytes.Equal(wrapped.Data, []byte("null")) {
		return wrapped.Data, nil
	}
	return trimmed, nil
}

// Search queries the catalog. The hit list arrives under either "animes" or
// "results" depending on backend version; anything else is an unrecognized
// shape, not something to duck-type around.
func (b *primaryBackend) Search(ctx context.Context, query string, page int) ([]types.CatalogHit, error) {
	reqURL := fmt.Sprintf("%s/search?q=%s&page=%d", b.cfg.PrimaryAPIURL, url.QueryEscape(query), page)
	payload, err := b.getJSON(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	var shape struct {
		Animes  []types.CatalogHit `json:"animes"`
		Results []types.CatalogHit `json:"results"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, fmt.Errorf("search %q: %w", query, types.ErrUnrecognizedShape)
	}
	hits := shape.Animes
	if len(hits) == 0 {
		hits = shape.Results
	}

	logger.Debug("{resolver/primary - Search} %q page %d -> %d hits", query, page, len(hits))
	return hits, nil
}

// Episodes returns the ordered episode list for a catalog id.
func (b *primaryBackend) Episodes(ctx context.Context, catalogID string) ([]types.EpisodeRef, error) {
	reqURL := fmt.Sprintf("%s/episodes/%s", b.cfg.PrimaryAPIURL, url.PathEscape(catalogID))
	payload, err := b.getJSON(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("episodes %s: %w", catalogID, err)
	}

	var shape struct {
		Episodes []types.EpisodeRef `json:"episodes"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, fmt.Errorf("episodes %s: %w", catalogID, types.ErrUnrecognizedShape)
	}

	logger.Debug("{resolver/primary - Episodes} %s -> %d episodes", catalogID, len(shape.Episodes))
	return shape.Episodes, nil
}

// serverEntry absorbs the backend's two server list encodings: a bare name
// string or an object carrying serverName.
type serverEntry struct {
	Name string
}

func (s *serverEntry) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Name = name
		return nil
	}
	var obj struct {
		ServerName string `json:"serverName"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	s.Name = obj.ServerName
	return nil
}

func serverNames(entries []serverEntry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			names = append(names, e.Name)
		}
	}
	return names
}

// Servers lists the delivery servers the backend reports per category.
func (b *primaryBackend) Servers(ctx context.Context, episodeID string) (*types.ServerList, error) {
	reqURL := fmt.Sprintf("%s/servers?episodeId=%s", b.cfg.PrimaryAPIURL, url.QueryEscape(episodeID))
	payload, err := b.getJSON(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("servers %s: %w", episodeID, err)
	}

	var shape struct {
		Sub []serverEntry `json:"sub"`
		Dub []serverEntry `json:"dub"`
		Raw []serverEntry `json:"raw"`
	}
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, fmt.Errorf("servers %s: %w", episodeID, types.ErrUnrecognizedShape)
	}

	return &types.ServerList{
		Sub: serverNames(shape.Sub),
		Dub: serverNames(shape.Dub),
		Raw: serverNames(shape.Raw),
	}, nil
}

// sourcesShape covers both bundle encodings the backend has shipped: subtitle
// tracks under "subtitles" as {lang,url}, or under "tracks" as
// {file,label,kind} with kind "captions".
type sourcesShape struct {
	Headers map[string]string     `json:"headers"`
	Sources []types.StreamSource  `json:"sources"`
	Subs    []types.SubtitleTrack `json:"subtitles"`
	Tracks  []struct {
		File  string `json:"file"`
		Label string `json:"label"`
		Kind  string `json:"kind"`
	} `json:"tracks"`
	Intro *types.SkipRange `json:"intro"`
	Outro *types.SkipRange `json:"outro"`
}

func (s *sourcesShape) bundle(server string) *types.StreamingBundle {
	subs := s.Subs
	if len(subs) == 0 {
		for _, t := range s.Tracks {
			if t.Kind != "" && !strings.EqualFold(t.Kind, "captions") && !strings.EqualFold(t.Kind, "subtitles") {
				continue
			}
			subs = append(subs, types.SubtitleTrack{Lang: t.Label, URL: t.File})
		}
	}
	headers := s.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	return &types.StreamingBundle{
		Headers:        headers,
		Sources:        s.Sources,
		SubtitleTracks: subs,
		Intro:          s.Intro,
		Outro:          s.Outro,
		Server:         server,
	}
}

// Sources fetches a streaming bundle for one episode/server/category
// combination. An OK response with an empty sources list is returned as a
// bundle that fails Usable; the ladder in Resolver treats it as a miss.
func (b *primaryBackend) Sources(ctx context.Context, episodeID, server string, category types.Category) (*types.StreamingBundle, error) {
	reqURL := fmt.Sprintf("%s/sources?episodeId=%s&server=%s&category=%s",
		b.cfg.PrimaryAPIURL, url.QueryEscape(episodeID), url.QueryEscape(server), url.QueryEscape(string(category)))
	payload, err := b.getJSON(ctx, reqURL)
	if err != nil {
		return nil, fmt.Errorf("sources %s/%s/%s: %w", episodeID, server, category, err)
	}

	var shape sourcesShape
	if err := json.Unmarshal(payload, &shape); err != nil {
		return nil, fmt.Errorf("sources %s/%s/%s: %w", episodeID, server, category, types.ErrUnrecognizedShape)
	}

	bundle := shape.bundle(server)
	logger.Debug("{resolver/primary - Sources} %s server=%s category=%s -> %d sources",
		episodeID, server, category, len(bundle.Sources))
	return bundle, nil
}
