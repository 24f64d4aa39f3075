// Package resolver orchestrates the search -> match -> episodes -> sources
// pipeline against the scraping backends, with per-step caching, request
// coalescing, retries, and the server/category/legacy fallback ladder.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"anistream-proxy/work/cache"
	"anistream-proxy/work/client"
	"anistream-proxy/work/config"
	"anistream-proxy/work/logger"
	"anistream-proxy/work/match"
	"anistream-proxy/work/metadata"
	"anistream-proxy/work/metrics"
	"anistream-proxy/work/types"

	"github.com/panjf2000/ants/v2"
)

// Resolver carries the caches, the backend clients and the prefetch pool. One
// instance is constructed at process start and shared by all request handlers;
// the caches are the only cross-request state.
type Resolver struct {
	cfg     *config.Config
	primary *primaryBackend
	legacy  *legacyBackend
	meta    *metadata.Provider
	memo    *cache.Memo
	bundles *cache.BundleCache
	pool    *ants.Pool
}

// New wires a Resolver. pool may be nil to disable next-episode prefetch.
func New(cfg *config.Config, httpClient *client.HeaderSettingClient, memo *cache.Memo, bundles *cache.BundleCache, meta *metadata.Provider, pool *ants.Pool) *Resolver {
	return &Resolver{
		cfg:     cfg,
		primary: newPrimaryBackend(cfg, httpClient),
		legacy:  newLegacyBackend(cfg, httpClient),
		meta:    meta,
		memo:    memo,
		bundles: bundles,
		pool:    pool,
	}
}

// withRetry runs fn up to retries+1 times, each attempt under its own timeout,
// with linear backoff between attempts. Sequential on purpose: parallel
// retries would multiply load on an already struggling backend.
func (r *Resolver) withRetry(ctx context.Context, stage string, retries int, timeout time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			metrics.UpstreamRetries.WithLabelValues(stage).Inc()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.RetryBackoff * time.Duration(attempt)):
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("{resolver - withRetry} %s attempt %d/%d failed: %v", stage, attempt+1, retries+1, err)
	}
	return lastErr
}

func (r *Resolver) markCache(name string, shared bool) {
	if shared {
		metrics.CacheOps.WithLabelValues(name, "hit").Inc()
		metrics.CoalescedCalls.Inc()
	} else {
		metrics.CacheOps.WithLabelValues(name, "miss").Inc()
	}
}

// Search returns catalog hits for a query, cached per query+page.
func (r *Resolver) Search(ctx context.Context, query string, page int) ([]types.CatalogHit, error) {
	if page < 1 {
		page = 1
	}
	key := cache.Key("search", query, strconv.Itoa(page))
	hits, shared, err := cache.Through(r.memo, key, r.cfg.SearchCacheTTL, func() ([]types.CatalogHit, error) {
		var out []types.CatalogHit
		err := r.withRetry(ctx, "search", r.cfg.StepRetries, r.cfg.StepTimeout, func(ctx context.Context) error {
			var err error
			out, err = r.primary.Search(ctx, query, page)
			return err
		})
		return out, err
	})
	r.markCache("search", shared)
	return hits, err
}

// Episodes returns the episode list for a catalog id, cached per id.
func (r *Resolver) Episodes(ctx context.Context, catalogID string) ([]types.EpisodeRef, error) {
	key := cache.Key("episodes", catalogID)
	eps, shared, err := cache.Through(r.memo, key, r.cfg.SearchCacheTTL, func() ([]types.EpisodeRef, error) {
		var out []types.EpisodeRef
		err := r.withRetry(ctx, "episodes", r.cfg.StepRetries, r.cfg.StepTimeout, func(ctx context.Context) error {
			var err error
			out, err = r.primary.Episodes(ctx, catalogID)
			return err
		})
		return out, err
	})
	r.markCache("episodes", shared)
	return eps, err
}

// Servers lists the delivery servers available for an episode, cached per id.
func (r *Resolver) Servers(ctx context.Context, episodeID string) (*types.ServerList, error) {
	key := cache.Key("servers", episodeID)
	servers, shared, err := cache.Through(r.memo, key, r.cfg.SearchCacheTTL, func() (*types.ServerList, error) {
		var out *types.ServerList
		err := r.withRetry(ctx, "servers", r.cfg.StepRetries, r.cfg.StepTimeout, func(ctx context.Context) error {
			var err error
			out, err = r.primary.Servers(ctx, episodeID)
			return err
		})
		return out, err
	})
	r.markCache("servers", shared)
	return servers, err
}

// Sources resolves a streaming bundle for an episode. serverHint, when set,
// is tried before the configured ladder. Bundles are held in the short-TTL
// bundle cache; concurrent callers for the same key coalesce onto one ladder
// walk.
func (r *Resolver) Sources(ctx context.Context, episodeID, serverHint string, category types.Category) (*types.StreamingBundle, error) {
	if category == "" {
		category = types.CategorySub
	}
	key := cache.Key("sources", episodeID, serverHint, string(category))

	if bundle, ok := r.bundles.Get(key); ok {
		metrics.CacheOps.WithLabelValues("bundles", "hit").Inc()
		return bundle, nil
	}
	metrics.CacheOps.WithLabelValues("bundles", "miss").Inc()

	// ttl 0 keeps the memo from storing the bundle; it is only the
	// coalescing point here, storage belongs to the bundle cache
	bundle, shared, err := cache.Through(r.memo, key, 0, func() (*types.StreamingBundle, error) {
		if bundle, ok := r.bundles.Get(key); ok {
			return bundle, nil
		}
		bundle, err := r.fetchSources(ctx, episodeID, serverHint, category)
		if err != nil {
			return nil, err
		}
		r.bundles.Set(key, bundle)
		return bundle, nil
	})
	if shared {
		metrics.CoalescedCalls.Inc()
	}
	return bundle, err
}

// fetchSources walks the fallback ladder: server hint, configured servers,
// category substitution, legacy backend, in that order. The first usable
// bundle wins.
func (r *Resolver) fetchSources(ctx context.Context, episodeID, serverHint string, category types.Category) (*types.StreamingBundle, error) {
	ladder := r.ladder(serverHint)

	for _, server := range ladder {
		var bundle *types.StreamingBundle
		err := r.withRetry(ctx, "sources", r.cfg.SourcesRetries, r.cfg.SourcesTimeout, func(ctx context.Context) error {
			var err error
			bundle, err = r.primary.Sources(ctx, episodeID, server, category)
			return err
		})
		if err != nil {
			logger.Warn("{resolver - fetchSources} server %s failed for %s: %v", server, episodeID, err)
			continue
		}
		if bundle.Usable() {
			return bundle, nil
		}
		logger.Debug("{resolver - fetchSources} server %s returned empty sources for %s", server, episodeID)
	}

	// dub (or raw) often simply does not exist for an episode; fall back to
	// the default category and tell the caller about the substitution
	if category != types.CategorySub {
		logger.Info("{resolver - fetchSources} no %s sources for %s, retrying as %s", category, episodeID, types.CategorySub)
		metrics.ResolveRequests.WithLabelValues("sources", "substituted").Inc()
		bundle, err := r.fetchSources(ctx, episodeID, serverHint, types.CategorySub)
		if err != nil {
			return nil, err
		}
		bundle.SubstitutedCategory = types.CategorySub
		return bundle, nil
	}

	metrics.ResolveRequests.WithLabelValues("sources", "fallback").Inc()
	logger.Info("{resolver - fetchSources} server ladder exhausted for %s, trying legacy backend", episodeID)

	var bundle *types.StreamingBundle
	err := r.withRetry(ctx, "legacy", r.cfg.StepRetries, r.cfg.SourcesTimeout, func(ctx context.Context) error {
		var err error
		bundle, err = r.legacy.Sources(ctx, episodeID, category)
		return err
	})
	if err == nil && bundle.Usable() {
		return bundle, nil
	}
	if err != nil {
		logger.Warn("{resolver - fetchSources} legacy backend failed for %s: %v", episodeID, err)
	}

	return nil, fmt.Errorf("episode %s: %w", episodeID, types.ErrNoSources)
}

// ladder returns the server try order. The hint goes first; the configured
// order already puts the primary CDN family last because it blocks datacenter
// ranges most aggressively.
func (r *Resolver) ladder(serverHint string) []string {
	if serverHint == "" {
		return r.cfg.ServerLadder
	}
	ladder := make([]string, 0, len(r.cfg.ServerLadder)+1)
	ladder = append(ladder, serverHint)
	for _, s := range r.cfg.ServerLadder {
		if s != serverHint {
			ladder = append(ladder, s)
		}
	}
	return ladder
}

// ResolveForEpisode is the full pipeline: search the catalog, pick the best
// title match, find the episode, resolve its sources, and rewrite the source
// URLs to re-enter this service's proxy endpoint with the bundle's headers.
func (r *Resolver) ResolveForEpisode(ctx context.Context, title string, episodeNumber int, category types.Category) (*types.StreamingBundle, error) {
	var alternate string
	var expectedEpisodes int
	if r.meta != nil {
		if meta, err := r.meta.Lookup(ctx, title); err == nil && meta != nil {
			alternate = meta.AlternateTitle
			expectedEpisodes = meta.EpisodeCount
		}
	}

	hits, err := r.Search(ctx, title, 1)
	if err != nil {
		return nil, err
	}
	hit := match.SelectBestMatch(hits, title, expectedEpisodes, alternate)
	if hit == nil {
		return nil, fmt.Errorf("title %q: %w", title, types.ErrNoCatalogMatch)
	}
	logger.Info("{resolver - ResolveForEpisode} %q matched %q (%s)", title, hit.DisplayName, hit.ID)

	episodes, err := r.Episodes(ctx, hit.ID)
	if err != nil {
		return nil, err
	}
	episode, err := findEpisode(episodes, episodeNumber)
	if err != nil {
		return nil, fmt.Errorf("title %q episode %d: %w", title, episodeNumber, err)
	}

	bundle, err := r.Sources(ctx, episode.EpisodeID, "", category)
	if err != nil {
		return nil, err
	}

	r.prefetchNext(episodes, episodeNumber, category)
	return r.proxied(bundle), nil
}

func findEpisode(episodes []types.EpisodeRef, number int) (types.EpisodeRef, error) {
	for _, ep := range episodes {
		if ep.Number == number {
			return ep, nil
		}
	}
	// some entries number episodes from an absolute offset; positional
	// lookup covers those
	if number >= 1 && number <= len(episodes) {
		return episodes[number-1], nil
	}
	return types.EpisodeRef{}, types.ErrNoEpisodes
}

// proxied returns a copy of the bundle whose source and subtitle URLs point at
// this service's /stream endpoint, carrying the bundle's header set encoded as
// the blob every nested fetch will inherit.
func (r *Resolver) proxied(bundle *types.StreamingBundle) *types.StreamingBundle {
	out := *bundle
	out.Sources = make([]types.StreamSource, len(bundle.Sources))
	for i, src := range bundle.Sources {
		out.Sources[i] = src
		out.Sources[i].URL = client.ProxyURL(r.cfg.BaseURL, src.URL, bundle.Headers)
	}
	out.SubtitleTracks = make([]types.SubtitleTrack, len(bundle.SubtitleTracks))
	for i, track := range bundle.SubtitleTracks {
		out.SubtitleTracks[i] = track
		out.SubtitleTracks[i].URL = client.ProxyURL(r.cfg.BaseURL, track.URL, nil)
	}
	return &out
}

// prefetchNext warms the sources cache for the following episode in the
// background. Best effort: a full pool or a failed resolution costs nothing.
func (r *Resolver) prefetchNext(episodes []types.EpisodeRef, currentNumber int, category types.Category) {
	if r.pool == nil {
		return
	}
	next, err := findEpisode(episodes, currentNumber+1)
	if err != nil {
		return
	}
	submitErr := r.pool.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SourcesTimeout)
		defer cancel()
		if _, err := r.Sources(ctx, next.EpisodeID, "", category); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			logger.Debug("{resolver - prefetchNext} warm %s failed: %v", next.EpisodeID, err)
		}
	})
	if submitErr != nil {
		logger.Debug("{resolver - prefetchNext} pool rejected warm task: %v", submitErr)
	}
}
