package cache

import (
	"time"

	"anistream-proxy/work/types"

	"github.com/dgraph-io/ristretto/v2"
)

// BundleCache holds resolved streaming bundles for a short window. Resolved
// source URLs expire quickly upstream, so this cache exists only to absorb a
// player's duplicate renders, not to serve stale playback URLs. It is
// size-bounded separately from the memo cache because bundles are the only
// values that arrive in bursts during active playback.
type BundleCache struct {
	cache *ristretto.Cache[string, *types.StreamingBundle]
	ttl   time.Duration
}

// NewBundleCache creates a bundle cache whose entries live for ttl.
func NewBundleCache(ttl time.Duration) *BundleCache {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *types.StreamingBundle]{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &BundleCache{
		cache: cache,
		ttl:   ttl,
	}
}

// Get returns the cached bundle for key, if still live.
func (bc *BundleCache) Get(key string) (*types.StreamingBundle, bool) {
	return bc.cache.Get(key)
}

// Set stores a bundle under key. It blocks until the write is visible so a
// duplicate render issued immediately after resolution hits the cache.
func (bc *BundleCache) Set(key string, bundle *types.StreamingBundle) {
	bc.cache.SetWithTTL(key, bundle, 1, bc.ttl)
	bc.cache.Wait()
}

// Close releases the cache's internal resources.
func (bc *BundleCache) Close() {
	bc.cache.Close()
}
