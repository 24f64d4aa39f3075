package cache

import (
	"strings"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/singleflight"
)

// Memo is a TTL cache with request coalescing. Expired entries are logically
// absent: eviction is lazy on read, no background sweep runs. The singleflight
// group guarantees at most one in-progress fetch per key; concurrent callers
// for the same key attach to it and observe the same outcome, success or
// failure, and the in-flight slot is released once settled.
type Memo struct {
	entries *xsync.MapOf[string, entry]
	flight  singleflight.Group
	enabled bool
}

type entry struct {
	value     any
	expiresAt time.Time
}

// NewMemo creates a Memo. When enabled is false every lookup misses and every
// store is dropped, but request coalescing still applies.
func NewMemo(enabled bool) *Memo {
	return &Memo{
		entries: xsync.NewMapOf[string, entry](),
		enabled: enabled,
	}
}

// Key builds the canonical cache key for an action and its parameters. The
// same arguments always produce the same key, and keys for different actions
// never collide.
func Key(action string, params ...string) string {
	if len(params) == 0 {
		return action
	}
	return action + "|" + strings.Join(params, "|")
}

// Get returns the cached value for key if present and unexpired. An expired
// entry is deleted on the spot and reported as a miss.
func (m *Memo) Get(key string) (any, bool) {
	if !m.enabled {
		return nil, false
	}

	e, ok := m.entries.Load(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.entries.Delete(key)
		return nil, false
	}
	return e.value, true
}

// Set stores value under key for ttl.
func (m *Memo) Set(key string, value any, ttl time.Duration) {
	if !m.enabled || ttl <= 0 {
		return
	}
	m.entries.Store(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
}

// Delete removes key immediately.
func (m *Memo) Delete(key string) {
	m.entries.Delete(key)
}

// Do returns the value for key, fetching it at most once no matter how many
// callers arrive concurrently. The shared return is true when this caller got
// a result produced by another caller's fetch or by the cache.
//
// Failures are shared with concurrent callers but never cached: the next
// non-concurrent caller fetches again.
func (m *Memo) Do(key string, ttl time.Duration, fetch func() (any, error)) (any, bool, error) {
	if v, ok := m.Get(key); ok {
		return v, true, nil
	}

	v, err, shared := m.flight.Do(key, func() (any, error) {
		// another caller may have filled the cache between our miss and
		// the flight acquiring the key
		if v, ok := m.Get(key); ok {
			return v, nil
		}

		v, err := fetch()
		if err != nil {
			return nil, err
		}
		m.Set(key, v, ttl)
		return v, nil
	})
	if err != nil {
		return nil, shared, err
	}
	return v, shared, nil
}

// Through is a typed wrapper around Do for callers that know the value type.
func Through[T any](m *Memo, key string, ttl time.Duration, fetch func() (T, error)) (T, bool, error) {
	v, shared, err := m.Do(key, ttl, func() (any, error) {
		return fetch()
	})
	if err != nil {
		var zero T
		return zero, shared, err
	}
	return v.(T), shared, nil
}
