package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// ResponseCache is the gateway's shared TTL cache for tool results, keyed
// by (backend, tool, canonical params). When the entry count exceeds the
// cap, the oldest 10% by stored_at are evicted in one pass.
type ResponseCache struct {
	mu         sync.Mutex
	entries    map[string]cacheEntry
	ttl        time.Duration
	maxEntries int

	now func() time.Time
}

type cacheEntry struct {
	result   json.RawMessage
	storedAt time.Time
}

// NewResponseCache creates an empty cache with the given TTL and entry cap.
func NewResponseCache(ttl time.Duration, maxEntries int) *ResponseCache {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &ResponseCache{
		entries:    make(map[string]cacheEntry),
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

// CacheKey builds the stable lookup key: a hash over
// "<backend>:<tool>:<canonical-json(params)>" where canonical-json sorts
// keys, so logically identical param maps collide as intended.
func CacheKey(backend, tool string, params map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(backend))
	h.Write([]byte{':'})
	h.Write([]byte(tool))
	h.Write([]byte{':'})
	h.Write(canonicalJSON(params))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON serializes a params map with sorted keys. encoding/json
// already sorts map keys, but nested non-map values (e.g. []interface{}
// holding maps) are handled by Marshal recursively, so a single Marshal
// is canonical for the JSON-decoded shapes the gateway sees.
func canonicalJSON(params map[string]interface{}) []byte {
	if len(params) == 0 {
		return []byte("{}")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params never reach the cache in practice; fall
		// back to a key built from the sorted key names alone.
		keys := make([]string, 0, len(params))
		for k := range params {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		raw, _ = json.Marshal(keys)
	}
	return raw
}

// Get returns the cached result for key if one exists and is fresher than
// the TTL.
func (c *ResponseCache) Get(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Put stores a result, evicting the oldest tenth of entries when the cap
// is exceeded.
func (c *ResponseCache) Put(key string, result json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{result: result, storedAt: c.now()}
	if len(c.entries) > c.maxEntries {
		c.evictOldestLocked(c.maxEntries / 10)
	}
}

func (c *ResponseCache) evictOldestLocked(n int) {
	if n < 1 {
		n = 1
	}
	type aged struct {
		key      string
		storedAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for k, e := range c.entries {
		all = append(all, aged{key: k, storedAt: e.storedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].storedAt.Before(all[j].storedAt) })
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(c.entries, e.key)
	}
}

// Clear drops every entry and returns how many were dropped.
func (c *ResponseCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.entries)
	c.entries = make(map[string]cacheEntry)
	return n
}

// Len returns the current entry count.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
