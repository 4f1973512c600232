package gateway

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheKey_StableAcrossParamOrder(t *testing.T) {
	a := CacheKey("websearch", "search", map[string]interface{}{"query": "rust lang", "limit": 5})
	b := CacheKey("websearch", "search", map[string]interface{}{"limit": 5, "query": "rust lang"})
	assert.Equal(t, a, b)
}

func TestCacheKey_DistinguishesBackendToolParams(t *testing.T) {
	base := CacheKey("websearch", "search", map[string]interface{}{"query": "go"})
	assert.NotEqual(t, base, CacheKey("github", "search", map[string]interface{}{"query": "go"}))
	assert.NotEqual(t, base, CacheKey("websearch", "fetch", map[string]interface{}{"query": "go"}))
	assert.NotEqual(t, base, CacheKey("websearch", "search", map[string]interface{}{"query": "rust"}))
}

func TestCache_HitWithinTTL(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewResponseCache(300*time.Second, 1000)
	c.now = clock.now

	c.Put("k", json.RawMessage(`{"x":1}`))
	got, hit := c.Get("k")
	assert.True(t, hit)
	assert.JSONEq(t, `{"x":1}`, string(got))

	clock.advance(299 * time.Second)
	_, hit = c.Get("k")
	assert.True(t, hit)
}

func TestCache_ExpiresAfterTTL(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewResponseCache(300*time.Second, 1000)
	c.now = clock.now

	c.Put("k", json.RawMessage(`1`))
	clock.advance(301 * time.Second)
	_, hit := c.Get("k")
	assert.False(t, hit)
	assert.Equal(t, 0, c.Len())
}

func TestCache_EvictsOldestTenthOverCap(t *testing.T) {
	clock := &fakeClock{t: time.Now()}
	c := NewResponseCache(time.Hour, 100)
	c.now = clock.now

	for i := 0; i <= 100; i++ {
		c.Put(fmt.Sprintf("k%d", i), json.RawMessage(`1`))
		clock.advance(time.Second)
	}

	// Cap 100 exceeded at entry 101: the ten oldest go.
	assert.Equal(t, 91, c.Len())
	_, hit := c.Get("k0")
	assert.False(t, hit)
	_, hit = c.Get("k9")
	assert.False(t, hit)
	_, hit = c.Get("k10")
	assert.True(t, hit)
}

func TestCache_Clear(t *testing.T) {
	c := NewResponseCache(time.Hour, 100)
	c.Put("a", json.RawMessage(`1`))
	c.Put("b", json.RawMessage(`2`))
	assert.Equal(t, 2, c.Clear())
	assert.Equal(t, 0, c.Len())
}
