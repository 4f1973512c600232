package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/errs"
)

// fakeBackend is an httptest tool server implementing the backend
// contract: GET /health, GET /tools, POST /tools/<tool>.
type fakeBackend struct {
	server    *httptest.Server
	toolCalls atomic.Int64

	// behavior knobs
	failWith  atomic.Int32 // non-zero: POST /tools/* returns this status
	sleepFor  atomic.Int64 // nanoseconds to sleep before answering a tool call
	healthOK  atomic.Bool
	toolsJSON string
}

func newFakeBackend() *fakeBackend {
	fb := &fakeBackend{
		toolsJSON: `{"tools":[{"name":"search","description":"Search the web","parameters":{"query":{"type":"string","description":"query text"}}}]}`,
	}
	fb.healthOK.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if !fb.healthOK.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fb.toolsJSON))
	})
	mux.HandleFunc("POST /tools/", func(w http.ResponseWriter, r *http.Request) {
		fb.toolCalls.Add(1)
		if d := fb.sleepFor.Load(); d > 0 {
			time.Sleep(time.Duration(d))
		}
		if status := fb.failWith.Load(); status != 0 {
			w.WriteHeader(int(status))
			w.Write([]byte(`{"error":"backend exploded"}`))
			return
		}
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"echo": params})
	})

	fb.server = httptest.NewServer(mux)
	return fb
}

func (fb *fakeBackend) config(name string) config.BackendConfig {
	return config.BackendConfig{
		Name:             name,
		BaseURL:          fb.server.URL,
		Capabilities:     []string{"search"},
		TimeoutSec:       1,
		Enabled:          true,
		BreakerThreshold: 3,
		BreakerCooldown:  1,
		RateLimitRPS:     1000,
		RateLimitBurst:   1000,
	}
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return New(config.GatewayConfig{MaxRetries: 1, CacheTTLSeconds: 300}, nil, nil)
}

func TestExecute_UnknownBackendIsNotFound(t *testing.T) {
	g := newTestGateway(t)
	_, err := g.Execute(context.Background(), "nope", "search", nil, false)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestExecute_RoundTripAndEcho(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	result, err := g.Execute(context.Background(), "websearch", "search",
		map[string]interface{}{"query": "rust lang"}, false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"echo":{"query":"rust lang"}}`, string(result))
	assert.Equal(t, int64(1), fb.toolCalls.Load())
}

func TestExecute_CacheHitSkipsBackend(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	params := map[string]interface{}{"query": "rust lang"}
	first, err := g.Execute(context.Background(), "websearch", "search", params, true)
	require.NoError(t, err)
	second, err := g.Execute(context.Background(), "websearch", "search", params, true)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))
	assert.Equal(t, int64(1), fb.toolCalls.Load(), "second call must be served from cache")
}

func TestExecute_UseCacheFalseAlwaysHitsBackend(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	params := map[string]interface{}{"query": "go"}
	_, err := g.Execute(context.Background(), "websearch", "search", params, false)
	require.NoError(t, err)
	_, err = g.Execute(context.Background(), "websearch", "search", params, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), fb.toolCalls.Load())
}

func TestExecute_UpstreamErrorNotRetried(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.failWith.Store(http.StatusInternalServerError)

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	_, err := g.Execute(context.Background(), "websearch", "search", nil, false)
	assert.ErrorIs(t, err, errs.ErrToolUpstream)
	assert.Equal(t, int64(1), fb.toolCalls.Load(), "non-2xx must not be retried")
}

func TestExecute_TimeoutRetriedThenSurfaced(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.sleepFor.Store(int64(1500 * time.Millisecond))

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	_, err := g.Execute(context.Background(), "websearch", "search", nil, false)
	assert.ErrorIs(t, err, errs.ErrToolTimeout)
	assert.Equal(t, int64(2), fb.toolCalls.Load(), "one retry with a fresh timeout budget")
}

func TestExecute_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.failWith.Store(http.StatusBadGateway)

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("filesystem")))

	for i := 0; i < 3; i++ {
		_, err := g.Execute(context.Background(), "filesystem", "search", nil, false)
		assert.ErrorIs(t, err, errs.ErrToolUpstream)
	}

	// Threshold reached: subsequent calls are refused without a round trip.
	calls := fb.toolCalls.Load()
	_, err := g.Execute(context.Background(), "filesystem", "search", nil, false)
	assert.ErrorIs(t, err, errs.ErrToolUnavailable)
	assert.Contains(t, err.Error(), "filesystem")
	assert.Equal(t, calls, fb.toolCalls.Load())
}

func TestExecute_BreakerClosesAfterCooldownAndSuccess(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.failWith.Store(http.StatusBadGateway)

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("filesystem")))

	for i := 0; i < 3; i++ {
		_, _ = g.Execute(context.Background(), "filesystem", "search", nil, false)
	}
	b, _ := g.getBackend("filesystem")
	require.Equal(t, BreakerOpen, b.breaker.State())

	// Cooldown (1s in test config) elapses; the backend has recovered.
	fb.failWith.Store(0)
	time.Sleep(1100 * time.Millisecond)

	result, err := g.Execute(context.Background(), "filesystem", "search", nil, false)
	require.NoError(t, err)
	assert.NotEmpty(t, result)
	assert.Equal(t, BreakerClosed, b.breaker.State())
	assert.Equal(t, 0, b.breaker.Snapshot().FailureCount)
}

func TestExecuteBatch_MixedOutcomes(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	requests := []BatchRequest{
		{Server: "websearch", Tool: "search", Params: map[string]interface{}{"query": "a"}},
		{Server: "missing", Tool: "search", Params: nil},
		{Server: "websearch", Tool: "search", Params: map[string]interface{}{"query": "b"}},
	}

	for _, parallel := range []bool{false, true} {
		results := g.ExecuteBatch(context.Background(), requests, parallel)
		require.Len(t, results, 3)
		assert.True(t, results[0].Success)
		assert.False(t, results[1].Success)
		assert.Contains(t, results[1].Error, "missing")
		assert.True(t, results[2].Success)
	}
}

func TestListTools_FilteredToHealthyEnabled(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	tools := g.ListTools()
	require.Contains(t, tools, "websearch")
	require.Len(t, tools["websearch"], 1)
	assert.Equal(t, "search", tools["websearch"][0].Name)

	b, _ := g.getBackend("websearch")
	b.setHealthy(false)
	assert.NotContains(t, g.ListTools(), "websearch")
}

func TestUnregisterBackend(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))
	require.NoError(t, g.UnregisterBackend("websearch"))

	assert.ErrorIs(t, g.UnregisterBackend("websearch"), errs.ErrNotFound)
	_, err := g.Execute(context.Background(), "websearch", "search", nil, false)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestHealthSummary(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	health := g.Health()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 1, health.TotalServers)
	assert.Equal(t, 1, health.HealthyServers)
	assert.True(t, health.Servers["websearch"])
	assert.Equal(t, BreakerClosed, health.CircuitBreakers["websearch"])
}

func TestMetricsReport_CountsRequests(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()

	g := newTestGateway(t)
	require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))

	_, err := g.Execute(context.Background(), "websearch", "search", map[string]interface{}{"q": "x"}, false)
	require.NoError(t, err)

	report := g.Metrics()
	server := report.Servers["websearch"]
	assert.Equal(t, int64(1), server.TotalRequests)
	assert.Equal(t, int64(1), server.SuccessfulRequests)
	assert.Equal(t, int64(0), server.FailedRequests)
	assert.Equal(t, BreakerClosed, server.CircuitBreaker.State)
}
