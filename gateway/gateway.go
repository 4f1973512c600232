// Package gateway implements the Tool Gateway Router (C3): a long-lived
// service fronting several backend tool servers behind a uniform execute
// surface, protecting each backend with health checking, a per-backend
// circuit breaker, a rate limiter, bounded retries, a shared response
// cache and a batch executor.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/errs"
	"github.com/agentmesh/agentmesh/logging"
)

// Error-kind labels used in per-backend errors_by_kind counters.
const (
	errKindTimeout     = "TIMEOUT"
	errKindUpstream    = "UPSTREAM"
	errKindUnavailable = "UNAVAILABLE"
	errKindInternal    = "INTERNAL"
)

// Gateway is the router. It is an explicit long-lived resource: construct
// one with New, Start its health monitor, and Stop it on shutdown.
type Gateway struct {
	mu       sync.RWMutex
	backends map[string]*backend

	cfg   config.GatewayConfig
	cache *ResponseCache
	log   *slog.Logger
	prom  *promMetrics

	startTime time.Time

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}
}

// New constructs a Gateway with an empty backend registry. The prometheus
// registerer may be nil when metrics exposition is not wanted (tests).
func New(cfg config.GatewayConfig, log *slog.Logger, reg prometheus.Registerer) *Gateway {
	cfg.SetDefaults()
	return &Gateway{
		backends:  make(map[string]*backend),
		cfg:       cfg,
		cache:     NewResponseCache(time.Duration(cfg.CacheTTLSeconds)*time.Second, cfg.CacheMaxEntries),
		log:       logging.Component(log, "gateway"),
		prom:      newPromMetrics(reg),
		startTime: time.Now(),
	}
}

// RegisterBackend stores the backend, opens its persistent client, and
// runs an immediate health probe plus tool discovery. Registration
// succeeds even if the backend is currently down; the health monitor will
// pick it up once it answers.
func (g *Gateway) RegisterBackend(ctx context.Context, cfg config.BackendConfig) error {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return errs.New("gateway", "register", "invalid backend config", err)
	}

	b := newBackend(cfg)

	healthy := b.probeHealth(ctx)
	b.setHealthy(healthy)
	if healthy {
		if err := b.discoverTools(ctx); err != nil {
			g.log.Warn("initial tool discovery failed", "backend", cfg.Name, "error", err)
		}
	}

	g.mu.Lock()
	g.backends[cfg.Name] = b
	g.mu.Unlock()

	g.log.Info("backend registered", "backend", cfg.Name, "url", cfg.BaseURL,
		"healthy", healthy, "tools", len(b.toolList()))
	return nil
}

// UnregisterBackend drops a backend and all its state.
func (g *Gateway) UnregisterBackend(name string) error {
	g.mu.Lock()
	b, ok := g.backends[name]
	if ok {
		delete(g.backends, name)
	}
	g.mu.Unlock()

	if !ok {
		return errs.New("gateway", "unregister", fmt.Sprintf("backend %q", name), errs.ErrNotFound)
	}
	b.client.CloseIdleConnections()
	g.log.Info("backend unregistered", "backend", name)
	return nil
}

func (g *Gateway) getBackend(name string) (*backend, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	b, ok := g.backends[name]
	return b, ok
}

func (g *Gateway) allBackends() map[string]*backend {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]*backend, len(g.backends))
	for name, b := range g.backends {
		out[name] = b
	}
	return out
}

// ListTools returns the discovered tool lists of healthy, enabled
// backends only.
func (g *Gateway) ListTools() map[string][]ToolDescriptor {
	out := make(map[string][]ToolDescriptor)
	for name, b := range g.allBackends() {
		if !b.cfg.Enabled || !b.isHealthy() {
			continue
		}
		out[name] = b.toolList()
	}
	return out
}

// Execute is the core operation: route one tool call to one backend under
// the full protection stack. Order of checks mirrors the request path:
// registry, breaker, cache, rate limit, HTTP call with bounded retries.
func (g *Gateway) Execute(ctx context.Context, backendName, tool string, params map[string]interface{}, useCache bool) (json.RawMessage, error) {
	b, ok := g.getBackend(backendName)
	if !ok {
		return nil, errs.New("gateway", "execute", fmt.Sprintf("backend %q", backendName), errs.ErrNotFound)
	}
	if !b.cfg.Enabled {
		return nil, errs.New("gateway", "execute", fmt.Sprintf("backend %q is disabled", backendName), errs.ErrToolUnavailable)
	}

	if !b.breaker.CanExecute() {
		b.metrics.recordFailure(errKindUnavailable, nil, 0)
		g.prom.requests.WithLabelValues(backendName, "circuit_open").Inc()
		g.prom.breakerState.WithLabelValues(backendName).Set(breakerStateValue(b.breaker.State()))
		return nil, errs.New("gateway", "execute",
			fmt.Sprintf("circuit breaker %s for backend %q", b.breaker.State(), backendName),
			errs.ErrToolUnavailable)
	}

	key := CacheKey(backendName, tool, params)
	if useCache {
		if cached, hit := g.cache.Get(key); hit {
			g.prom.cacheHits.Inc()
			return cached, nil
		}
		g.prom.cacheMisses.Inc()
	}

	// The limiter waits rather than rejects so a recovering backend is
	// paced, never refused ahead of the breaker's own verdict.
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, errs.New("gateway", "execute", "rate limit wait", errs.ErrCancelled)
	}

	result, err := g.callWithRetries(ctx, b, tool, params)
	g.prom.breakerState.WithLabelValues(backendName).Set(breakerStateValue(b.breaker.State()))
	if err != nil {
		return nil, err
	}

	if useCache {
		g.cache.Put(key, result)
	}
	return result, nil
}

// callWithRetries performs the POST /tools/<tool> round trip. Timeouts are
// retried up to MaxRetries with a fresh timeout budget per attempt;
// upstream HTTP errors are not retried.
func (g *Gateway) callWithRetries(ctx context.Context, b *backend, tool string, params map[string]interface{}) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		start := time.Now()
		result, err := g.callOnce(ctx, b, tool, params)
		latency := time.Since(start)

		if err == nil {
			b.breaker.RecordSuccess()
			b.metrics.recordSuccess(latency)
			g.prom.requests.WithLabelValues(b.cfg.Name, "success").Inc()
			g.prom.latency.WithLabelValues(b.cfg.Name).Observe(latency.Seconds())
			return result, nil
		}

		if isTimeout(err) {
			b.breaker.RecordFailure()
			b.metrics.recordFailure(errKindTimeout, err, latency)
			g.prom.requests.WithLabelValues(b.cfg.Name, "timeout").Inc()
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}

		var upstream *upstreamError
		if errors.As(err, &upstream) {
			b.breaker.RecordFailure()
			b.metrics.recordFailure(errKindUpstream, err, latency)
			g.prom.requests.WithLabelValues(b.cfg.Name, "upstream_error").Inc()
			return nil, errs.New("gateway", "execute",
				fmt.Sprintf("backend %q tool %q: status %d: %s", b.cfg.Name, tool, upstream.status, upstream.body),
				errs.ErrToolUpstream)
		}

		b.breaker.RecordFailure()
		b.metrics.recordFailure(errKindInternal, err, latency)
		g.prom.requests.WithLabelValues(b.cfg.Name, "internal_error").Inc()
		return nil, errs.New("gateway", "execute",
			fmt.Sprintf("backend %q tool %q", b.cfg.Name, tool), errs.ErrGatewayInternal)
	}

	_ = lastErr
	return nil, errs.New("gateway", "execute",
		fmt.Sprintf("backend %q tool %q timed out after %d attempts", b.cfg.Name, tool, g.cfg.MaxRetries+1),
		errs.ErrToolTimeout)
}

// upstreamError carries a backend's non-2xx response through the retry
// loop so the caller can surface status and body.
type upstreamError struct {
	status int
	body   string
}

func (e *upstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.status, e.body)
}

func (g *Gateway) callOnce(ctx context.Context, b *backend, tool string, params map[string]interface{}) (json.RawMessage, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, time.Duration(b.cfg.TimeoutSec)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, b.cfg.BaseURL+"/tools/"+tool, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &upstreamError{status: resp.StatusCode, body: string(body)}
	}
	return json.RawMessage(body), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// BatchRequest is one entry of an ExecuteBatch call.
type BatchRequest struct {
	Server   string                 `json:"server"`
	Tool     string                 `json:"tool"`
	Params   map[string]interface{} `json:"params"`
	UseCache bool                   `json:"use_cache,omitempty"`
}

// BatchResult is the per-request outcome of an ExecuteBatch call.
type BatchResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ExecuteBatch fans a request list out either concurrently or
// sequentially. Results are positionally aligned with the requests;
// individual failures never fail the batch.
func (g *Gateway) ExecuteBatch(ctx context.Context, requests []BatchRequest, parallel bool) []BatchResult {
	results := make([]BatchResult, len(requests))

	runOne := func(i int, req BatchRequest) {
		result, err := g.Execute(ctx, req.Server, req.Tool, req.Params, req.UseCache)
		if err != nil {
			results[i] = BatchResult{Success: false, Error: err.Error()}
			return
		}
		results[i] = BatchResult{Success: true, Result: result}
	}

	if !parallel {
		for i, req := range requests {
			runOne(i, req)
		}
		return results
	}

	var group errgroup.Group
	for i, req := range requests {
		group.Go(func() error {
			runOne(i, req)
			return nil
		})
	}
	_ = group.Wait()
	return results
}

// HealthSummary is the gateway-level health view.
type HealthSummary struct {
	Status          string                  `json:"status"`
	Servers         map[string]bool         `json:"servers"`
	TotalServers    int                     `json:"total_servers"`
	HealthyServers  int                     `json:"healthy_servers"`
	CircuitBreakers map[string]BreakerState `json:"circuit_breakers"`
	UptimeSeconds   float64                 `json:"uptime_seconds"`
}

// Health summarizes every backend's health flag and breaker state.
func (g *Gateway) Health() HealthSummary {
	summary := HealthSummary{
		Servers:         make(map[string]bool),
		CircuitBreakers: make(map[string]BreakerState),
		UptimeSeconds:   time.Since(g.startTime).Seconds(),
	}
	for name, b := range g.allBackends() {
		healthy := b.isHealthy()
		summary.Servers[name] = healthy
		summary.CircuitBreakers[name] = b.breaker.State()
		summary.TotalServers++
		if healthy {
			summary.HealthyServers++
		}
	}
	switch {
	case summary.TotalServers == 0:
		summary.Status = "idle"
	case summary.HealthyServers == summary.TotalServers:
		summary.Status = "healthy"
	case summary.HealthyServers > 0:
		summary.Status = "degraded"
	default:
		summary.Status = "unhealthy"
	}
	return summary
}

// ServerInfo is the per-backend row under GET /servers.
type ServerInfo struct {
	Name           string   `json:"name"`
	URL            string   `json:"url"`
	Enabled        bool     `json:"enabled"`
	Healthy        bool     `json:"healthy"`
	Capabilities   []string `json:"capabilities"`
	ToolsCount     int      `json:"tools_count"`
	CircuitBreaker string   `json:"circuit_breaker"`
}

// Servers lists every registered backend, healthy or not.
func (g *Gateway) Servers() []ServerInfo {
	var out []ServerInfo
	for name, b := range g.allBackends() {
		out = append(out, ServerInfo{
			Name:           name,
			URL:            b.cfg.BaseURL,
			Enabled:        b.cfg.Enabled,
			Healthy:        b.isHealthy(),
			Capabilities:   b.cfg.Capabilities,
			ToolsCount:     len(b.toolList()),
			CircuitBreaker: string(b.breaker.State()),
		})
	}
	return out
}

// MetricsReport is the full metrics view: one gateway-level section plus
// one per backend.
type MetricsReport struct {
	Gateway struct {
		UptimeSeconds float64 `json:"uptime_seconds"`
		CacheEntries  int     `json:"cache_entries"`
		TotalServers  int     `json:"total_servers"`
	} `json:"gateway"`
	Servers map[string]ServerMetrics `json:"servers"`
}

// ServerMetrics pairs a backend's counters with its breaker snapshot.
type ServerMetrics struct {
	MetricsSnapshot
	CircuitBreaker BreakerSnapshot `json:"circuit_breaker"`
}

// Metrics returns the counter report served under GET /metrics.
func (g *Gateway) Metrics() MetricsReport {
	report := MetricsReport{Servers: make(map[string]ServerMetrics)}
	backends := g.allBackends()
	report.Gateway.UptimeSeconds = time.Since(g.startTime).Seconds()
	report.Gateway.CacheEntries = g.cache.Len()
	report.Gateway.TotalServers = len(backends)
	for name, b := range backends {
		report.Servers[name] = ServerMetrics{
			MetricsSnapshot: b.metrics.snapshot(),
			CircuitBreaker:  b.breaker.Snapshot(),
		}
	}
	return report
}

// ClearCache drops every cached response and reports the count.
func (g *Gateway) ClearCache() int {
	return g.cache.Clear()
}

// Start launches the background health monitor. Idempotent Stop is
// required for a clean shutdown.
func (g *Gateway) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	g.monitorCancel = cancel
	g.monitorDone = make(chan struct{})
	go g.healthMonitor(ctx)
}

// Stop cancels the health monitor and waits for it to exit.
func (g *Gateway) Stop() {
	if g.monitorCancel == nil {
		return
	}
	g.monitorCancel()
	<-g.monitorDone
	g.monitorCancel = nil
}

// healthMonitor probes every backend on the configured interval,
// refreshing tool lists on success. A successful probe while the breaker
// is willing to trial (HALF_OPEN after cooldown) records the success and
// closes the breaker; probe results never trip the breaker on their own.
func (g *Gateway) healthMonitor(ctx context.Context) {
	defer close(g.monitorDone)

	interval := time.Duration(g.cfg.HealthCheckInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.probeAll(ctx)
		}
	}
}

func (g *Gateway) probeAll(ctx context.Context) {
	for name, b := range g.allBackends() {
		healthy := b.probeHealth(ctx)
		wasHealthy := b.isHealthy()
		b.setHealthy(healthy)

		if healthy {
			if err := b.discoverTools(ctx); err != nil {
				g.log.Warn("tool refresh failed", "backend", name, "error", err)
			}
			if b.breaker.State() != BreakerClosed && b.breaker.CanExecute() {
				b.breaker.RecordSuccess()
				g.log.Info("circuit breaker closed after healthy probe", "backend", name)
			}
		}
		if healthy != wasHealthy {
			g.log.Info("backend health changed", "backend", name, "healthy", healthy)
		}
		g.prom.breakerState.WithLabelValues(name).Set(breakerStateValue(b.breaker.State()))
	}
}
