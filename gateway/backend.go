package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/agentmesh/agentmesh/config"
)

// ToolDescriptor is the wire shape every backend advertises under GET
// /tools: a name, a human description and a JSON-Schema-ish parameter map.
type ToolDescriptor struct {
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	Parameters  map[string]ToolParameter `json:"parameters"`
}

// ToolParameter describes one parameter of a tool.
type ToolParameter struct {
	Type        string      `json:"type"` // string|integer|number|boolean|array|object|any
	Description string      `json:"description,omitempty"`
	Default     interface{} `json:"default,omitempty"`
}

// backend is the gateway's per-registration state: the config it was
// registered with, a persistent HTTP client, the last discovered tool
// list, the health flag the monitor maintains, and the protection stack
// (breaker, limiter, metrics).
type backend struct {
	cfg     config.BackendConfig
	client  *http.Client
	breaker *CircuitBreaker
	limiter *rate.Limiter

	mu      sync.RWMutex
	healthy bool
	tools   []ToolDescriptor

	metrics *backendMetrics
}

func newBackend(cfg config.BackendConfig) *backend {
	return &backend{
		cfg: cfg,
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutSec) * time.Second,
		},
		breaker: NewCircuitBreaker(cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldown)*time.Second),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
		metrics: newBackendMetrics(),
	}
}

func (b *backend) setHealthy(healthy bool) {
	b.mu.Lock()
	b.healthy = healthy
	b.mu.Unlock()
}

func (b *backend) isHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.healthy
}

func (b *backend) setTools(tools []ToolDescriptor) {
	b.mu.Lock()
	b.tools = tools
	b.mu.Unlock()
}

func (b *backend) toolList() []ToolDescriptor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]ToolDescriptor, len(b.tools))
	copy(out, b.tools)
	return out
}

func (b *backend) hasTool(name string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, t := range b.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// probeHealth hits the backend's GET /health with a short deadline,
// independent of the per-call tool timeout.
func (b *backend) probeHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, b.cfg.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// discoverTools refreshes the cached tool list from GET /tools. The
// response may be either a bare array of descriptors or an object with a
// "tools" field; both shapes exist among the backends this fronts.
func (b *backend) discoverTools(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.cfg.BaseURL+"/tools", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tool discovery: status %d", resp.StatusCode)
	}

	var direct []ToolDescriptor
	if err := json.Unmarshal(body, &direct); err == nil {
		b.setTools(direct)
		return nil
	}
	var wrapped struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return fmt.Errorf("tool discovery: decode: %w", err)
	}
	b.setTools(wrapped.Tools)
	return nil
}

// backendMetrics holds the per-backend counters exposed under /metrics.
type backendMetrics struct {
	mu                 sync.Mutex
	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	totalLatencyMS     int64
	errorsByKind       map[string]int64
	lastRequestTime    time.Time
	lastError          string
}

func newBackendMetrics() *backendMetrics {
	return &backendMetrics{errorsByKind: make(map[string]int64)}
}

func (m *backendMetrics) recordSuccess(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.successfulRequests++
	m.totalLatencyMS += latency.Milliseconds()
	m.lastRequestTime = time.Now()
}

func (m *backendMetrics) recordFailure(kind string, err error, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
	m.failedRequests++
	m.totalLatencyMS += latency.Milliseconds()
	m.errorsByKind[kind]++
	m.lastRequestTime = time.Now()
	if err != nil {
		m.lastError = err.Error()
	}
}

// MetricsSnapshot is the serializable per-backend counter view.
type MetricsSnapshot struct {
	TotalRequests      int64            `json:"total_requests"`
	SuccessfulRequests int64            `json:"successful_requests"`
	FailedRequests     int64            `json:"failed_requests"`
	TotalLatencyMS     int64            `json:"total_latency_ms"`
	AvgLatencyMS       float64          `json:"avg_latency_ms"`
	ErrorsByKind       map[string]int64 `json:"errors_by_kind"`
	LastRequestTime    time.Time        `json:"last_request_time"`
	LastError          string           `json:"last_error,omitempty"`
}

func (m *backendMetrics) snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKind := make(map[string]int64, len(m.errorsByKind))
	for k, v := range m.errorsByKind {
		byKind[k] = v
	}
	snap := MetricsSnapshot{
		TotalRequests:      m.totalRequests,
		SuccessfulRequests: m.successfulRequests,
		FailedRequests:     m.failedRequests,
		TotalLatencyMS:     m.totalLatencyMS,
		ErrorsByKind:       byKind,
		LastRequestTime:    m.lastRequestTime,
		LastError:          m.lastError,
	}
	if m.totalRequests > 0 {
		snap.AvgLatencyMS = float64(m.totalLatencyMS) / float64(m.totalRequests)
	}
	return snap
}
