package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/errs"
)

// Handler builds the gateway's HTTP surface. The prometheus gatherer is
// mounted under /metrics/prometheus alongside the JSON counter report at
// /metrics; pass nil to skip the exposition endpoint.
func (g *Gateway) Handler(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Get("/health", g.handleHealth)
	r.Get("/servers", g.handleServers)
	r.Get("/tools", g.handleTools)
	r.Post("/execute", g.handleExecute)
	r.Post("/batch", g.handleBatch)
	r.Get("/metrics", g.handleMetrics)
	r.Post("/servers/register", g.handleRegister)
	r.Delete("/servers/{name}", g.handleUnregister)
	r.Post("/cache/clear", g.handleCacheClear)

	if gatherer != nil {
		r.Method(http.MethodGet, "/metrics/prometheus", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the closed error-kind set onto the HTTP status codes the
// tool client contract requires: 404 unknown server/tool, 503 circuit
// open, 504 timeout, 502 upstream error, 500 internal.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, errs.ErrToolUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrToolTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, errs.ErrToolUpstream):
		status = http.StatusBadGateway
	case errors.Is(err, errs.ErrCancelled):
		status = 499 // client closed request
	}
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"detail":  err.Error(),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Health())
}

func (g *Gateway) handleServers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"servers": g.Servers()})
}

func (g *Gateway) handleTools(w http.ResponseWriter, r *http.Request) {
	byBackend := g.ListTools()

	total := 0
	byServer := make(map[string]int, len(byBackend))
	type toolRow struct {
		Server      string                   `json:"server"`
		Name        string                   `json:"name"`
		Description string                   `json:"description"`
		Parameters  map[string]ToolParameter `json:"parameters"`
	}
	var rows []toolRow
	for server, tools := range byBackend {
		byServer[server] = len(tools)
		total += len(tools)
		for _, t := range tools {
			rows = append(rows, toolRow{Server: server, Name: t.Name, Description: t.Description, Parameters: t.Parameters})
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_tools": total,
		"tools":       rows,
		"by_server":   byServer,
	})
}

type executeRequest struct {
	Server   string                 `json:"server"`
	Tool     string                 `json:"tool"`
	Params   map[string]interface{} `json:"params"`
	UseCache *bool                  `json:"use_cache,omitempty"`
}

func (g *Gateway) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "detail": "invalid request body"})
		return
	}
	useCache := true
	if req.UseCache != nil {
		useCache = *req.UseCache
	}

	result, err := g.Execute(r.Context(), req.Server, req.Tool, req.Params, useCache)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"result":     result,
		"request_id": uuid.NewString(),
	})
}

type batchRequestBody struct {
	Requests []BatchRequest `json:"requests"`
	Parallel bool           `json:"parallel"`
}

func (g *Gateway) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequestBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "detail": "invalid request body"})
		return
	}

	results := g.ExecuteBatch(r.Context(), req.Requests, req.Parallel)
	successful := 0
	for _, res := range results {
		if res.Success {
			successful++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total":      len(results),
		"successful": successful,
		"failed":     len(results) - successful,
		"results":    results,
	})
}

func (g *Gateway) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, g.Metrics())
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var cfg config.BackendConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "detail": "invalid request body"})
		return
	}
	if err := g.RegisterBackend(r.Context(), cfg); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "backend " + cfg.Name + " registered",
	})
}

func (g *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := g.UnregisterBackend(name); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "backend " + name + " unregistered",
	})
}

func (g *Gateway) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": g.ClearCache()})
}
