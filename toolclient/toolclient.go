// Package toolclient implements the per-process Tool Client (C4): the
// agent-side view of the Tool Gateway. It caches the gateway's discovered
// tool catalog, narrows it to the backends a given role is entitled to,
// and forwards executions over the gateway's HTTP surface.
package toolclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/agentmesh/agentmesh/errs"
	"github.com/agentmesh/agentmesh/gateway"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/logging"
	"github.com/agentmesh/agentmesh/roles"
)

// qualifiedSeparator joins backend and tool into the single flat name the
// LLM sees, since function-calling APIs have no namespace concept.
const qualifiedSeparator = "__"

// Client talks to one gateway instance on behalf of every agent in the
// process.
type Client struct {
	baseURL string
	http    *http.Client
	log     *slog.Logger

	mu    sync.RWMutex
	tools map[string][]gateway.ToolDescriptor
}

// New creates a Client against the gateway at baseURL. Discovery is lazy:
// the first ToolsForRole call (or an explicit RefreshTools) populates the
// catalog cache.
func New(baseURL string, log *slog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     logging.Component(log, "toolclient"),
		tools:   make(map[string][]gateway.ToolDescriptor),
	}
}

// RefreshTools re-reads the gateway's tool catalog into the local cache.
func (c *Client) RefreshTools(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tools", nil)
	if err != nil {
		return errs.New("toolclient", "refresh", "build request", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New("toolclient", "refresh", "gateway unreachable", errs.ErrToolUnavailable)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errs.New("toolclient", "refresh",
			fmt.Sprintf("gateway status %d", resp.StatusCode), errs.ErrToolUnavailable)
	}

	var body struct {
		Tools []struct {
			Server      string                           `json:"server"`
			Name        string                           `json:"name"`
			Description string                           `json:"description"`
			Parameters  map[string]gateway.ToolParameter `json:"parameters"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errs.New("toolclient", "refresh", "decode catalog", err)
	}

	catalog := make(map[string][]gateway.ToolDescriptor)
	for _, t := range body.Tools {
		catalog[t.Server] = append(catalog[t.Server], gateway.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}

	c.mu.Lock()
	c.tools = catalog
	c.mu.Unlock()
	c.log.Debug("tool catalog refreshed", "backends", len(catalog), "tools", len(body.Tools))
	return nil
}

// ToolsForRole returns the LLM-facing tool definitions for the backends
// the role is entitled to call, refreshing the catalog if it is empty.
// Names are qualified as "<backend>__<tool>" so Execute can route them
// back without a side table.
func (c *Client) ToolsForRole(ctx context.Context, role roles.Role) []llms.ToolDefinition {
	c.mu.RLock()
	empty := len(c.tools) == 0
	c.mu.RUnlock()
	if empty {
		if err := c.RefreshTools(ctx); err != nil {
			c.log.Warn("tool discovery unavailable", "role", role.Name, "error", err)
			return nil
		}
	}

	allowed := make(map[string]bool, len(role.ToolServers))
	for _, s := range role.ToolServers {
		allowed[s] = true
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	var defs []llms.ToolDefinition
	for server, tools := range c.tools {
		if !allowed[server] {
			continue
		}
		for _, t := range tools {
			defs = append(defs, llms.ToolDefinition{
				Name:        server + qualifiedSeparator + t.Name,
				Description: t.Description,
				Parameters:  toJSONSchema(t.Parameters),
			})
		}
	}
	return defs
}

// toJSONSchema lifts the gateway's flat parameter map into the JSON
// Schema object shape function-calling APIs expect.
func toJSONSchema(params map[string]gateway.ToolParameter) map[string]interface{} {
	properties := make(map[string]interface{}, len(params))
	var required []string
	for name, p := range params {
		prop := map[string]interface{}{"type": schemaType(p.Type)}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Default != nil {
			prop["default"] = p.Default
		} else {
			required = append(required, name)
		}
		properties[name] = prop
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func schemaType(t string) string {
	switch t {
	case "string", "integer", "number", "boolean", "array", "object":
		return t
	default:
		// "any" and unknown types degrade to string, the least surprising
		// shape for a model to fill.
		return "string"
	}
}

// SplitQualified separates a "<backend>__<tool>" name emitted by
// ToolsForRole back into its parts.
func SplitQualified(name string) (server, tool string, ok bool) {
	parts := strings.SplitN(name, qualifiedSeparator, 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// Execute routes one tool call through the gateway's POST /execute,
// returning the raw result as a string for inclusion in a tool-result
// message. Gateway error statuses map back onto the shared error kinds.
func (c *Client) Execute(ctx context.Context, server, tool string, params map[string]interface{}) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"server":    server,
		"tool":      tool,
		"params":    params,
		"use_cache": true,
	})
	if err != nil {
		return "", errs.New("toolclient", "execute", "marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(payload))
	if err != nil {
		return "", errs.New("toolclient", "execute", "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.New("toolclient", "execute", "gateway unreachable", errs.ErrToolUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.New("toolclient", "execute", "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		kind := kindForStatus(resp.StatusCode)
		detail := errorDetail(body)
		return "", errs.New("toolclient", "execute",
			fmt.Sprintf("%s/%s: %s", server, tool, detail), kind)
	}

	var decoded struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", errs.New("toolclient", "execute", "decode response", err)
	}
	return string(decoded.Result), nil
}

// ExecuteQualified resolves a "<backend>__<tool>" name and executes it.
func (c *Client) ExecuteQualified(ctx context.Context, qualified string, params map[string]interface{}) (string, error) {
	server, tool, ok := SplitQualified(qualified)
	if !ok {
		return "", errs.New("toolclient", "execute",
			fmt.Sprintf("malformed tool name %q", qualified), errs.ErrNotFound)
	}
	return c.Execute(ctx, server, tool, params)
}

func kindForStatus(status int) error {
	switch status {
	case http.StatusNotFound:
		return errs.ErrNotFound
	case http.StatusServiceUnavailable:
		return errs.ErrToolUnavailable
	case http.StatusGatewayTimeout:
		return errs.ErrToolTimeout
	case http.StatusBadGateway:
		return errs.ErrToolUpstream
	default:
		return errs.ErrGatewayInternal
	}
}

func errorDetail(body []byte) string {
	var decoded struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Detail != "" {
		return decoded.Detail
	}
	return strings.TrimSpace(string(body))
}
