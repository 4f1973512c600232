package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/config"
	"github.com/agentmesh/agentmesh/gateway"
	"github.com/agentmesh/agentmesh/llms"
	"github.com/agentmesh/agentmesh/roles"
	"github.com/agentmesh/agentmesh/scheduler"
	"github.com/agentmesh/agentmesh/toolclient"
)

// startToolStack stands up a fake websearch backend plus a real gateway
// and returns a toolclient wired to it.
func startToolStack(t *testing.T) *toolclient.Client {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("GET /tools", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tools":[{"name":"search","description":"Search the web","parameters":{"query":{"type":"string"}}}]}`))
	})
	mux.HandleFunc("POST /tools/search", func(w http.ResponseWriter, r *http.Request) {
		var params map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&params)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"hits": []string{"result for " + params["query"].(string)}})
	})
	backendSrv := httptest.NewServer(mux)
	t.Cleanup(backendSrv.Close)

	g := gateway.New(config.GatewayConfig{}, nil, nil)
	require.NoError(t, g.RegisterBackend(context.Background(),
		config.BackendConfig{Name: "websearch", BaseURL: backendSrv.URL, Enabled: true}))
	gatewaySrv := httptest.NewServer(g.Handler(nil))
	t.Cleanup(gatewaySrv.Close)

	return toolclient.New(gatewaySrv.URL, nil)
}

func TestInvoke_ToolLoopRoundTrip(t *testing.T) {
	adapter := &sequenceAdapter{completions: []llms.Completion{
		{ToolCalls: []llms.ToolCall{{
			ID:        "call-1",
			Name:      "websearch__search",
			Arguments: map[string]interface{}{"query": "go generics"},
		}}},
		{Text: "final answer built on the search"},
	}}

	r := New(Options{Adapter: adapter, Tools: startToolStack(t), Roles: roles.New()})

	req := scheduler.InvokeRequest{
		AgentID: "researcher_0", Role: "researcher",
		Task: "Find out about generics", Query: "generics?",
		TotalLayers: 1, TotalAgents: 1,
	}
	out, err := r.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "final answer built on the search", out)

	// First call offered the role-scoped tool list.
	require.Len(t, adapter.toolsSeen[0], 1)
	assert.Equal(t, "websearch__search", adapter.toolsSeen[0][0].Name)

	// Second call carried the assistant tool-call turn and the result.
	msgs := adapter.calls[1]
	require.Len(t, msgs, 4)
	assert.Equal(t, "assistant", msgs[2].Role)
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "call-1", msgs[3].ToolCallID)
	assert.Contains(t, msgs[3].Content, "result for go generics")
}

func TestInvoke_ToolFailureBecomesToolResultString(t *testing.T) {
	adapter := &sequenceAdapter{completions: []llms.Completion{
		{ToolCalls: []llms.ToolCall{{
			ID:        "call-1",
			Name:      "websearch__missing_tool",
			Arguments: map[string]interface{}{},
		}}},
		{Text: "answered despite tool failure"},
	}}

	r := New(Options{Adapter: adapter, Tools: startToolStack(t), Roles: roles.New()})

	req := scheduler.InvokeRequest{
		AgentID: "researcher_0", Role: "researcher",
		Task: "t", Query: "q", TotalLayers: 1, TotalAgents: 1,
	}
	out, err := r.Invoke(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "answered despite tool failure", out)

	msgs := adapter.calls[1]
	assert.Contains(t, msgs[3].Content, "Tool error:")
}
