package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, fb *fakeBackend) (*Gateway, *httptest.Server) {
	t.Helper()
	g := newTestGateway(t)
	if fb != nil {
		require.NoError(t, g.RegisterBackend(context.Background(), fb.config("websearch")))
	}
	srv := httptest.NewServer(g.Handler(nil))
	t.Cleanup(srv.Close)
	return g, srv
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestServer_ExecuteSuccess(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	_, srv := newTestServer(t, fb)

	resp, body := postJSON(t, srv.URL+"/execute",
		`{"server":"websearch","tool":"search","params":{"query":"rust lang"},"use_cache":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotNil(t, body["result"])
}

func TestServer_ExecuteUnknownServerIs404(t *testing.T) {
	_, srv := newTestServer(t, nil)

	resp, body := postJSON(t, srv.URL+"/execute", `{"server":"nope","tool":"x","params":{}}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, false, body["success"])
}

func TestServer_CircuitOpenIs503WithDetail(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.failWith.Store(http.StatusBadGateway)
	g, srv := newTestServer(t, fb)

	for i := 0; i < 3; i++ {
		_, _ = g.Execute(context.Background(), "websearch", "search", nil, false)
	}

	resp, body := postJSON(t, srv.URL+"/execute", `{"server":"websearch","tool":"search","params":{}}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["detail"], "websearch")
}

func TestServer_UpstreamErrorIs502(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	fb.failWith.Store(http.StatusTeapot)
	_, srv := newTestServer(t, fb)

	resp, _ := postJSON(t, srv.URL+"/execute", `{"server":"websearch","tool":"search","params":{}}`)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestServer_BatchReportsCounts(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	_, srv := newTestServer(t, fb)

	resp, body := postJSON(t, srv.URL+"/batch",
		`{"requests":[{"server":"websearch","tool":"search","params":{"q":"a"}},{"server":"gone","tool":"x","params":{}}],"parallel":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["total"])
	assert.Equal(t, float64(1), body["successful"])
	assert.Equal(t, float64(1), body["failed"])
}

func TestServer_ToolsListing(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	_, srv := newTestServer(t, fb)

	resp, err := http.Get(srv.URL + "/tools")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		TotalTools int `json:"total_tools"`
		Tools      []struct {
			Server string `json:"server"`
			Name   string `json:"name"`
		} `json:"tools"`
		ByServer map[string]int `json:"by_server"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 1, body.TotalTools)
	require.Len(t, body.Tools, 1)
	assert.Equal(t, "websearch", body.Tools[0].Server)
	assert.Equal(t, "search", body.Tools[0].Name)
	assert.Equal(t, 1, body.ByServer["websearch"])
}

func TestServer_RegisterAndUnregister(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	_, srv := newTestServer(t, nil)

	resp, body := postJSON(t, srv.URL+"/servers/register",
		`{"name":"memory","base_url":"`+fb.server.URL+`","enabled":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/servers/memory", nil)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	delResp.Body.Close()
	assert.Equal(t, http.StatusOK, delResp.StatusCode)

	// Second delete: gone.
	delResp2, err := http.DefaultClient.Do(req.Clone(context.Background()))
	require.NoError(t, err)
	delResp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, delResp2.StatusCode)
}

func TestServer_CacheClear(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	g, srv := newTestServer(t, fb)

	_, err := g.Execute(context.Background(), "websearch", "search", map[string]interface{}{"q": "x"}, true)
	require.NoError(t, err)

	resp, body := postJSON(t, srv.URL+"/cache/clear", `{}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), body["cleared"])
}

func TestServer_HealthAndMetrics(t *testing.T) {
	fb := newFakeBackend()
	defer fb.server.Close()
	_, srv := newTestServer(t, fb)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health HealthSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)

	mResp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer mResp.Body.Close()
	var report MetricsReport
	require.NoError(t, json.NewDecoder(mResp.Body).Decode(&report))
	assert.Equal(t, 1, report.Gateway.TotalServers)
}
