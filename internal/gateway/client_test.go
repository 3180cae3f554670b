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

	"orpheus/internal/adapters/config"
	"orpheus/internal/identity"
	"orpheus/pkg/errors"
)

type rpcRequest struct {
	Method string `json:"method"`
	Params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

func newTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "svc-token",
			"expires_in":   3600,
		})
	}))
}

func newTestClient(t *testing.T, gatewaySrv *httptest.Server) *Client {
	t.Helper()
	tokenSrv := newTokenServer(t)
	t.Cleanup(tokenSrv.Close)

	tokens := identity.NewServiceTokenSource(config.IdentityConfig{
		TokenURL:         tokenSrv.URL,
		ClientID:         "cid",
		ClientSecret:     "secret",
		ResourceServerID: "voice-gateway",
		RequestTimeout:   2 * time.Second,
	})

	return NewClient(config.GatewayConfig{
		URL:         gatewaySrv.URL,
		CallTimeout: 2 * time.Second,
		ListTimeout: 2 * time.Second,
	}, tokens, nil)
}

func TestClient_DiscoveryRunsOnce(t *testing.T) {
	var listHits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer svc-token", r.Header.Get("Authorization"))

		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tools/list", req.Method)
		atomic.AddInt32(&listHits, 1)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"tools": []map[string]string{
					{"name": "knowledge-base-lambda-target___search_knowledge_base"},
					{"name": "maintainx-lambda-target___query"},
				},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	tools, err := c.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "knowledge-base-lambda-target___search_knowledge_base", tools[0].Name)

	// Second call is served from the in-process cache.
	_, err = c.ListTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&listHits))
}

func TestClient_CallTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tools/call", req.Method)
		assert.Equal(t, "maintainx-lambda-target___query", req.Params.Name)
		assert.JSONEq(t, `{"action":"list_assets"}`, string(req.Params.Arguments))

		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"content": []map[string]string{{"type": "text", "text": `{"assets":[]}`}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	out, err := c.CallTool(context.Background(), "maintainx-lambda-target___query", json.RawMessage(`{"action":"list_assets"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"assets":[]}`, out)
}

func TestClient_CallToolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{
				"isError": true,
				"content": []map[string]string{{"type": "text", "text": "upstream lambda failed"}},
			},
		})
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.CallTool(context.Background(), "some-tool", nil)
	require.ErrorIs(t, err, errors.ErrToolExecution)
	assert.Contains(t, err.Error(), "upstream lambda failed")
}

func TestClient_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.ListTools(context.Background())
	assert.ErrorIs(t, err, errors.ErrGatewayUnavailable)
}
