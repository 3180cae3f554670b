package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orpheus/internal/adapters/config"
	"orpheus/internal/gateway"
	"orpheus/internal/identity"
	"orpheus/pkg/errors"
)

func TestNormalizeResult(t *testing.T) {
	t.Run("json object passes through", func(t *testing.T) {
		out := NormalizeResult(`{"answer":42}`)
		assert.JSONEq(t, `{"answer":42}`, string(out))
	})

	t.Run("json array passes through", func(t *testing.T) {
		out := NormalizeResult(` [1,2,3] `)
		assert.JSONEq(t, `[1,2,3]`, string(out))
	})

	t.Run("plain text is quoted", func(t *testing.T) {
		out := NormalizeResult("pump P-101 is due for inspection")
		assert.Equal(t, `"pump P-101 is due for inspection"`, string(out))
	})

	t.Run("broken json is returned raw", func(t *testing.T) {
		out := NormalizeResult(`{"answer":`)
		var s string
		require.NoError(t, json.Unmarshal(out, &s))
		assert.Equal(t, `{"answer":`, s)
	})
}

func TestResolveRemoteTool(t *testing.T) {
	tools := []gateway.ToolDescriptor{
		{Name: "maintainx-lambda-target___query"},
		{Name: "knowledge-base-lambda-target___search_knowledge_base"},
	}

	t.Run("suffix match", func(t *testing.T) {
		name, ok := resolveRemoteTool(MetaTool{DomainTag: "search_knowledge_base"}, tools)
		require.True(t, ok)
		assert.Equal(t, "knowledge-base-lambda-target___search_knowledge_base", name)
	})

	t.Run("prefix match", func(t *testing.T) {
		name, ok := resolveRemoteTool(MetaTool{DomainTag: "maintainx"}, tools)
		require.True(t, ok)
		assert.Equal(t, "maintainx-lambda-target___query", name)
	})

	t.Run("substring fallback", func(t *testing.T) {
		name, ok := resolveRemoteTool(MetaTool{DomainTag: "lambda-target"}, tools)
		require.True(t, ok)
		assert.Equal(t, "maintainx-lambda-target___query", name)
	})

	t.Run("case insensitive", func(t *testing.T) {
		_, ok := resolveRemoteTool(MetaTool{DomainTag: "MAINTAINX"}, tools)
		assert.True(t, ok)
	})

	t.Run("no match", func(t *testing.T) {
		_, ok := resolveRemoteTool(MetaTool{DomainTag: "payments"}, tools)
		assert.False(t, ok)
	})
}

func TestRouter_Degraded(t *testing.T) {
	r := New(nil)

	assert.True(t, r.Degraded())
	assert.Nil(t, r.Manifest())
	assert.Empty(t, r.PromptInstructions())

	_, err := r.Execute(context.Background(), "searchKnowledgeBase", nil)
	assert.ErrorIs(t, err, errors.ErrToolExecution)
}

func TestRouter_Manifest(t *testing.T) {
	r := New(&gateway.Client{})

	manifest := r.Manifest()
	require.Len(t, manifest, len(MetaTools))
	assert.Equal(t, "searchKnowledgeBase", manifest[0].Name)
	assert.Equal(t, "queryAssetSystem", manifest[1].Name)
	assert.NotEmpty(t, r.PromptInstructions())
}

func newGatewayRouter(t *testing.T, handler http.HandlerFunc) *Router {
	t.Helper()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "svc-token", "expires_in": 3600})
	}))
	t.Cleanup(tokenSrv.Close)

	gatewaySrv := httptest.NewServer(handler)
	t.Cleanup(gatewaySrv.Close)

	tokens := identity.NewServiceTokenSource(config.IdentityConfig{
		TokenURL:         tokenSrv.URL,
		ClientID:         "cid",
		ClientSecret:     "secret",
		ResourceServerID: "voice-gateway",
		RequestTimeout:   2 * time.Second,
	})
	gw := gateway.NewClient(config.GatewayConfig{
		URL:         gatewaySrv.URL,
		CallTimeout: 2 * time.Second,
		ListTimeout: 2 * time.Second,
	}, tokens, nil)

	return New(gw)
}

func TestRouter_Execute(t *testing.T) {
	r := newGatewayRouter(t, func(w http.ResponseWriter, req *http.Request) {
		var rpc struct {
			Method string `json:"method"`
			Params struct {
				Name string `json:"name"`
			} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(req.Body).Decode(&rpc))

		switch rpc.Method {
		case "tools/list":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"tools": []map[string]string{
						{"name": "knowledge-base-lambda-target___search_knowledge_base"},
					},
				},
			})
		case "tools/call":
			assert.Equal(t, "knowledge-base-lambda-target___search_knowledge_base", rpc.Params.Name)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"result": map[string]interface{}{
					"content": []map[string]string{{"type": "text", "text": `{"documents":["manual.pdf"]}`}},
				},
			})
		}
	})

	out, err := r.Execute(context.Background(), "searchKnowledgeBase", json.RawMessage(`{"query":"pump seal"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"documents":["manual.pdf"]}`, string(out))
}

func TestRouter_ExecuteUnknownMetaTool(t *testing.T) {
	r := newGatewayRouter(t, func(w http.ResponseWriter, req *http.Request) {
		t.Error("gateway must not be called for unknown meta-tools")
	})

	_, err := r.Execute(context.Background(), "launchMissiles", nil)
	assert.ErrorIs(t, err, errors.ErrToolNotFound)
}

func TestRouter_ExecuteNoRemoteMatch(t *testing.T) {
	r := newGatewayRouter(t, func(w http.ResponseWriter, req *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"tools": []map[string]string{{"name": "billing___invoice"}}},
		})
	})

	_, err := r.Execute(context.Background(), "searchKnowledgeBase", nil)
	assert.ErrorIs(t, err, errors.ErrToolNotFound)
}
