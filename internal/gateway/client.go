package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"orpheus/internal/adapters/config"
	redisclient "orpheus/internal/adapters/redis"
	"orpheus/internal/identity"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

const (
	toolCacheKey = "gateway:tools"
	toolCacheTTL = 15 * time.Minute
)

// ToolDescriptor describes one remote tool discovered from the gateway.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Client talks to the external tool gateway. It is a process-wide singleton
// authenticated with the service-level credential, never with a connection
// owner's credentials.
type Client struct {
	url    string
	cfg    config.GatewayConfig
	tokens *identity.ServiceTokenSource
	http   *http.Client
	cache  *redisclient.Client // optional warm cache, may be nil
	log    *logger.Logger

	mu         sync.RWMutex
	tools      []ToolDescriptor
	discovered bool

	reqID atomic.Int64
}

// NewClient creates a gateway client. cache may be nil.
func NewClient(cfg config.GatewayConfig, tokens *identity.ServiceTokenSource, cache *redisclient.Client) *Client {
	return &Client{
		url:    cfg.URL,
		cfg:    cfg,
		tokens: tokens,
		http:   &http.Client{Timeout: cfg.CallTimeout},
		cache:  cache,
		log:    logger.Get().With("component", "gateway"),
	}
}

// ListTools returns the discovered remote tool descriptors. Discovery runs at
// most once per process lifetime; later calls serve the cached list.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	c.mu.RLock()
	if c.discovered {
		tools := c.tools
		c.mu.RUnlock()
		return tools, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.discovered {
		return c.tools, nil
	}

	tools, err := c.discover(ctx)
	if err != nil {
		// A warm redis copy from a previous process lets sessions keep their
		// meta-tools while the gateway is flapping.
		if cached, ok := c.cachedTools(ctx); ok {
			c.log.Warnf("Live discovery failed, serving %d cached tool descriptors: %v", len(cached), err)
			c.tools = cached
			c.discovered = true
			return cached, nil
		}
		return nil, err
	}

	c.tools = tools
	c.discovered = true
	c.storeCachedTools(ctx, tools)
	c.log.Infof("Discovered %d gateway tools", len(tools))
	return tools, nil
}

// CallTool invokes a remote tool by its discovered name.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	params := map[string]interface{}{
		"name":      name,
		"arguments": args,
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError,omitempty"`
	}

	if err := c.rpc(ctx, "tools/call", params, &result); err != nil {
		return "", errors.Wrapf(errors.ErrToolExecution, "calling %s: %v", name, err)
	}
	if result.IsError {
		msg := "tool reported an error"
		if len(result.Content) > 0 {
			msg = result.Content[0].Text
		}
		return "", errors.Wrapf(errors.ErrToolExecution, "%s: %s", name, msg)
	}
	if len(result.Content) == 0 {
		return "", nil
	}
	return result.Content[0].Text, nil
}

func (c *Client) discover(ctx context.Context) ([]ToolDescriptor, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.ListTimeout)
	defer cancel()

	var result struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := c.rpc(ctx, "tools/list", nil, &result); err != nil {
		return nil, errors.Wrap(errors.ErrGatewayUnavailable, err.Error())
	}
	return result.Tools, nil
}

// rpc performs one JSON-RPC request authenticated with the service token.
func (c *Client) rpc(ctx context.Context, method string, params interface{}, result interface{}) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	reqBody := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      c.reqID.Add(1),
		"method":  method,
	}
	if params != nil {
		reqBody["params"] = params
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("gateway returned %d", resp.StatusCode)
	}

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return errors.Wrap(err, "decoding gateway response")
	}
	if envelope.Error != nil {
		return errors.Newf("gateway error %d: %s", envelope.Error.Code, envelope.Error.Message)
	}
	if result != nil && envelope.Result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return errors.Wrap(err, "decoding gateway result")
		}
	}
	return nil
}

func (c *Client) cachedTools(ctx context.Context) ([]ToolDescriptor, bool) {
	if c.cache == nil {
		return nil, false
	}
	var tools []ToolDescriptor
	if err := c.cache.Get(ctx, toolCacheKey, &tools); err != nil || len(tools) == 0 {
		return nil, false
	}
	return tools, true
}

func (c *Client) storeCachedTools(ctx context.Context, tools []ToolDescriptor) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, toolCacheKey, tools, toolCacheTTL); err != nil {
		c.log.Debugf("Failed to cache tool descriptors: %v", err)
	}
}
