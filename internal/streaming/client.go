package streaming

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orpheus/internal/adapters/config"
	"orpheus/internal/identity"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// Client wraps the foundation-model bidirectional streaming endpoint for one
// connection owner. It owns exactly one set of owner-scoped credentials and
// is never shared across connections: credentials are per-subject.
type Client struct {
	cfg   config.ModelConfig
	creds *identity.OwnerCredentials
	log   *logger.Logger

	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewClient constructs a streaming client scoped to the given owner
// credentials. Constructing one without credentials is a hard error.
func NewClient(cfg config.ModelConfig, creds *identity.OwnerCredentials) (*Client, error) {
	if creds == nil || creds.AccessToken == "" {
		return nil, errors.ErrMissingOwnerToken
	}
	return &Client{
		cfg:     cfg,
		creds:   creds,
		log:     logger.Get().With("component", "streaming", "subject", creds.Subject),
		streams: make(map[string]*Stream),
	}, nil
}

// Subject returns the credential owner's subject identity.
func (c *Client) Subject() string { return c.creds.Subject }

// Email returns the credential owner's email, when the token carried one.
func (c *Client) Email() string { return c.creds.Email }

// CreateStream dials the model endpoint and registers a stream handle bound
// to the owning client's credentials.
func (c *Client) CreateStream(ctx context.Context, id string) (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.streams[id]; ok {
		return existing, nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.creds.AccessToken)

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "dialing model endpoint (status %d)", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "dialing model endpoint")
	}

	s := newStream(id, conn, c.cfg.WriteTimeout)
	c.streams[id] = s
	c.log.Infof("Stream %s created", id)
	return s, nil
}

// Stream returns the stream handle for id.
func (c *Client) Stream(id string) (*Stream, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[id]
	return s, ok
}

// LastActivity returns the monotonic activity timestamp for a stream. This is
// the sole input to idle eviction.
func (c *Client) LastActivity(id string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.streams[id]
	if !ok {
		return time.Time{}, false
	}
	return s.LastActivity(), true
}

// StreamIDs returns the ids of all live streams.
func (c *Client) StreamIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.streams))
	for id := range c.streams {
		ids = append(ids, id)
	}
	return ids
}

// LiveStreams returns the number of live streams.
func (c *Client) LiveStreams() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.streams)
}

// Close gracefully shuts down one stream and releases its handle. Idempotent:
// closing an unknown stream is a no-op.
func (c *Client) Close(ctx context.Context, id string) error {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close(ctx)
}

// ForceClose unconditionally releases one stream.
func (c *Client) ForceClose(id string) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()

	if ok {
		s.ForceClose()
	}
}

// CloseAll closes every live stream, escalating to force-close on deadline.
func (c *Client) CloseAll(ctx context.Context) {
	for _, id := range c.StreamIDs() {
		c.mu.Lock()
		s, ok := c.streams[id]
		delete(c.streams, id)
		c.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.Close(ctx); err != nil {
			c.log.Warnf("Graceful close of stream %s failed, forcing: %v", id, err)
			s.ForceClose()
		}
	}
}
