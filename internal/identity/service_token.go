package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"orpheus/internal/adapters/config"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// RefreshMargin is the safety skirt before token expiry. A token inside the
// margin is never served; the caller blocks on a synchronous refresh instead.
const RefreshMargin = 300 * time.Second

const (
	minRetryBackoff = 1 * time.Second
	maxRetryBackoff = 30 * time.Second
)

// ServiceTokenSource holds the single process-wide service-level credential,
// obtained via the client-credentials grant and refreshed lazily.
type ServiceTokenSource struct {
	cfg  config.IdentityConfig
	http *http.Client
	log  *logger.Logger

	mu          sync.Mutex
	accessToken string
	expiry      time.Time
	nextRetry   time.Time
	backoff     time.Duration

	now func() time.Time
}

// NewServiceTokenSource creates a token source for the gateway's M2M credential.
func NewServiceTokenSource(cfg config.IdentityConfig) *ServiceTokenSource {
	return &ServiceTokenSource{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		log:     logger.Get().With("component", "service_token"),
		backoff: minRetryBackoff,
		now:     time.Now,
	}
}

// Token returns a valid service-level access token, refreshing synchronously
// when the cached one is within the expiry margin.
func (s *ServiceTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && s.now().Before(s.expiry.Add(-RefreshMargin)) {
		return s.accessToken, nil
	}

	// Failed refreshes back off; do not hammer the token endpoint on every call.
	if s.now().Before(s.nextRetry) {
		return "", errors.Wrapf(errors.ErrCredentialRefresh, "retry suppressed until %s", s.nextRetry.Format(time.RFC3339))
	}

	if err := s.refreshLocked(ctx); err != nil {
		s.nextRetry = s.now().Add(s.backoff)
		s.backoff *= 2
		if s.backoff > maxRetryBackoff {
			s.backoff = maxRetryBackoff
		}
		return "", err
	}

	s.backoff = minRetryBackoff
	s.nextRetry = time.Time{}
	return s.accessToken, nil
}

func (s *ServiceTokenSource) refreshLocked(ctx context.Context) error {
	scope := fmt.Sprintf("%s/gateway:read %s/gateway:write", s.cfg.ResourceServerID, s.cfg.ResourceServerID)

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("scope", scope)

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return errors.Wrap(errors.ErrCredentialRefresh, err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrCredentialRefresh, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(errors.ErrCredentialRefresh, "token endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(errors.ErrCredentialRefresh, "decoding token response")
	}
	if body.AccessToken == "" {
		return errors.Wrap(errors.ErrCredentialRefresh, "empty access token in response")
	}

	s.accessToken = body.AccessToken
	s.expiry = s.now().Add(time.Duration(body.ExpiresIn) * time.Second)
	s.log.Debugf("Service token refreshed, expires in %ds", body.ExpiresIn)
	return nil
}
