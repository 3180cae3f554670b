package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"orpheus/internal/adapters/config"
	"orpheus/pkg/auth"
	"orpheus/pkg/errors"
	"orpheus/pkg/logger"
)

// OwnerCredentials are access credentials scoped to one connection owner.
// They are the only credentials a streaming client may be built with.
type OwnerCredentials struct {
	Subject     string
	Email       string
	AccessToken string
	Expiry      time.Time
}

// Valid reports whether the credentials are outside the expiry margin.
func (c *OwnerCredentials) Valid(now time.Time) bool {
	return c != nil && c.AccessToken != "" && now.Before(c.Expiry.Add(-RefreshMargin))
}

// Exchanger turns a connection owner's bearer identity token into owner-scoped
// access credentials via the token-exchange collaborator, caching per subject.
type Exchanger struct {
	cfg  config.IdentityConfig
	http *http.Client
	log  *logger.Logger

	mu    sync.Mutex
	cache map[string]*OwnerCredentials

	now func() time.Time
}

// NewExchanger creates a new owner-credential exchanger.
func NewExchanger(cfg config.IdentityConfig) *Exchanger {
	return &Exchanger{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.RequestTimeout},
		log:   logger.Get().With("component", "token_exchange"),
		cache: make(map[string]*OwnerCredentials),
		now:   time.Now,
	}
}

// Exchange returns owner-scoped credentials for the presented bearer token.
// Cached credentials are reused until they enter the expiry margin.
func (e *Exchanger) Exchange(ctx context.Context, bearerToken string) (*OwnerCredentials, error) {
	if bearerToken == "" {
		return nil, errors.ErrMissingOwnerToken
	}

	claims, err := auth.ParseOwnerClaims(bearerToken)
	if err != nil {
		return nil, errors.Wrap(errors.ErrMissingOwnerToken, err.Error())
	}

	e.mu.Lock()
	if cached, ok := e.cache[claims.Subject]; ok && cached.Valid(e.now()) {
		e.mu.Unlock()
		e.log.Debugf("Using cached credentials for subject %s", claims.Subject)
		return cached, nil
	}
	delete(e.cache, claims.Subject)
	e.mu.Unlock()

	creds, err := e.exchange(ctx, bearerToken, claims)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[claims.Subject] = creds
	e.mu.Unlock()

	return creds, nil
}

// Invalidate drops cached credentials for a subject, forcing the next
// Exchange call to hit the collaborator again.
func (e *Exchanger) Invalidate(subject string) {
	e.mu.Lock()
	delete(e.cache, subject)
	e.mu.Unlock()
}

func (e *Exchanger) exchange(ctx context.Context, bearerToken string, claims *auth.OwnerClaims) (*OwnerCredentials, error) {
	payload, err := json.Marshal(map[string]string{"token": bearerToken})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCredentialRefresh, err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.ExchangeURL, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCredentialRefresh, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := e.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCredentialRefresh, err.Error())
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, errors.NewDomainError("token_expired",
			fmt.Sprintf("exchange rejected with %d", resp.StatusCode), errors.ErrTokenExpired)
	default:
		return nil, errors.Wrapf(errors.ErrCredentialRefresh, "exchange endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(errors.ErrCredentialRefresh, "decoding exchange response")
	}
	if body.AccessToken == "" {
		return nil, errors.Wrap(errors.ErrCredentialRefresh, "empty access token in exchange response")
	}

	e.log.Infof("Exchanged credentials for subject %s", claims.Subject)

	return &OwnerCredentials{
		Subject:     claims.Subject,
		Email:       claims.Email,
		AccessToken: body.AccessToken,
		Expiry:      e.now().Add(time.Duration(body.ExpiresIn) * time.Second),
	}, nil
}
