package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token cannot be parsed
	ErrInvalidToken = errors.New("invalid token")
	// ErrMissingSubject is returned when the token carries no subject claim
	ErrMissingSubject = errors.New("missing subject claim")
)

// OwnerClaims are the identity claims carried by a connection owner's bearer token.
// The token-exchange service is the verification authority; claims are extracted
// here for cache keying and audit attribution only.
type OwnerClaims struct {
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"cognito:groups,omitempty"`
	jwt.RegisteredClaims
}

// ParseOwnerClaims extracts claims from a bearer token without verifying the
// signature. An empty or unparseable token is rejected.
func ParseOwnerClaims(tokenString string) (*OwnerClaims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &OwnerClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, ErrMissingSubject
	}

	return claims, nil
}
