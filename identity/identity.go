// Package identity is the gate between the signed-out and signed-in views. The identity provider
// owns credentials and sessions; this package only fetches the bearer token on demand and reads
// its registered claims to decide whether a user is signed in. Signatures are checked by the
// backend, never here.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken is returned when a token source has no token to give
	ErrNoToken = errors.New("no bearer token available")

	// ErrMalformedToken is returned when a token is not a JWT
	ErrMalformedToken = errors.New("bearer token is not a JWT")

	// ErrExpired is returned when a token's exp claim is in the past
	ErrExpired = errors.New("bearer token is expired")
)

// TokenSource hands out a bearer token for the current user. Token is called once per request so
// implementations may refresh between calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// TokenSourceFunc adapts a function to TokenSource.
type TokenSourceFunc func(ctx context.Context) (string, error)

// Token implements TokenSource.
func (f TokenSourceFunc) Token(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(ctx context.Context) (string, error) {
	token := strings.TrimSpace(string(s))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// FileTokenSource reads the token from a file on every call, so a token refreshed by another
// process is picked up without a restart.
type FileTokenSource struct {
	Path string
}

// Token implements TokenSource.
func (s FileTokenSource) Token(ctx context.Context) (string, error) {
	raw, err := os.ReadFile(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("%w : %s does not exist", ErrNoToken, s.Path)
		}
		return "", fmt.Errorf("reading token file %s : %w", s.Path, err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w : %s is empty", ErrNoToken, s.Path)
	}
	return token, nil
}

// EnvTokenSource reads the token from an environment variable on every call.
type EnvTokenSource struct {
	Name string
}

// Token implements TokenSource.
func (s EnvTokenSource) Token(ctx context.Context) (string, error) {
	token := strings.TrimSpace(os.Getenv(s.Name))
	if token == "" {
		return "", fmt.Errorf("%w : %s is not set", ErrNoToken, s.Name)
	}
	return token, nil
}

// Claims are the registered claims read from a bearer token.
type Claims struct {
	Subject   string
	Issuer    string
	ExpiresAt time.Time // Zero when the token carries no exp
}

// ParseClaims decodes the registered claims of token without verifying its signature.
func ParseClaims(token string) (Claims, error) {
	var registered jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &registered); err != nil {
		return Claims{}, fmt.Errorf("%w : %w", ErrMalformedToken, err)
	}

	claims := Claims{
		Subject: registered.Subject,
		Issuer:  registered.Issuer,
	}
	if registered.ExpiresAt != nil {
		claims.ExpiresAt = registered.ExpiresAt.Time.UTC()
	}
	return claims, nil
}

// Session is the signed-in state of the current user as seen through a TokenSource.
type Session struct {
	Source TokenSource
	Now    func() time.Time
}

// NewSession creates a Session reading tokens from source.
func NewSession(source TokenSource) *Session {
	return &Session{Source: source, Now: time.Now}
}

// Claims fetches a token and returns its claims. A token past its exp returns ErrExpired.
func (s *Session) Claims(ctx context.Context) (Claims, error) {
	if s == nil || s.Source == nil {
		return Claims{}, ErrNoToken
	}
	token, err := s.Source.Token(ctx)
	if err != nil {
		return Claims{}, err
	}
	if token == "" {
		return Claims{}, ErrNoToken
	}

	claims, err := ParseClaims(token)
	if err != nil {
		return Claims{}, err
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	if !claims.ExpiresAt.IsZero() && !claims.ExpiresAt.After(now().UTC()) {
		return claims, ErrExpired
	}
	return claims, nil
}

// SignedIn reports whether the current user holds a usable token.
func (s *Session) SignedIn(ctx context.Context) bool {
	_, err := s.Claims(ctx)
	return err == nil
}
