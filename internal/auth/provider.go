// internal/auth/provider.go

// Package auth exposes the credential the reconnection machinery connects
// with. The client never verifies signatures (that is the server's job); it
// only inspects the token's expiry so it can fall back to a guest connection
// instead of dialing with a dead credential.
package auth

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
)

// Provider is consumed by the reconnection controller to pick between guest
// and credentialed connects.
type Provider interface {
	IsAuthenticated() bool
	Token() string
}

// TokenProvider holds a JWT and reports unauthenticated once it expires.
// Safe for concurrent use.
type TokenProvider struct {
	mu     sync.RWMutex
	token  string
	logger *logrus.Logger
	now    func() time.Time
}

// NewTokenProvider returns a provider with no credential (guest mode).
func NewTokenProvider(logger *logrus.Logger) *TokenProvider {
	return &TokenProvider{logger: logger, now: time.Now}
}

// SetToken replaces the credential. An empty token reverts to guest mode.
func (p *TokenProvider) SetToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = token
}

// Token returns the raw credential, or "" when none is set.
func (p *TokenProvider) Token() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.token
}

// IsAuthenticated reports whether a usable credential is held: a token that
// parses as a JWT and has not passed its exp claim. Tokens without an exp
// claim never expire client-side.
func (p *TokenProvider) IsAuthenticated() bool {
	p.mu.RLock()
	token := p.token
	p.mu.RUnlock()
	if token == "" {
		return false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		p.logger.Warnf("held credential is not a parseable JWT: %v", err)
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		p.logger.Warnf("held credential has a malformed exp claim: %v", err)
		return false
	}
	if exp == nil {
		return true
	}
	return exp.After(p.now())
}
