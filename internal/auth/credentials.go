// Package auth holds the bearer credentials used against the survey service.
package auth

import (
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credentials stores the bearer token for the survey service. When the token
// is a JWT, its subject and expiry are read without verifying the signature:
// the survey service verifies it, the client only needs the user id and to
// stop sending an expired token.
type Credentials struct {
	mu      sync.RWMutex
	token   string
	subject string
	expires time.Time
	now     func() time.Time
}

// NewCredentials returns Credentials holding token. An empty token means
// unauthenticated.
func NewCredentials(token string) *Credentials {
	c := &Credentials{now: time.Now}
	c.Set(token)
	return c
}

// FromEnv returns Credentials holding the token in the named environment
// variable.
func FromEnv(name string) *Credentials {
	if name == "" {
		return NewCredentials("")
	}
	return NewCredentials(os.Getenv(name))
}

// WithClock overrides the time source used for expiry checks.
func (c *Credentials) WithClock(now func() time.Time) *Credentials {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Set replaces the token.
func (c *Credentials) Set(token string) {
	subject, expires := parseClaims(token)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.subject = subject
	c.expires = expires
}

// Clear removes the token, typically after the survey service rejects it.
func (c *Credentials) Clear() {
	if c == nil {
		return
	}
	c.Set("")
}

// Token returns the bearer token. An expired JWT is reported as absent.
func (c *Credentials) Token() (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" {
		return "", false
	}
	if !c.expires.IsZero() && !c.now().Before(c.expires) {
		return "", false
	}
	return c.token, true
}

// Subject returns the user id carried by the token, or "" for opaque tokens.
func (c *Credentials) Subject() string {
	if c == nil {
		return ""
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

// parseClaims extracts the subject and expiry from a JWT. Opaque tokens
// yield zero values.
func parseClaims(token string) (string, time.Time) {
	if token == "" {
		return "", time.Time{}
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", time.Time{}
	}

	subject, _ := claims.GetSubject()
	if subject == "" {
		if uid, ok := claims["user_id"].(string); ok {
			subject = uid
		}
	}

	var expires time.Time
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		expires = exp.Time
	}
	return subject, expires
}
