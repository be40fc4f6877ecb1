package integration

import (
	"crypto/rand"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AdvisorClaims describes the bearer token of the advisor filling surveys.
type AdvisorClaims struct {
	UserID string
	Email  string
	// UserIDClaim carries the id as user_id, the way some identity
	// providers do, instead of sub.
	UserIDClaim bool
}

// tokenMinter signs advisor tokens. The mock survey service trusts any
// bearer token, so an HMAC secret is enough.
type tokenMinter struct {
	secret []byte
}

func newTokenMinter(t *testing.T) *tokenMinter {
	t.Helper()
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		t.Fatalf("token secret: %v", err)
	}
	return &tokenMinter{secret: secret}
}

// Mint returns a token for c that expires at exp.
func (m *tokenMinter) Mint(c AdvisorClaims, exp time.Time) string {
	claims := jwt.MapClaims{
		"iss":   "surveysync-integration",
		"exp":   jwt.NewNumericDate(exp),
		"email": c.Email,
	}
	idClaim := "sub"
	if c.UserIDClaim {
		idClaim = "user_id"
	}
	claims[idClaim] = c.UserID

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		panic("mint advisor token: " + err.Error())
	}
	return signed
}
