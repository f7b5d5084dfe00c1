// Package auth implements the admission gate for the realtime layer. A
// connection must present a verifiable identity token at handshake time;
// every downstream component trusts the user ID this package returns.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// wrongly-signed credentials. Callers must refuse the connection.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier validates HMAC-signed identity tokens issued by the platform's
// auth service. Token issuance is out of scope; only verification happens
// here.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a Verifier with the given shared signing secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// Verify parses and validates the token and returns the authenticated user
// ID from the subject claim. It returns ErrInvalidToken for any failure so
// callers never learn why admission was refused.
func (v *Verifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		// Only HMAC is accepted; an attacker-supplied "none" or asymmetric
		// method must not reach signature verification.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", token.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// TokenFromRequest extracts the handshake credential from an upgrade request.
// It checks the Authorization bearer header first, then the "token" query
// parameter (browsers cannot set headers on WebSocket upgrades).
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if after, ok := strings.CutPrefix(h, "Bearer "); ok {
			return after
		}
	}
	return r.URL.Query().Get("token")
}
