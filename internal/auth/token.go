// Package auth inspects access tokens and persists the session login.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// ErrLoggedOut means no usable token is stored.
var ErrLoggedOut = errors.New("auth: logged out")

// expirySkew treats a token as expired slightly early so a request does not
// race its expiry.
const expirySkew = 30 * time.Second

// Token is an access token with the claims the client needs. The signature
// is not verified: the daemon has no key and the server checks every use.
type Token struct {
	Raw       string
	UserID    string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// Parse reads the claims of raw without verifying it.
func Parse(raw string) (Token, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return Token{}, fmt.Errorf("parse token: %w", err)
	}
	t := Token{Raw: raw, UserID: stringClaim(claims, "sub", "id", "userId")}
	if exp, ok := claims["exp"].(float64); ok {
		t.ExpiresAt = time.Unix(int64(exp), 0)
	}
	return t, nil
}

// Expired reports whether the token is past its exp claim at now.
func (t Token) Expired(now time.Time) bool {
	if t.Raw == "" {
		return true
	}
	return !t.ExpiresAt.IsZero() && !now.Add(expirySkew).Before(t.ExpiresAt)
}

func stringClaim(claims jwt.MapClaims, keys ...string) string {
	for _, k := range keys {
		switch v := claims[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
