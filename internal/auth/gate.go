// Package auth gates requests behind an optional shared secret.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// PublicPaths are always allowed, whatever the secret configuration.
var PublicPaths = map[string]bool{
	"/health":  true,
	"/healthz": true,
	"/ready":   true,
}

const (
	bearerPrefix = "Bearer "
	headerAPIKey = "X-API-Key"
	queryAPIKey  = "api_key"

	// DeniedMessage is the detail returned with a 401.
	DeniedMessage = "Invalid or missing API key"
)

// Gate decides whether a request may proceed. A Gate with an empty secret allows everything.
type Gate struct {
	secret []byte
}

func NewGate(secret string) *Gate {
	return &Gate{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (g *Gate) Enabled() bool { return len(g.secret) > 0 }

// Allow accepts the secret as a Bearer token, an api_key query parameter or an X-API-Key header.
func (g *Gate) Allow(r *http.Request) bool {
	if PublicPaths[r.URL.Path] || !g.Enabled() {
		return true
	}
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		if g.matches(header[len(bearerPrefix):]) {
			return true
		}
	}
	if g.matches(r.URL.Query().Get(queryAPIKey)) {
		return true
	}
	return g.matches(r.Header.Get(headerAPIKey))
}

func (g *Gate) matches(candidate string) bool {
	if candidate == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(candidate), g.secret) == 1
}
