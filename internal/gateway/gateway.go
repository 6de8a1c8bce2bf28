// Package gateway defines the interface for network entry points and the
// API key handling they share.
package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"
)

// Gateway is a network surface (HTTP API, standalone live stream).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// HashKey returns the hex SHA-256 of an API key, the form keys are stored
// in configuration.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// ClientForKey resolves a plaintext key against hashed keys (SHA-256 hex →
// client name). Every entry is compared in constant time.
func ClientForKey(keys map[string]string, key string) (string, bool) {
	if key == "" {
		return "", false
	}
	hashed := []byte(HashKey(key))
	client, found := "", false
	for h, name := range keys {
		if subtle.ConstantTimeCompare([]byte(strings.ToLower(h)), hashed) == 1 {
			client, found = name, true
		}
	}
	return client, found
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(h, "Bearer ")
}
