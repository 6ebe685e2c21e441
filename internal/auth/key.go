// Package auth guards the HTTP API with a shared API key and per-client
// rate limits.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strings"
)

// EnvVar is the environment variable holding the server API key.
const EnvVar = "AIDA_API_KEY"

var (
	// ErrMissingKey means the request carried no credentials.
	ErrMissingKey = errors.New("auth: missing API key")
	// ErrMalformed means the Authorization header is not a bearer token.
	ErrMalformed = errors.New("auth: expected 'Authorization: Bearer <key>'")
	// ErrInvalidKey means the key did not match.
	ErrInvalidKey = errors.New("auth: invalid API key")
)

// ValidateKey compares keys in constant time. An empty expected key never
// matches.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from AIDA_API_KEY.
func KeyFromEnv() string {
	return os.Getenv(EnvVar)
}

// Token extracts the caller's key from a bearer Authorization header or,
// failing that, the X-API-Key header.
func Token(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrMalformed
		}
		return strings.TrimSpace(token), nil
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k, nil
	}
	return "", ErrMissingKey
}
