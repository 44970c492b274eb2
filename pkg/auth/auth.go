// Package auth guards the HTTP API with static API keys.
//
// Keys are configured either in plain text or as bcrypt hashes (anything
// starting with "$2"), so deployments can keep only hashes in their
// configuration.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingKey = errors.New("missing Authorization header")
	ErrInvalidKey = errors.New("invalid API key")
)

// KeyPrefix marks keys generated by GenerateAPIKey
const KeyPrefix = "sw_"

// APIKeys is an immutable set of accepted keys
type APIKeys struct {
	plain  [][]byte
	hashed [][]byte
}

// NewAPIKeys builds a key set. Empty entries are ignored.
func NewAPIKeys(keys ...string) *APIKeys {
	k := &APIKeys{}
	for _, key := range keys {
		key = strings.TrimSpace(key)
		switch {
		case key == "":
		case strings.HasPrefix(key, "$2"):
			k.hashed = append(k.hashed, []byte(key))
		default:
			k.plain = append(k.plain, []byte(key))
		}
	}
	return k
}

// Enabled reports whether any key is configured
func (k *APIKeys) Enabled() bool {
	return k != nil && len(k.plain)+len(k.hashed) > 0
}

// Validate checks a presented key
func (k *APIKeys) Validate(key string) error {
	if key == "" {
		return ErrMissingKey
	}
	presented := []byte(key)
	for _, p := range k.plain {
		if subtle.ConstantTimeCompare(presented, p) == 1 {
			return nil
		}
	}
	for _, h := range k.hashed {
		if bcrypt.CompareHashAndPassword(h, presented) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// BearerToken extracts the key from an "Authorization: Bearer <key>" header
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// Middleware rejects requests without a valid key. Paths in skip are
// served without authentication.
func (k *APIKeys) Middleware(skip ...string) func(http.Handler) http.Handler {
	open := make(map[string]bool, len(skip))
	for _, p := range skip {
		open[p] = true
	}

	return func(next http.Handler) http.Handler {
		if !k.Enabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if err := k.Validate(BearerToken(r)); err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("WWW-Authenticate", `Bearer realm="stormwater"`)
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"message": err.Error()})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GenerateAPIKey returns a new random key and its bcrypt hash
func GenerateAPIKey() (key, hash string, err error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(keyBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return key, string(h), nil
}
