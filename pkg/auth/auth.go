// Package auth protects the local invoke server with API keys. Keys are only
// held as bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// HeaderAPIKey carries the key when no Authorization header is sent.
const HeaderAPIKey = "X-Api-Key"

var ErrEmptyKey = errors.New("api key must not be empty")

// APIKeys validates presented keys against a set of bcrypt hashes.
type APIKeys struct {
	mu     sync.RWMutex
	hashes [][]byte
	// accepted caches keys that already matched, so bcrypt runs once per key
	accepted map[string]struct{}
}

// NewAPIKeys hashes keys. Empty strings are rejected.
func NewAPIKeys(keys ...string) (*APIKeys, error) {
	a := &APIKeys{accepted: make(map[string]struct{})}
	for _, k := range keys {
		if err := a.Add(k); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Add registers another key.
func (a *APIKeys) Add(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash api key: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes = append(a.hashes, hash)
	return nil
}

// Len returns the number of registered keys.
func (a *APIKeys) Len() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.hashes)
}

// Validate reports whether key matches one of the registered keys.
func (a *APIKeys) Validate(key string) bool {
	if a == nil || key == "" {
		return false
	}
	a.mu.RLock()
	for k := range a.accepted {
		if SecureCompare(k, key) {
			a.mu.RUnlock()
			return true
		}
	}
	hashes := a.hashes
	a.mu.RUnlock()

	for _, h := range hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			a.mu.Lock()
			a.accepted[key] = struct{}{}
			a.mu.Unlock()
			return true
		}
	}
	return false
}

// GenerateAPIKey returns a new random key.
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.URLEncoding.EncodeToString(keyBytes), nil
}

// FromRequest extracts the presented key from a bearer token or the
// X-Api-Key header.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.Header.Get(HeaderAPIKey)
}

// Middleware rejects requests without a valid key. Paths in public are
// served without one. A nil or empty key set disables the check.
func Middleware(keys *APIKeys, public ...string) func(http.Handler) http.Handler {
	open := make(map[string]struct{}, len(public))
	for _, p := range public {
		open[p] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		if keys.Len() == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := open[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}
			if !keys.Validate(FromRequest(r)) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="safeinit"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
