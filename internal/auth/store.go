// Package auth guards the console: CSRF tokens for its forms, API keys
// for the MCP endpoint, and per-address login throttling. All state is
// in-memory and lost on restart.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"
)

const (
	// csrfExpiry controls how long a CSRF token remains valid.
	csrfExpiry = 10 * time.Minute

	// maxCSRF caps outstanding CSRF tokens so anonymous form loads
	// cannot grow the map without bound.
	maxCSRF = 1000

	// cleanupInterval controls how often expired entries are reaped.
	cleanupInterval = 5 * time.Minute

	// csrfTokenBytes is hex-encoded to twice this length.
	csrfTokenBytes = 16
)

// APIKey identifies an operator allowed to call the MCP endpoint.
type APIKey struct {
	UserID string
	hash   [sha256.Size]byte
}

// Store holds CSRF tokens and API keys.
type Store struct {
	mu      sync.Mutex
	csrf    map[string]time.Time
	apiKeys []APIKey
	logger  *slog.Logger
	now     func() time.Time
	stopGC  chan struct{}
	stopped sync.Once
}

// NewStore creates an empty store and starts a background goroutine
// that removes expired CSRF tokens. Call Stop to end it.
func NewStore(logger *slog.Logger) *Store {
	s := &Store{
		csrf:   make(map[string]time.Time),
		logger: logger,
		now:    time.Now,
		stopGC: make(chan struct{}),
	}
	go s.gcLoop()

	return s
}

// Stop terminates the background cleanup goroutine.
func (s *Store) Stop() {
	s.stopped.Do(func() { close(s.stopGC) })
}

func (s *Store) gcLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopGC:
			return
		}
	}
}

func (s *Store) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, exp := range s.csrf {
		if now.After(exp) {
			delete(s.csrf, k)
		}
	}
}

// NewCSRF issues a CSRF token valid for csrfExpiry.
func (s *Store) NewCSRF() string {
	token := RandomHex(csrfTokenBytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.csrf) >= maxCSRF {
		now := s.now()
		for k, exp := range s.csrf {
			if now.After(exp) {
				delete(s.csrf, k)
			}
		}

		if len(s.csrf) >= maxCSRF {
			s.logger.Warn("csrf store full, dropping oldest entries")

			for k := range s.csrf {
				delete(s.csrf, k)

				if len(s.csrf) < maxCSRF/2 {
					break
				}
			}
		}
	}

	s.csrf[token] = s.now().Add(csrfExpiry)

	return token
}

// ConsumeCSRF deletes the token and reports whether it was valid.
func (s *Store) ConsumeCSRF(token string) bool {
	if token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.csrf[token]
	if !ok {
		return false
	}

	delete(s.csrf, token)

	return s.now().Before(exp)
}

// AddAPIKey registers a key for userID. Only a hash is kept.
func (s *Store) AddAPIKey(userID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.apiKeys = append(s.apiKeys, APIKey{UserID: userID, hash: sha256.Sum256([]byte(key))})
}

// ValidateAPIKey returns the matching key or nil. Every registered key
// is compared so the time taken does not reveal which one matched.
func (s *Store) ValidateAPIKey(key string) *APIKey {
	h := sha256.Sum256([]byte(key))

	s.mu.Lock()
	defer s.mu.Unlock()

	var found *APIKey

	for i := range s.apiKeys {
		if subtle.ConstantTimeCompare(s.apiKeys[i].hash[:], h[:]) == 1 {
			k := s.apiKeys[i]
			found = &k
		}
	}

	return found
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
