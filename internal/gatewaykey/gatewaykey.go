// Package gatewaykey implements the gateway-issued API key store: keys an
// admin mints for callers that should not see provider credentials. Unlike
// the gandalf-inherited `internal/app/keymanager.go` (SQL-table-backed,
// `gnd_`-prefixed, fixed-length), these keys are persisted as a single JSON
// document and use a longer, base62 plaintext so they read unambiguously as
// gateway issued rather than provider-native.
package gatewaykey

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an operation references an unknown key id.
var ErrNotFound = errors.New("gatewaykey: not found")

const (
	plaintextPrefix = "gw-"
	randomChars     = 48
	docVersion      = 1
	base62Alphabet  = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
)

// Key is a single gateway key record. KeyHash, never the plaintext, is what
// persists; Prefix is derived once at creation and never changes.
type Key struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Prefix      string     `json:"prefix"`
	KeyHash     string     `json:"keyHash"`
	Scopes      []string   `json:"scopes,omitempty"`
	RateLimit   int        `json:"rateLimit,omitempty"`
	Enabled     bool       `json:"enabled"`
	CreatedAt   time.Time  `json:"createdAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
	UsageCount  int64      `json:"usageCount"`
}

// usable reports whether a key can currently authenticate a request.
func (k *Key) usable(now time.Time) bool {
	if !k.Enabled {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// document is the on-disk JSON shape: {version, keys[]}.
type document struct {
	Version int   `json:"version"`
	Keys    []*Key `json:"keys"`
}

// Stats summarizes the key population.
type Stats struct {
	Total      int
	Active     int
	Disabled   int
	Expired    int
	TotalUsage int64
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Valid  bool
	Key    *Key
	Reason string
}

// Store is the gateway key registry, persisted as a single JSON document.
// Reads may run concurrently; writes are serialized through mu, and
// persistence after a Verify-driven usage update happens on a detached
// goroutine so the hot auth path never blocks on disk I/O.
type Store struct {
	path string

	mu      sync.RWMutex
	keys    map[string]*Key // id -> key
	byHash  map[string]*Key // keyHash -> key
}

// New returns a Store backed by the JSON document at path. Load should be
// called once at startup to populate it from disk.
func New(path string) *Store {
	return &Store{
		path:   path,
		keys:   make(map[string]*Key),
		byHash: make(map[string]*Key),
	}
}

// Load reads the document at path, if any, into memory. A missing file is
// not an error — the store simply starts empty.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gatewaykey: load: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("gatewaykey: parse %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range doc.Keys {
		s.keys[k.ID] = k
		s.byHash[k.KeyHash] = k
	}
	return nil
}

// Create mints a new key, persists it, and returns the record alongside its
// plaintext — the only time the plaintext is ever available.
func (s *Store) Create(name string, scopes []string, rateLimit int, expiresAt *time.Time) (plaintext string, key *Key, err error) {
	plaintext, err = randomPlaintext()
	if err != nil {
		return "", nil, fmt.Errorf("gatewaykey: generate: %w", err)
	}

	k := &Key{
		ID:        uuid.NewString(),
		Name:      name,
		Prefix:    prefixOf(plaintext),
		KeyHash:   hashKey(plaintext),
		Scopes:    scopes,
		RateLimit: rateLimit,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	}

	s.mu.Lock()
	s.keys[k.ID] = k
	s.byHash[k.KeyHash] = k
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return "", nil, err
	}
	return plaintext, k, nil
}

// Verify checks plaintext against the hash index, and on success increments
// usage counters and schedules an asynchronous persist.
func (s *Store) Verify(plaintext string) VerifyResult {
	hash := hashKey(plaintext)

	s.mu.RLock()
	k, ok := s.byHash[hash]
	s.mu.RUnlock()
	if !ok {
		return VerifyResult{Valid: false, Reason: "not_found"}
	}

	// Constant-time re-compare even though the map lookup already matched
	// on the full hash, guarding against any future switch to a
	// partial/truncated index.
	if subtle.ConstantTimeCompare([]byte(k.KeyHash), []byte(hash)) != 1 {
		return VerifyResult{Valid: false, Reason: "not_found"}
	}

	now := time.Now()
	s.mu.Lock()
	if !k.Enabled {
		s.mu.Unlock()
		return VerifyResult{Valid: false, Key: k, Reason: "disabled"}
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		s.mu.Unlock()
		return VerifyResult{Valid: false, Key: k, Reason: "expired"}
	}
	k.UsageCount++
	k.LastUsedAt = &now
	s.mu.Unlock()

	go func() {
		if err := s.persist(); err != nil {
			slog.Warn("gatewaykey: async persist failed", "error", err)
		}
	}()

	return VerifyResult{Valid: true, Key: k}
}

// List returns every key, sorted by CreatedAt ascending.
func (s *Store) List() []*Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Key, 0, len(s.keys))
	for _, k := range s.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListActive returns only keys currently usable.
func (s *Store) ListActive() []*Key {
	now := time.Now()
	all := s.List()
	out := make([]*Key, 0, len(all))
	for _, k := range all {
		if k.usable(now) {
			out = append(out, k)
		}
	}
	return out
}

// SetEnabled toggles a key's enabled flag.
func (s *Store) SetEnabled(id string, enabled bool) error {
	s.mu.Lock()
	k, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	k.Enabled = enabled
	s.mu.Unlock()
	return s.persist()
}

// Revoke removes a key entirely.
func (s *Store) Revoke(id string) error {
	s.mu.Lock()
	k, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	delete(s.keys, id)
	delete(s.byHash, k.KeyHash)
	s.mu.Unlock()
	return s.persist()
}

// Update edits the mutable fields of a key: name, scopes, rate limit, and
// expiry. A nil pointer/slice leaves the corresponding field unchanged.
func (s *Store) Update(id string, name *string, scopes []string, rateLimit *int, expiresAt *time.Time) error {
	s.mu.Lock()
	k, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if name != nil {
		k.Name = *name
	}
	if scopes != nil {
		k.Scopes = scopes
	}
	if rateLimit != nil {
		k.RateLimit = *rateLimit
	}
	if expiresAt != nil {
		k.ExpiresAt = expiresAt
	}
	s.mu.Unlock()
	return s.persist()
}

// Regenerate issues a fresh plaintext/hash for an existing key id, resetting
// usage counters. The old hash-index entry is dropped so the previous
// plaintext stops working immediately.
func (s *Store) Regenerate(id string) (plaintext string, err error) {
	plaintext, err = randomPlaintext()
	if err != nil {
		return "", fmt.Errorf("gatewaykey: generate: %w", err)
	}

	s.mu.Lock()
	k, ok := s.keys[id]
	if !ok {
		s.mu.Unlock()
		return "", ErrNotFound
	}
	delete(s.byHash, k.KeyHash)
	k.Prefix = prefixOf(plaintext)
	k.KeyHash = hashKey(plaintext)
	k.UsageCount = 0
	k.LastUsedAt = nil
	s.byHash[k.KeyHash] = k
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		return "", err
	}
	return plaintext, nil
}

// Stats summarizes the current key population.
func (s *Store) Stats() Stats {
	now := time.Now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st Stats
	st.Total = len(s.keys)
	for _, k := range s.keys {
		st.TotalUsage += k.UsageCount
		switch {
		case !k.Enabled:
			st.Disabled++
		case k.ExpiresAt != nil && !k.ExpiresAt.After(now):
			st.Expired++
		default:
			st.Active++
		}
	}
	return st
}

func (s *Store) persist() error {
	s.mu.RLock()
	doc := document{Version: docVersion, Keys: make([]*Key, 0, len(s.keys))}
	for _, k := range s.keys {
		doc.Keys = append(doc.Keys, k)
	}
	s.mu.RUnlock()

	sort.Slice(doc.Keys, func(i, j int) bool { return doc.Keys[i].CreatedAt.Before(doc.Keys[j].CreatedAt) })

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("gatewaykey: marshal: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("gatewaykey: persist: %w", err)
	}
	return nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// prefixOf returns the first-6-last-4 display prefix of a plaintext key.
func prefixOf(plaintext string) string {
	if len(plaintext) < 10 {
		return plaintext
	}
	return plaintext[:6] + "..." + plaintext[len(plaintext)-4:]
}

func randomPlaintext() (string, error) {
	buf := make([]byte, randomChars)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, randomChars)
	for i, b := range buf {
		out[i] = base62Alphabet[int(b)%len(base62Alphabet)]
	}
	return plaintextPrefix + string(out), nil
}
