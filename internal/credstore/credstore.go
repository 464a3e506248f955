// Package credstore manages the single administrator credential, persisted
// as a JSON document rather than a SQL table: unlike gateway keys and
// routing config, there is exactly one admin identity, and a flat file next
// to the gateway's other JSON-document state (sessions, gateway keys) keeps
// it readable and diffable without a migration.
package credstore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrNotInitialized is returned by Verify/ChangePassword before Initialize
// has ever created the credential document.
var ErrNotInitialized = errors.New("credstore: not initialized")

// ErrInvalidCredentials is returned when a username/password pair, or the
// current password supplied to ChangePassword, does not match.
var ErrInvalidCredentials = errors.New("credstore: invalid credentials")

const (
	passwordAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789!@#$%^&*"
	passwordLength   = 16
	saltLength       = 32
)

// document is the on-disk JSON shape.
type document struct {
	Username     string    `json:"username"`
	PasswordHash string    `json:"passwordHash"`
	Salt         string    `json:"salt"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store holds the administrator credential, backed by a JSON file at path.
// All writes are serialized through mu to match the single-writer
// discipline the gateway's SQLite store already uses.
type Store struct {
	path string

	mu  sync.Mutex
	doc *document // nil until Initialize loads or creates it
}

// New returns a Store backed by the JSON document at path. Call Initialize
// before Verify/ChangePassword.
func New(path string) *Store {
	return &Store{path: path}
}

// Initialize loads the credential document from disk if present; otherwise
// it generates a random password and salt, persists the document, and
// returns the plaintext password — the only time it is ever recoverable.
// Calling Initialize again after the document exists is a no-op that
// returns an empty plaintext.
func (s *Store) Initialize() (plaintext string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, loadErr := loadDocument(s.path); loadErr == nil {
		s.doc = doc
		return "", nil
	} else if !os.IsNotExist(loadErr) {
		return "", fmt.Errorf("credstore: load: %w", loadErr)
	}

	password, err := randomPassword(passwordLength)
	if err != nil {
		return "", fmt.Errorf("credstore: generate password: %w", err)
	}
	salt, err := randomHex(saltLength)
	if err != nil {
		return "", fmt.Errorf("credstore: generate salt: %w", err)
	}

	now := time.Now().UTC()
	doc := &document{
		Username:     "admin",
		PasswordHash: hashPassword(password, salt),
		Salt:         salt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := writeDocument(s.path, doc); err != nil {
		return "", fmt.Errorf("credstore: persist: %w", err)
	}
	s.doc = doc
	return password, nil
}

// Verify reports whether username/password match the stored credential.
func (s *Store) Verify(username, password string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return false
	}
	if s.doc.Username != username {
		return false
	}
	got := hashPassword(password, s.doc.Salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.doc.PasswordHash)) == 1
}

// ChangePassword verifies the current password, re-salts, rehashes, and
// rewrites the document.
func (s *Store) ChangePassword(current, newPassword string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return ErrNotInitialized
	}
	got := hashPassword(current, s.doc.Salt)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.doc.PasswordHash)) != 1 {
		return ErrInvalidCredentials
	}

	salt, err := randomHex(saltLength)
	if err != nil {
		return fmt.Errorf("credstore: generate salt: %w", err)
	}
	s.doc.Salt = salt
	s.doc.PasswordHash = hashPassword(newPassword, salt)
	s.doc.UpdatedAt = time.Now().UTC()

	if err := writeDocument(s.path, s.doc); err != nil {
		return fmt.Errorf("credstore: persist: %w", err)
	}
	return nil
}

func hashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

func randomPassword(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func loadDocument(path string) (*document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("credstore: parse %s: %w", path, err)
	}
	return &doc, nil
}

func writeDocument(path string, doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
