// Package credentials stores the secrets used to authenticate remote
// sessions. Secrets are keyed by (session id, kind) and never live in the
// session catalogue.
package credentials

import (
	"errors"
	"sync"
)

// Kind names a secret slot for one session.
type Kind string

const (
	KindPassword   Kind = "password"
	KindPassphrase Kind = "passphrase"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindPassword || k == KindPassphrase
}

var (
	// ErrNotFound is returned when no secret is stored for the key.
	ErrNotFound = errors.New("credentials: secret not found")
	// ErrInvalidKind is returned for an unknown secret kind.
	ErrInvalidKind = errors.New("credentials: invalid secret kind")
)

// Store is the secure credential store. GetSecret returns a fresh copy the
// caller may zero after use.
type Store interface {
	GetSecret(sessionID string, kind Kind) ([]byte, error)
	SetSecret(sessionID string, kind Kind, secret []byte) error
	DeleteSecrets(sessionID string) error
}

// Zero overwrites b with zeros.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// MemoryStore keeps secrets in process memory. Used by tests and by the CLI
// when a secret is entered interactively for a single connection.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string]map[Kind][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string]map[Kind][]byte)}
}

func (m *MemoryStore) GetSecret(sessionID string, kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[sessionID][kind]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), s...), nil
}

func (m *MemoryStore) SetSecret(sessionID string, kind Kind, secret []byte) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secrets[sessionID] == nil {
		m.secrets[sessionID] = make(map[Kind][]byte)
	}
	m.secrets[sessionID][kind] = append([]byte(nil), secret...)
	return nil
}

func (m *MemoryStore) DeleteSecrets(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.secrets[sessionID] {
		Zero(s)
	}
	delete(m.secrets, sessionID)
	return nil
}

var _ Store = (*MemoryStore)(nil)
