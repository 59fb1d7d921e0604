package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/crypto"
	"github.com/vyrti/redpill/internal/fileutil"
)

// FileStore persists secrets in a JSON file, each value sealed with
// AES-256-GCM. The file maps session id → kind → hex ciphertext.
type FileStore struct {
	path   string
	cipher *crypto.Cipher

	mu      sync.Mutex
	entries map[string]map[Kind]string
}

// OpenFileStore loads the store at path. A missing file is an empty store.
func OpenFileStore(path string, c *crypto.Cipher) (*FileStore, error) {
	fs := &FileStore{
		path:    path,
		cipher:  c,
		entries: make(map[string]map[Kind]string),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return fs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("credentials: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return fs, nil
	}
	if err := json.Unmarshal(data, &fs.entries); err != nil {
		return nil, fmt.Errorf("credentials: parse %s: %w", path, err)
	}
	return fs, nil
}

func (f *FileStore) GetSecret(sessionID string, kind Kind) ([]byte, error) {
	f.mu.Lock()
	sealed, ok := f.entries[sessionID][kind]
	f.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	secret, err := f.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("credentials: %s for %s: %w", kind, sessionID, err)
	}
	return secret, nil
}

func (f *FileStore) SetSecret(sessionID string, kind Kind, secret []byte) error {
	if !kind.Valid() {
		return ErrInvalidKind
	}
	sealed, err := f.cipher.Seal(secret)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	prev, hadSession := f.entries[sessionID]
	next := make(map[Kind]string, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[kind] = sealed
	f.entries[sessionID] = next
	if err := f.save(); err != nil {
		// keep memory in step with what is on disk
		if hadSession {
			f.entries[sessionID] = prev
		} else {
			delete(f.entries, sessionID)
		}
		return err
	}
	log.Debug().Str("session_id", sessionID).Str("kind", string(kind)).Msg("secret stored")
	return nil
}

func (f *FileStore) DeleteSecrets(sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev, ok := f.entries[sessionID]
	if !ok {
		return nil
	}
	delete(f.entries, sessionID)
	if err := f.save(); err != nil {
		f.entries[sessionID] = prev
		return err
	}
	return nil
}

// save must be called with f.mu held.
func (f *FileStore) save() error {
	data, err := json.MarshalIndent(f.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("credentials: encode: %w", err)
	}
	if err := fileutil.WriteFileAtomic(f.path, data, 0o600); err != nil {
		return fmt.Errorf("credentials: write %s: %w", f.path, err)
	}
	return nil
}

var _ Store = (*FileStore)(nil)
