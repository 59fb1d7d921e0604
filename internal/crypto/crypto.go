// Package crypto provides AES-256-GCM encryption for secrets at rest.
//
// The key is taken from the REDPILL_ENCRYPTION_KEY environment variable
// (64 hex characters). When unset, a random key is generated once and kept in
// a 0600 key file next to the credential store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vyrti/redpill/internal/fileutil"
)

// EnvKey is the environment variable holding the hex-encoded 256-bit key.
const EnvKey = "REDPILL_ENCRYPTION_KEY"

const keySize = 32

var ErrCiphertextTooShort = errors.New("crypto: ciphertext too short")

// Cipher seals and opens secrets with one AES-256-GCM key.
type Cipher struct {
	aead cipher.AEAD
}

// New returns a Cipher for a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	return &Cipher{aead: gcm}, nil
}

// ParseHexKey decodes a 64-character hex key.
func ParseHexKey(s string) ([]byte, error) {
	k, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex key: %w", err)
	}
	if len(k) != keySize {
		return nil, fmt.Errorf("crypto: key must be %d bytes (%d hex chars), got %d bytes", keySize, keySize*2, len(k))
	}
	return k, nil
}

// LoadKey resolves the encryption key: EnvKey wins; otherwise the key file at
// path is read, or created with a fresh random key if it does not exist.
func LoadKey(path string) ([]byte, error) {
	if v := os.Getenv(EnvKey); v != "" {
		k, err := ParseHexKey(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EnvKey, err)
		}
		return k, nil
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return ParseHexKey(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("crypto: read key file: %w", err)
	}

	k := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return nil, fmt.Errorf("crypto: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, []byte(hex.EncodeToString(k)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("crypto: write key file: %w", err)
	}
	return k, nil
}

// Seal encrypts plaintext and returns hex(nonce || ciphertext || tag).
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("crypto: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// Open decrypts the output of Seal.
func (c *Cipher) Open(ciphertextHex string) ([]byte, error) {
	data, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid hex ciphertext: %w", err)
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: decryption failed: %w", err)
	}
	return plaintext, nil
}
