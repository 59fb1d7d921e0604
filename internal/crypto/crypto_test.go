package crypto_test

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyrti/redpill/internal/crypto"
)

func newCipher(t *testing.T) *crypto.Cipher {
	t.Helper()
	c, err := crypto.New(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := newCipher(t)

	tests := []string{
		"",
		"hello",
		"a longer secret value with special chars: !@#$%^&*()",
		"中文密码测试",
		strings.Repeat("x", 10000),
	}

	for _, plaintext := range tests {
		sealed, err := c.Seal([]byte(plaintext))
		if err != nil {
			t.Fatalf("Seal(%q) error: %v", plaintext, err)
		}
		// nonce and tag are present even for empty plaintext
		if sealed == "" {
			t.Fatal("sealed result is empty")
		}

		opened, err := c.Open(sealed)
		if err != nil {
			t.Fatalf("Open error: %v", err)
		}
		if string(opened) != plaintext {
			t.Errorf("roundtrip mismatch: got %q, want %q", opened, plaintext)
		}
	}
}

func TestSealProducesDifferentCiphertexts(t *testing.T) {
	c := newCipher(t)

	a, _ := c.Seal([]byte("same-value"))
	b, _ := c.Seal([]byte("same-value"))
	if a == b {
		t.Error("two seals of the same value should differ (random nonce)")
	}
}

func TestOpenRejectsBadInput(t *testing.T) {
	c := newCipher(t)

	if _, err := c.Open("not-valid-hex!"); err == nil {
		t.Error("expected error for invalid hex input")
	}
	if _, err := c.Open("aabb"); err == nil {
		t.Error("expected error for too-short ciphertext")
	}

	sealed, _ := c.Seal([]byte("secret"))
	tampered := []byte(sealed)
	mid := len(tampered) / 2
	if tampered[mid] == 'a' {
		tampered[mid] = 'b'
	} else {
		tampered[mid] = 'a'
	}
	if _, err := c.Open(string(tampered)); err == nil {
		t.Error("expected error for tampered ciphertext")
	}
}

func TestOpenWithWrongKey(t *testing.T) {
	sealed, _ := newCipher(t).Seal([]byte("secret"))

	other, err := crypto.New(bytes.Repeat([]byte{0x17}, 32))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := other.Open(sealed); err == nil {
		t.Error("expected error opening with a different key")
	}
}

func TestNewInvalidKeyLength(t *testing.T) {
	if _, err := crypto.New([]byte{1, 2}); err == nil {
		t.Error("expected error for short key")
	}
	if _, err := crypto.ParseHexKey("aabb"); err == nil {
		t.Error("expected error for short hex key")
	}
}

func TestLoadKeyFromEnv(t *testing.T) {
	t.Setenv(crypto.EnvKey, strings.Repeat("ab", 32))

	k, err := crypto.LoadKey(filepath.Join(t.TempDir(), "unused.key"))
	if err != nil {
		t.Fatalf("LoadKey: %v", err)
	}
	if !bytes.Equal(k, bytes.Repeat([]byte{0xab}, 32)) {
		t.Errorf("key from env not used: %x", k)
	}
}

func TestLoadKeyGeneratesAndReusesFile(t *testing.T) {
	t.Setenv(crypto.EnvKey, "")
	path := filepath.Join(t.TempDir(), "keys", "secrets.key")

	first, err := crypto.LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey generate: %v", err)
	}
	second, err := crypto.LoadKey(path)
	if err != nil {
		t.Fatalf("LoadKey reuse: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Error("key file was not reused")
	}
}
