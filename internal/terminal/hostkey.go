package terminal

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyPolicy decides whether a server's host key is accepted.
//
// With a KnownHostsPath the policy verifies keys against an OpenSSH
// known_hosts file. Hosts with no entry are trusted on first use and
// appended; a host whose recorded key differs is refused with
// ErrHostKeyMismatch.
type HostKeyPolicy struct {
	// KnownHostsPath is the known_hosts file. It is created if missing.
	KnownHostsPath string
	// Insecure accepts every key without recording it. Tests only.
	Insecure bool

	mu sync.Mutex // serializes known_hosts reads and appends
}

// InsecureHostKeys returns a policy that accepts any host key.
func InsecureHostKeys() *HostKeyPolicy {
	return &HostKeyPolicy{Insecure: true}
}

// callback builds the ssh.HostKeyCallback for one connection attempt.
func (p *HostKeyPolicy) callback() cryptossh.HostKeyCallback {
	if p == nil || p.Insecure || p.KnownHostsPath == "" {
		return cryptossh.InsecureIgnoreHostKey() //nolint:gosec // explicit opt-out
	}
	return p.verify
}

func (p *HostKeyPolicy) verify(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ensureFile(p.KnownHostsPath); err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	check, err := knownhosts.New(p.KnownHostsPath)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}

	err = check(hostname, remote, key)
	if err == nil {
		return nil
	}

	var keyErr *knownhosts.KeyError
	if !errors.As(err, &keyErr) {
		return err
	}
	if len(keyErr.Want) > 0 {
		log.Warn().
			Str("host", hostname).
			Str("fingerprint", cryptossh.FingerprintSHA256(key)).
			Msg("host key mismatch, refusing connection")
		return ErrHostKeyMismatch
	}

	// Unknown host: trust on first use.
	line := knownhosts.Line([]string{knownhosts.Normalize(hostname)}, key)
	f, err := os.OpenFile(p.KnownHostsPath, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("known_hosts: %w", err)
	}
	log.Info().
		Str("host", hostname).
		Str("fingerprint", cryptossh.FingerprintSHA256(key)).
		Msg("host key recorded")
	return nil
}

func ensureFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	return f.Close()
}
