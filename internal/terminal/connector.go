// Package terminal provides the transport backends behind a terminal tab.
//
// Supported connectors:
//   - LocalConnector — native shell attached to a pseudo-terminal (creack/pty)
//   - SSHConnector   — remote login shell over an SSH session channel
//   - ExecConnector  — kubectl exec or aws ssm start-session on a local PTY
//
// All produce a Backend. Everything above this package (the session
// multiplexer, the manager, the UI bridges) depends only on Backend and never
// on which connector produced it.
package terminal

import (
	"context"

	"github.com/vyrti/redpill/internal/credentials"
)

// Backend is the capability set shared by every transport.
//
// Write and Resize on a closed backend fail with ErrBackendClosed. ReadChunk
// returns io.EOF once when the stream ends (or after Close), then
// ErrBackendClosed on every later call.
type Backend interface {
	// ReadChunk blocks until the transport produces output, the stream ends
	// or ctx is done.
	ReadChunk(ctx context.Context) ([]byte, error)
	// Write sends keyboard input to the shell.
	Write(p []byte) error
	// Resize changes the remote or local PTY dimensions.
	Resize(cols, rows uint16) error
	// Close terminates the transport and frees all resources. It is safe to
	// call more than once.
	Close() error
}

// Connector creates a Backend for one session configuration.
// Implementations must be safe for concurrent use.
type Connector interface {
	Connect(ctx context.Context, cfg ConnectorConfig) (Backend, error)
}

// Auth types understood by the SSH connector.
const (
	AuthPassword   = "Password"
	AuthPrivateKey = "PrivateKey"
	AuthAgent      = "Agent"
)

// ConnectorConfig carries the parameters required to open a transport.
// It never holds a secret: the SSH connector fetches credentials from
// Secrets during the handshake only.
type ConnectorConfig struct {
	// SessionID is the catalogue id, used as the credential store key.
	SessionID string

	// Host is the target hostname or IP address.
	Host string
	// Port is the target TCP port (default 22).
	Port int
	// User is the login username.
	User string
	// AuthType is one of AuthPassword, AuthPrivateKey or AuthAgent.
	AuthType string
	// KeyPath is the private key file for AuthPrivateKey.
	KeyPath string
	// Secrets resolves passwords and key passphrases at connect time.
	Secrets credentials.Store

	// Shell overrides the shell (local: program path; remote: command to
	// start instead of the login shell). Empty means the default.
	Shell string
	// WorkingDir is the local shell's starting directory.
	WorkingDir string
	// Env holds extra environment variables for local shells.
	Env map[string]string

	// Kube and SSM name the target of an ExecConnector; exactly one is set.
	Kube *KubeTarget
	SSM  *SSMTarget

	// Cols and Rows are the initial PTY size.
	Cols uint16
	Rows uint16
}

func (c ConnectorConfig) size() (cols, rows uint16) {
	cols, rows = c.Cols, c.Rows
	if cols == 0 {
		cols = DefaultCols
	}
	if rows == 0 {
		rows = DefaultRows
	}
	return cols, rows
}

// Default PTY size when the UI has not reported one yet.
const (
	DefaultCols uint16 = 80
	DefaultRows uint16 = 24
)
