package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/sftp"
)

// ErrNotRemote is returned for file operations on a session that does not
// speak SSH.
var ErrNotRemote = errors.New("manager: session is not an ssh session")

// OpenFiles starts an SFTP client for catalogue session id. The caller
// closes it.
func (m *Manager) OpenFiles(ctx context.Context, sessionID string) (*sftp.Client, error) {
	if m.cat == nil {
		return nil, fmt.Errorf("%w: %s", catalogue.ErrSessionNotFound, sessionID)
	}
	cfg, err := m.cat.Session(sessionID)
	if err != nil {
		return nil, err
	}
	if !cfg.IsSSH() {
		return nil, fmt.Errorf("%w: %s", ErrNotRemote, cfg.Name)
	}
	if m.files == nil {
		return nil, fmt.Errorf("manager: file transfer not configured")
	}
	return sftp.Open(ctx, m.files, m.connectorConfig(cfg))
}
