package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/config"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/crypto"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/terminal"
)

// app is everything a command needs, built from the config.
type app struct {
	cfg     *config.Config
	cat     *catalogue.Catalogue
	secrets credentials.Store
	audit   *audit.Logger
	mgr     *manager.Manager
	ssh     *terminal.SSHConnector
}

type appOptions struct {
	cols, rows uint16
}

func openApp(cfg *config.Config, opts appOptions) (*app, error) {
	key, err := crypto.LoadKey(cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.New(key)
	if err != nil {
		return nil, err
	}
	secrets, err := credentials.OpenFileStore(cfg.CredentialsPath, cipher)
	if err != nil {
		return nil, err
	}
	cat, err := catalogue.Open(&catalogue.JSONFile{Path: cfg.CataloguePath, KeepBackups: cfg.KeepBackups}, secrets)
	if err != nil {
		return nil, err
	}
	auditLog, err := audit.OpenFile(cfg.AuditPath)
	if err != nil {
		return nil, err
	}

	hostKeys := terminal.InsecureHostKeys()
	if cfg.StrictHostKey {
		hostKeys = &terminal.HostKeyPolicy{KnownHostsPath: cfg.KnownHostsPath}
	}
	sshConn := &terminal.SSHConnector{
		HostKeys:          hostKeys,
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
	}

	a := &app{cfg: cfg, cat: cat, secrets: secrets, audit: auditLog, ssh: sshConn}
	a.mgr = manager.New(manager.Options{
		Catalogue:        cat,
		Secrets:          secrets,
		Local:            &terminal.LocalConnector{DefaultShell: cfg.DefaultShell},
		Remote:           sshConn,
		Exec:             &terminal.ExecConnector{Kubectl: cfg.KubectlPath, AWS: cfg.AWSPath},
		Files:            sshConn,
		Cols:             opts.cols,
		Rows:             opts.rows,
		MassConnectLimit: cfg.MassConnectLimit,
		Audit:            auditLog,
	})
	return a, nil
}

func (a *app) Close() {
	a.mgr.CloseAll()
	_ = a.audit.Close()
}

var errAmbiguous = errors.New("ambiguous session")

// resolveSession finds a session by id, by exact name, or by a fuzzy query
// that matches exactly one session.
func resolveSession(cat *catalogue.Catalogue, ref string) (catalogue.Session, error) {
	if s, err := cat.Session(ref); err == nil {
		return s, nil
	}
	for _, s := range cat.Sessions() {
		if strings.EqualFold(s.Name, ref) {
			return s, nil
		}
	}
	matches := cat.Search(ref)
	switch len(matches) {
	case 0:
		return catalogue.Session{}, fmt.Errorf("%w: %s", catalogue.ErrSessionNotFound, ref)
	case 1:
		return matches[0], nil
	}
	names := make([]string, 0, len(matches))
	for _, s := range matches {
		names = append(names, s.Name)
	}
	return catalogue.Session{}, fmt.Errorf("%w %q: matches %s", errAmbiguous, ref, strings.Join(names, ", "))
}

// resolveGroup finds a group by id or exact name.
func resolveGroup(cat *catalogue.Catalogue, ref string) (catalogue.Group, error) {
	if g, err := cat.Group(ref); err == nil {
		return g, nil
	}
	for _, g := range cat.Groups() {
		if strings.EqualFold(g.Name, ref) {
			return g, nil
		}
	}
	return catalogue.Group{}, fmt.Errorf("%w: %s", catalogue.ErrGroupNotFound, ref)
}
