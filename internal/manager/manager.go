// Package manager is the UI-facing contract: it opens catalogue sessions as
// live tabs, fans a connect out over a group, and routes input, resizes and
// snapshot reads to the right tab.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/session"
	"github.com/vyrti/redpill/internal/sftp"
	"github.com/vyrti/redpill/internal/terminal"
)

// ErrUnknownTab is returned for a handle that is not (or no longer) open.
var ErrUnknownTab = errors.New("manager: unknown tab")

const localTitle = "Local Terminal"

// Options wires a Manager.
type Options struct {
	Catalogue *catalogue.Catalogue
	Secrets   credentials.Store
	// Local and Remote create transports for local and SSH sessions.
	Local  terminal.Connector
	Remote terminal.Connector
	// Exec runs K8s and Ssm sessions. Usually a terminal.ExecConnector.
	Exec terminal.Connector
	// NewEngine builds the emulation engine for a tab. Defaults to the vt
	// adapter.
	NewEngine func(cols, rows int) emulator.Engine
	// Cols and Rows are the initial size of new tabs (default 80x24).
	Cols, Rows uint16
	// MassConnectLimit caps concurrent opens during a mass connect; 0 means
	// unlimited.
	MassConnectLimit int
	Audit            *audit.Logger
	// Files dials SSH for SFTP. Usually the same SSHConnector as Remote.
	Files sftp.Dialer
}

// Manager owns the tab registry.
type Manager struct {
	cat       *catalogue.Catalogue
	secrets   credentials.Store
	local     terminal.Connector
	remote    terminal.Connector
	exec      terminal.Connector
	newEngine func(cols, rows int) emulator.Engine
	cols      uint16
	rows      uint16
	limit     int
	audit     *audit.Logger
	files     sftp.Dialer

	tabs *session.Registry
}

func New(opts Options) *Manager {
	m := &Manager{
		cat:       opts.Catalogue,
		secrets:   opts.Secrets,
		local:     opts.Local,
		remote:    opts.Remote,
		exec:      opts.Exec,
		newEngine: opts.NewEngine,
		cols:      opts.Cols,
		rows:      opts.Rows,
		limit:     opts.MassConnectLimit,
		audit:     opts.Audit,
		files:     opts.Files,
		tabs:      session.NewRegistry(),
	}
	if m.newEngine == nil {
		m.newEngine = func(cols, rows int) emulator.Engine { return emulator.NewVT(cols, rows) }
	}
	if m.cols == 0 {
		m.cols = terminal.DefaultCols
	}
	if m.rows == 0 {
		m.rows = terminal.DefaultRows
	}
	return m
}

// Catalogue returns the catalogue the manager opens sessions from.
func (m *Manager) Catalogue() *catalogue.Catalogue { return m.cat }

// Open connects the catalogue session id and returns its tab handle. Remote
// sessions are visible as Connecting while the handshake runs. Opening the
// same id twice yields two independent tabs.
func (m *Manager) Open(ctx context.Context, sessionID string) (session.Handle, error) {
	if m.cat == nil {
		return "", fmt.Errorf("%w: %s", catalogue.ErrSessionNotFound, sessionID)
	}
	cfg, err := m.cat.Session(sessionID)
	if err != nil {
		return "", err
	}
	return m.open(ctx, cfg)
}

// OpenLocal starts an ad-hoc local shell not bound to a catalogue entry.
func (m *Manager) OpenLocal(ctx context.Context) (session.Handle, error) {
	return m.open(ctx, catalogue.Session{Type: catalogue.TypeLocal, Name: localTitle})
}

func (m *Manager) open(ctx context.Context, cfg catalogue.Session) (session.Handle, error) {
	remote := cfg.IsRemote()
	connector := m.connectorFor(cfg.Type)
	if connector == nil {
		return "", fmt.Errorf("manager: no connector for %s sessions", cfg.Type)
	}

	live := session.New(session.Options{
		ConfigID: cfg.ID,
		Title:    cfg.Name,
		Remote:   remote,
		Engine:   m.newEngine(int(m.cols), int(m.rows)),
		OnClosed: m.onClosed,
	})
	m.tabs.Register(live)

	if remote {
		if err := live.BeginConnect(); err != nil {
			m.discard(live)
			return "", err
		}
	}

	started := time.Now()
	connectCtx, stopConnect := live.ConnectContext(ctx)
	backend, err := connector.Connect(connectCtx, m.connectorConfig(cfg))
	aborted := connectCtx.Err() != nil && ctx.Err() == nil
	stopConnect()
	if err != nil && aborted {
		// the tab was closed while connecting
		m.discard(live)
		return "", fmt.Errorf("%w: closed while connecting", ErrUnknownTab)
	}
	if err != nil {
		live.Fail(err)
		m.discard(live)
		m.audit.Write(audit.Entry{
			Action:       "session.open",
			ResourceType: "session",
			ResourceID:   cfg.ID,
			ResourceName: cfg.Name,
			Status:       audit.StatusFailed,
			Detail:       map[string]any{"error": err.Error(), "kind": terminal.KindOf(err).String()},
		})
		log.Warn().Err(err).Str("session_id", cfg.ID).Str("name", cfg.Name).Msg("open failed")
		return "", err
	}
	if err := live.Start(backend); err != nil {
		// the tab was closed while connecting
		m.discard(live)
		return "", fmt.Errorf("%w: closed while connecting", ErrUnknownTab)
	}

	m.audit.Write(audit.Entry{
		Action:       "session.open",
		ResourceType: "session",
		ResourceID:   cfg.ID,
		ResourceName: cfg.Name,
		Status:       audit.StatusSuccess,
		Detail:       map[string]any{"tab": string(live.ID()), "connect_time": audit.Since(started)},
	})
	log.Info().Str("tab", string(live.ID())).Str("session_id", cfg.ID).Str("name", cfg.Name).Msg("tab opened")
	return live.ID(), nil
}

func (m *Manager) connectorFor(t catalogue.SessionType) terminal.Connector {
	switch t {
	case catalogue.TypeSSH:
		return m.remote
	case catalogue.TypeK8s, catalogue.TypeSsm:
		return m.exec
	}
	return m.local
}

func (m *Manager) discard(live *session.Live) {
	m.tabs.Unregister(live.ID())
	_ = live.Close()
}

func (m *Manager) onClosed(live *session.Live) {
	// failed connects are audited by open
	if !live.WasOpened() {
		return
	}
	st := live.Status()
	status := audit.StatusSuccess
	if st.Kind != terminal.KindNone {
		status = audit.StatusFailed
	}
	m.audit.Write(audit.Entry{
		Action:       "tab.close",
		ResourceType: "tab",
		ResourceID:   string(live.ID()),
		ResourceName: live.Title(),
		Status:       status,
		Detail: map[string]any{
			"session_id": live.ConfigID(),
			"kind":       st.Kind.String(),
			"bytes_in":   live.BytesIn(),
			"bytes_out":  live.BytesOut(),
			"duration":   audit.Since(live.OpenedAt()),
		},
	})
}

func (m *Manager) connectorConfig(s catalogue.Session) terminal.ConnectorConfig {
	cfg := terminal.ConnectorConfig{
		SessionID: s.ID,
		Secrets:   m.secrets,
		Cols:      m.cols,
		Rows:      m.rows,
		Env:       s.Env,
	}
	switch s.Type {
	case catalogue.TypeSSH:
		cfg.Host = s.Host
		cfg.Port = s.Port
		cfg.User = s.Username
		if s.Auth != nil {
			cfg.AuthType = s.Auth.Type
			cfg.KeyPath = s.Auth.Path
		}
		return cfg
	case catalogue.TypeK8s:
		cfg.Kube = &terminal.KubeTarget{
			Context:   s.Context,
			Namespace: s.Namespace,
			Pod:       s.Pod,
			Container: deref(s.Container),
		}
		cfg.Shell = deref(s.Shell)
		return cfg
	case catalogue.TypeSsm:
		cfg.SSM = &terminal.SSMTarget{
			InstanceID: s.InstanceID,
			Region:     deref(s.Region),
			Profile:    deref(s.Profile),
		}
		return cfg
	}
	if s.Shell != nil {
		cfg.Shell = *s.Shell
	}
	if s.WorkingDir != nil {
		cfg.WorkingDir = *s.WorkingDir
	}
	return cfg
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func (m *Manager) get(h session.Handle) (*session.Live, error) {
	live, ok := m.tabs.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTab, h)
	}
	return live, nil
}

// WriteInput queues keyboard input for tab h.
func (m *Manager) WriteInput(h session.Handle, p []byte) error {
	live, err := m.get(h)
	if err != nil {
		return err
	}
	return live.WriteInput(p)
}

// Resize requests a new size for tab h. Bursts are coalesced.
func (m *Manager) Resize(h session.Handle, cols, rows uint16) error {
	live, err := m.get(h)
	if err != nil {
		return err
	}
	return live.Resize(cols, rows)
}

// PollDirty reports whether tab h has output not yet drawn.
func (m *Manager) PollDirty(h session.Handle) (bool, error) {
	live, err := m.get(h)
	if err != nil {
		return false, err
	}
	return live.PollDirty(), nil
}

// ReadSnapshot captures tab h's screen and clears its dirty flag.
func (m *Manager) ReadSnapshot(h session.Handle) (emulator.Snapshot, error) {
	live, err := m.get(h)
	if err != nil {
		return emulator.Snapshot{}, err
	}
	return live.ReadSnapshot(), nil
}

// State returns tab h's lifecycle status.
func (m *Manager) State(h session.Handle) (session.Status, error) {
	live, err := m.get(h)
	if err != nil {
		return session.Status{}, err
	}
	return live.Status(), nil
}

// Done returns a channel closed when tab h's transport has ended.
func (m *Manager) Done(h session.Handle) (<-chan struct{}, error) {
	live, err := m.get(h)
	if err != nil {
		return nil, err
	}
	return live.Done(), nil
}

// Close ends tab h. The transport is released before Close returns.
func (m *Manager) Close(h session.Handle) error {
	live, ok := m.tabs.Unregister(h)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTab, h)
	}
	return live.Close()
}

// CloseAll ends every tab.
func (m *Manager) CloseAll() {
	for _, live := range m.tabs.List() {
		m.tabs.Unregister(live.ID())
		_ = live.Close()
	}
}

// TabInfo describes one open tab.
type TabInfo struct {
	Handle   session.Handle `json:"handle"`
	ConfigID string         `json:"session_id,omitempty"`
	Title    string         `json:"title"`
	Remote   bool           `json:"remote"`
	State    string         `json:"state"`
	Kind     string         `json:"kind,omitempty"`
	Error    string         `json:"error,omitempty"`
	BytesIn  uint64         `json:"bytes_in"`
	BytesOut uint64         `json:"bytes_out"`
	OpenedAt time.Time      `json:"opened_at"`
}

func tabInfo(live *session.Live) TabInfo {
	st := live.Status()
	info := TabInfo{
		Handle:   live.ID(),
		ConfigID: live.ConfigID(),
		Title:    live.Title(),
		Remote:   live.Remote(),
		State:    st.State.String(),
		BytesIn:  live.BytesIn(),
		BytesOut: live.BytesOut(),
		OpenedAt: live.OpenedAt(),
	}
	if st.State == session.StateClosed {
		info.Kind = st.Kind.String()
		if st.Err != nil {
			info.Error = st.Err.Error()
		}
	}
	return info
}

// Tabs lists open tabs in open order.
func (m *Manager) Tabs() []TabInfo {
	list := m.tabs.List()
	out := make([]TabInfo, len(list))
	for i, live := range list {
		out[i] = tabInfo(live)
	}
	return out
}

// Tab describes tab h.
func (m *Manager) Tab(h session.Handle) (TabInfo, error) {
	live, err := m.get(h)
	if err != nil {
		return TabInfo{}, err
	}
	return tabInfo(live), nil
}

// Lookup returns the live session behind tab h, for callers that stream its
// screen.
func (m *Manager) Lookup(h session.Handle) (*session.Live, error) {
	return m.get(h)
}
