package testutil

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHServer is an in-process SSH server for driver tests. It accepts one
// user with a password (and optionally a public key), grants PTYs, and runs
// an echo shell: every byte received is written back, and Ctrl-D ends the
// shell with exit status 0. The "sftp" subsystem is served from the local
// filesystem.
type SSHServer struct {
	User     string
	Password string
	HostKey  ssh.Signer

	listener net.Listener
	config   *ssh.ServerConfig
	wg       sync.WaitGroup

	mu          sync.Mutex
	authorized  []ssh.PublicKey
	sizes       []Size
	authFails   int
	shells      int
	conns       []net.Conn
	closed      bool
	dropOnShell bool
}

// NewSSHServer starts a server on a loopback port. It is stopped by t's
// cleanup.
func NewSSHServer(t testing.TB, user, password string) *SSHServer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &SSHServer{User: user, Password: password, HostKey: signer, listener: ln}
	s.config = &ssh.ServerConfig{
		PasswordCallback: func(meta ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if meta.User() == s.User && string(pass) == s.Password {
				return nil, nil
			}
			s.mu.Lock()
			s.authFails++
			s.mu.Unlock()
			return nil, errors.New("password rejected")
		},
		PublicKeyCallback: func(meta ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			if meta.User() == s.User {
				for _, k := range s.authorized {
					if bytes.Equal(k.Marshal(), key.Marshal()) {
						return nil, nil
					}
				}
			}
			return nil, errors.New("key rejected")
		},
	}
	s.config.AddHostKey(signer)

	s.wg.Add(1)
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Host and Port are the address clients dial.
func (s *SSHServer) Host() string { return "127.0.0.1" }

func (s *SSHServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Addr is host:port.
func (s *SSHServer) Addr() string {
	return net.JoinHostPort(s.Host(), strconv.Itoa(s.Port()))
}

// Authorize accepts key for public key auth.
func (s *SSHServer) Authorize(key ssh.PublicKey) {
	s.mu.Lock()
	s.authorized = append(s.authorized, key)
	s.mu.Unlock()
}

// DropOnShell makes the server cut the TCP connection as soon as a shell
// is requested, simulating a network failure mid-session.
func (s *SSHServer) DropOnShell() {
	s.mu.Lock()
	s.dropOnShell = true
	s.mu.Unlock()
}

// Sizes returns the PTY sizes requested so far: the pty-req size first,
// then each window-change.
func (s *SSHServer) Sizes() []Size {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Size(nil), s.sizes...)
}

// AuthFailures counts rejected password attempts.
func (s *SSHServer) AuthFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authFails
}

// Shells counts shells started.
func (s *SSHServer) Shells() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shells
}

// Close stops accepting and drops every connection.
func (s *SSHServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := s.conns
	s.mu.Unlock()

	_ = s.listener.Close()
	for _, c := range conns {
		_ = c.Close()
	}
	s.wg.Wait()
}

func (s *SSHServer) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns = append(s.conns, conn)
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *SSHServer) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	sconn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, chReqs, err := nc.Accept()
		if err != nil {
			continue
		}
		s.wg.Add(1)
		go s.handleSession(conn, ch, chReqs)
	}
}

type ptyRequest struct {
	Term   string
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
	Modes  string
}

type windowChange struct {
	Cols   uint32
	Rows   uint32
	Width  uint32
	Height uint32
}

type subsystemRequest struct {
	Name string
}

func (s *SSHServer) handleSession(conn net.Conn, ch ssh.Channel, reqs <-chan *ssh.Request) {
	defer s.wg.Done()
	defer ch.Close()

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.recordSize(p.Cols, p.Rows)
			_ = req.Reply(true, nil)

		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err == nil {
				s.recordSize(w.Cols, w.Rows)
			}

		case "env":
			_ = req.Reply(true, nil)

		case "shell", "exec":
			s.mu.Lock()
			s.shells++
			drop := s.dropOnShell
			s.mu.Unlock()
			_ = req.Reply(true, nil)
			if drop {
				_ = conn.Close()
				return
			}
			s.wg.Add(1)
			go s.echo(ch)

		case "subsystem":
			var sub subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &sub); err != nil || sub.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			srv, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			_ = srv.Serve()
			_ = srv.Close()
			return

		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

func (s *SSHServer) recordSize(cols, rows uint32) {
	s.mu.Lock()
	s.sizes = append(s.sizes, Size{Cols: uint16(cols), Rows: uint16(rows)})
	s.mu.Unlock()
}

func (s *SSHServer) echo(ch ssh.Channel) {
	defer s.wg.Done()
	buf := make([]byte, 1024)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			data := buf[:n]
			if i := bytes.IndexByte(data, 0x04); i >= 0 {
				_, _ = ch.Write(data[:i])
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{0}))
				_ = ch.Close()
				return
			}
			if _, werr := ch.Write(data); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
