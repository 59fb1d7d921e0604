package terminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/vyrti/redpill/internal/credentials"
)

const (
	defaultSSHPort        = 22
	defaultConnectTimeout = 10 * time.Second

	// keepaliveTimeout is how long to wait for any reply to a keepalive
	// request before the connection is considered dead.
	keepaliveTimeout = 15 * time.Second
)

// SSHConnector opens an interactive shell on a remote host.
//
// Credentials are read from the ConnectorConfig's store during the handshake
// only; the secret bytes are zeroed as soon as authentication completes.
type SSHConnector struct {
	// HostKeys verifies server host keys. Nil accepts any key.
	HostKeys *HostKeyPolicy
	// ConnectTimeout bounds dial plus handshake (default 10s).
	ConnectTimeout time.Duration
	// KeepaliveInterval is the period between keepalive@openssh.com
	// requests. Zero disables keepalives.
	KeepaliveInterval time.Duration
	// AgentSocket overrides $SSH_AUTH_SOCK for AuthAgent.
	AgentSocket string
}

// Connect dials, authenticates, requests a PTY and starts the shell.
// Errors match ErrNetworkFailed, ErrAuthFailed or ErrProtocolFailed.
func (c *SSHConnector) Connect(ctx context.Context, cfg ConnectorConfig) (Backend, error) {
	client, err := c.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	b, err := openShell(client, cfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if c.KeepaliveInterval > 0 {
		b.wg.Add(1)
		go b.keepalive(c.KeepaliveInterval)
	}

	log.Debug().
		Str("session_id", cfg.SessionID).
		Str("host", cfg.Host).
		Str("user", cfg.User).
		Msg("ssh shell opened")
	return b, nil
}

// Dial connects and authenticates without opening a channel. The SFTP
// client reuses it so file transfers verify host keys and read secrets the
// same way shells do. The caller owns the returned client.
func (c *SSHConnector) Dial(ctx context.Context, cfg ConnectorConfig) (*cryptossh.Client, error) {
	port := cfg.Port
	if port == 0 {
		port = defaultSSHPort
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	auth, err := c.authMethod(cfg)
	if err != nil {
		return nil, err
	}
	defer auth.release()

	timeout := c.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}

	var hostKeyErr error
	verify := c.HostKeys.callback()
	clientCfg := &cryptossh.ClientConfig{
		User: cfg.User,
		Auth: []cryptossh.AuthMethod{auth.method},
		HostKeyCallback: func(hostname string, remote net.Addr, key cryptossh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				hostKeyErr = err
				return err
			}
			return nil
		},
		Timeout: timeout,
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrNetworkFailed, addr, err)
	}

	// The handshake itself is not context-aware; bound it with a deadline and
	// tear the socket down if ctx is cancelled meanwhile.
	_ = conn.SetDeadline(time.Now().Add(timeout))
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	sshConn, chans, reqs, err := cryptossh.NewClientConn(conn, addr, clientCfg)
	stop()
	if err != nil {
		_ = conn.Close()
		switch {
		case hostKeyErr != nil:
			if errors.Is(hostKeyErr, ErrHostKeyMismatch) {
				return nil, fmt.Errorf("ssh %s: %w", addr, ErrHostKeyMismatch)
			}
			return nil, fmt.Errorf("%w: ssh %s: host key: %w", ErrProtocolFailed, addr, hostKeyErr)
		case isAuthRejection(err):
			return nil, fmt.Errorf("%w: ssh %s: %w", ErrAuthFailed, addr, err)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: ssh %s: %w", ErrNetworkFailed, addr, ctx.Err())
		default:
			return nil, fmt.Errorf("%w: ssh handshake %s: %w", ErrNetworkFailed, addr, err)
		}
	}
	_ = conn.SetDeadline(time.Time{})
	auth.release()

	return cryptossh.NewClient(sshConn, chans, reqs), nil
}

// sshAuth is an auth method together with the secret material it captured.
type sshAuth struct {
	method  cryptossh.AuthMethod
	secrets [][]byte
	closer  io.Closer
	once    sync.Once
}

// release zeroes captured secrets and closes the agent connection.
func (a *sshAuth) release() {
	a.once.Do(func() {
		for _, s := range a.secrets {
			credentials.Zero(s)
		}
		if a.closer != nil {
			_ = a.closer.Close()
		}
	})
}

func (c *SSHConnector) authMethod(cfg ConnectorConfig) (*sshAuth, error) {
	switch cfg.AuthType {
	case AuthPassword, "":
		password, err := c.secret(cfg, credentials.KindPassword)
		if err != nil {
			return nil, err
		}
		a := &sshAuth{secrets: [][]byte{password}}
		a.method = cryptossh.PasswordCallback(func() (string, error) {
			return string(password), nil
		})
		return a, nil

	case AuthPrivateKey:
		signer, err := c.loadKey(cfg)
		if err != nil {
			return nil, err
		}
		return &sshAuth{method: cryptossh.PublicKeys(signer)}, nil

	case AuthAgent:
		sock := c.AgentSocket
		if sock == "" {
			sock = os.Getenv("SSH_AUTH_SOCK")
		}
		if sock == "" {
			return nil, fmt.Errorf("%w: ssh agent: SSH_AUTH_SOCK not set", ErrAuthFailed)
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("%w: ssh agent: %w", ErrAuthFailed, err)
		}
		ag := agent.NewClient(conn)
		return &sshAuth{method: cryptossh.PublicKeysCallback(ag.Signers), closer: conn}, nil

	default:
		return nil, fmt.Errorf("%w: unsupported auth type %q", ErrAuthFailed, cfg.AuthType)
	}
}

func (c *SSHConnector) secret(cfg ConnectorConfig, kind credentials.Kind) ([]byte, error) {
	if cfg.Secrets == nil {
		return nil, fmt.Errorf("%w: no credential store", ErrAuthFailed)
	}
	s, err := cfg.Secrets.GetSecret(cfg.SessionID, kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrAuthFailed, kind, err)
	}
	return s, nil
}

// loadKey parses the private key at cfg.KeyPath, using the stored
// passphrase when the key is encrypted.
func (c *SSHConnector) loadKey(cfg ConnectorConfig) (cryptossh.Signer, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("%w: private key path is empty", ErrAuthFailed)
	}
	pemBytes, err := os.ReadFile(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: read key: %w", ErrAuthFailed, err)
	}
	defer credentials.Zero(pemBytes)

	signer, err := cryptossh.ParsePrivateKey(pemBytes)
	var missing *cryptossh.PassphraseMissingError
	if errors.As(err, &missing) {
		passphrase, perr := c.secret(cfg, credentials.KindPassphrase)
		if perr != nil {
			return nil, perr
		}
		defer credentials.Zero(passphrase)
		signer, err = cryptossh.ParsePrivateKeyWithPassphrase(pemBytes, passphrase)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse key: %w", ErrAuthFailed, err)
	}
	return signer, nil
}

// sshBackend wraps one SSH client carrying a single session channel with a
// remote PTY.
type sshBackend struct {
	client  *cryptossh.Client
	session *cryptossh.Session
	stdin   io.WriteCloser
	stream  *stream

	mu     sync.Mutex // guards cols/rows and closed; the mux is the only writer
	cols   uint16
	rows   uint16
	closed bool

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func openShell(client *cryptossh.Client, cfg ConnectorConfig) (*sshBackend, error) {
	sess, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("%w: new session: %w", ErrProtocolFailed, err)
	}

	cols, rows := cfg.size()
	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: request pty: %w", ErrProtocolFailed, err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrProtocolFailed, err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrProtocolFailed, err)
	}

	// sess.Shell asks the server for the user's login shell; an explicit
	// command is started with Start instead.
	if cfg.Shell != "" {
		err = sess.Start(cfg.Shell)
	} else {
		err = sess.Shell()
	}
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("%w: start shell: %w", ErrProtocolFailed, err)
	}

	return &sshBackend{
		client:  client,
		session: sess,
		stdin:   stdin,
		stream:  newStream(stdout, classifySSHError),
		cols:    cols,
		rows:    rows,
		stop:    make(chan struct{}),
	}, nil
}

func (b *sshBackend) ReadChunk(ctx context.Context) ([]byte, error) {
	return b.stream.read(ctx)
}

// Write does not hold mu while the channel write blocks on the peer's
// window, so Close can always tear the session down.
func (b *sshBackend) Write(p []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBackendClosed
	}
	if _, err := b.stdin.Write(p); err != nil {
		b.mu.Lock()
		closed = b.closed
		b.mu.Unlock()
		if closed || errors.Is(err, io.EOF) {
			return ErrBackendClosed
		}
		return fmt.Errorf("%w: write: %w", ErrNetworkFailed, err)
	}
	return nil
}

func (b *sshBackend) Resize(cols, rows uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.cols == cols && b.rows == rows {
		return nil
	}
	if err := b.session.WindowChange(int(rows), int(cols)); err != nil {
		return fmt.Errorf("%w: window change: %w", ErrProtocolFailed, err)
	}
	b.cols, b.rows = cols, rows
	return nil
}

func (b *sshBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		b.mu.Unlock()

		close(b.stop)
		b.stream.close()
		_ = b.stdin.Close()
		_ = b.session.Close()
		if err := b.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			b.closeErr = err
		}
		b.wg.Wait()
	})
	return b.closeErr
}

// keepalive sends keepalive@openssh.com every interval and closes the
// client when the peer stops answering. Any reply, including a refusal,
// proves liveness.
func (b *sshBackend) keepalive(interval time.Duration) {
	defer b.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		ch := make(chan error, 1)
		go func() {
			_, _, err := b.client.SendRequest("keepalive@openssh.com", true, nil)
			ch <- err
		}()

		var err error
		select {
		case <-b.stop:
			return
		case err = <-ch:
		case <-time.After(keepaliveTimeout):
			err = errors.New("keepalive timeout")
		}
		if err != nil {
			log.Warn().Err(err).Msg("ssh keepalive failed, closing connection")
			b.stream.fail(fmt.Errorf("%w: %w", ErrNetworkFailed, err))
			_ = b.client.Close()
			return
		}
	}
}

func classifySSHError(err error) error {
	return fmt.Errorf("%w: read: %w", ErrNetworkFailed, err)
}

var _ Backend = (*sshBackend)(nil)
var _ Connector = (*SSHConnector)(nil)
