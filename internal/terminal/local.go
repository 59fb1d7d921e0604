package terminal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
)

const fallbackShell = "/bin/sh"

// LocalConnector spawns a native shell attached to a pseudo-terminal.
type LocalConnector struct {
	// DefaultShell is used when neither the config nor $SHELL names one.
	DefaultShell string
}

// Connect starts the shell and returns a Backend backed by its PTY master.
// Spawn errors are reported as ErrSpawnFailed; there is no retry.
func (c *LocalConnector) Connect(ctx context.Context, cfg ConnectorConfig) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := newLocalBackend(c.command(cfg))
	cols, rows := cfg.size()
	_ = b.Resize(cols, rows) // queued until start
	if err := b.start(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("session_id", cfg.SessionID).
		Str("shell", b.cmd.Path).
		Int("pid", b.cmd.Process.Pid).
		Msg("local shell started")
	return b, nil
}

func (c *LocalConnector) command(cfg ConnectorConfig) *exec.Cmd {
	shell := cfg.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = c.DefaultShell
	}
	if shell == "" {
		shell = fallbackShell
	}

	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "COLORTERM=truecolor")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	} else if home, err := os.UserHomeDir(); err == nil {
		cmd.Dir = home
	}
	return cmd
}

// localBackend owns the shell process and the PTY master exclusively.
type localBackend struct {
	cmd *exec.Cmd

	mu      sync.Mutex
	ptmx    *os.File
	size    pty.Winsize
	started bool
	closed  bool

	stream    *stream
	closeOnce sync.Once
	closeErr  error
}

func newLocalBackend(cmd *exec.Cmd) *localBackend {
	return &localBackend{cmd: cmd}
}

func (b *localBackend) start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws := b.size
	ptmx, err := pty.StartWithSize(b.cmd, &ws)
	if err != nil {
		b.closed = true
		return fmt.Errorf("%w: %s: %w", ErrSpawnFailed, b.cmd.Path, err)
	}
	b.ptmx = ptmx
	b.started = true
	b.stream = newStream(ptmx, classifyPTYError)
	return nil
}

func (b *localBackend) ReadChunk(ctx context.Context) ([]byte, error) {
	b.mu.Lock()
	s := b.stream
	b.mu.Unlock()
	if s == nil {
		return nil, ErrBackendClosed
	}
	return s.read(ctx)
}

func (b *localBackend) Write(p []byte) error {
	b.mu.Lock()
	if b.closed || !b.started {
		b.mu.Unlock()
		return ErrBackendClosed
	}
	ptmx := b.ptmx
	b.mu.Unlock()

	if _, err := ptmx.Write(p); err != nil {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed || errors.Is(err, os.ErrClosed) {
			return ErrBackendClosed
		}
		return fmt.Errorf("pty write: %w", err)
	}
	return nil
}

// Resize applies the window size to the PTY. Calls before the shell has
// started are queued and applied at spawn; repeating the current size is a
// no-op.
func (b *localBackend) Resize(cols, rows uint16) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBackendClosed
	}
	if b.size.Cols == cols && b.size.Rows == rows {
		return nil
	}
	b.size = pty.Winsize{Cols: cols, Rows: rows}
	if !b.started {
		return nil
	}
	if err := pty.Setsize(b.ptmx, &b.size); err != nil {
		return fmt.Errorf("pty resize: %w", err)
	}
	return nil
}

// Close kills the shell, closes the PTY and waits for the process so no
// zombie outlives the tab.
func (b *localBackend) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		started := b.started
		b.mu.Unlock()

		if !started {
			return
		}
		b.stream.close()
		if b.cmd.Process != nil {
			_ = b.cmd.Process.Kill()
		}
		b.closeErr = b.ptmx.Close()
		_ = b.cmd.Wait()
	})
	return b.closeErr
}

// classifyPTYError treats the EIO a PTY master returns after the child
// exits, and reads on a closed master, as a clean end of stream.
func classifyPTYError(err error) error {
	if errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed) {
		return nil
	}
	return fmt.Errorf("pty read: %w", err)
}

var _ Backend = (*localBackend)(nil)
var _ Connector = (*LocalConnector)(nil)
