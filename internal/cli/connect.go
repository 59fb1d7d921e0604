//go:build !windows

package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/pollbridge"
	"github.com/vyrti/redpill/internal/session"
)

// detachKey is Ctrl-], as in telnet.
const detachKey = 0x1d

var connectLocal bool

var connectCmd = &cobra.Command{
	Use:   "connect [SESSION]",
	Short: "Open a session and attach this terminal to it",
	Long: `Open a catalogue session (by id, name or fuzzy query) and attach the
current terminal. With --local an ad-hoc local shell is opened instead.
Press Ctrl-] to detach; the tab is closed when you do.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().BoolVar(&connectLocal, "local", false, "open a local shell instead of a catalogue session")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) error {
	if !connectLocal && len(args) == 0 {
		return errors.New("a session is required (or --local)")
	}
	inFd, outFd := int(os.Stdin.Fd()), int(os.Stdout.Fd())
	if !term.IsTerminal(inFd) || !term.IsTerminal(outFd) {
		return errors.New("connect needs an interactive terminal")
	}
	cols, rows, err := term.GetSize(outFd)
	if err != nil {
		return fmt.Errorf("reading terminal size: %w", err)
	}

	a, err := openApp(cfg, appOptions{cols: uint16(cols), rows: uint16(rows)})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var h session.Handle
	if connectLocal {
		h, err = a.mgr.OpenLocal(ctx)
	} else {
		s, rerr := resolveSession(a.cat, args[0])
		if rerr != nil {
			return rerr
		}
		fmt.Fprintf(os.Stderr, "Connecting to %s...\r\n", s.Name)
		h, err = a.mgr.Open(ctx, s.ID)
	}
	if err != nil {
		return err
	}
	live, err := a.mgr.Lookup(h)
	if err != nil {
		return err
	}

	// log lines would land in the middle of the screen
	prevLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	defer zerolog.SetGlobalLevel(prevLevel)

	old, err := term.MakeRaw(inFd)
	if err != nil {
		return fmt.Errorf("raw mode: %w", err)
	}
	defer func() {
		_ = term.Restore(inFd, old)
		fmt.Fprint(os.Stdout, "\x1b[?25h\r\n")
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-winch:
				if c, r, err := term.GetSize(outFd); err == nil {
					_ = a.mgr.Resize(h, uint16(c), uint16(r))
				}
			}
		}
	}()

	go pumpStdin(a.mgr, h, os.Stdin, cancel)

	fmt.Fprint(os.Stdout, "\x1b[2J")
	bridge := pollbridge.Bridge{Interval: cfg.PollInterval}
	err = bridge.Run(ctx, live, func(s emulator.Snapshot) error {
		return render(os.Stdout, s)
	})

	st := live.Status()
	_ = a.mgr.Close(h)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}
	if st.Err != nil {
		return fmt.Errorf("session ended: %w", st.Err)
	}
	return nil
}

// pumpStdin forwards keystrokes until the detach key or EOF.
func pumpStdin(mgr *manager.Manager, h session.Handle, in io.Reader, detach func()) {
	defer detach()
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			p := buf[:n]
			if i := bytes.IndexByte(p, detachKey); i >= 0 {
				if i > 0 {
					_ = mgr.WriteInput(h, p[:i])
				}
				return
			}
			if werr := mgr.WriteInput(h, p); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
