// Package sftp browses and transfers files on the host behind a catalogue
// SSH session. Each Client rides its own SSH connection, authenticated and
// host-key checked exactly like the session's shell.
package sftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/vyrti/redpill/internal/terminal"
)

// MaxUploadBytes caps a single upload.
const MaxUploadBytes = 50 << 20

// ErrTooLarge is returned when an upload exceeds MaxUploadBytes.
var ErrTooLarge = errors.New("sftp: upload too large")

// Dialer opens an authenticated SSH connection. *terminal.SSHConnector
// implements it.
type Dialer interface {
	Dial(ctx context.Context, cfg terminal.ConnectorConfig) (*ssh.Client, error)
}

// Client is a short-lived SFTP session: open it, run a few operations,
// Close it.
type Client struct {
	conn *ssh.Client
	sc   *sftp.Client
}

// Open dials cfg and starts the sftp subsystem.
func Open(ctx context.Context, d Dialer, cfg terminal.ConnectorConfig) (*Client, error) {
	conn, err := d.Dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient starts the sftp subsystem on an existing connection. Close
// closes conn too.
func NewClient(conn *ssh.Client) (*Client, error) {
	sc, err := sftp.NewClient(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: sftp subsystem: %w", terminal.ErrProtocolFailed, err)
	}
	return &Client{conn: conn, sc: sc}, nil
}

func (c *Client) Close() error {
	_ = c.sc.Close()
	return c.conn.Close()
}

// Entry is one directory entry.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	Type       string    `json:"type"` // file, dir or symlink
	Size       int64     `json:"size"`
	Mode       string    `json:"mode"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	ModifiedAt time.Time `json:"modified_at"`
}

func entryType(fi os.FileInfo) string {
	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		return "symlink"
	case fi.IsDir():
		return "dir"
	default:
		return "file"
	}
}

func toEntry(p string, fi os.FileInfo) Entry {
	e := Entry{
		Name:       fi.Name(),
		Path:       p,
		Type:       entryType(fi),
		Size:       fi.Size(),
		Mode:       fi.Mode().String(),
		ModifiedAt: fi.ModTime().UTC(),
	}
	if st, ok := fi.Sys().(*sftp.FileStat); ok {
		e.UID, e.GID = st.UID, st.GID
	}
	return e
}

// ListDir returns the entries of dir, dot-files included, directories
// first and then by name. Symlinks are reported as symlinks, not as their
// targets.
func (c *Client) ListDir(dir string) ([]Entry, error) {
	infos, err := c.sc.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("sftp: list %q: %w", dir, err)
	}
	out := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		p := path.Join(dir, fi.Name())
		if lfi, err := c.sc.Lstat(p); err == nil {
			fi = lfi
		}
		out = append(out, toEntry(p, fi))
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Type == "dir", out[j].Type == "dir"
		if di != dj {
			return di
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Stat describes p without following a final symlink.
func (c *Client) Stat(p string) (Entry, error) {
	fi, err := c.sc.Lstat(p)
	if err != nil {
		return Entry{}, fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	return toEntry(p, fi), nil
}

// Download copies the remote file to dst and returns the bytes written.
func (c *Client) Download(remote string, dst io.Writer) (int64, error) {
	f, err := c.sc.Open(remote)
	if err != nil {
		return 0, fmt.Errorf("sftp: open %q: %w", remote, err)
	}
	defer f.Close()
	n, err := io.Copy(dst, f)
	if err != nil {
		return n, fmt.Errorf("sftp: read %q: %w", remote, err)
	}
	return n, nil
}

// Upload writes src to remote, replacing any existing file. A failed or
// oversized upload removes the partial file.
func (c *Client) Upload(remote string, src io.Reader) (int64, error) {
	f, err := c.sc.Create(remote)
	if err != nil {
		return 0, fmt.Errorf("sftp: create %q: %w", remote, err)
	}

	n, err := io.Copy(f, io.LimitReader(src, MaxUploadBytes+1))
	cerr := f.Close()
	switch {
	case err != nil:
		err = fmt.Errorf("sftp: write %q: %w", remote, err)
	case n > MaxUploadBytes:
		err = fmt.Errorf("%w: more than %d bytes", ErrTooLarge, MaxUploadBytes)
	case cerr != nil:
		err = fmt.Errorf("sftp: close %q: %w", remote, cerr)
	}
	if err != nil {
		_ = c.sc.Remove(remote)
		return 0, err
	}
	return n, nil
}

// Mkdir creates dir. With parents it also creates missing ancestors and
// does not fail if dir exists.
func (c *Client) Mkdir(dir string, parents bool) error {
	var err error
	if parents {
		err = c.sc.MkdirAll(dir)
	} else {
		err = c.sc.Mkdir(dir)
	}
	if err != nil {
		return fmt.Errorf("sftp: mkdir %q: %w", dir, err)
	}
	return nil
}

func (c *Client) Rename(from, to string) error {
	if err := c.sc.Rename(from, to); err != nil {
		return fmt.Errorf("sftp: rename %q to %q: %w", from, to, err)
	}
	return nil
}

// Delete removes a file, a symlink or an empty directory.
func (c *Client) Delete(p string) error {
	fi, err := c.sc.Lstat(p)
	if err != nil {
		return fmt.Errorf("sftp: stat %q: %w", p, err)
	}
	if fi.IsDir() {
		err = c.sc.RemoveDirectory(p)
	} else {
		err = c.sc.Remove(p)
	}
	if err != nil {
		return fmt.Errorf("sftp: delete %q: %w", p, err)
	}
	return nil
}
