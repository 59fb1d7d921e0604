package sftp_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyrti/redpill/internal/credentials"
	"github.com/vyrti/redpill/internal/sftp"
	"github.com/vyrti/redpill/internal/terminal"
	"github.com/vyrti/redpill/internal/testutil"
)

func openClient(t *testing.T) *sftp.Client {
	t.Helper()
	srv := testutil.NewSSHServer(t, "ops", "pw")
	store := credentials.NewMemoryStore()
	if err := store.SetSecret("s1", credentials.KindPassword, []byte("pw")); err != nil {
		t.Fatal(err)
	}
	c, err := sftp.Open(context.Background(), &terminal.SSHConnector{}, terminal.ConnectorConfig{
		SessionID: "s1",
		Host:      srv.Host(),
		Port:      srv.Port(),
		User:      "ops",
		AuthType:  terminal.AuthPassword,
		Secrets:   store,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestListDirAndStat(t *testing.T) {
	c := openClient(t)
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "b.txt"), []byte("12345"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "zdir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("b.txt", filepath.Join(dir, "link")); err != nil {
		t.Fatal(err)
	}

	entries, err := c.ListDir(dir)
	if err != nil {
		t.Fatalf("ListDir: %v", err)
	}
	var names []string
	types := map[string]string{}
	for _, e := range entries {
		names = append(names, e.Name)
		types[e.Name] = e.Type
	}
	if got := strings.Join(names, ","); got != "zdir,.hidden,b.txt,link" {
		t.Errorf("order = %s", got)
	}
	if types["zdir"] != "dir" || types["b.txt"] != "file" || types["link"] != "symlink" {
		t.Errorf("types = %v", types)
	}

	st, err := c.Stat(filepath.Join(dir, "b.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if st.Size != 5 || st.Type != "file" {
		t.Errorf("stat = %+v", st)
	}

	if _, err := c.Stat(filepath.Join(dir, "missing")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Stat missing = %v, want not exist", err)
	}
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	c := openClient(t)
	remote := filepath.Join(t.TempDir(), "payload.bin")
	data := bytes.Repeat([]byte("redpill"), 10000)

	n, err := c.Upload(remote, bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("uploaded %d bytes, want %d", n, len(data))
	}

	var buf bytes.Buffer
	if _, err := c.Download(remote, &buf); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), data) {
		t.Error("downloaded bytes differ")
	}
}

type endless struct{}

func (endless) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

func TestUploadTooLargeRemovesFile(t *testing.T) {
	if testing.Short() {
		t.Skip("transfers more than the upload cap")
	}
	c := openClient(t)
	remote := filepath.Join(t.TempDir(), "big")

	if _, err := c.Upload(remote, endless{}); !errors.Is(err, sftp.ErrTooLarge) {
		t.Fatalf("Upload = %v, want ErrTooLarge", err)
	}
	if _, err := os.Stat(remote); !os.IsNotExist(err) {
		t.Errorf("partial upload left behind: %v", err)
	}
}

func TestMkdirRenameDelete(t *testing.T) {
	c := openClient(t)
	base := t.TempDir()

	nested := filepath.Join(base, "a", "b")
	if err := c.Mkdir(nested, false); err == nil {
		t.Error("Mkdir without parents created missing ancestors")
	}
	if err := c.Mkdir(nested, true); err != nil {
		t.Fatalf("Mkdir parents: %v", err)
	}
	if fi, err := os.Stat(nested); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}

	file := filepath.Join(base, "old.txt")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	moved := filepath.Join(nested, "new.txt")
	if err := c.Rename(file, moved); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, err := os.Stat(moved); err != nil {
		t.Fatalf("rename target missing: %v", err)
	}

	if err := c.Delete(nested); err == nil {
		t.Error("Delete removed a non-empty directory")
	}
	if err := c.Delete(moved); err != nil {
		t.Fatalf("Delete file: %v", err)
	}
	if err := c.Delete(nested); err != nil {
		t.Fatalf("Delete empty dir: %v", err)
	}
	if _, err := os.Stat(nested); !os.IsNotExist(err) {
		t.Errorf("directory still present: %v", err)
	}
}

func TestOpenAuthFailure(t *testing.T) {
	srv := testutil.NewSSHServer(t, "ops", "pw")
	_, err := sftp.Open(context.Background(), &terminal.SSHConnector{}, terminal.ConnectorConfig{
		SessionID: "s1", Host: srv.Host(), Port: srv.Port(), User: "ops",
		AuthType: terminal.AuthPassword, Secrets: credentials.NewMemoryStore(),
	})
	if !errors.Is(err, terminal.ErrAuthFailed) {
		t.Fatalf("Open = %v, want ErrAuthFailed", err)
	}
}
