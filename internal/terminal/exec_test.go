package terminal_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vyrti/redpill/internal/terminal"
)

// fakeCLI writes a script that prints its arguments one per line and exits,
// standing in for kubectl or aws.
func fakeCLI(t *testing.T) string {
	t.Helper()
	requireShell(t)
	path := filepath.Join(t.TempDir(), "cli")
	script := "#!/bin/sh\nfor a in \"$@\"; do echo \"arg:$a\"; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func readAll(t *testing.T, b terminal.Backend) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	var out bytes.Buffer
	for {
		chunk, err := b.ReadChunk(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.Fatalf("end of stream = %v; output %q", err, out.String())
			}
			return out.String()
		}
		out.Write(chunk)
	}
}

func TestExecKubectl(t *testing.T) {
	c := &terminal.ExecConnector{Kubectl: fakeCLI(t)}
	b, err := c.Connect(context.Background(), terminal.ConnectorConfig{
		Kube: &terminal.KubeTarget{Context: "prod", Namespace: "web", Pod: "api-0", Container: "app"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	out := strings.ReplaceAll(readAll(t, b), "\r\n", "\n")
	want := "arg:--context\narg:prod\narg:--namespace\narg:web\narg:exec\narg:-it\narg:api-0\n" +
		"arg:--container\narg:app\narg:--\narg:/bin/sh\narg:-c\n"
	if !strings.HasPrefix(out, want) {
		t.Errorf("kubectl saw\n%s\nwant prefix\n%s", out, want)
	}
}

func TestExecKubectlShellOverride(t *testing.T) {
	c := &terminal.ExecConnector{Kubectl: fakeCLI(t)}
	b, err := c.Connect(context.Background(), terminal.ConnectorConfig{
		Kube:  &terminal.KubeTarget{Pod: "worker"},
		Shell: "/bin/ash",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	out := readAll(t, b)
	if strings.Contains(out, "--context") || strings.Contains(out, "--namespace") {
		t.Errorf("empty context or namespace passed through: %q", out)
	}
	if !strings.Contains(out, "arg:--\r\narg:/bin/ash") {
		t.Errorf("shell override not used: %q", out)
	}
}

func TestExecSSM(t *testing.T) {
	c := &terminal.ExecConnector{AWS: fakeCLI(t)}
	b, err := c.Connect(context.Background(), terminal.ConnectorConfig{
		SSM: &terminal.SSMTarget{InstanceID: "i-0abc", Profile: "ops"},
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer b.Close()

	out := strings.ReplaceAll(readAll(t, b), "\r\n", "\n")
	want := "arg:ssm\narg:start-session\narg:--target\narg:i-0abc\narg:--profile\narg:ops\n"
	if out != want {
		t.Errorf("aws saw\n%s\nwant\n%s", out, want)
	}
}

func TestExecErrors(t *testing.T) {
	c := &terminal.ExecConnector{Kubectl: filepath.Join(t.TempDir(), "missing")}
	_, err := c.Connect(context.Background(), terminal.ConnectorConfig{Kube: &terminal.KubeTarget{Pod: "p"}})
	if !errors.Is(err, terminal.ErrSpawnFailed) {
		t.Errorf("missing binary = %v, want ErrSpawnFailed", err)
	}

	if _, err := c.Connect(context.Background(), terminal.ConnectorConfig{}); !errors.Is(err, terminal.ErrNoExecTarget) {
		t.Errorf("no target = %v, want ErrNoExecTarget", err)
	}
}
