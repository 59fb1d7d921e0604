package terminal

import (
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/rs/zerolog/log"
)

const (
	defaultKubectl = "kubectl"
	defaultAWS     = "aws"
	// podShell prefers bash and falls back to sh inside the container.
	podShell = "command -v bash >/dev/null && exec bash || exec sh"
)

// ErrNoExecTarget is returned when a config carries neither a pod nor an
// SSM instance.
var ErrNoExecTarget = errors.New("terminal: no exec target")

// KubeTarget names the container a K8s session execs into.
type KubeTarget struct {
	// Context selects the kubeconfig context; empty uses the current one.
	Context   string
	Namespace string
	Pod       string
	// Container is required only for multi-container pods.
	Container string
}

// SSMTarget names the managed instance an Ssm session connects to.
type SSMTarget struct {
	InstanceID string
	Region     string
	Profile    string
}

// ExecConnector opens remote shells by running the platform's own CLI
// (kubectl exec, aws ssm start-session) on a local PTY. The CLI handles
// authentication, so credentials come from kubeconfig or the AWS profile,
// never from the credential store. The resulting Backend is the same PTY
// backend LocalConnector uses: resizes reach the CLI, which forwards them.
type ExecConnector struct {
	// Kubectl and AWS are the binaries to run (default "kubectl", "aws").
	Kubectl string
	AWS     string
}

// Connect starts the CLI for cfg.Kube or cfg.SSM. A missing binary is
// ErrSpawnFailed; failures inside the CLI (unknown pod, expired token) show
// up as its output followed by end of stream.
func (c *ExecConnector) Connect(ctx context.Context, cfg ConnectorConfig) (Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd, err := c.command(cfg)
	if err != nil {
		return nil, err
	}

	b := newLocalBackend(cmd)
	cols, rows := cfg.size()
	_ = b.Resize(cols, rows)
	if err := b.start(); err != nil {
		return nil, err
	}
	log.Debug().
		Str("session_id", cfg.SessionID).
		Str("cmd", cmd.Path).
		Strs("args", cmd.Args[1:]).
		Int("pid", cmd.Process.Pid).
		Msg("exec session started")
	return b, nil
}

func (c *ExecConnector) command(cfg ConnectorConfig) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch {
	case cfg.Kube != nil:
		bin := c.Kubectl
		if bin == "" {
			bin = defaultKubectl
		}
		cmd = exec.Command(bin, kubectlArgs(*cfg.Kube, cfg.Shell)...)
	case cfg.SSM != nil:
		bin := c.AWS
		if bin == "" {
			bin = defaultAWS
		}
		cmd = exec.Command(bin, ssmArgs(*cfg.SSM)...)
	default:
		return nil, ErrNoExecTarget
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}

func kubectlArgs(t KubeTarget, shell string) []string {
	var args []string
	if t.Context != "" {
		args = append(args, "--context", t.Context)
	}
	if t.Namespace != "" {
		args = append(args, "--namespace", t.Namespace)
	}
	args = append(args, "exec", "-it", t.Pod)
	if t.Container != "" {
		args = append(args, "--container", t.Container)
	}
	args = append(args, "--")
	if shell != "" {
		return append(args, shell)
	}
	return append(args, "/bin/sh", "-c", podShell)
}

func ssmArgs(t SSMTarget) []string {
	args := []string{"ssm", "start-session", "--target", t.InstanceID}
	if t.Region != "" {
		args = append(args, "--region", t.Region)
	}
	if t.Profile != "" {
		args = append(args, "--profile", t.Profile)
	}
	return args
}
