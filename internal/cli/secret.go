package cli

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vyrti/redpill/internal/audit"
	"github.com/vyrti/redpill/internal/credentials"
)

var secretKind string

var secretCmd = &cobra.Command{
	Use:   "secret",
	Short: "Manage stored session secrets",
}

var secretSetCmd = &cobra.Command{
	Use:   "set SESSION",
	Short: "Store a password or key passphrase for a session",
	Long: `Prompt for the secret without echo and store it encrypted in the
credential store. When stdin is not a terminal the first line is read.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := resolveSession(a.cat, args[0])
		if err != nil {
			return err
		}
		kind := credentials.Kind(secretKind)
		if !kind.Valid() {
			return fmt.Errorf("%w: %s", credentials.ErrInvalidKind, secretKind)
		}

		secret, err := readSecret(fmt.Sprintf("%s for %s: ", kind, s.Name))
		if err != nil {
			return err
		}
		defer credentials.Zero(secret)
		if len(secret) == 0 {
			return errors.New("empty secret, nothing stored")
		}

		err = a.secrets.SetSecret(s.ID, kind, secret)
		status := audit.StatusSuccess
		if err != nil {
			status = audit.StatusFailed
		}
		a.audit.Write(audit.Entry{
			Action:       "secret.set",
			ResourceType: "session",
			ResourceID:   s.ID,
			ResourceName: s.Name,
			Status:       status,
			Detail:       map[string]any{"kind": string(kind), "via": "cli"},
		})
		if err != nil {
			return err
		}
		fmt.Printf("Stored %s for %s\n", kind, s.Name)
		return nil
	},
}

var secretClearCmd = &cobra.Command{
	Use:   "clear SESSION",
	Short: "Remove every stored secret of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		s, err := resolveSession(a.cat, args[0])
		if err != nil {
			return err
		}
		return a.secrets.DeleteSecrets(s.ID)
	},
}

func readSecret(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return b, err
	}
	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("reading secret: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func init() {
	secretSetCmd.Flags().StringVar(&secretKind, "kind", string(credentials.KindPassword), "password or passphrase")
	secretCmd.AddCommand(secretSetCmd, secretClearCmd)
}
