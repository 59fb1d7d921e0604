package cli

import (
	"fmt"
	"os"
	"path"

	"github.com/spf13/cobra"

	"github.com/vyrti/redpill/internal/fileutil"
	"github.com/vyrti/redpill/internal/sftp"
)

var mkdirParents bool

var sftpCmd = &cobra.Command{
	Use:   "sftp",
	Short: "Browse and transfer files on an SSH session",
}

// withFiles resolves the session and opens an SFTP client for fn.
func withFiles(cmd *cobra.Command, ref string, fn func(c *sftp.Client) error) error {
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	s, err := resolveSession(a.cat, ref)
	if err != nil {
		return err
	}
	c, err := a.mgr.OpenFiles(cmd.Context(), s.ID)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(c)
}

var sftpListCmd = &cobra.Command{
	Use:   "ls SESSION [DIR]",
	Short: "List a remote directory",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 2 {
			dir = args[1]
		}
		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			entries, err := c.ListDir(dir)
			if err != nil {
				return err
			}
			for _, e := range entries {
				name := e.Name
				if e.Type == "dir" {
					name += "/"
				}
				fmt.Printf("%s  %10d  %s  %s\n", e.Mode, e.Size, e.ModifiedAt.Format("2006-01-02 15:04"), name)
			}
			return nil
		})
	},
}

var sftpGetCmd = &cobra.Command{
	Use:   "get SESSION REMOTE [LOCAL]",
	Short: "Download a file into the current directory",
	Long: `Download REMOTE. LOCAL is relative to the current directory and may
not escape it; it defaults to the remote file name.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		remote := args[1]
		rel := path.Base(remote)
		if len(args) == 3 {
			rel = args[2]
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		local, err := fileutil.ResolveSafePath(cwd, rel)
		if err != nil {
			return fmt.Errorf("%s: %w", rel, err)
		}

		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			f, err := os.OpenFile(local, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			n, err := c.Download(remote, f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				_ = os.Remove(local)
				return err
			}
			fmt.Printf("%s -> %s (%d bytes)\n", remote, rel, n)
			return nil
		})
	},
}

var sftpPutCmd = &cobra.Command{
	Use:   "put SESSION LOCAL REMOTE",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		local, remote := args[1], args[2]
		f, err := os.Open(local)
		if err != nil {
			return err
		}
		defer f.Close()
		if st, err := f.Stat(); err == nil && st.Size() > sftp.MaxUploadBytes {
			return fmt.Errorf("%w: %s is %d bytes", sftp.ErrTooLarge, local, st.Size())
		}

		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			n, err := c.Upload(remote, f)
			if err != nil {
				return err
			}
			fmt.Printf("%s -> %s (%d bytes)\n", local, remote, n)
			return nil
		})
	},
}

var sftpMkdirCmd = &cobra.Command{
	Use:   "mkdir SESSION DIR",
	Short: "Create a remote directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			return c.Mkdir(args[1], mkdirParents)
		})
	},
}

var sftpRenameCmd = &cobra.Command{
	Use:   "mv SESSION FROM TO",
	Short: "Rename a remote file or directory",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			return c.Rename(args[1], args[2])
		})
	},
}

var sftpDeleteCmd = &cobra.Command{
	Use:   "rm SESSION PATH",
	Short: "Delete a remote file, symlink or empty directory",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFiles(cmd, args[0], func(c *sftp.Client) error {
			return c.Delete(args[1])
		})
	},
}

func init() {
	sftpMkdirCmd.Flags().BoolVarP(&mkdirParents, "parents", "p", false, "create missing parents")
	sftpCmd.AddCommand(sftpListCmd, sftpGetCmd, sftpPutCmd, sftpMkdirCmd, sftpRenameCmd, sftpDeleteCmd)
}
