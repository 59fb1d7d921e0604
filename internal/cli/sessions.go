package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vyrti/redpill/internal/catalogue"
)

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"s"},
	Short:   "List and edit catalogue sessions",
}

var (
	listGroup string
	listQuery string

	addType    string
	addHost    string
	addPort    int
	addUser    string
	addAuth    string
	addKey     string
	addGroup   string
	addShell   string
	addWorkDir string

	addContext   string
	addNamespace string
	addPod       string
	addContainer string
	addInstance  string
	addRegion    string
	addProfile   string

	moveGroup string
)

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, optionally by group or fuzzy query",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var list []catalogue.Session
		switch {
		case listQuery != "":
			list = a.cat.Search(listQuery)
		case listGroup != "":
			g, err := resolveGroup(a.cat, listGroup)
			if err != nil {
				return err
			}
			if list, err = a.cat.SessionsInGroup(g.ID); err != nil {
				return err
			}
		default:
			list = a.cat.Sessions()
		}
		if len(list) == 0 {
			fmt.Println("No sessions.")
			return nil
		}
		for _, s := range list {
			fmt.Printf("  %-36s  %-20s  %s\n", s.ID, s.Name, describeSession(s))
		}
		return nil
	},
}

func describeSession(s catalogue.Session) string {
	switch s.Type {
	case catalogue.TypeSSH:
		auth := ""
		if s.Auth != nil {
			auth = " (" + strings.ToLower(s.Auth.Type) + ")"
		}
		return fmt.Sprintf("ssh %s@%s%s", s.Username, s.Address(), auth)
	case catalogue.TypeK8s:
		target := s.Namespace + "/" + s.Pod
		if s.Container != nil {
			target += "/" + *s.Container
		}
		if s.Context != "" {
			return fmt.Sprintf("k8s %s (%s)", target, s.Context)
		}
		return "k8s " + target
	case catalogue.TypeSsm:
		if s.Region != nil {
			return fmt.Sprintf("ssm %s (%s)", s.InstanceID, *s.Region)
		}
		return "ssm " + s.InstanceID
	}
	if s.Shell != nil {
		return "local " + *s.Shell
	}
	return "local"
}

var sessionsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add an SSH, local, K8s or SSM session",
	Example: `  redpill sessions add web-1 --host 10.0.0.5 --user deploy
  redpill sessions add db --host db.internal --user ops --auth key --key ~/.ssh/id_ed25519
  redpill sessions add scratch --type local --shell /bin/zsh
  redpill sessions add api --type k8s --context prod --namespace web --pod api-0 --container app
  redpill sessions add bastion --type ssm --instance i-0abc123 --region eu-west-1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var s catalogue.Session
		switch addType {
		case "ssh":
			s = catalogue.NewSSHSession(args[0], addHost, addPort, addUser)
			switch addAuth {
			case "password":
			case "key":
				s.Auth = &catalogue.Auth{Type: catalogue.AuthPrivateKey, Path: addKey}
			case "agent":
				s.Auth = &catalogue.Auth{Type: catalogue.AuthAgent}
			default:
				return fmt.Errorf("unknown --auth %q (password, key or agent)", addAuth)
			}
		case "local":
			s = catalogue.NewLocalSession(args[0])
			if addShell != "" {
				s.Shell = catalogue.StrPtr(addShell)
			}
			if addWorkDir != "" {
				s.WorkingDir = catalogue.StrPtr(addWorkDir)
			}
		case "k8s":
			s = catalogue.NewK8sSession(args[0], addContext, addNamespace, addPod)
			s.Container = catalogue.StrPtr(addContainer)
			if addShell != "" {
				s.Shell = catalogue.StrPtr(addShell)
			}
		case "ssm":
			s = catalogue.NewSsmSession(args[0], addInstance)
			s.Region = catalogue.StrPtr(addRegion)
			s.Profile = catalogue.StrPtr(addProfile)
		default:
			return fmt.Errorf("unknown --type %q (ssh, local, k8s or ssm)", addType)
		}
		if addGroup != "" {
			g, err := resolveGroup(a.cat, addGroup)
			if err != nil {
				return err
			}
			s.GroupID = catalogue.StrPtr(g.ID)
		}

		created, err := a.cat.AddSession(s)
		if err != nil {
			return err
		}
		fmt.Printf("Added %s (%s)\n", created.Name, created.ID)
		if created.IsSSH() && created.Auth.Type != catalogue.AuthAgent {
			fmt.Printf("Store its secret with: redpill secret set %s\n", created.ID)
		}
		return nil
	},
}

var sessionsRemoveCmd = &cobra.Command{
	Use:     "rm SESSION",
	Aliases: []string{"remove"},
	Short:   "Delete a session and its stored secrets",
	Args:    cobra.ExactArgs(1),
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
		if err := a.cat.DeleteSession(s.ID); err != nil {
			return err
		}
		fmt.Printf("Deleted %s\n", s.Name)
		return nil
	},
}

var sessionsMoveCmd = &cobra.Command{
	Use:   "mv SESSION",
	Short: "Move a session to a group (--group \"\" ungroups it)",
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
		var target *string
		if moveGroup != "" {
			g, err := resolveGroup(a.cat, moveGroup)
			if err != nil {
				return err
			}
			target = catalogue.StrPtr(g.ID)
		}
		return a.cat.MoveSessionToGroup(s.ID, target)
	},
}

var sessionsBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the catalogue file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		path, err := a.cat.Backup()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringVarP(&listGroup, "group", "g", "", "only sessions directly in this group")
	sessionsListCmd.Flags().StringVarP(&listQuery, "query", "q", "", "fuzzy match on name, host, user@host, pod or instance id")

	f := sessionsAddCmd.Flags()
	f.StringVar(&addType, "type", "ssh", "session type: ssh, local, k8s or ssm")
	f.StringVar(&addHost, "host", "", "SSH host")
	f.IntVarP(&addPort, "port", "p", catalogue.DefaultPort, "SSH port")
	f.StringVarP(&addUser, "user", "u", "", "SSH username")
	f.StringVar(&addAuth, "auth", "password", "SSH auth: password, key or agent")
	f.StringVar(&addKey, "key", "", "private key file for --auth key")
	f.StringVarP(&addGroup, "group", "g", "", "group name or id")
	f.StringVar(&addShell, "shell", "", "shell for local sessions, or command to exec in a pod")
	f.StringVar(&addWorkDir, "dir", "", "working directory for local sessions")
	f.StringVar(&addContext, "context", "", "kubeconfig context (default: current)")
	f.StringVarP(&addNamespace, "namespace", "n", "", "pod namespace (default: default)")
	f.StringVar(&addPod, "pod", "", "pod to exec into")
	f.StringVarP(&addContainer, "container", "c", "", "container in a multi-container pod")
	f.StringVar(&addInstance, "instance", "", "SSM managed instance id")
	f.StringVar(&addRegion, "region", "", "AWS region for SSM")
	f.StringVar(&addProfile, "profile", "", "AWS profile for SSM")

	sessionsMoveCmd.Flags().StringVarP(&moveGroup, "group", "g", "", "target group name or id")

	sessionsCmd.AddCommand(sessionsListCmd, sessionsAddCmd, sessionsRemoveCmd, sessionsMoveCmd, sessionsBackupCmd)
}
