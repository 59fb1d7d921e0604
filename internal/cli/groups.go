package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vyrti/redpill/internal/catalogue"
	"github.com/vyrti/redpill/internal/manager"
	"github.com/vyrti/redpill/internal/terminal"
)

var groupsCmd = &cobra.Command{
	Use:     "groups",
	Aliases: []string{"g"},
	Short:   "List, edit and connect session groups",
}

var (
	groupParent    string
	groupRecursive bool
)

var groupsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the group tree with session counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		var walk func(groups []catalogue.Group, depth int)
		walk = func(groups []catalogue.Group, depth int) {
			for _, g := range groups {
				members, _ := a.cat.SessionsInGroup(g.ID)
				fmt.Printf("%s%-*s  %d sessions  %s\n", strings.Repeat("  ", depth+1), 24-2*depth, g.Name, len(members), g.ID)
				walk(a.cat.ChildGroups(g.ID), depth+1)
			}
		}
		walk(a.cat.TopLevelGroups(), 0)
		if n := len(a.cat.UngroupedSessions()); n > 0 {
			fmt.Printf("  (ungrouped)  %d sessions\n", n)
		}
		return nil
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g := catalogue.NewGroup(args[0])
		if groupParent != "" {
			parent, err := resolveGroup(a.cat, groupParent)
			if err != nil {
				return err
			}
			g.ParentID = catalogue.StrPtr(parent.ID)
		}
		created, err := a.cat.AddGroup(g)
		if err != nil {
			return err
		}
		fmt.Printf("Added group %s (%s)\n", created.Name, created.ID)
		return nil
	},
}

var groupsRemoveCmd = &cobra.Command{
	Use:     "rm GROUP",
	Aliases: []string{"remove"},
	Short:   "Delete a group; --recursive also deletes its subgroups and sessions",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g, err := resolveGroup(a.cat, args[0])
		if err != nil {
			return err
		}
		if groupRecursive {
			err = a.cat.DeleteGroupRecursive(g.ID)
		} else {
			err = a.cat.DeleteGroup(g.ID)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Deleted group %s\n", g.Name)
		return nil
	},
}

var groupsMoveCmd = &cobra.Command{
	Use:   "mv GROUP",
	Short: "Reparent a group (--parent \"\" makes it top-level)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cfg, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()

		g, err := resolveGroup(a.cat, args[0])
		if err != nil {
			return err
		}
		var parent *string
		if groupParent != "" {
			p, err := resolveGroup(a.cat, groupParent)
			if err != nil {
				return err
			}
			parent = catalogue.StrPtr(p.ID)
		}
		return a.cat.MoveGroup(g.ID, parent)
	},
}

var groupsConnectCmd = &cobra.Command{
	Use:   "connect GROUP",
	Short: "Open every session in a group concurrently and report the outcome",
	Long: `Connect every session in the group at once, bounded by
mass_connect_limit, and print one line per session. The tabs only live as
long as this command, so this is a reachability and credential check; use
"redpill serve" to keep them open.`,
	Args: cobra.ExactArgs(1),
	RunE: runMassConnect,
}

// massConnectCmd is "groups connect" at the top level.
var massConnectCmd = &cobra.Command{
	Use:   "mass-connect GROUP",
	Short: groupsConnectCmd.Short,
	Long:  groupsConnectCmd.Long,
	Args:  cobra.ExactArgs(1),
	RunE:  runMassConnect,
}

func runMassConnect(cmd *cobra.Command, args []string) error {
	a, err := openApp(cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	g, err := resolveGroup(a.cat, args[0])
	if err != nil {
		return err
	}
	connect := a.mgr.MassConnect
	if groupRecursive {
		connect = a.mgr.MassConnectRecursive
	}
	results, err := connect(cmd.Context(), g.ID)
	if err != nil {
		return err
	}
	return printConnectResults(results)
}

func printConnectResults(results []manager.ConnectResult) error {
	failed := 0
	for _, r := range results {
		if r.Succeeded() {
			fmt.Printf("  %-6s  %-24s\n", "ok", r.Name)
			continue
		}
		failed++
		fmt.Printf("  %-6s  %-24s  %s: %v\n", "failed", r.Name, terminal.KindOf(r.Err), r.Err)
	}
	fmt.Printf("\n%d/%d connected\n", len(results)-failed, len(results))
	if failed > 0 {
		return fmt.Errorf("%d of %d sessions failed", failed, len(results))
	}
	return nil
}

func init() {
	groupsAddCmd.Flags().StringVar(&groupParent, "parent", "", "parent group name or id")
	groupsMoveCmd.Flags().StringVar(&groupParent, "parent", "", "new parent group name or id")
	groupsRemoveCmd.Flags().BoolVarP(&groupRecursive, "recursive", "r", false, "delete subgroups and sessions too")
	groupsConnectCmd.Flags().BoolVarP(&groupRecursive, "recursive", "r", false, "include sessions in subgroups")
	massConnectCmd.Flags().BoolVarP(&groupRecursive, "recursive", "r", false, "include sessions in subgroups")

	groupsCmd.AddCommand(groupsListCmd, groupsAddCmd, groupsRemoveCmd, groupsMoveCmd, groupsConnectCmd)
	rootCmd.AddCommand(massConnectCmd)
}
