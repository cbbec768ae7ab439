package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/state"
)

func newGroupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "group",
		Short: "Group registry commands",
	}

	cmd.AddCommand(newGroupListCmd())
	cmd.AddCommand(newGroupAddCmd())
	return cmd
}

func newGroupListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	return cmd
}

func runGroupList(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	store, err := openStore(configPath)
	if err != nil {
		return err
	}

	groups := store.Groups()
	if len(groups) == 0 {
		fmt.Fprintln(out, "No groups registered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FOLDER\tJID\tNAME\tTRIGGER\tADDED")
	for _, g := range groups {
		folder := g.Folder
		if store.IsMain(folder) {
			folder += " (main)"
		}
		trigger := g.Trigger
		if trigger == "" {
			trigger = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			folder, g.JID, g.Name, trigger, g.AddedAt.Format("2006-01-02"))
	}
	return w.Flush()
}

func newGroupAddCmd() *cobra.Command {
	var configPath string
	var trigger string
	var name string

	cmd := &cobra.Command{
		Use:   "add <jid> <folder>",
		Short: "Register a conversation with a workspace folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGroupAdd(cmd, configPath, args[0], args[1], name, trigger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger word (empty accepts all messages)")
	cmd.Flags().StringVar(&name, "name", "", "display name for the conversation")
	return cmd
}

func runGroupAdd(cmd *cobra.Command, configPath, jid, folder, name, trigger string) error {
	out := cmd.OutOrStdout()

	store, err := openStore(configPath)
	if err != nil {
		return err
	}

	err = store.Register(state.RegisteredGroup{
		JID:     jid,
		Name:    name,
		Folder:  folder,
		Trigger: trigger,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Registered %s with folder %s\n", jid, folder)
	return nil
}

// openStore loads the config and opens the state store at its data dir.
func openStore(configPath string) (*state.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return state.Open(cfg.StateDir(), cfg.MainFolder)
}
