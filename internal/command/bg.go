package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/brokerclient"
	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/types"
)

// NewBgCmd implements spec §4.6's Background Worker Manager operations,
// proxied through the Broker's background-agent frame (coordinator-only).
func NewBgCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bg",
		Short: "Manage background worker agents (coordinator only)",
	}
	cmd.AddCommand(newBgSpawnCmd(), newBgListCmd(), newBgKillCmd(), newBgKillAllCmd())
	return cmd
}

func dialCoordinator(cmd *cobra.Command) (*brokerclient.Client, *core.ConfigStore, error) {
	ws, err := core.DiscoverWorkspace("")
	if err != nil {
		return nil, nil, err
	}
	config, err := core.NewConfigStore(ws.ConfigPath())
	if err != nil {
		return nil, nil, err
	}
	client, err := brokerclient.Dial(BrokerAddr(config), string(types.RoleCoordinator), config.Get().CommsSecret)
	if err != nil {
		return nil, nil, err
	}
	return client, config, nil
}

func newBgSpawnCmd() *cobra.Command {
	var slot, task string
	cmd := &cobra.Command{
		Use:   "spawn <parentRole>",
		Short: "Spawn a background worker under parentRole",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialCoordinator(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer client.Close()

			var out struct {
				Alias string `json:"alias"`
			}
			if err := client.BackgroundAgent("spawn", map[string]string{
				"parentRole": args[0], "slot": slot, "taskPrompt": task,
			}, &out); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out.Alias)
			return nil
		},
	}
	cmd.Flags().StringVar(&slot, "slot", "", "requested slot number (default: first free)")
	cmd.Flags().StringVar(&task, "task", "", "task prompt for the worker")
	return cmd
}

func newBgListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <parentRole>",
		Short: "List background workers owned by parentRole",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialCoordinator(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer client.Close()

			var workers []types.BackgroundWorker
			if err := client.BackgroundAgent("list", map[string]string{"parentRole": args[0]}, &workers); err != nil {
				return writeCommandError(cmd, err)
			}
			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				out, _ := json.MarshalIndent(workers, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			if len(workers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No background workers.")
				return nil
			}
			for _, w := range workers {
				fmt.Fprintf(cmd.OutOrStdout(), "%s (slot %d, pane %s): %s\n", w.Alias, w.Slot, w.PaneID, w.TaskPrompt)
			}
			return nil
		},
	}
	return cmd
}

func newBgKillCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "kill <parentRole> <target>",
		Short: "Kill one background worker by alias or pane id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialCoordinator(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer client.Close()

			if err := client.BackgroundAgent("kill", map[string]string{
				"parentRole": args[0], "target": args[1], "reason": reason,
			}, nil); err != nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_kill", "reason recorded for the kill")
	return cmd
}

func newBgKillAllCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "killall <parentRole>",
		Short: "Kill every background worker owned by parentRole",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := dialCoordinator(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer client.Close()

			if err := client.BackgroundAgent("killAll", map[string]string{
				"parentRole": args[0], "reason": reason,
			}, nil); err != nil {
				return writeCommandError(cmd, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual_kill", "reason recorded for the kill")
	return cmd
}
