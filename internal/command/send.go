package command

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/brokerclient"
	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/types"
)

// NewSendCmd implements spec §6's messaging utility: `send <targetRole>
// "<body>"`, exit 1 on a dropped.* outcome or an error, exit 0 otherwise
// (delivered.*, accepted.unverified, fallback.triggered).
func NewSendCmd() *cobra.Command {
	var priority string
	cmd := &cobra.Command{
		Use:   "send <targetRole> <body>",
		Short: "Send a message to another role, verified with fallback",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			targetRole, body := args[0], args[1]
			role, _ := cmd.Flags().GetString("role")
			if role == "" {
				role = os.Getenv("FLEET_ROLE")
			}
			if role == "" {
				return writeCommandError(cmd, fmt.Errorf("--role or FLEET_ROLE must identify the sending role"))
			}

			ws, err := core.DiscoverWorkspace("")
			if err != nil {
				return writeCommandError(cmd, err)
			}
			config, err := core.NewConfigStore(ws.ConfigPath())
			if err != nil {
				return writeCommandError(cmd, err)
			}

			client, err := brokerclient.Dial(BrokerAddr(config), role, config.Get().CommsSecret)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer client.Close()

			ack, err := client.Send(targetRole, body, types.PriorityTag(priority))
			if err != nil {
				return writeCommandError(cmd, err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", ack.Outcome, ack.Reason)
			if ack.Outcome.IsDropped() {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&priority, "priority", string(types.PriorityFYI), "priority tag: ack-required, fyi, urgent, task")
	return cmd
}
