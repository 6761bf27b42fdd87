package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/core"
	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/types"
)

// NewStatusCmd reports pane health (via the daemon's control socket) and
// recent team-memory activity in one snapshot.
func NewStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show pane health and recent team-memory activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := core.DiscoverWorkspace("")
			if err != nil {
				return writeCommandError(cmd, err)
			}

			var panes []types.Pane
			if client, err := ptyd.Dial(ws.ControlSocketPath()); err == nil {
				defer client.Close()
				_ = client.Call("listPanes", nil, &panes)
			}

			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			patterns, err := ctx.Memory.RecentPatterns(10)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				out, _ := json.MarshalIndent(struct {
					Panes    []types.Pane    `json:"panes"`
					Patterns []types.Pattern `json:"patterns"`
				}{panes, patterns}, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}

			if len(panes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No panes (is fleetd running?)")
			}
			for _, p := range panes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] lifecycle=%s health=%s\n", p.PaneID, p.Role, p.Lifecycle, p.Health)
			}
			for _, pat := range patterns {
				fmt.Fprintf(cmd.OutOrStdout(), "pattern %s x%d risk=%.2f\n", pat.Type, pat.Frequency, pat.RiskScore)
			}
			return nil
		},
	}
	return cmd
}
