package command

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/types"
)

// NewConsensusCmd implements spec §4.4.3's recordConsensus operation.
func NewConsensusCmd() *cobra.Command {
	var position, reason string

	cmd := &cobra.Command{
		Use:   "consensus <claimId>",
		Short: "Record this role's consensus position on a claim",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			agent := roleFlag(cmd)
			if agent == "" {
				return writeCommandError(cmd, fmt.Errorf("--role or FLEET_ROLE must identify the voting role"))
			}

			claimID := args[0]
			if err := ctx.Memory.RecordConsensus(claimID, agent, types.ConsensusPosition(position), reason); err != nil {
				return writeCommandError(cmd, err)
			}

			edges, err := ctx.Memory.ConsensusFor(claimID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			claim, err := ctx.Memory.GetClaim(claimID)
			if err != nil {
				return writeCommandError(cmd, err)
			}

			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				out, _ := json.MarshalIndent(struct {
					Claim types.Claim           `json:"claim"`
					Edges []types.ConsensusEdge `json:"edges"`
				}{claim, edges}, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", claimID, claim.Status)
			for _, e := range edges {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s (%s)\n", e.Agent, e.Position, e.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&position, "position", string(types.PositionSupport), "support, challenge, or abstain")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for this position")
	return cmd
}
