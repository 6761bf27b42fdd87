package command

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/ptyd"
	"github.com/agentfleet/fleet/internal/teammemory"
	"github.com/agentfleet/fleet/internal/types"
)

// NewExperimentCmd implements spec §4.4.5's runExperiment operation. Each
// invocation spawns its own short-lived PTY daemon for the one experiment
// process, the same isolation ExperimentRunner expects of its caller.
func NewExperimentCmd() *cobra.Command {
	var claimID, relation, argsJSON, repoRevision string

	cmd := &cobra.Command{
		Use:   "experiment <profileId>",
		Short: "Run a registered experiment profile and bind its outcome as evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			profileID := args[0]
			profile, ok := ctx.Config.Get().Experiments[profileID]
			if !ok {
				return writeCommandError(cmd, fmt.Errorf("no experiment profile %q registered in config", profileID))
			}

			var profileArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &profileArgs); err != nil {
					return writeCommandError(cmd, fmt.Errorf("invalid --args JSON: %w", err))
				}
			}

			requestedBy := roleFlag(cmd)
			daemon := ptyd.New(ptyd.DefaultHealthPolicy(), nil)
			defer daemon.Stop()

			runner := teammemory.NewExperimentRunner(ctx.Memory, daemon, ctx.Workspace)
			experiment, err := runner.RunExperiment(context.Background(), teammemory.RunExperimentRequest{
				ProfileID:      profileID,
				Profile:        profile,
				Args:           profileArgs,
				ClaimID:        claimID,
				Relation:       types.EvidenceRelation(relation),
				RequestedBy:    requestedBy,
				RepoRevision:   repoRevision,
				IdempotencyKey: uuid.NewString(),
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}

			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				out, _ := json.MarshalIndent(experiment, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", experiment.RunID, experiment.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&claimID, "claim", "", "claim id this experiment's outcome binds evidence to")
	cmd.Flags().StringVar(&relation, "relation", string(types.RelationSupports), "supports, contradicts, or causedBy")
	cmd.Flags().StringVar(&argsJSON, "args", "", "JSON object of profile arguments")
	cmd.Flags().StringVar(&repoRevision, "repo-revision", "", "repo revision the experiment ran against")
	return cmd
}
