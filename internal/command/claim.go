package command

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/teammemory"
	"github.com/agentfleet/fleet/internal/types"
)

func roleFlag(cmd *cobra.Command) string {
	role, _ := cmd.Flags().GetString("role")
	if role == "" {
		role = os.Getenv("FLEET_ROLE")
	}
	return role
}

func printClaim(cmd *cobra.Command, c types.Claim) {
	jsonMode, _ := cmd.Flags().GetBool("json")
	if jsonMode {
		out, _ := json.MarshalIndent(c, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s [%s/%s] %s (owner=%s confidence=%.2f)\n",
		c.ClaimID, c.ClaimType, c.Status, c.Statement, c.OwnerRole, c.Confidence)
}

// NewClaimCmd implements spec §4.4.2's createClaim operation.
func NewClaimCmd() *cobra.Command {
	var scopes []string
	var ttlHours float64
	var confidence float64
	var claimType string
	var supersedes string

	cmd := &cobra.Command{
		Use:   "claim <statement>",
		Short: "Create a claim in the shared team memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			owner := roleFlag(cmd)
			if owner == "" {
				return writeCommandError(cmd, fmt.Errorf("--role or FLEET_ROLE must identify the claiming role"))
			}

			req := teammemory.CreateClaimRequest{
				IdempotencyKey: uuid.NewString(),
				Statement:      args[0],
				ClaimType:      types.ClaimType(claimType),
				OwnerRole:      owner,
				Confidence:     confidence,
				Scopes:         scopes,
				SupersedesClaimID: supersedes,
			}
			if ttlHours > 0 {
				req.TTLHours = &ttlHours
			}

			claim, err := ctx.Memory.CreateClaim(req)
			if err != nil && err != teammemory.ErrDuplicateIdempotencyKey {
				return writeCommandError(cmd, err)
			}
			printClaim(cmd, claim)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&scopes, "scope", nil, "scopes this claim applies to (repeatable)")
	cmd.Flags().Float64Var(&ttlHours, "ttl-hours", 0, "hours until this claim expires (0 = no expiry)")
	cmd.Flags().Float64Var(&confidence, "confidence", 1.0, "confidence in [0,1]")
	cmd.Flags().StringVar(&claimType, "type", string(types.ClaimFact), "fact, decision, hypothesis, or negative")
	cmd.Flags().StringVar(&supersedes, "supersedes", "", "claim id this claim supersedes")
	return cmd
}

// NewClaimsCmd implements spec §4.4.2's queryClaims operation.
func NewClaimsCmd() *cobra.Command {
	var scope, claimType, status, owner, textSearch string
	var limit int

	cmd := &cobra.Command{
		Use:   "claims",
		Short: "Query claims in the shared team memory",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			claims, err := ctx.Memory.QueryClaims(teammemory.ClaimQuery{
				Scope:      scope,
				ClaimType:  types.ClaimType(claimType),
				Status:     types.ClaimStatus(status),
				OwnerRole:  owner,
				TextSearch: textSearch,
				Limit:      limit,
			})
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if len(claims) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No matching claims.")
				return nil
			}
			for _, c := range claims {
				printClaim(cmd, c)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "glob-matched scope filter")
	cmd.Flags().StringVar(&claimType, "type", "", "filter by claim type")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owning role")
	cmd.Flags().StringVar(&textSearch, "search", "", "full-text filter on statement")
	cmd.Flags().IntVar(&limit, "limit", 20, "max rows to return")
	return cmd
}

// NewDecideCmd implements the claim status-machine transition operations
// (spec §4.4.3) plus createDecision for recording the rationale.
func NewDecideCmd() *cobra.Command {
	var next, reason, rationale string
	var alternatives []string

	cmd := &cobra.Command{
		Use:   "decide <claimId>",
		Short: "Transition a claim's status and record the deciding rationale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, err := GetContext(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			defer ctx.Close()

			owner := roleFlag(cmd)
			if owner == "" {
				return writeCommandError(cmd, fmt.Errorf("--role or FLEET_ROLE must identify the deciding role"))
			}

			claimID := args[0]
			if next != "" {
				if err := ctx.Memory.UpdateClaimStatus(claimID, owner, reason, types.ClaimStatus(next)); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			if rationale != "" {
				if _, err := ctx.Memory.CreateDecision(teammemory.CreateDecisionRequest{
					ClaimID:        claimID,
					DecidedBy:      owner,
					Rationale:      rationale,
					Alternatives:   alternatives,
					IdempotencyKey: uuid.NewString(),
				}); err != nil {
					return writeCommandError(cmd, err)
				}
			}
			claim, err := ctx.Memory.GetClaim(claimID)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			printClaim(cmd, claim)
			return nil
		},
	}
	cmd.Flags().StringVar(&next, "status", "", "next status: proposed, confirmed, contested, deprecated, pendingProof")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for the status transition")
	cmd.Flags().StringVar(&rationale, "rationale", "", "decision rationale to record")
	cmd.Flags().StringSliceVar(&alternatives, "alternative", nil, "alternative considered (repeatable)")
	return cmd
}
