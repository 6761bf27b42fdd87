package command

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentfleet/fleet/internal/core"
)

func NewInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a .fleet workspace in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			ws, err := core.InitWorkspace("", force)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized fleet workspace at %s\n", ws.StateDir)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "reinitialize an existing workspace")
	return cmd
}
