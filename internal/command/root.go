package command

import (
	"os"

	"github.com/spf13/cobra"
)

const AppName = "fleet"

// Version is overwritten at build time using -ldflags.
var Version = "dev"

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:           AppName,
		Short:         "Fleet - orchestrator CLI for a team of AI-CLI agent panes",
		Long:          "Fleet directs a small fleet of interactive AI-CLI agents sharing one code workspace.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.Version = version
	cmd.SetVersionTemplate(AppName + " version {{.Version}}\n")
	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.PersistentFlags().String("role", "", "role to act as (defaults to FLEET_ROLE)")
	cmd.PersistentFlags().Bool("json", false, "output in JSON format")

	cmd.AddCommand(
		NewInitCmd(),
		NewSendCmd(),
		NewClaimCmd(),
		NewClaimsCmd(),
		NewDecideCmd(),
		NewConsensusCmd(),
		NewExperimentCmd(),
		NewBgCmd(),
		NewStatusCmd(),
		NewWatchCmd(),
	)

	return cmd
}

func Execute() error {
	return NewRootCmd(Version).Execute()
}
