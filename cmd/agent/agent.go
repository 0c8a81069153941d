package agent

import "github.com/spf13/cobra"

// NewAgentCmd returns the parent "agent" command.
func NewAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the background replay agent",
	}
	// attach subcommands
	cmd.AddCommand(runCmd)

	return cmd
}
