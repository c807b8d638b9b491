package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stacklift",
	Short: "Lifecycle controller for declarative infrastructure stacks",
	Long: `Stacklift drives synthesized stack definitions through their provisioning
lifecycle: plan, approve, apply, and destroy.

Each stack runs against either a local engine binary or a remote managed
workspace, chosen per stack from its definition. Multiple stacks are driven
concurrently, one controller per stack.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(versionCmd)
}
