package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklift-io/stacklift/internal/controller"
)

var deployAutoApprove bool

var deployCmd = &cobra.Command{
	Use:   "deploy <definition>...",
	Short: "Deploy stacks",
	Long: `Plans each stack, waits for approval, and applies the changes.

Stacks are deployed concurrently, one lifecycle controller per stack.
Approval prompts are serialized so they never interleave.`,
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().BoolVar(&deployAutoApprove, "auto-approve", false, "Skip interactive approval of plans before applying")
}

func runDeploy(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defs, err := loadDefinitions(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	r := &renderer{}
	opts := controllerOptions(ctx, cfg, logger)
	if deployAutoApprove {
		opts = append(opts, controller.WithAutoApprove())
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		c := controller.New(def, r.handle, append(opts, controller.WithContext(ctx))...)
		g.Go(c.Deploy().Wait)
	}
	return g.Wait()
}
