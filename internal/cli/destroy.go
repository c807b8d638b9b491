package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklift-io/stacklift/internal/controller"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy <definition>...",
	Short: "Destroy all resources of the given stacks",
	Long: `Plans the teardown of each stack, waits for approval, and destroys the
stack's resources. This command is the inverse of 'stacklift deploy'.`,
	RunE: runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
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
	if destroyAutoApprove {
		opts = append(opts, controller.WithAutoApprove())
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		c := controller.New(def, r.handle, append(opts, controller.WithContext(ctx))...)
		g.Go(c.Destroy().Wait)
	}
	return g.Wait()
}
