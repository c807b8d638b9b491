package cli

import (
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklift-io/stacklift/internal/controller"
)

var diffCmd = &cobra.Command{
	Use:   "diff <definition>...",
	Short: "Show what a deploy would change",
	Long: `Plans each stack against its current infrastructure and reports the
changes a deploy would make. Nothing is applied.`,
	RunE: runDiff,
}

func runDiff(cmd *cobra.Command, args []string) error {
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

	g, ctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		c := controller.New(def, r.handle, append(opts, controller.WithContext(ctx))...)
		g.Go(c.Diff().Wait)
	}
	return g.Wait()
}
