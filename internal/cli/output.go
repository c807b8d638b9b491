package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklift-io/stacklift/internal/controller"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output <definition>",
	Short: "Show a stack's current output values",
	Long: `Reads the stack's current outputs from its backend without planning or
applying anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	defs, err := loadDefinitions(args)
	if err != nil {
		return err
	}

	opts := controllerOptions(cmd.Context(), cfg, logger)
	// Rendering happens below; the event stream stays silent here.
	c := controller.New(defs[0], func(controller.Event) {}, opts...)

	run := c.FetchOutputs()
	if err := run.Wait(); err != nil {
		return fmt.Errorf("failed to fetch outputs: %w", err)
	}

	outputs := run.Outputs()
	if len(outputs) == 0 {
		fmt.Println("No outputs defined.")
		return nil
	}

	if outputJSON {
		data, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
	for k, v := range outputs {
		fmt.Printf("%s = %v\n", k, v)
	}
	return nil
}
