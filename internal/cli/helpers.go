package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fatih/color"

	"github.com/stacklift-io/stacklift/internal/config"
	"github.com/stacklift-io/stacklift/internal/controller"
	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logging"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

var (
	addColor    = color.New(color.FgGreen)
	removeColor = color.New(color.FgRed)
	changeColor = color.New(color.FgYellow)
	errColor    = color.New(color.FgRed)
	faintColor  = color.New(color.Faint)
)

// setup loads the environment configuration and builds the logger.
func setup() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))
	return cfg, logger, nil
}

// loadDefinitions reads every definition file named on the command line.
func loadDefinitions(args []string) ([]*definition.Definition, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("at least one stack definition file is required")
	}
	defs := make([]*definition.Definition, 0, len(args))
	for _, path := range args {
		def, err := definition.LoadFile(path)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// controllerOptions maps the environment configuration onto controller
// options shared by every command.
func controllerOptions(ctx context.Context, cfg *config.Config, logger *slog.Logger) []controller.Option {
	return []controller.Option{
		controller.WithContext(ctx),
		controller.WithLogger(logger),
		controller.WithWorkDir(cfg.WorkDir),
		controller.WithEngineBinary(cfg.EngineBinary),
		controller.WithProbeTimeout(cfg.ProbeTimeout),
		controller.WithRemoteToken(cfg.RemoteToken),
		controller.WithLogSink(printLogLine),
	}
}

func printLogLine(stack string, line logparse.Line) {
	if line.IsError {
		errColor.Printf("[%s] %s\n", stack, line.Message)
		return
	}
	faintColor.Printf("[%s] %s\n", stack, line.Message)
}

// renderer turns lifecycle events into terminal output. One renderer is
// shared across all stacks of a command; the prompt mutex keeps concurrent
// approval prompts from interleaving.
type renderer struct {
	promptMu sync.Mutex
}

func (r *renderer) handle(e controller.Event) {
	stack := e.StackName()
	switch ev := e.(type) {
	case controller.Planning:
		fmt.Printf("[%s] Planning...\n", stack)
	case controller.Planned:
		s := ev.Plan.Summary
		if !ev.Plan.NeedsApply {
			fmt.Printf("[%s] No changes. Infrastructure is up-to-date.\n", stack)
			return
		}
		fmt.Printf("[%s] Plan: %s, %s, %s\n", stack,
			addColor.Sprintf("%d to add", s.Add),
			changeColor.Sprintf("%d to change", s.Change),
			removeColor.Sprintf("%d to remove", s.Remove))
	case controller.ApprovalRequest:
		r.prompt(stack, ev)
	case controller.Deploying:
		fmt.Printf("[%s] Applying changes...\n", stack)
	case controller.DeployUpdate:
		// Already mirrored to the log sink; nothing extra to render.
	case controller.Deployed:
		fmt.Printf("[%s] Deploy complete.\n", stack)
		renderOutputs(stack, ev.Outputs)
	case controller.Destroying:
		fmt.Printf("[%s] Destroying resources...\n", stack)
	case controller.Destroyed:
		fmt.Printf("[%s] Destroy complete.\n", stack)
	case controller.OutputsFetched:
		renderOutputs(stack, ev.Outputs)
	case controller.Dismissed:
		fmt.Printf("[%s] Cancelled. No changes were made.\n", stack)
	case controller.Errored:
		errColor.Printf("[%s] Error: %s\n", stack, ev.Error)
	case controller.Done:
		// Terminal event; per-operation messages were already printed.
	}
}

func (r *renderer) prompt(stack string, req controller.ApprovalRequest) {
	r.promptMu.Lock()
	defer r.promptMu.Unlock()

	fmt.Printf("\nDo you want to perform these actions for stack %q? (y/n): ", stack)
	var response string
	fmt.Scanln(&response)
	if response == "y" || response == "yes" {
		req.Approve()
		return
	}
	req.Reject()
}

func renderOutputs(stack string, outputs map[string]any) {
	if len(outputs) == 0 {
		return
	}
	fmt.Printf("[%s] Outputs:\n", stack)
	for k, v := range outputs {
		fmt.Printf("  %s = %v\n", k, v)
	}
}
