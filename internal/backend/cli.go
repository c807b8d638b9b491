package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

const (
	defaultEngineBinary = "terraform"
	defaultWorkDir      = ".stacklift"
	definitionFileName  = "stack.tf.json"
	planFileName        = "plan.out"
)

// CLI drives a local engine binary as a child process, one working
// directory per stack.
type CLI struct {
	def    *definition.Definition
	binary string
	dir    string
	sink   Sink
	logger *slog.Logger

	initialized bool
}

// NewCLI returns a local engine driver for the given stack.
func NewCLI(opts Options) *CLI {
	binary := opts.EngineBinary
	if binary == "" {
		binary = defaultEngineBinary
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = defaultWorkDir
	}
	return &CLI{
		def:    opts.Definition,
		binary: binary,
		dir:    filepath.Join(workDir, opts.Definition.Name),
		sink:   opts.sink(),
		logger: opts.logger(),
	}
}

// Init materializes the definition content into the stack working directory
// and initializes the engine there.
func (c *CLI) Init(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create working directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, definitionFileName), c.def.Content, 0o644); err != nil {
		return fmt.Errorf("write definition: %w", err)
	}

	if _, err := c.run(ctx, "init", nil, "init", "-input=false"); err != nil {
		return fmt.Errorf("engine init: %w", err)
	}
	c.initialized = true
	return nil
}

// Plan runs a planning pass and keeps the plan artifact on disk for a later
// Apply or Destroy. The engine signals "changes present" through its exit
// code rather than its output.
func (c *CLI) Plan(ctx context.Context, destructive bool) (*Plan, error) {
	c.ensureInit("Plan")

	args := []string{"plan", "-input=false", "-json", "-detailed-exitcode", "-out", planFileName}
	if destructive {
		args = append(args, "-destroy")
	}

	summary := &summaryCapture{}
	code, err := c.runExit(ctx, "plan", summary, args...)
	if err != nil {
		return nil, fmt.Errorf("engine plan: %w", err)
	}

	plan := &Plan{
		Artifact:    filepath.Join(c.dir, planFileName),
		Destructive: destructive,
		Summary:     summary.summary,
	}
	switch code {
	case 0:
		plan.NeedsApply = false
	case 2:
		plan.NeedsApply = true
	default:
		return nil, fmt.Errorf("engine plan: exit code %d", code)
	}
	return plan, nil
}

// Apply executes a previously produced plan artifact.
func (c *CLI) Apply(ctx context.Context, plan *Plan) error {
	c.ensureInit("Apply")
	if plan.Destructive {
		return errors.New("engine apply: refusing to apply a destructive plan, use Destroy")
	}
	if _, err := c.run(ctx, "apply", nil, "apply", "-input=false", "-json", filepath.Base(plan.Artifact)); err != nil {
		return fmt.Errorf("engine apply: %w", err)
	}
	return nil
}

// Destroy tears down the stack's resources.
func (c *CLI) Destroy(ctx context.Context, plan *Plan) error {
	c.ensureInit("Destroy")
	if _, err := c.run(ctx, "destroy", nil, "destroy", "-input=false", "-auto-approve", "-json"); err != nil {
		return fmt.Errorf("engine destroy: %w", err)
	}
	return nil
}

// Output reads the stack's current output values.
func (c *CLI) Output(ctx context.Context) (map[string]any, error) {
	c.ensureInit("Output")

	cmd := exec.CommandContext(ctx, c.binary, "output", "-json")
	cmd.Dir = c.dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("engine output: %w", ErrCancelled)
		}
		return nil, fmt.Errorf("engine output: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return decodeOutputs(stdout.Bytes())
}

func (c *CLI) ensureInit(op string) {
	if !c.initialized {
		panic(fmt.Sprintf("backend: %s called before Init", op))
	}
}

// run executes the engine and fails on any nonzero exit.
func (c *CLI) run(ctx context.Context, phase string, summary *summaryCapture, args ...string) (int, error) {
	code, err := c.runExit(ctx, phase, summary, args...)
	if err != nil {
		return code, err
	}
	if code != 0 {
		return code, fmt.Errorf("exit code %d", code)
	}
	return code, nil
}

// runExit executes the engine, streaming both pipes line by line through the
// log extractor into the sink, and reports the exit code.
func (c *CLI) runExit(ctx context.Context, phase string, summary *summaryCapture, args ...string) (int, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	cmd.Dir = c.dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", c.binary, err)
	}
	c.logger.Debug("engine process started", "stack", c.def.Name, "phase", phase, "args", args)

	var g errgroup.Group
	g.Go(func() error { return c.scan(stdout, phase, false, summary) })
	g.Go(func() error { return c.scan(stderr, phase, true, nil) })
	scanErr := g.Wait()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return -1, fmt.Errorf("%s: %w", phase, ErrCancelled)
	}
	if scanErr != nil {
		return -1, scanErr
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, waitErr
	}
	return 0, nil
}

func (c *CLI) scan(r io.Reader, phase string, isStderr bool, summary *summaryCapture) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		raw := scanner.Text()
		if summary != nil {
			summary.capture(raw)
		}
		line := logparse.Parse(raw)
		if isStderr {
			line.IsError = true
		}
		c.sink(phase, line)
	}
	return scanner.Err()
}

// summaryCapture picks the change_summary record out of the plan stream.
type summaryCapture struct {
	summary ChangeSummary
}

func (s *summaryCapture) capture(raw string) {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") || !strings.Contains(trimmed, "change_summary") {
		return
	}
	var record struct {
		Type    string        `json:"type"`
		Changes ChangeSummary `json:"changes"`
	}
	if err := json.Unmarshal([]byte(trimmed), &record); err != nil {
		return
	}
	if record.Type == "change_summary" {
		s.summary = record.Changes
	}
}

// decodeOutputs handles both the engine wire shape, where each output is
// wrapped as {"value": ..., "sensitive": ...}, and a plain name-to-value
// map.
func decodeOutputs(data []byte) (map[string]any, error) {
	var wrapped map[string]struct {
		Value     json.RawMessage `json:"value"`
		Sensitive bool            `json:"sensitive"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		flat := make(map[string]any, len(wrapped))
		ok := true
		for name, entry := range wrapped {
			if entry.Value == nil {
				ok = false
				break
			}
			var value any
			if err := json.Unmarshal(entry.Value, &value); err != nil {
				return nil, fmt.Errorf("decode output %q: %w", name, err)
			}
			flat[name] = value
		}
		if ok {
			return flat, nil
		}
	}

	var plain map[string]any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode outputs: %w", err)
	}
	return plain, nil
}
