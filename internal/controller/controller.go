// Package controller drives one stack through its provisioning lifecycle:
// plan, approve, apply, destroy, and output retrieval, reported as a typed
// event stream.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/stacklift-io/stacklift/internal/backend"
	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logging"
	"github.com/stacklift-io/stacklift/internal/logparse"
	"github.com/stacklift-io/stacklift/internal/outputs"
)

// ErrOperationInFlight is reported when a second lifecycle operation is
// requested while one is still running.
var ErrOperationInFlight = errors.New("an operation is already in flight for this stack")

// ClientFactory builds the execution client for an operation. Swapped out
// in tests.
type ClientFactory func(ctx context.Context, opts backend.Options) backend.Client

// Controller owns the lifecycle of a single stack. At most one operation
// runs at a time; concurrency across stacks means one controller per stack.
type Controller struct {
	def    *definition.Definition
	emitFn EventFunc
	logFn  LogFunc
	logger *slog.Logger

	autoApprove bool
	ctx         context.Context
	newClient   ClientFactory

	workDir      string
	engineBinary string
	httpClient   *http.Client
	probeTimeout time.Duration
	remoteToken  string

	mu       sync.Mutex
	state    State
	stopped  bool
	started  bool
	inflight *Run

	// emitMu serializes event emission so consumers observe a total order
	// and so suppression after Stop has no straggler events.
	emitMu sync.Mutex
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller's diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithAutoApprove skips the approval gate on deploy and destroy.
func WithAutoApprove() Option {
	return func(c *Controller) { c.autoApprove = true }
}

// WithContext sets the context governing all operations; cancelling it
// aborts the in-flight operation.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.ctx = ctx }
}

// WithLogSink registers a consumer for every extracted engine log line.
func WithLogSink(fn LogFunc) Option {
	return func(c *Controller) { c.logFn = fn }
}

// WithClientFactory overrides how execution clients are built.
func WithClientFactory(factory ClientFactory) Option {
	return func(c *Controller) { c.newClient = factory }
}

// WithEngineBinary sets the local engine binary name.
func WithEngineBinary(binary string) Option {
	return func(c *Controller) { c.engineBinary = binary }
}

// WithWorkDir sets the root directory for per-stack working directories.
func WithWorkDir(dir string) Option {
	return func(c *Controller) { c.workDir = dir }
}

// WithHTTPClient sets the HTTP client used for remote workspaces.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Controller) { c.httpClient = client }
}

// WithRemoteToken sets the bearer token for remote workspaces.
func WithRemoteToken(token string) Option {
	return func(c *Controller) { c.remoteToken = token }
}

// WithProbeTimeout bounds the remote liveness probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Controller) { c.probeTimeout = d }
}

// New builds a controller for one stack definition. The event callback
// receives every lifecycle notification for this stack.
func New(def *definition.Definition, emit EventFunc, opts ...Option) *Controller {
	c := &Controller{
		def:       def,
		emitFn:    emit,
		logger:    logging.Discard(),
		ctx:       context.Background(),
		newClient: backend.Select,
		state:     StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports where the stack currently sits in its lifecycle.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Diff plans the stack without applying anything.
func (c *Controller) Diff() *Run {
	return c.start(func(ctx context.Context) (map[string]any, error) {
		return nil, c.runDiff(ctx)
	})
}

// Deploy plans the stack and, once approved, applies the plan and reports
// the resulting outputs.
func (c *Controller) Deploy() *Run {
	return c.start(c.runDeploy)
}

// Destroy plans the teardown and, once approved, destroys the stack's
// resources.
func (c *Controller) Destroy() *Run {
	return c.start(func(ctx context.Context) (map[string]any, error) {
		return nil, c.runDestroy(ctx)
	})
}

// FetchOutputs reads the stack's current outputs without mutating anything.
func (c *Controller) FetchOutputs() *Run {
	return c.start(c.runFetchOutputs)
}

// Stop prevents new operations from starting and suppresses every further
// event, including the terminal one of an operation still in flight. The
// in-flight operation itself keeps running; cancel the controller context
// to abort it. Stop is safe to call from inside an event callback.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
}

// IsPending reports whether no operation has been requested yet.
func (c *Controller) IsPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && !c.started
}

// IsRunning reports whether an operation is currently in flight.
func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.stopped && c.started && c.inflight != nil && !c.inflight.finished()
}

// IsDone reports whether the controller has finished or was stopped.
func (c *Controller) IsDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped || (c.started && c.inflight != nil && c.inflight.finished())
}

func (c *Controller) start(body func(ctx context.Context) (map[string]any, error)) *Run {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return completedRun()
	}
	if c.inflight != nil && !c.inflight.finished() {
		c.mu.Unlock()
		run := newRun()
		run.finish(fmt.Errorf("stack %q: %w", c.def.Name, ErrOperationInFlight), nil)
		return run
	}
	run := newRun()
	c.inflight = run
	c.started = true
	c.mu.Unlock()

	go c.execute(run, body)
	return run
}

// execute wraps an operation body so that exactly one terminal event is
// emitted: Errored on failure, Done on success. Stop suppresses both.
func (c *Controller) execute(run *Run, body func(ctx context.Context) (map[string]any, error)) {
	var flat map[string]any
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("stack %q: panic: %v", c.def.Name, r)
			}
		}()
		flat, err = body(c.ctx)
		return err
	}()

	if err != nil {
		c.logger.Error("operation failed", "stack", c.def.Name, "error", err)
		c.transition(StateErrored, Errored{stackEvent{c.def.Name}, err.Error()})
	} else {
		c.transition(StateDone, Done{stackEvent{c.def.Name}})
	}
	run.finish(err, flat)
}

// transition advances the lifecycle state and emits the matching event.
// The emit lock is held across the stopped check and the callback so the
// consumer sees a total order and nothing after Stop.
func (c *Controller) transition(state State, event Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	stopped := c.stopped
	if !stopped {
		c.state = state
	}
	c.mu.Unlock()

	if stopped || c.emitFn == nil {
		return
	}
	c.emitFn(event)
}

// sink fans engine log lines out to the log consumer and, during apply and
// destroy, mirrors them into the event stream as update events.
func (c *Controller) sink(phase string, line logparse.Line) {
	c.mu.Lock()
	stopped := c.stopped
	state := c.state
	c.mu.Unlock()
	if stopped {
		return
	}

	if c.logFn != nil {
		c.logFn(c.def.Name, line)
	}

	switch phase {
	case "apply":
		if state == StateDeploying || state == StateDeployUpdate {
			c.transition(StateDeployUpdate, DeployUpdate{stackEvent{c.def.Name}, line})
		}
	case "destroy":
		if state == StateDestroying || state == StateDestroyUpdate {
			c.transition(StateDestroyUpdate, DestroyUpdate{stackEvent{c.def.Name}, line})
		}
	}
}

// prepare parses the definition and builds the execution client for one
// operation.
func (c *Controller) prepare(ctx context.Context, speculative bool) (backend.Client, *definition.Document, error) {
	doc, err := definition.Parse(c.def)
	if err != nil {
		return nil, nil, err
	}

	client := c.newClient(ctx, backend.Options{
		Definition:   c.def,
		Document:     doc,
		Speculative:  speculative,
		Sink:         c.sink,
		Logger:       c.logger,
		WorkDir:      c.workDir,
		EngineBinary: c.engineBinary,
		HTTPClient:   c.httpClient,
		ProbeTimeout: c.probeTimeout,
		RemoteToken:  c.remoteToken,
	})
	return client, doc, nil
}

func (c *Controller) runDiff(ctx context.Context) error {
	client, _, err := c.prepare(ctx, true)
	if err != nil {
		return err
	}

	c.transition(StatePlanning, Planning{stackEvent{c.def.Name}})
	if err := client.Init(ctx); err != nil {
		return err
	}
	plan, err := client.Plan(ctx, false)
	if err != nil {
		return err
	}
	c.transition(StatePlanned, Planned{stackEvent{c.def.Name}, plan})
	return nil
}

func (c *Controller) runDeploy(ctx context.Context) (map[string]any, error) {
	client, doc, err := c.prepare(ctx, false)
	if err != nil {
		return nil, err
	}

	c.transition(StatePlanning, Planning{stackEvent{c.def.Name}})
	if err := client.Init(ctx); err != nil {
		return nil, err
	}
	plan, err := client.Plan(ctx, false)
	if err != nil {
		return nil, err
	}
	c.transition(StatePlanned, Planned{stackEvent{c.def.Name}, plan})

	approved, err := c.awaitApproval(ctx, plan)
	if err != nil {
		return nil, err
	}
	if !approved {
		c.transition(StateDismissed, Dismissed{stackEvent{c.def.Name}})
		return nil, nil
	}

	c.transition(StateDeploying, Deploying{stackEvent{c.def.Name}})
	if plan.NeedsApply {
		if err := client.Apply(ctx, plan); err != nil {
			return nil, err
		}
	}

	// Outputs are refreshed even when the diff was empty; they can be stale
	// from a previous run.
	flat, err := client.Output(ctx)
	if err != nil {
		return nil, err
	}
	nested := outputs.Correlate(flat, doc, c.logger)
	c.transition(StateDeployed, Deployed{stackEvent{c.def.Name}, flat, nested})
	return flat, nil
}

func (c *Controller) runDestroy(ctx context.Context) error {
	client, _, err := c.prepare(ctx, false)
	if err != nil {
		return err
	}

	c.transition(StatePlanning, Planning{stackEvent{c.def.Name}})
	if err := client.Init(ctx); err != nil {
		return err
	}
	plan, err := client.Plan(ctx, true)
	if err != nil {
		return err
	}
	c.transition(StatePlanned, Planned{stackEvent{c.def.Name}, plan})

	approved, err := c.awaitApproval(ctx, plan)
	if err != nil {
		return err
	}
	if !approved {
		c.transition(StateDismissed, Dismissed{stackEvent{c.def.Name}})
		return nil
	}

	c.transition(StateDestroying, Destroying{stackEvent{c.def.Name}})
	if plan.NeedsApply {
		if err := client.Destroy(ctx, plan); err != nil {
			return err
		}
	}

	c.transition(StateDestroyed, Destroyed{stackEvent{c.def.Name}})
	return nil
}

func (c *Controller) runFetchOutputs(ctx context.Context) (map[string]any, error) {
	client, _, err := c.prepare(ctx, true)
	if err != nil {
		return nil, err
	}

	if err := client.Init(ctx); err != nil {
		return nil, err
	}
	flat, err := client.Output(ctx)
	if err != nil {
		return nil, err
	}
	c.transition(StateOutputsFetched, OutputsFetched{stackEvent{c.def.Name}, flat})
	return flat, nil
}

// awaitApproval emits an ApprovalRequest and blocks on the gate, unless the
// controller auto-approves.
func (c *Controller) awaitApproval(ctx context.Context, plan *backend.Plan) (bool, error) {
	if c.autoApprove {
		return true, nil
	}

	g := newGate()
	c.transition(StateWaitingForApproval, ApprovalRequest{
		stackEvent: stackEvent{c.def.Name},
		Plan:       plan,
		Approve:    g.approve,
		Reject:     g.reject,
	})
	return g.wait(ctx)
}
