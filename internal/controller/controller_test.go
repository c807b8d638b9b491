package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklift-io/stacklift/internal/backend"
	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

// fakeClient is a scripted execution client. Counters track call order;
// optional channels let tests hold an operation open.
type fakeClient struct {
	mu sync.Mutex

	needsApply  bool
	destructive bool
	outputs     map[string]any

	initErr    error
	planErr    error
	applyErr   error
	destroyErr error
	outputErr  error

	initCalls    int32
	planCalls    int32
	applyCalls   int32
	destroyCalls int32
	outputCalls  int32

	// blockPlan, when set, holds Plan open until the channel closes.
	blockPlan chan struct{}

	// applyLines are pushed through the sink while Apply runs, imitating
	// engine output.
	applyLines []logparse.Line

	// sink is captured from the factory options so tests can inject
	// engine log lines mid-operation.
	sink backend.Sink
}

func (f *fakeClient) Init(ctx context.Context) error {
	atomic.AddInt32(&f.initCalls, 1)
	return f.initErr
}

func (f *fakeClient) Plan(ctx context.Context, destructive bool) (*backend.Plan, error) {
	atomic.AddInt32(&f.planCalls, 1)
	if f.blockPlan != nil {
		select {
		case <-f.blockPlan:
		case <-ctx.Done():
			return nil, fmt.Errorf("plan: %w", backend.ErrCancelled)
		}
	}
	if f.planErr != nil {
		return nil, f.planErr
	}
	f.mu.Lock()
	f.destructive = destructive
	f.mu.Unlock()
	return &backend.Plan{
		Artifact:    "plan-1",
		NeedsApply:  f.needsApply,
		Destructive: destructive,
		Summary:     backend.ChangeSummary{Add: 1},
	}, nil
}

func (f *fakeClient) Apply(ctx context.Context, plan *backend.Plan) error {
	atomic.AddInt32(&f.applyCalls, 1)
	f.mu.Lock()
	sink := f.sink
	f.mu.Unlock()
	if sink != nil {
		for _, line := range f.applyLines {
			sink("apply", line)
		}
	}
	return f.applyErr
}

func (f *fakeClient) Destroy(ctx context.Context, plan *backend.Plan) error {
	atomic.AddInt32(&f.destroyCalls, 1)
	return f.destroyErr
}

func (f *fakeClient) Output(ctx context.Context) (map[string]any, error) {
	atomic.AddInt32(&f.outputCalls, 1)
	if f.outputErr != nil {
		return nil, f.outputErr
	}
	if f.outputs == nil {
		return map[string]any{}, nil
	}
	return f.outputs, nil
}

func (f *fakeClient) factory() (ClientFactory, *int32) {
	var calls int32
	return func(ctx context.Context, opts backend.Options) backend.Client {
		atomic.AddInt32(&calls, 1)
		f.mu.Lock()
		f.sink = opts.Sink
		f.mu.Unlock()
		return f
	}, &calls
}

// eventCollector records events in arrival order.
type eventCollector struct {
	mu     sync.Mutex
	events []Event
}

func (ec *eventCollector) collect(e Event) {
	ec.mu.Lock()
	ec.events = append(ec.events, e)
	ec.mu.Unlock()
}

func (ec *eventCollector) kinds() []string {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	kinds := make([]string, len(ec.events))
	for i, e := range ec.events {
		kinds[i] = fmt.Sprintf("%T", e)
	}
	return kinds
}

func (ec *eventCollector) len() int {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	return len(ec.events)
}

func testDefinition() *definition.Definition {
	return &definition.Definition{
		Name: "network",
		Content: []byte(`{
			"outputs": {"vpc_id": {"constructPath": ["network", "vpc"]}},
			"resources": {}
		}`),
	}
}

func newTestController(t *testing.T, fake *fakeClient, ec *eventCollector, opts ...Option) *Controller {
	t.Helper()
	factory, _ := fake.factory()
	opts = append([]Option{WithClientFactory(factory)}, opts...)
	return New(testDefinition(), ec.collect, opts...)
}

func TestDiffEventOrder(t *testing.T) {
	ec := &eventCollector{}
	c := newTestController(t, &fakeClient{needsApply: true}, ec)

	require.NoError(t, c.Diff().Wait())
	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Done",
	}, ec.kinds())
	assert.Equal(t, StateDone, c.State())
}

func TestDeployAutoApproveEventOrder(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true, outputs: map[string]any{"vpc_id": "vpc-123"}}
	c := newTestController(t, fake, ec, WithAutoApprove())

	run := c.Deploy()
	require.NoError(t, run.Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Deploying",
		"controller.Deployed",
		"controller.Done",
	}, ec.kinds())
	assert.Equal(t, int32(1), fake.applyCalls)
	assert.Equal(t, "vpc-123", run.Outputs()["vpc_id"])

	ec.mu.Lock()
	deployed := ec.events[3].(Deployed)
	ec.mu.Unlock()
	assert.Equal(t, "vpc-123", deployed.NestedOutputs["network"].(map[string]any)["vpc"].(map[string]any)["vpc_id"])
}

func TestDeployNoChangesSkipsApplyButRefreshesOutputs(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: false, outputs: map[string]any{"vpc_id": "vpc-123"}}
	c := newTestController(t, fake, ec, WithAutoApprove())

	require.NoError(t, c.Deploy().Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Deploying",
		"controller.Deployed",
		"controller.Done",
	}, ec.kinds())
	assert.Zero(t, fake.applyCalls)
	assert.Equal(t, int32(1), fake.outputCalls)
}

func TestDeployApprovalApproved(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true, outputs: map[string]any{"vpc_id": "v"}}

	approve := make(chan func(), 1)
	collect := func(e Event) {
		ec.collect(e)
		if req, ok := e.(ApprovalRequest); ok {
			approve <- req.Approve
		}
	}
	factory, _ := fake.factory()
	c := New(testDefinition(), collect, WithClientFactory(factory))

	run := c.Deploy()
	select {
	case fn := <-approve:
		fn()
	case <-time.After(5 * time.Second):
		t.Fatal("no approval request")
	}
	require.NoError(t, run.Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.ApprovalRequest",
		"controller.Deploying",
		"controller.Deployed",
		"controller.Done",
	}, ec.kinds())
}

func TestDeployRejectedDismissesWithoutApplying(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true, outputs: map[string]any{"x": 1}}

	collect := func(e Event) {
		ec.collect(e)
		if req, ok := e.(ApprovalRequest); ok {
			req.Reject()
			req.Approve() // too late, must be ignored
		}
	}
	factory, _ := fake.factory()
	c := New(testDefinition(), collect, WithClientFactory(factory))

	require.NoError(t, c.Deploy().Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.ApprovalRequest",
		"controller.Dismissed",
		"controller.Done",
	}, ec.kinds())
	assert.Zero(t, fake.applyCalls)
	assert.Zero(t, fake.outputCalls)
}

func TestDestroyEventOrder(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true}
	c := newTestController(t, fake, ec, WithAutoApprove())

	require.NoError(t, c.Destroy().Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Destroying",
		"controller.Destroyed",
		"controller.Done",
	}, ec.kinds())
	assert.True(t, fake.destructive)
	assert.Equal(t, int32(1), fake.destroyCalls)
	assert.Zero(t, fake.outputCalls)
}

func TestDestroyNothingToDo(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: false}
	c := newTestController(t, fake, ec, WithAutoApprove())

	require.NoError(t, c.Destroy().Wait())
	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Destroying",
		"controller.Destroyed",
		"controller.Done",
	}, ec.kinds())
	assert.Zero(t, fake.destroyCalls)
}

func TestFetchOutputs(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{outputs: map[string]any{"vpc_id": "vpc-9"}}
	c := newTestController(t, fake, ec)

	run := c.FetchOutputs()
	require.NoError(t, run.Wait())

	assert.Equal(t, []string{
		"controller.OutputsFetched",
		"controller.Done",
	}, ec.kinds())
	assert.Equal(t, "vpc-9", run.Outputs()["vpc_id"])
	assert.Zero(t, fake.planCalls)
	assert.Zero(t, fake.applyCalls)
}

func TestStopBeforeStartEmitsNothing(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true}
	factory, calls := fake.factory()
	c := New(testDefinition(), ec.collect, WithClientFactory(factory))

	c.Stop()
	run := c.Deploy()
	require.NoError(t, run.Wait())

	assert.Zero(t, ec.len())
	assert.Zero(t, atomic.LoadInt32(calls))
	assert.True(t, c.IsDone())
}

func TestStopInsideApprovalSuppressesLaterEvents(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: true, outputs: map[string]any{"x": 1}}

	var c *Controller
	collect := func(e Event) {
		ec.collect(e)
		if req, ok := e.(ApprovalRequest); ok {
			c.Stop()
			req.Approve()
		}
	}
	factory, _ := fake.factory()
	c = New(testDefinition(), collect, WithClientFactory(factory))

	require.NoError(t, c.Deploy().Wait())

	// The approval request is the last thing the consumer sees; the apply
	// still ran to completion underneath.
	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.ApprovalRequest",
	}, ec.kinds())
	assert.Equal(t, int32(1), fake.applyCalls)
}

func TestPlanFailureEmitsErrored(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{planErr: errors.New("engine plan: exit code 1")}
	c := newTestController(t, fake, ec)

	err := c.Deploy().Wait()
	require.Error(t, err)

	kinds := ec.kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, "controller.Errored", kinds[len(kinds)-1])
	assert.Equal(t, StateErrored, c.State())

	ec.mu.Lock()
	errored := ec.events[len(ec.events)-1].(Errored)
	ec.mu.Unlock()
	assert.Contains(t, errored.Error, "exit code 1")
}

func TestMalformedDefinitionFailsRun(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{}
	factory, calls := fake.factory()
	def := &definition.Definition{Name: "bad", Content: []byte(`{"backend":{}}`)}
	c := New(def, ec.collect, WithClientFactory(factory))

	err := c.Diff().Wait()
	require.Error(t, err)
	assert.Zero(t, atomic.LoadInt32(calls))
	assert.Equal(t, []string{"controller.Errored"}, ec.kinds())
}

func TestCancellationSurfacesInError(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{blockPlan: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestController(t, fake, ec, WithContext(ctx))

	run := c.Diff()
	cancel()
	err := run.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, backend.ErrCancelled)
}

func TestSecondOperationRejectedWhileInFlight(t *testing.T) {
	ec := &eventCollector{}
	block := make(chan struct{})
	fake := &fakeClient{blockPlan: block}
	c := newTestController(t, fake, ec)

	first := c.Diff()
	second := c.Deploy()

	err := second.Wait() // already finished
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOperationInFlight)

	close(block)
	require.NoError(t, first.Wait())
	assert.Equal(t, int32(1), fake.planCalls)
}

func TestSequentialOperationsAllowed(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{needsApply: false, outputs: map[string]any{}}
	c := newTestController(t, fake, ec, WithAutoApprove())

	require.NoError(t, c.Diff().Wait())
	require.NoError(t, c.FetchOutputs().Wait())
	assert.Equal(t, int32(2), fake.initCalls)
}

func TestLifecyclePredicates(t *testing.T) {
	block := make(chan struct{})
	fake := &fakeClient{blockPlan: block}
	c := newTestController(t, fake, &eventCollector{})

	assert.True(t, c.IsPending())
	assert.False(t, c.IsRunning())
	assert.False(t, c.IsDone())

	run := c.Diff()
	assert.False(t, c.IsPending())
	assert.True(t, c.IsRunning())
	assert.False(t, c.IsDone())

	close(block)
	require.NoError(t, run.Wait())
	assert.False(t, c.IsPending())
	assert.False(t, c.IsRunning())
	assert.True(t, c.IsDone())
}

func TestDeployUpdateMirrorsApplyLogLines(t *testing.T) {
	ec := &eventCollector{}
	fake := &fakeClient{
		needsApply: true,
		outputs:    map[string]any{},
		applyLines: []logparse.Line{
			{Message: "creating resource"},
			{Message: "created resource"},
		},
	}

	var logMu sync.Mutex
	var logged []logparse.Line
	logSink := func(stack string, line logparse.Line) {
		logMu.Lock()
		logged = append(logged, line)
		logMu.Unlock()
	}

	factory, _ := fake.factory()
	c := New(testDefinition(), ec.collect,
		WithClientFactory(factory), WithAutoApprove(), WithLogSink(logSink))

	require.NoError(t, c.Deploy().Wait())

	assert.Equal(t, []string{
		"controller.Planning",
		"controller.Planned",
		"controller.Deploying",
		"controller.DeployUpdate",
		"controller.DeployUpdate",
		"controller.Deployed",
		"controller.Done",
	}, ec.kinds())

	logMu.Lock()
	defer logMu.Unlock()
	assert.Len(t, logged, 2)
	assert.Equal(t, "creating resource", logged[0].Message)
}

func TestTwoControllersRunIndependently(t *testing.T) {
	mk := func(name string) (*Controller, *eventCollector) {
		ec := &eventCollector{}
		fake := &fakeClient{needsApply: true, outputs: map[string]any{}}
		factory, _ := fake.factory()
		def := &definition.Definition{Name: name, Content: []byte(`{"resources":{}}`)}
		return New(def, ec.collect, WithClientFactory(factory), WithAutoApprove()), ec
	}

	c1, ec1 := mk("stack-a")
	c2, ec2 := mk("stack-b")

	r1, r2 := c1.Deploy(), c2.Deploy()
	require.NoError(t, r1.Wait())
	require.NoError(t, r2.Wait())

	assert.Equal(t, 5, ec1.len())
	assert.Equal(t, 5, ec2.len())

	ec1.mu.Lock()
	assert.Equal(t, "stack-a", ec1.events[0].StackName())
	ec1.mu.Unlock()
}

func TestEventsCarryStackName(t *testing.T) {
	ec := &eventCollector{}
	c := newTestController(t, &fakeClient{}, ec)
	require.NoError(t, c.Diff().Wait())

	ec.mu.Lock()
	defer ec.mu.Unlock()
	for _, e := range ec.events {
		assert.Equal(t, "network", e.StackName())
	}
}
