package controller

import (
	"github.com/stacklift-io/stacklift/internal/backend"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

// Event is one typed lifecycle notification. The set of variants is sealed;
// consumers switch on the concrete type.
type Event interface {
	event()
	StackName() string
}

// EventFunc consumes lifecycle events. Callbacks run on the operation
// goroutine, so slow consumers slow the operation down.
type EventFunc func(Event)

// LogFunc consumes every extracted engine log line, independent of the
// event stream.
type LogFunc func(stack string, line logparse.Line)

type stackEvent struct {
	Stack string
}

func (e stackEvent) event()            {}
func (e stackEvent) StackName() string { return e.Stack }

// Planning reports that a planning pass has started.
type Planning struct{ stackEvent }

// Planned carries the finished plan.
type Planned struct {
	stackEvent
	Plan *backend.Plan
}

// ApprovalRequest asks the consumer to resolve the approval gate. Exactly
// one of Approve or Reject takes effect; later calls to either are ignored.
type ApprovalRequest struct {
	stackEvent
	Plan    *backend.Plan
	Approve func()
	Reject  func()
}

// Deploying reports that changes are being applied.
type Deploying struct{ stackEvent }

// DeployUpdate carries one engine log line observed while applying.
type DeployUpdate struct {
	stackEvent
	Line logparse.Line
}

// Deployed carries the post-apply outputs, flat and correlated.
type Deployed struct {
	stackEvent
	Outputs       map[string]any
	NestedOutputs map[string]any
}

// Destroying reports that resources are being torn down.
type Destroying struct{ stackEvent }

// DestroyUpdate carries one engine log line observed while destroying.
type DestroyUpdate struct {
	stackEvent
	Line logparse.Line
}

// Destroyed reports that teardown finished.
type Destroyed struct{ stackEvent }

// OutputsFetched carries outputs read without mutating anything.
type OutputsFetched struct {
	stackEvent
	Outputs map[string]any
}

// Dismissed reports that the consumer rejected the plan; nothing was
// applied.
type Dismissed struct{ stackEvent }

// Errored is the terminal event of a failed operation.
type Errored struct {
	stackEvent
	Error string
}

// Done is the terminal event of a successful operation.
type Done struct{ stackEvent }
