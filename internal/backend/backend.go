// Package backend abstracts where a stack's plan and apply actually run:
// either a local engine process or a remote managed workspace. Both drivers
// speak the same narrow client contract so the lifecycle controller never
// branches on execution locality.
package backend

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/stacklift-io/stacklift/internal/definition"
	"github.com/stacklift-io/stacklift/internal/logparse"
)

// ErrCancelled marks operations torn down by context cancellation rather
// than by their own failure.
var ErrCancelled = errors.New("operation cancelled")

// Sink receives every extracted output line a driver produces, tagged with
// the lifecycle phase ("init", "plan", "apply", "destroy") that emitted it.
type Sink func(phase string, line logparse.Line)

// Plan is the result of a planning pass, carrying an opaque artifact the
// same driver can later apply.
type Plan struct {
	// Artifact identifies the plan to the driver that produced it: a file
	// path for a local engine, a run ID for a managed workspace.
	Artifact    string
	NeedsApply  bool
	Destructive bool
	Summary     ChangeSummary
}

// ChangeSummary counts the resource actions a plan would take.
type ChangeSummary struct {
	Add    int `json:"add"`
	Change int `json:"change"`
	Remove int `json:"remove"`
}

// Client is the execution contract shared by the local and remote drivers.
// Init must be called first; calling any other method before Init is a
// programming error and panics. Plans are driver-bound: a Plan may only be
// passed back to the client that produced it.
type Client interface {
	Init(ctx context.Context) error
	Plan(ctx context.Context, destructive bool) (*Plan, error)
	Apply(ctx context.Context, plan *Plan) error
	Destroy(ctx context.Context, plan *Plan) error
	Output(ctx context.Context) (map[string]any, error)
}

// Options configures driver construction.
type Options struct {
	Definition  *definition.Definition
	Document    *definition.Document
	Speculative bool
	Sink        Sink
	Logger      *slog.Logger

	// Local driver settings.
	WorkDir      string
	EngineBinary string

	// Remote driver settings.
	HTTPClient   *http.Client
	ProbeTimeout time.Duration
	RemoteToken  string
}

func (o Options) sink() Sink {
	if o.Sink != nil {
		return o.Sink
	}
	return func(string, logparse.Line) {}
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.DiscardHandler)
}
