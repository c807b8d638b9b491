package controller

import (
	"context"
	"fmt"
	"sync"

	"github.com/stacklift-io/stacklift/internal/backend"
)

// gate is a one-shot approval decision. The first call to approve or reject
// wins; every later call on either side is a no-op.
type gate struct {
	once     sync.Once
	decision chan bool
}

func newGate() *gate {
	return &gate{decision: make(chan bool, 1)}
}

func (g *gate) approve() {
	g.once.Do(func() { g.decision <- true })
}

func (g *gate) reject() {
	g.once.Do(func() { g.decision <- false })
}

// wait blocks until the gate is resolved or the context is cancelled.
func (g *gate) wait(ctx context.Context) (bool, error) {
	select {
	case approved := <-g.decision:
		return approved, nil
	case <-ctx.Done():
		return false, fmt.Errorf("awaiting approval: %w", backend.ErrCancelled)
	}
}
