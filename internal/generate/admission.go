package generate

import (
	"context"
	"sync/atomic"
)

// gate bounds the number of generations running against one session.
// A nil slots channel admits everything.
type gate struct {
	slots   chan struct{}
	waiting atomic.Int64
}

func newGate(limit int) *gate {
	if limit <= 0 {
		return &gate{}
	}
	return &gate{slots: make(chan struct{}, limit)}
}

// acquire blocks until a slot is free or ctx ends. Returns a release func to be deferred.
func (g *gate) acquire(ctx context.Context) (func(), error) {
	if g.slots == nil {
		return func() {}, nil
	}
	// Fast path: respect an already-canceled context
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	g.waiting.Add(1)
	defer g.waiting.Add(-1)
	select {
	case g.slots <- struct{}{}:
		return func() { <-g.slots }, nil
	case <-ctx.Done():
		return func() {}, ctx.Err()
	}
}

// inflight returns the number of admitted generations.
func (g *gate) inflight() int {
	if g.slots == nil {
		return 0
	}
	return len(g.slots)
}
