package runtime

import (
	"context"
	"sync"
)

// Gate blocks executors while the graph is paused. The zero value is a
// closed gate.
type Gate struct {
	mu   sync.Mutex
	open chan struct{}
}

// NewGate returns a gate in provided position.
func NewGate(open bool) *Gate {
	g := &Gate{}
	if open {
		g.Open()
	}
	return g
}

// Open releases all waiting executors.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	select {
	case <-g.open:
	default:
		close(g.open)
	}
}

// Close makes following Wait calls block until Open is called.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	select {
	case <-g.open:
		g.open = make(chan struct{})
	default:
	}
}

// IsOpen reports gate position.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.init()
	select {
	case <-g.open:
		return true
	default:
		return false
	}
}

// Wait blocks until gate is open or context is done. False is returned
// if context is done.
func (g *Gate) Wait(ctx context.Context) bool {
	g.mu.Lock()
	g.init()
	open := g.open
	g.mu.Unlock()
	select {
	case <-open:
		return true
	case <-ctx.Done():
		return false
	}
}

// init must be called under lock.
func (g *Gate) init() {
	if g.open == nil {
		g.open = make(chan struct{})
	}
}
