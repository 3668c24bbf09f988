package capture

import "sync/atomic"

// Gate is the "user may speak" flag. The capture callback reads it on every
// frame, so it is lock-free.
type Gate struct {
	open atomic.Bool
}

// NewGate returns a gate in the given position.
func NewGate(open bool) *Gate {
	g := &Gate{}
	g.open.Store(open)
	return g
}

// Set moves the gate and returns its previous position.
func (g *Gate) Set(open bool) bool {
	return g.open.Swap(open)
}

func (g *Gate) IsOpen() bool {
	return g.open.Load()
}
