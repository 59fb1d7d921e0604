package session

import "sync/atomic"

// DirtyFlag tells the UI that the grid changed since its last snapshot.
//
// The multiplexer sets it after releasing the grid write lock; ReadSnapshot
// clears it while still holding the read lock, after capturing the grid. An
// update can therefore cause an extra redraw but never a missed one.
type DirtyFlag struct {
	v atomic.Bool
}

// Set marks the grid dirty. Idempotent.
func (d *DirtyFlag) Set() { d.v.Store(true) }

// Clear marks the grid as drawn.
func (d *DirtyFlag) Clear() { d.v.Store(false) }

// Load reports the flag without clearing it.
func (d *DirtyFlag) Load() bool { return d.v.Load() }
