// Package pollbridge turns a session's dirty flag into redraw calls at a
// fixed cadence, so a UI renders at most once per tick no matter how fast
// output arrives.
package pollbridge

import (
	"context"
	"time"

	"github.com/vyrti/redpill/internal/emulator"
)

// DefaultInterval is roughly one frame at 60Hz.
const DefaultInterval = 16 * time.Millisecond

// Source is the part of a live session the bridge reads.
type Source interface {
	PollDirty() bool
	ReadSnapshot() emulator.Snapshot
	Done() <-chan struct{}
}

// Bridge polls a Source and hands fresh snapshots to a redraw callback.
type Bridge struct {
	Interval time.Duration
}

// Run calls redraw with a snapshot whenever src has changed since the last
// one. When src closes, Run redraws once more so the final output is not
// lost, then returns nil. It returns ctx.Err() if ctx ends first, or the
// first error redraw returns.
func (b Bridge) Run(ctx context.Context, src Source, redraw func(emulator.Snapshot) error) error {
	interval := b.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-src.Done():
			return redraw(src.ReadSnapshot())
		case <-ticker.C:
			if !src.PollDirty() {
				continue
			}
			if err := redraw(src.ReadSnapshot()); err != nil {
				return err
			}
		}
	}
}
