// Package testutil holds test doubles shared by package tests: a scriptable
// backend and connector, a recording emulation engine and an in-process SSH
// server.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/terminal"
)

// Size is a recorded resize.
type Size struct {
	Cols, Rows uint16
}

// FakeBackend is a terminal.Backend driven by the test.
type FakeBackend struct {
	Config terminal.ConnectorConfig

	// ResizeHook, when set, runs inside Resize before the size is recorded.
	ResizeHook func(cols, rows uint16)

	out      chan []byte
	ended    chan struct{}
	endOnce  sync.Once
	closedCh chan struct{}

	mu         sync.Mutex
	written    bytes.Buffer
	resizes    []Size
	writeErr   error
	failErr    error
	eofSent    bool
	closeCount int
}

func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		out:      make(chan []byte, 1024),
		ended:    make(chan struct{}),
		closedCh: make(chan struct{}),
	}
}

// Emit queues transport output.
func (b *FakeBackend) Emit(p []byte) {
	b.out <- append([]byte(nil), p...)
}

// End ends the output stream cleanly.
func (b *FakeBackend) End() {
	b.endOnce.Do(func() { close(b.ended) })
}

// FailRead ends the output stream with err.
func (b *FakeBackend) FailRead(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
	b.End()
}

// FailWrites makes every later Write return err.
func (b *FakeBackend) FailWrites(err error) {
	b.mu.Lock()
	b.writeErr = err
	b.mu.Unlock()
}

func (b *FakeBackend) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case p := <-b.out:
		return p, nil
	default:
	}
	select {
	case p := <-b.out:
		return p, nil
	case <-b.ended:
	case <-b.closedCh:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case p := <-b.out:
		return p, nil
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.eofSent {
		return nil, terminal.ErrBackendClosed
	}
	b.eofSent = true
	if b.failErr != nil {
		return nil, b.failErr
	}
	return nil, io.EOF
}

func (b *FakeBackend) Write(p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeCount > 0 {
		return terminal.ErrBackendClosed
	}
	if b.writeErr != nil {
		return b.writeErr
	}
	b.written.Write(p)
	return nil
}

func (b *FakeBackend) Resize(cols, rows uint16) error {
	if b.ResizeHook != nil {
		b.ResizeHook(cols, rows)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeCount > 0 {
		return terminal.ErrBackendClosed
	}
	b.resizes = append(b.resizes, Size{Cols: cols, Rows: rows})
	return nil
}

func (b *FakeBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closeCount == 0 {
		close(b.closedCh)
	}
	b.closeCount++
	return nil
}

// Written returns everything written so far.
func (b *FakeBackend) Written() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written.String()
}

// Resizes returns the sizes applied so far.
func (b *FakeBackend) Resizes() []Size {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Size(nil), b.resizes...)
}

// Closed reports whether Close has been called.
func (b *FakeBackend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeCount > 0
}

var _ terminal.Backend = (*FakeBackend)(nil)

// FakeConnector hands out FakeBackends and records concurrency.
type FakeConnector struct {
	// Delay is how long each Connect takes.
	Delay time.Duration

	mu       sync.Mutex
	fail     map[string]error
	delays   map[string]time.Duration
	started  map[string]time.Time
	backends []*FakeBackend

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewFakeConnector() *FakeConnector {
	return &FakeConnector{
		fail:    make(map[string]error),
		delays:  make(map[string]time.Duration),
		started: make(map[string]time.Time),
	}
}

// DelayFor makes Connect for one session id take d instead of Delay.
func (c *FakeConnector) DelayFor(sessionID string, d time.Duration) {
	c.mu.Lock()
	c.delays[sessionID] = d
	c.mu.Unlock()
}

// StartedAt reports when Connect was last called for sessionID.
func (c *FakeConnector) StartedAt(sessionID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.started[sessionID]
	return at, ok
}

// FailFor makes Connect return err for the given session id.
func (c *FakeConnector) FailFor(sessionID string, err error) {
	c.mu.Lock()
	c.fail[sessionID] = err
	c.mu.Unlock()
}

func (c *FakeConnector) Connect(ctx context.Context, cfg terminal.ConnectorConfig) (terminal.Backend, error) {
	n := c.inflight.Add(1)
	defer c.inflight.Add(-1)
	for {
		m := c.maxInflight.Load()
		if n <= m || c.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	c.mu.Lock()
	c.started[cfg.SessionID] = time.Now()
	delay, ok := c.delays[cfg.SessionID]
	c.mu.Unlock()
	if !ok {
		delay = c.Delay
	}

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail[cfg.SessionID]; err != nil {
		return nil, err
	}
	b := NewFakeBackend()
	b.Config = cfg
	c.backends = append(c.backends, b)
	return b, nil
}

// Backends returns every backend handed out so far.
func (c *FakeConnector) Backends() []*FakeBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*FakeBackend(nil), c.backends...)
}

// OpenBackends counts backends not yet closed.
func (c *FakeConnector) OpenBackends() int {
	n := 0
	for _, b := range c.Backends() {
		if !b.Closed() {
			n++
		}
	}
	return n
}

// MaxConcurrent is the highest number of simultaneous Connect calls seen.
func (c *FakeConnector) MaxConcurrent() int {
	return int(c.maxInflight.Load())
}

var _ terminal.Connector = (*FakeConnector)(nil)

// ErrFake is a generic injected failure.
var ErrFake = errors.New("testutil: injected failure")

// RecordingEngine is an emulator.Engine whose screen is the concatenation of
// everything fed to it.
type RecordingEngine struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	cols      int
	rows      int
	resizes   []Size
	responses chan []byte
	closed    bool
}

func NewRecordingEngine(cols, rows int) *RecordingEngine {
	return &RecordingEngine{cols: cols, rows: rows, responses: make(chan []byte, 16)}
}

func (e *RecordingEngine) Feed(p []byte) {
	e.mu.Lock()
	e.buf.Write(p)
	e.mu.Unlock()
}

func (e *RecordingEngine) Snapshot() emulator.Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	text := e.buf.String()
	return emulator.Snapshot{
		Cols:   e.cols,
		Rows:   e.rows,
		Lines:  []string{text},
		Text:   text,
		Styled: text,
	}
}

func (e *RecordingEngine) Resize(cols, rows int) {
	e.mu.Lock()
	e.cols, e.rows = cols, rows
	e.resizes = append(e.resizes, Size{Cols: uint16(cols), Rows: uint16(rows)})
	e.mu.Unlock()
}

// Reply injects a terminal query reply, as if the engine produced one.
func (e *RecordingEngine) Reply(p []byte) {
	e.responses <- p
}

func (e *RecordingEngine) Responses() <-chan []byte { return e.responses }

func (e *RecordingEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

// Resizes returns the sizes the engine was resized to.
func (e *RecordingEngine) Resizes() []Size {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Size(nil), e.resizes...)
}

// Closed reports whether Close has been called.
func (e *RecordingEngine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

var _ emulator.Engine = (*RecordingEngine)(nil)

// Eventually polls cond every few milliseconds until it holds or timeout
// elapses, and reports whether it held.
func Eventually(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}
