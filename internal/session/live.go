// Package session implements a live terminal session: one transport backend,
// one emulation engine and the multiplexer goroutine that moves bytes
// between them.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/terminal"
)

const (
	defaultInputQueue = 256
	// outputQueueLen bounds chunks read ahead of the multiplexer.
	outputQueueLen = 16
	// flushLimit caps how many already-buffered chunks the final flush
	// takes from the backend after the multiplexer stops.
	flushLimit = 64
)

var openSeq atomic.Uint64

// Handle identifies one open tab.
type Handle string

// NewHandle returns a fresh random tab handle.
func NewHandle() Handle { return Handle(uuid.NewString()) }

// Options configures a new Live session.
type Options struct {
	// ConfigID is the catalogue session id; empty for ad-hoc local shells.
	ConfigID string
	Title    string
	// Remote sessions pass through StateConnecting.
	Remote bool
	// Engine receives transport output. Owned by the Live from now on.
	Engine emulator.Engine
	// InputQueue bounds pending keyboard input (default 256 writes).
	InputQueue int
	// OnClosed runs once, on the multiplexer goroutine or in Fail, after
	// the backend has been closed.
	OnClosed func(*Live)
}

// Live is an open terminal tab. The Live exclusively owns its Backend and
// Engine; everything else talks to it through the methods below.
type Live struct {
	id       Handle
	configID string
	title    string
	remote   bool
	openedAt time.Time
	seq      uint64
	onClosed func(*Live)

	// grid guards engine. The multiplexer is the only writer.
	grid   sync.RWMutex
	engine emulator.Engine
	dirty  DirtyFlag

	stateMu sync.Mutex
	status  Status

	input chan []byte

	resizeMu     sync.Mutex
	pendingSize  *winSize
	resizeNotify chan struct{}

	cancel context.CancelFunc // set by Start under stateMu
	// abortConnect cancels the context handed out by ConnectContext.
	abortConnect context.CancelFunc
	// done is closed when the session reaches StateClosed and its backend
	// has been released.
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once

	opened   atomic.Bool
	bytesIn  atomic.Uint64
	bytesOut atomic.Uint64
}

type winSize struct {
	cols, rows uint16
}

// New creates a Live in StatePending.
func New(opts Options) *Live {
	q := opts.InputQueue
	if q <= 0 {
		q = defaultInputQueue
	}
	return &Live{
		id:           NewHandle(),
		configID:     opts.ConfigID,
		title:        opts.Title,
		remote:       opts.Remote,
		openedAt:     time.Now(),
		seq:          openSeq.Add(1),
		onClosed:     opts.OnClosed,
		engine:       opts.Engine,
		status:       Status{State: StatePending},
		input:        make(chan []byte, q),
		resizeNotify: make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

func (l *Live) ID() Handle          { return l.id }
func (l *Live) ConfigID() string    { return l.configID }
func (l *Live) Title() string       { return l.title }
func (l *Live) Remote() bool        { return l.remote }
func (l *Live) OpenedAt() time.Time { return l.openedAt }
func (l *Live) BytesIn() uint64     { return l.bytesIn.Load() }
func (l *Live) BytesOut() uint64    { return l.bytesOut.Load() }

// WasOpened reports whether the session ever reached StateOpen.
func (l *Live) WasOpened() bool { return l.opened.Load() }

// Done is closed once the session is Closed and its backend released.
func (l *Live) Done() <-chan struct{} { return l.done }

// Status returns the current lifecycle status.
func (l *Live) Status() Status {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.status
}

func (l *Live) transition(to State, err error) error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	from := l.status.State
	if !validTransition(from, to, l.remote) {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
	}
	l.status = Status{State: to}
	if to == StateClosed {
		l.status.Err = err
		l.status.Kind = closeKind(err)
	}
	return nil
}

// closeKind maps the error that ended a session onto its kind. End of stream
// and cancellation are clean closes.
func closeKind(err error) terminal.Kind {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return terminal.KindNone
	}
	return terminal.KindOf(err)
}

// BeginConnect moves a remote session to StateConnecting.
func (l *Live) BeginConnect() error {
	return l.transition(StateConnecting, nil)
}

// ConnectContext derives the context a connector should dial with. It is
// cancelled if the session is closed before Start, so a handshake for a tab
// the user already closed is abandoned instead of running to completion.
func (l *Live) ConnectContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	l.stateMu.Lock()
	l.abortConnect = cancel
	closed := l.status.State == StateClosed
	l.stateMu.Unlock()
	if closed {
		cancel()
	}
	return ctx, cancel
}

// Start moves the session to StateOpen and launches the multiplexer. The
// Live takes ownership of backend.
func (l *Live) Start(backend terminal.Backend) error {
	ctx, cancel := context.WithCancel(context.Background())

	l.stateMu.Lock()
	from := l.status.State
	if !validTransition(from, StateOpen, l.remote) {
		l.stateMu.Unlock()
		cancel()
		_ = backend.Close()
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, StateOpen)
	}
	l.status = Status{State: StateOpen}
	l.cancel = cancel
	l.abortConnect = nil
	l.opened.Store(true)
	l.stateMu.Unlock()

	go l.run(ctx, backend)
	return nil
}

// Fail closes a session that never reached StateOpen.
func (l *Live) Fail(err error) {
	if terr := l.transition(StateClosed, err); terr != nil {
		return
	}
	l.finish()
}

func (l *Live) finish() {
	l.doneOnce.Do(func() {
		close(l.done)
		if l.onClosed != nil {
			l.onClosed(l)
		}
	})
}

// WriteInput queues keyboard input for the transport. It blocks only while
// the input queue is full.
func (l *Live) WriteInput(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	buf := append([]byte(nil), p...)
	select {
	case <-l.done:
		return ErrSessionClosed
	default:
	}
	select {
	case l.input <- buf:
		return nil
	case <-l.done:
		return ErrSessionClosed
	}
}

// Resize records a new size. Only the most recent pending size is applied;
// intermediate sizes reported while the multiplexer is busy are dropped.
func (l *Live) Resize(cols, rows uint16) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("session: invalid size %dx%d", cols, rows)
	}
	select {
	case <-l.done:
		return ErrSessionClosed
	default:
	}

	l.resizeMu.Lock()
	l.pendingSize = &winSize{cols: cols, rows: rows}
	l.resizeMu.Unlock()

	select {
	case l.resizeNotify <- struct{}{}:
	default:
	}
	return nil
}

func (l *Live) takePendingSize() (winSize, bool) {
	l.resizeMu.Lock()
	defer l.resizeMu.Unlock()
	if l.pendingSize == nil {
		return winSize{}, false
	}
	sz := *l.pendingSize
	l.pendingSize = nil
	return sz, true
}

// PollDirty reports whether the grid changed since the last snapshot.
func (l *Live) PollDirty() bool { return l.dirty.Load() }

// ReadSnapshot captures the grid and clears the dirty flag.
func (l *Live) ReadSnapshot() emulator.Snapshot {
	l.grid.RLock()
	defer l.grid.RUnlock()
	snap := l.engine.Snapshot()
	l.dirty.Clear()
	return snap
}

// Close stops the multiplexer, waits for the backend to be released and
// frees the engine. Safe to call in any state and more than once.
func (l *Live) Close() error {
	l.closeOnce.Do(func() {
		l.stateMu.Lock()
		cancel := l.cancel
		abort := l.abortConnect
		l.stateMu.Unlock()

		if cancel != nil {
			cancel()
		} else {
			if abort != nil {
				abort()
			}
			l.Fail(nil)
		}
		<-l.done

		l.grid.Lock()
		_ = l.engine.Close()
		l.grid.Unlock()
	})
	return nil
}

type readResult struct {
	p   []byte
	err error
}

// run is the multiplexer. It is the only goroutine that writes to the
// backend or feeds the engine. No lock is held while waiting.
func (l *Live) run(ctx context.Context, backend terminal.Backend) {
	// Close cancels ctx. Closing the transport right away unblocks a Write
	// stuck on a peer that stopped reading.
	stopCloser := context.AfterFunc(ctx, func() { _ = backend.Close() })

	pumpCtx, stopPump := context.WithCancel(ctx)
	output := make(chan readResult, outputQueueLen)
	var (
		pumpDone sync.WaitGroup
		leftover []byte
	)
	pumpDone.Add(1)
	go func() {
		defer pumpDone.Done()
		leftover = pump(pumpCtx, backend, output)
	}()

	exitErr := l.loop(ctx, backend, output)
	stopCloser()
	if ctx.Err() != nil {
		// closed by the user; whatever the interrupted write returned is noise
		exitErr = nil
	}

	stopPump()
	pumpDone.Wait()
	l.flush(backend, output, leftover)

	if err := backend.Close(); err != nil {
		log.Debug().Err(err).Str("tab", string(l.id)).Msg("backend close")
	}

	if err := l.transition(StateClosed, exitErr); err != nil {
		log.Warn().Err(err).Str("tab", string(l.id)).Msg("session close transition")
	}
	st := l.Status()
	log.Info().
		Str("tab", string(l.id)).
		Str("session_id", l.configID).
		Str("status", st.String()).
		Uint64("bytes_in", l.BytesIn()).
		Uint64("bytes_out", l.BytesOut()).
		Msg("session closed")
	l.finish()
}

// pump calls ReadChunk until the stream ends. Output is delivered in order,
// so the end-of-stream result arrives after every earlier chunk. A chunk
// read but not delivered when ctx ends is returned to the caller.
func pump(ctx context.Context, backend terminal.Backend, out chan<- readResult) []byte {
	for {
		p, err := backend.ReadChunk(ctx)
		if ctx.Err() != nil {
			if err == nil {
				return p
			}
			return nil
		}
		select {
		case out <- readResult{p: p, err: err}:
		case <-ctx.Done():
			if err == nil {
				return p
			}
			return nil
		}
		if err != nil {
			return nil
		}
	}
}

// flush feeds output that was already buffered when the multiplexer
// stopped: chunks queued by the pump, the chunk it was holding, then
// whatever the backend can hand over without blocking. It runs after the
// pump has exited and before the backend is closed.
func (l *Live) flush(backend terminal.Backend, output <-chan readResult, leftover []byte) {
drain:
	for {
		select {
		case r := <-output:
			if r.err != nil {
				return
			}
			l.feed(r.p)
		default:
			break drain
		}
	}
	if len(leftover) > 0 {
		l.feed(leftover)
	}

	// A cancelled context makes ReadChunk return queued data or fail at once.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < flushLimit; i++ {
		p, err := backend.ReadChunk(ctx)
		if err != nil {
			return
		}
		l.feed(p)
	}
}

func (l *Live) loop(ctx context.Context, backend terminal.Backend, output <-chan readResult) error {
	responses := l.engine.Responses()
	for {
		select {
		case <-ctx.Done():
			return nil

		case p := <-l.input:
			if err := backend.Write(p); err != nil {
				return err
			}
			l.bytesOut.Add(uint64(len(p)))

		case <-l.resizeNotify:
			sz, ok := l.takePendingSize()
			if !ok {
				continue
			}
			l.grid.Lock()
			l.engine.Resize(int(sz.cols), int(sz.rows))
			l.grid.Unlock()
			l.dirty.Set()
			if err := backend.Resize(sz.cols, sz.rows); err != nil {
				if errors.Is(err, terminal.ErrBackendClosed) {
					return err
				}
				log.Warn().Err(err).Str("tab", string(l.id)).Msg("backend resize failed")
			}

		case r := <-output:
			if r.err != nil {
				return r.err
			}
			l.feed(r.p)

		case reply, ok := <-responses:
			if !ok {
				responses = nil
				continue
			}
			if err := backend.Write(reply); err != nil {
				return err
			}
		}
	}
}

func (l *Live) feed(p []byte) {
	l.grid.Lock()
	l.engine.Feed(p)
	l.grid.Unlock()
	l.dirty.Set()
	l.bytesIn.Add(uint64(len(p)))
}
