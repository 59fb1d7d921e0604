package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vyrti/redpill/internal/terminal"
	"github.com/vyrti/redpill/internal/testutil"
)

const waitTimeout = 2 * time.Second

func startLocal(t *testing.T) (*Live, *testutil.FakeBackend, *testutil.RecordingEngine) {
	t.Helper()
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Title: "local", Engine: eng})
	b := testutil.NewFakeBackend()
	if err := l.Start(b); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, b, eng
}

func waitDone(t *testing.T, l *Live) {
	t.Helper()
	select {
	case <-l.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("session did not close; status %s", l.Status())
	}
}

func TestLiveOutputInputAndCleanEOF(t *testing.T) {
	l, b, _ := startLocal(t)

	if st := l.Status(); st.State != StateOpen {
		t.Fatalf("state = %s, want open", st)
	}

	b.Emit([]byte("hello"))
	if !testutil.Eventually(waitTimeout, l.PollDirty) {
		t.Fatal("dirty flag never set after output")
	}
	snap := l.ReadSnapshot()
	if snap.Text != "hello" {
		t.Errorf("snapshot = %q, want hello", snap.Text)
	}
	if l.PollDirty() {
		t.Error("ReadSnapshot did not clear the dirty flag")
	}

	if err := l.WriteInput([]byte("ls\r")); err != nil {
		t.Fatalf("WriteInput: %v", err)
	}
	if !testutil.Eventually(waitTimeout, func() bool { return b.Written() == "ls\r" }) {
		t.Fatalf("backend received %q", b.Written())
	}

	b.Emit([]byte(" world"))
	b.End()
	waitDone(t, l)

	st := l.Status()
	if st.State != StateClosed || st.Kind != terminal.KindNone {
		t.Errorf("status = %s, want clean close", st)
	}
	if !b.Closed() {
		t.Error("backend not closed after EOF")
	}
	// output queued before EOF is flushed into the grid
	if got := l.ReadSnapshot().Text; got != "hello world" {
		t.Errorf("final snapshot = %q, want %q", got, "hello world")
	}
	if l.BytesIn() != uint64(len("hello world")) || l.BytesOut() != 3 {
		t.Errorf("counters in=%d out=%d", l.BytesIn(), l.BytesOut())
	}
	if err := l.WriteInput([]byte("x")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("WriteInput after close: %v", err)
	}
}

func TestLiveTransitionsAreOneWay(t *testing.T) {
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Remote: true, Engine: eng})

	// remote sessions must pass through Connecting
	b := testutil.NewFakeBackend()
	if err := l.Start(b); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Start from pending: %v", err)
	}
	if !b.Closed() {
		t.Error("rejected backend was not closed")
	}

	if err := l.BeginConnect(); err != nil {
		t.Fatalf("BeginConnect: %v", err)
	}
	if err := l.BeginConnect(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second BeginConnect: %v", err)
	}

	l.Fail(fmt.Errorf("ssh: %w", terminal.ErrAuthFailed))
	waitDone(t, l)
	st := l.Status()
	if st.State != StateClosed || st.Kind != terminal.KindAuth {
		t.Errorf("status = %s, want closed(auth_failed)", st)
	}

	// closed is terminal
	if err := l.Start(testutil.NewFakeBackend()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Start after close: %v", err)
	}
	_ = l.Close()
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		from, to State
		remote   bool
		want     bool
	}{
		{StatePending, StateOpen, false, true},
		{StatePending, StateOpen, true, false},
		{StatePending, StateConnecting, true, true},
		{StatePending, StateConnecting, false, false},
		{StateConnecting, StateOpen, true, true},
		{StateConnecting, StateClosed, true, true},
		{StateOpen, StateClosed, false, true},
		{StateOpen, StatePending, false, false},
		{StateOpen, StateConnecting, true, false},
		{StateClosed, StateOpen, false, false},
		{StateClosed, StateClosed, false, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s_remote=%v", tt.from, tt.to, tt.remote), func(t *testing.T) {
			if got := validTransition(tt.from, tt.to, tt.remote); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLiveResizeCoalescing(t *testing.T) {
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Engine: eng})
	b := testutil.NewFakeBackend()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	b.ResizeHook = func(cols, rows uint16) {
		once.Do(func() {
			close(entered)
			<-release
		})
	}
	if err := l.Start(b); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	if err := l.Resize(100, 30); err != nil {
		t.Fatal(err)
	}
	select {
	case <-entered:
	case <-time.After(waitTimeout):
		t.Fatal("first resize never reached the backend")
	}

	// the multiplexer is blocked in the first backend resize
	for _, sz := range []testutil.Size{{Cols: 101, Rows: 31}, {Cols: 102, Rows: 32}, {Cols: 103, Rows: 33}} {
		if err := l.Resize(sz.Cols, sz.Rows); err != nil {
			t.Fatal(err)
		}
	}
	close(release)

	want := []testutil.Size{{Cols: 100, Rows: 30}, {Cols: 103, Rows: 33}}
	if !testutil.Eventually(waitTimeout, func() bool { return len(b.Resizes()) == 2 }) {
		t.Fatalf("backend resizes = %v, want %v", b.Resizes(), want)
	}
	time.Sleep(50 * time.Millisecond)

	got := b.Resizes()
	if len(got) != len(want) {
		t.Fatalf("backend resizes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backend resize %d = %v, want %v", i, got[i], want[i])
		}
	}
	if eng := eng.Resizes(); len(eng) != 2 || eng[1] != want[1] {
		t.Errorf("engine resizes = %v", eng)
	}
}

func TestLiveCloseReleasesBackendBeforeReturning(t *testing.T) {
	l, b, eng := startLocal(t)

	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !b.Closed() {
		t.Error("backend still open after Close returned")
	}
	if !eng.Closed() {
		t.Error("engine still open after Close returned")
	}
	st := l.Status()
	if st.State != StateClosed || st.Kind != terminal.KindNone {
		t.Errorf("status = %s, want clean close", st)
	}
	if err := l.Resize(10, 10); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Resize after close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestLiveCloseWhileConnecting(t *testing.T) {
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Remote: true, Engine: eng})
	if err := l.BeginConnect(); err != nil {
		t.Fatal(err)
	}
	_ = l.Close()

	// a backend arriving after the tab closed is discarded
	b := testutil.NewFakeBackend()
	if err := l.Start(b); err == nil {
		t.Fatal("Start succeeded on a closed session")
	}
	if !b.Closed() {
		t.Error("late backend not closed")
	}
}

func TestLiveCloseAbortsConnect(t *testing.T) {
	l := New(Options{Remote: true, Engine: testutil.NewRecordingEngine(80, 24)})
	if err := l.BeginConnect(); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := l.ConnectContext(context.Background())
	defer cancel()

	_ = l.Close()
	select {
	case <-ctx.Done():
	case <-time.After(waitTimeout):
		t.Fatal("connect context still live after Close")
	}

	late, stop := l.ConnectContext(context.Background())
	defer stop()
	if late.Err() == nil {
		t.Error("connect context handed out after Close is not cancelled")
	}
}

// echoThenFail queues output as a side effect of every write and then
// reports the transport as broken, like a shell whose last words arrive
// together with the write error.
type echoThenFail struct {
	*testutil.FakeBackend
}

func (b echoThenFail) Write(p []byte) error {
	b.Emit([]byte("ABCDE"))
	return fmt.Errorf("%w: broken pipe", terminal.ErrNetworkFailed)
}

func TestLiveFlushesBufferedOutputOnWriteError(t *testing.T) {
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Title: "flaky", Engine: eng})
	b := echoThenFail{testutil.NewFakeBackend()}
	if err := l.Start(b); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })

	if err := l.WriteInput([]byte("x")); err != nil {
		t.Fatal(err)
	}
	waitDone(t, l)

	if got := l.ReadSnapshot().Text; got != "ABCDE" {
		t.Errorf("buffered output not flushed: got %q, want %q", got, "ABCDE")
	}
	if st := l.Status(); st.Kind != terminal.KindNetwork {
		t.Errorf("status = %s, want network_failed", st)
	}
}

// stuckWriter blocks every Write until the backend is closed, like a peer
// that has stopped reading its input.
type stuckWriter struct {
	*testutil.FakeBackend
	entered   chan struct{}
	enterOnce sync.Once
	released  chan struct{}
	closeOnce sync.Once
}

func newStuckWriter() *stuckWriter {
	return &stuckWriter{
		FakeBackend: testutil.NewFakeBackend(),
		entered:     make(chan struct{}),
		released:    make(chan struct{}),
	}
}

func (b *stuckWriter) Write(p []byte) error {
	b.enterOnce.Do(func() { close(b.entered) })
	<-b.released
	return terminal.ErrBackendClosed
}

func (b *stuckWriter) Close() error {
	b.closeOnce.Do(func() { close(b.released) })
	return b.FakeBackend.Close()
}

func closeWithin(t *testing.T, l *Live, d time.Duration) {
	t.Helper()
	closed := make(chan struct{})
	go func() {
		_ = l.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(d):
		t.Fatalf("Close did not return within %s", d)
	}
}

func TestLiveCloseUnblocksStuckWrite(t *testing.T) {
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Title: "stuck", Engine: eng})
	b := newStuckWriter()
	if err := l.Start(b); err != nil {
		t.Fatal(err)
	}

	if err := l.WriteInput([]byte("never read")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-b.entered:
	case <-time.After(waitTimeout):
		t.Fatal("multiplexer never wrote to the backend")
	}

	closeWithin(t, l, waitTimeout)
	if !b.Closed() {
		t.Error("backend still open after Close returned")
	}
	if st := l.Status(); st.State != StateClosed || st.Kind != terminal.KindNone {
		t.Errorf("status = %s, want clean close", st)
	}
}

func TestLiveCloseWithShellNotReadingInput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no pty")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "idle.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec sleep 600\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	c := &terminal.LocalConnector{}
	backend, err := c.Connect(context.Background(), terminal.ConnectorConfig{Shell: script})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	l := New(Options{Title: "idle", Engine: testutil.NewRecordingEngine(80, 24)})
	if err := l.Start(backend); err != nil {
		t.Fatal(err)
	}

	// far more than the pty buffers, so the multiplexer ends up blocked
	line := append(bytes.Repeat([]byte("x"), 100), '\n')
	writer := make(chan struct{})
	go func() {
		defer close(writer)
		for i := 0; i < 2000; i++ {
			if err := l.WriteInput(line); err != nil {
				return
			}
		}
	}()
	time.Sleep(300 * time.Millisecond)

	closeWithin(t, l, 5*time.Second)
	if st := l.Status(); st.State != StateClosed || st.Kind != terminal.KindNone {
		t.Errorf("status = %s, want clean close", st)
	}
	select {
	case <-writer:
	case <-time.After(waitTimeout):
		t.Error("WriteInput still blocked after Close")
	}
}

func TestLiveErrorKinds(t *testing.T) {
	t.Run("write failure", func(t *testing.T) {
		l, b, _ := startLocal(t)
		b.FailWrites(fmt.Errorf("%w: broken pipe", terminal.ErrNetworkFailed))
		_ = l.WriteInput([]byte("x"))
		waitDone(t, l)
		if st := l.Status(); st.Kind != terminal.KindNetwork {
			t.Errorf("status = %s, want network_failed", st)
		}
		if !b.Closed() {
			t.Error("backend not closed after write failure")
		}
	})

	t.Run("read failure", func(t *testing.T) {
		l, b, _ := startLocal(t)
		b.FailRead(fmt.Errorf("%w: reset", terminal.ErrProtocolFailed))
		waitDone(t, l)
		if st := l.Status(); st.Kind != terminal.KindProtocol {
			t.Errorf("status = %s, want protocol_failed", st)
		}
	})
}

func TestLiveForwardsEngineReplies(t *testing.T) {
	_, b, eng := startLocal(t)

	eng.Reply([]byte("\x1b[?1;2c"))
	if !testutil.Eventually(waitTimeout, func() bool { return b.Written() == "\x1b[?1;2c" }) {
		t.Errorf("reply not written back, backend got %q", b.Written())
	}
}

func TestLiveOnClosedRunsOnce(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	eng := testutil.NewRecordingEngine(80, 24)
	l := New(Options{Engine: eng, OnClosed: func(*Live) {
		mu.Lock()
		calls++
		mu.Unlock()
	}})
	b := testutil.NewFakeBackend()
	if err := l.Start(b); err != nil {
		t.Fatal(err)
	}
	b.End()
	waitDone(t, l)
	_ = l.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("OnClosed ran %d times", calls)
	}
}

func TestDirtyFlagNeverLosesAnUpdate(t *testing.T) {
	l, b, _ := startLocal(t)

	const chunks = 500
	var want strings.Builder
	for i := 0; i < chunks; i++ {
		want.WriteString("x")
	}

	stop := make(chan struct{})
	var last string
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if l.PollDirty() {
				last = l.ReadSnapshot().Text
			}
		}
	}()

	for i := 0; i < chunks; i++ {
		b.Emit([]byte("x"))
	}
	if !testutil.Eventually(waitTimeout, func() bool { return l.BytesIn() == chunks }) {
		t.Fatalf("only %d bytes fed", l.BytesIn())
	}
	close(stop)
	wg.Wait()

	if last != want.String() && !l.PollDirty() {
		t.Fatalf("final update lost: last snapshot has %d bytes and dirty flag is clear", len(last))
	}
}

func TestDirtyFlag(t *testing.T) {
	var d DirtyFlag
	if d.Load() {
		t.Fatal("new flag is set")
	}
	d.Set()
	d.Set()
	if !d.Load() || !d.Load() {
		t.Fatal("Load cleared or Set did not set")
	}
	d.Clear()
	if d.Load() {
		t.Fatal("Clear did not clear")
	}
}
