package pollbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vyrti/redpill/internal/emulator"
	"github.com/vyrti/redpill/internal/session"
	"github.com/vyrti/redpill/internal/testutil"
)

type fakeSource struct {
	mu    sync.Mutex
	dirty bool
	text  string
	reads int
	done  chan struct{}
}

func newFakeSource() *fakeSource { return &fakeSource{done: make(chan struct{})} }

func (s *fakeSource) write(text string) {
	s.mu.Lock()
	s.text = text
	s.dirty = true
	s.mu.Unlock()
}

func (s *fakeSource) PollDirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

func (s *fakeSource) ReadSnapshot() emulator.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
	s.reads++
	return emulator.Snapshot{Text: s.text}
}

func (s *fakeSource) Done() <-chan struct{} { return s.done }

func TestRunSkipsCleanTicks(t *testing.T) {
	src := newFakeSource()
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	calls := 0
	err := Bridge{Interval: time.Millisecond}.Run(ctx, src, func(emulator.Snapshot) error {
		calls++
		return nil
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v, want deadline exceeded", err)
	}
	if calls != 0 {
		t.Errorf("redraw called %d times without output", calls)
	}
}

func TestRunRedrawsOncePerChange(t *testing.T) {
	src := newFakeSource()
	src.write("a")
	src.write("ab")

	got := make(chan string, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Bridge{Interval: time.Millisecond}.Run(ctx, src, func(s emulator.Snapshot) error {
			got <- s.Text
			return nil
		})
	}()

	select {
	case text := <-got:
		if text != "ab" {
			t.Errorf("first redraw = %q, want ab", text)
		}
	case <-time.After(time.Second):
		t.Fatal("no redraw")
	}
	select {
	case text := <-got:
		t.Errorf("unexpected second redraw %q", text)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestRunFinalRedrawOnClose(t *testing.T) {
	src := newFakeSource()
	src.write("bye")
	close(src.done)

	var last string
	err := Bridge{Interval: time.Hour}.Run(context.Background(), src, func(s emulator.Snapshot) error {
		last = s.Text
		return nil
	})
	if err != nil {
		t.Fatalf("Run = %v", err)
	}
	if last != "bye" {
		t.Errorf("final redraw = %q, want bye", last)
	}
}

func TestRunStopsOnRedrawError(t *testing.T) {
	src := newFakeSource()
	src.write("x")
	boom := errors.New("socket gone")
	err := Bridge{Interval: time.Millisecond}.Run(context.Background(), src, func(emulator.Snapshot) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Run = %v, want %v", err, boom)
	}
}

func TestRunWithLiveSession(t *testing.T) {
	l := session.New(session.Options{Title: "t", Engine: testutil.NewRecordingEngine(80, 24)})
	b := testutil.NewFakeBackend()
	if err := l.Start(b); err != nil {
		t.Fatal(err)
	}
	defer l.Close()

	var mu sync.Mutex
	var frames []string
	done := make(chan error, 1)
	go func() {
		done <- Bridge{Interval: 2 * time.Millisecond}.Run(context.Background(), l, func(s emulator.Snapshot) error {
			mu.Lock()
			frames = append(frames, s.Text)
			mu.Unlock()
			return nil
		})
	}()

	b.Emit([]byte("one "))
	b.Emit([]byte("two"))
	b.End()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop after the session closed")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(frames) == 0 || frames[len(frames)-1] != "one two" {
		t.Errorf("frames = %q, want last frame %q", frames, "one two")
	}
}
