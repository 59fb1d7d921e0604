package terminal

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
)

const (
	readChunkSize = 4096
	// readQueueLen bounds how far the reader goroutine may run ahead of the
	// consumer. A full queue stalls the reader, which backpressures the PTY
	// or SSH channel.
	readQueueLen = 64
)

// stream turns a blocking io.Reader into chunks delivered over a bounded
// channel. The reader goroutine owns nothing but the reader; it never
// touches session state.
type stream struct {
	chunks chan []byte
	done   chan struct{}

	mu  sync.Mutex
	err error // terminal error reported once at end of stream

	closeOnce sync.Once
	eofSent   atomic.Bool
}

// newStream starts the reader goroutine. classify maps a read error to the
// error ReadChunk reports at end of stream; returning nil means a clean EOF.
func newStream(r io.Reader, classify func(error) error) *stream {
	s := &stream{
		chunks: make(chan []byte, readQueueLen),
		done:   make(chan struct{}),
	}
	go s.pump(r, classify)
	return s
}

func (s *stream) pump(r io.Reader, classify func(error) error) {
	defer close(s.chunks)
	for {
		buf := make([]byte, readChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			select {
			case s.chunks <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && classify != nil {
				s.fail(classify(err))
			}
			return
		}
	}
}

// fail records the first non-nil failure; later ones are ignored.
func (s *stream) fail(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *stream) read(ctx context.Context) ([]byte, error) {
	select {
	case <-s.done:
		return nil, s.end()
	default:
	}
	// queued output wins over an expired ctx
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, s.end()
		}
		return chunk, nil
	default:
	}
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			return nil, s.end()
		}
		return chunk, nil
	case <-s.done:
		return nil, s.end()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// end reports end-of-stream exactly once, then ErrBackendClosed.
func (s *stream) end() error {
	if !s.eofSent.CompareAndSwap(false, true) {
		return ErrBackendClosed
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return io.EOF
}

func (s *stream) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (s *stream) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
