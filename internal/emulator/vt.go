package emulator

import (
	"strings"
	"sync"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
	"github.com/rs/zerolog/log"
)

// responseQueueLen bounds buffered query replies. Replies are tiny and rare;
// when the queue is full new ones are dropped so Feed never blocks.
const responseQueueLen = 64

// VT adapts charmbracelet/x/vt to Engine.
type VT struct {
	emu  *vt.Emulator
	cols int
	rows int

	responses chan []byte
	closeOnce sync.Once
}

// NewVT returns an engine with a cols×rows grid.
func NewVT(cols, rows int) *VT {
	v := &VT{
		emu:       vt.NewEmulator(cols, rows),
		cols:      cols,
		rows:      rows,
		responses: make(chan []byte, responseQueueLen),
	}
	go v.drain()
	return v
}

// drain reads the emulator's reply pipe. The emulator writes replies
// synchronously while interpreting input, so the pipe must always have a
// reader.
func (v *VT) drain() {
	buf := make([]byte, 256)
	for {
		n, err := v.emu.Read(buf)
		if n > 0 {
			reply := append([]byte(nil), buf[:n]...)
			select {
			case v.responses <- reply:
			default:
				log.Warn().Int("bytes", n).Msg("terminal reply queue full, dropping reply")
			}
		}
		if err != nil {
			return
		}
	}
}

func (v *VT) Feed(p []byte) {
	_, _ = v.emu.Write(p)
}

func (v *VT) Resize(cols, rows int) {
	if cols == v.cols && rows == v.rows {
		return
	}
	v.emu.Resize(cols, rows)
	v.cols, v.rows = cols, rows
}

func (v *VT) Snapshot() Snapshot {
	styled := v.emu.Render()
	rows := strings.Split(styled, "\r\n")
	lines := make([]string, len(rows))
	for i, r := range rows {
		lines[i] = strings.TrimRight(ansi.Strip(r), " ")
	}
	pos := v.emu.CursorPosition()
	return Snapshot{
		Cols:    v.cols,
		Rows:    v.rows,
		Lines:   lines,
		Text:    strings.Join(lines, "\n"),
		Styled:  styled,
		CursorX: pos.X,
		CursorY: pos.Y,
	}
}

func (v *VT) Responses() <-chan []byte {
	return v.responses
}

// Close releases the emulator. The reply reader exits once the emulator's
// pipe reports an error.
func (v *VT) Close() error {
	var err error
	v.closeOnce.Do(func() {
		err = v.emu.Close()
	})
	return err
}

var _ Engine = (*VT)(nil)
