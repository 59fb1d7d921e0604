package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/vyrti/redpill/internal/emulator"
)

// render repaints the whole screen from a snapshot.
func render(w io.Writer, s emulator.Snapshot) error {
	var b strings.Builder
	b.WriteString("\x1b[?25l\x1b[H")
	b.WriteString(strings.ReplaceAll(s.Styled, "\r\n", "\x1b[K\r\n"))
	b.WriteString("\x1b[K\x1b[J")
	fmt.Fprintf(&b, "\x1b[%d;%dH\x1b[?25h", s.CursorY+1, s.CursorX+1)
	_, err := io.WriteString(w, b.String())
	return err
}
