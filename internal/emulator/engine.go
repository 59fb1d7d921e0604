// Package emulator is the boundary to the terminal emulation engine that
// interprets VT byte streams into a character grid.
package emulator

// Engine consumes transport bytes and maintains a screen grid.
//
// An Engine is not safe for concurrent use: the session multiplexer is the
// only writer and guards Feed/Resize versus Snapshot with its grid lock.
type Engine interface {
	// Feed interprets p. It must not block on the consumer of Responses.
	Feed(p []byte)
	// Snapshot captures the visible screen.
	Snapshot() Snapshot
	// Resize changes the grid size.
	Resize(cols, rows int)
	// Responses yields replies to terminal queries (device attributes,
	// cursor position reports) that must be written back to the transport.
	// Callers must not rely on the channel being closed.
	Responses() <-chan []byte
	Close() error
}

// Snapshot is an immutable copy of the visible screen.
type Snapshot struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
	// Lines holds the plain text of each row, trailing blanks trimmed.
	Lines []string `json:"lines"`
	// Text is Lines joined with "\n".
	Text string `json:"text"`
	// Styled is the screen rendered with SGR sequences, rows separated by
	// "\r\n", suitable for writing to a real terminal.
	Styled string `json:"styled"`
	// CursorX and CursorY are zero-based cell coordinates.
	CursorX int `json:"cursor_x"`
	CursorY int `json:"cursor_y"`
}
