// Package audit writes an append-only trail of terminal operations (tab
// opens and closes, mass connects, secret changes) as JSON lines.
//
// Audit failures are logged and swallowed; they never break the calling
// operation. A nil *Logger discards every entry.
package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusPending: true,
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds the fields of one audit record.
type Entry struct {
	// Action is a dot-namespaced verb, e.g. "session.open", "group.connect".
	Action string
	// ResourceType is the category of the affected resource: "session",
	// "group", "tab".
	ResourceType string
	// ResourceID is the catalogue id or tab handle.
	ResourceID string
	// ResourceName is the human-readable label.
	ResourceName string
	// Status must be one of StatusPending, StatusSuccess, or StatusFailed.
	Status string
	// IP is the client's address for operations arriving over HTTP.
	IP string
	// UserAgent is merged into the detail object when non-empty.
	UserAgent string
	// Detail holds optional structured context (error kind, byte counts).
	Detail map[string]any
}

// Logger appends entries to a JSONL sink.
type Logger struct {
	mu     sync.Mutex
	zl     zerolog.Logger
	closer io.Closer
}

// New writes entries to w.
func New(w io.Writer) *Logger {
	return &Logger{zl: zerolog.New(w).With().Timestamp().Logger()}
}

// OpenFile appends entries to the file at path, creating it with 0600.
func OpenFile(path string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

// Write appends one record. Invalid entries are skipped with a warning.
func (l *Logger) Write(entry Entry) {
	if l == nil {
		return
	}
	if !validStatuses[entry.Status] {
		log.Warn().Str("status", entry.Status).Str("action", entry.Action).Msg("audit: invalid status, skipping")
		return
	}

	detail := entry.Detail
	if entry.UserAgent != "" {
		if detail == nil {
			detail = map[string]any{}
		}
		detail["user_agent"] = entry.UserAgent
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ev := l.zl.Log().
		Str("action", entry.Action).
		Str("resource_type", entry.ResourceType).
		Str("resource_id", entry.ResourceID).
		Str("resource_name", entry.ResourceName).
		Str("status", entry.Status)
	if entry.IP != "" {
		ev = ev.Str("ip", entry.IP)
	}
	if detail != nil {
		ev = ev.Interface("detail", detail)
	}
	ev.Send()
}

// Close closes the underlying file, if any.
func (l *Logger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Since formats a duration for Detail maps.
func Since(t time.Time) string {
	return time.Since(t).Round(time.Millisecond).String()
}
