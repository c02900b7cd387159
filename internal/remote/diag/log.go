// Package diag collects structured diagnostics for the remote-access
// service. Entries live in a bounded in-memory ring consumed by status
// reporting; nothing here touches disk.
package diag

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level grades a diagnostic entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// maxEntries bounds the ring; the oldest entry is dropped beyond this.
const maxEntries = 50

// Entry is a single recorded diagnostic.
type Entry struct {
	ID          string `json:"id"`
	Level       Level  `json:"level"`
	Step        string `json:"step"`
	Message     string `json:"message"`
	At          int64  `json:"at"` // epoch millis
	CommandHint string `json:"commandHint,omitempty"`
}

// Operation names the most recent user/API action for status reporting.
type Operation struct {
	Step string `json:"step"`
	At   int64  `json:"at"`
}

// Log is a bounded, newest-first diagnostic ring plus last-operation marker.
// The zero value is not usable; construct with New.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	lastOp  *Operation
}

// New constructs an empty diagnostic log.
func New() *Log {
	return &Log{}
}

// Record prepends an entry, dropping the oldest once the ring is full.
func (l *Log) Record(level Level, step, message, hint string) {
	entry := Entry{
		ID:          uuid.NewString(),
		Level:       level,
		Step:        step,
		Message:     message,
		At:          time.Now().UnixMilli(),
		CommandHint: hint,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append([]Entry{entry}, l.entries...)
	if len(l.entries) > maxEntries {
		l.entries = l.entries[:maxEntries]
	}
}

// MarkOperation stores the name and time of the most recent operation.
func (l *Log) MarkOperation(step string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastOp = &Operation{Step: step, At: time.Now().UnixMilli()}
}

// Entries returns a copy of the ring, newest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// LastOperation returns the most recent operation marker, or nil.
func (l *Log) LastOperation() *Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lastOp == nil {
		return nil
	}
	op := *l.lastOp
	return &op
}
