// Package source ingests raw log lines into an append-only in-memory log
// that stream sessions read from by position.
package source

import (
	"encoding/json"
	"strings"
	"sync"
)

const (
	// ParseErrKey holds the parse error for lines that are not JSON objects.
	ParseErrKey = "$_parseErr"
	// TextPayloadKey holds the raw line for lines that are not JSON objects.
	TextPayloadKey = "message"
)

// Log is an append-only list of parsed log lines. An entry's index is its
// stream position.
type Log struct {
	mu      sync.RWMutex
	entries []map[string]any
	updated chan struct{}
}

func NewLog() *Log {
	return &Log{updated: make(chan struct{})}
}

// Append stores fields and returns the position assigned to them.
func (l *Log) Append(fields map[string]any) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = append(l.entries, fields)
	close(l.updated)
	l.updated = make(chan struct{})
	return int64(len(l.entries) - 1)
}

// AppendLine parses line and appends it. Blank lines are skipped.
func (l *Log) AppendLine(line string) bool {
	fields, ok := ParseLine(line)
	if !ok {
		return false
	}
	l.Append(fields)
	return true
}

func (l *Log) Len() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return int64(len(l.entries))
}

// At returns the entry at position.
func (l *Log) At(position int64) (map[string]any, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if position < 0 || position >= int64(len(l.entries)) {
		return nil, false
	}
	return l.entries[position], true
}

// Updated returns a channel that is closed on the next Append.
func (l *Log) Updated() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.updated
}

// ParseLine decodes a JSON object line. Anything else is kept as text with
// the parse error alongside it. Blank lines report false.
func ParseLine(line string) (map[string]any, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return nil, false
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return map[string]any{
			ParseErrKey:    err.Error(),
			TextPayloadKey: line,
		}, true
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, true
}
