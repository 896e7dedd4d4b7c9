// Package audit writes the append-only proxy event log. Every connection
// outcome is recorded as a single line:
//
//	<timestamp> <clientAddr> <EVENT> <detail>
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Event classifies an audit log entry.
type Event string

const (
	// EventBlocked is written when the blocklist rejects a destination.
	EventBlocked Event = "BLOCKED"
	// EventConnect is written when a CONNECT tunnel is established.
	EventConnect Event = "CONNECT"
	// EventAllowed is written when a plaintext request is forwarded.
	EventAllowed Event = "ALLOWED"
	// EventError is written for upstream or unexpected handler failures.
	EventError Event = "ERROR"
)

// Logger appends proxy events to a log file. The zero value discards
// everything; use Open to get a writing logger.
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

// Open creates an audit logger appending to path, creating parent
// directories as needed. An empty path yields a discarding logger.
func Open(path string) (*Logger, error) {
	if path == "" {
		return &Logger{}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &Logger{file: f}, nil
}

// Record appends one event line. Write failures are swallowed: the audit
// log must never take a connection down with it.
func (l *Logger) Record(clientAddr string, event Event, detail string) {
	if l == nil || l.file == nil {
		return
	}
	timestamp := time.Now().Format("2006-01-02 15:04:05.000000")
	line := timestamp + " " + clientAddr + " " + string(event)
	if detail = strings.TrimSpace(detail); detail != "" {
		line += " " + detail
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.file.WriteString(line + "\n")
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
