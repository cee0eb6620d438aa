// pattern: Functional Core

package logging

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// serverLinePattern matches postgres stderr lines under the default
// log_line_prefix '%m [%p] ': timestamp with zone abbreviation, backend
// pid, severity, message. Continuation lines (DETAIL, multi-line
// statements) do not match and are passed through raw.
var serverLinePattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}\.\d{3} [A-Z]+) \[(\d+)\] ([A-Z0-9]+): {1,2}(.*)$`)

const serverTimeLayout = "2006-01-02 15:04:05.000 MST"

// ParseServerLogLine parses a postgres stderr line into a LogEntry.
// The second return value is false when the line carries no severity
// prefix (a continuation line or free-form output).
func ParseServerLogLine(line string) (LogEntry, bool) {
	m := serverLinePattern.FindStringSubmatch(line)
	if m == nil {
		return LogEntry{}, false
	}

	ts, err := time.Parse(serverTimeLayout, m[1])
	if err != nil {
		ts = time.Now()
	}
	pid, _ := strconv.Atoi(m[2])

	return LogEntry{
		Timestamp: ts,
		Level:     serverSeverityLevel(m[3]),
		Message:   m[4],
		Fields: map[string]any{
			"pid":      pid,
			"severity": m[3],
		},
	}, true
}

// serverSeverityLevel maps postgres message severities onto our levels.
// LOG and NOTICE are routine server chatter, not warnings.
func serverSeverityLevel(severity string) string {
	switch severity {
	case "DEBUG1", "DEBUG2", "DEBUG3", "DEBUG4", "DEBUG5":
		return "DEBUG"
	case "INFO", "NOTICE", "LOG", "STATEMENT", "DETAIL", "HINT":
		return "INFO"
	case "WARNING":
		return "WARN"
	case "ERROR", "FATAL", "PANIC":
		return "ERROR"
	default:
		return "INFO"
	}
}

// ServerLogReader tails the postgres stderr log file and converts lines to
// LogEntry values on a ChannelSink. It watches the file for changes using
// fsnotify with a polling safeguard for filesystems with unreliable events.
type ServerLogReader struct {
	filePath string
	scope    string
	sink     *ChannelSink
	watcher  *fsnotify.Watcher

	mu     sync.Mutex
	file   *os.File
	offset int64
	closed bool
}

// NewServerLogReader creates a new reader for the given server log file.
// The scope is used for every emitted entry (e.g. "server").
// Entries are sent to the provided ChannelSink.
func NewServerLogReader(filePath, scope string, sink *ChannelSink) (*ServerLogReader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	return &ServerLogReader{
		filePath: filePath,
		scope:    scope,
		sink:     sink,
		watcher:  watcher,
	}, nil
}

// Start begins watching the server log file for new lines.
// It returns when the context is cancelled.
func (r *ServerLogReader) Start(ctx context.Context) error {
	// Watch parent directory (file may not exist yet)
	dir := filepath.Dir(r.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	if err := r.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory: %w", err)
	}

	// Try to open the file if it exists (seek to end to skip existing content)
	r.mu.Lock()
	_ = r.openFile(true)
	r.mu.Unlock()

	// Polling safeguard for missed events (5 second interval)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = r.Close()
			return ctx.Err()

		case event, ok := <-r.watcher.Events:
			if !ok {
				return nil
			}

			// Filter for our target file
			if filepath.Clean(event.Name) != filepath.Clean(r.filePath) {
				continue
			}

			// Handle file creation
			if event.Has(fsnotify.Create) {
				r.mu.Lock()
				_ = r.openFile(false) // Read from beginning for new files
				r.readNewLines()      // Read any content written with the create
				r.mu.Unlock()
			}

			// Handle file writes
			if event.Has(fsnotify.Write) {
				r.mu.Lock()
				r.readNewLines()
				r.mu.Unlock()
			}

			// Handle file removal/rename (log rotation)
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				r.mu.Lock()
				r.closeFile()
				r.mu.Unlock()
			}

		case <-ticker.C:
			// Polling safeguard: check for new content even if events missed
			r.mu.Lock()
			if r.file == nil {
				_ = r.openFile(false) // Read from beginning if file appeared
			}
			r.readNewLines()
			r.mu.Unlock()

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return nil
			}
			// Transient watcher errors are not fatal; the ticker covers gaps
			_ = err
		}
	}
}

// openFile opens the log file.
// If seekToEnd is true, seeks to the end (for tail -f behavior on existing files).
// If seekToEnd is false, starts from the beginning (for newly created files).
func (r *ServerLogReader) openFile(seekToEnd bool) error {
	if r.file != nil {
		return nil // Already open
	}

	file, err := os.Open(r.filePath)
	if err != nil {
		return err
	}

	var offset int64
	if seekToEnd {
		// Seek to end for tail behavior (skip existing content)
		offset, err = file.Seek(0, io.SeekEnd)
		if err != nil {
			_ = file.Close()
			return err
		}
	}
	// If not seekToEnd, offset stays 0 (read from beginning)

	r.file = file
	r.offset = offset
	return nil
}

// closeFile closes the current file handle.
func (r *ServerLogReader) closeFile() {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
		r.offset = 0
	}
}

// readNewLines reads any new lines appended to the file since last read.
func (r *ServerLogReader) readNewLines() {
	if r.file == nil {
		return
	}

	// Seek to last known position
	if _, err := r.file.Seek(r.offset, io.SeekStart); err != nil {
		return
	}

	scanner := bufio.NewScanner(r.file)
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) == 0 {
			continue
		}

		entry, ok := ParseServerLogLine(line)
		if !ok {
			// Continuation line or free-form output: pass through raw
			entry = LogEntry{
				Timestamp: time.Now(),
				Level:     "INFO",
				Message:   line,
				Fields:    map[string]any{},
			}
		}
		entry.Scope = r.scope
		r.sink.Send(entry)
	}

	// Update offset to current position
	if pos, err := r.file.Seek(0, io.SeekCurrent); err == nil {
		r.offset = pos
	}
}

// Close stops the reader and releases resources.
func (r *ServerLogReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	r.closeFile()
	return r.watcher.Close()
}
