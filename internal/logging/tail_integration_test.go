//go:build integration

// pattern: Imperative Shell

package logging

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// TestServerLogReader_FileCreation tests file tailing with real file
// operations. This is an integration test (not unit test) because it
// involves real file I/O and fsnotify timing.
// Run with: go test -tags=integration ./internal/logging/...
func TestServerLogReader_FileCreation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "postgres.log")

	sink := NewChannelSink(100)

	// Create reader (file doesn't exist yet)
	reader, err := NewServerLogReader(logFile, "server", sink)
	if err != nil {
		t.Fatalf("NewServerLogReader failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() {
		if err := reader.Start(ctx); err != nil && err != context.DeadlineExceeded && err != context.Canceled {
			t.Errorf("Start failed: %v", err)
		}
	}()

	// Wait for watcher to be ready
	time.Sleep(200 * time.Millisecond)

	// Create the file first (empty)
	if err := os.WriteFile(logFile, []byte{}, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	// Give fsnotify time to detect file creation
	time.Sleep(200 * time.Millisecond)

	// Now append a server log line to the file
	logLine := "2026-08-21 10:15:00.123 UTC [4821] LOG:  database system is ready to accept connections\n"
	f, err := os.OpenFile(logFile, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	_, err = f.WriteString(logLine)
	f.Close()
	if err != nil {
		t.Fatalf("WriteString failed: %v", err)
	}

	// Wait for entry to be received (with timeout)
	select {
	case entry := <-sink.Entries():
		if entry.Message != "database system is ready to accept connections" {
			t.Errorf("Unexpected message: %s", entry.Message)
		}
		if entry.Scope != "server" {
			t.Errorf("Unexpected scope: %s", entry.Scope)
		}
		if entry.Level != "INFO" {
			t.Errorf("Unexpected level: %s", entry.Level)
		}
	case <-time.After(6 * time.Second): // polling interval is 5s
		t.Error("Timeout waiting for log entry")
	}

	cancel()
	reader.Close()
}

// TestServerLogReader_Rotation verifies that the reader recovers after the
// log file is removed and recreated (external rotation).
func TestServerLogReader_Rotation(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "postgres.log")

	if err := os.WriteFile(logFile, []byte("old content\n"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	sink := NewChannelSink(100)
	reader, err := NewServerLogReader(logFile, "server", sink)
	if err != nil {
		t.Fatalf("NewServerLogReader failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	go func() { _ = reader.Start(ctx) }()
	time.Sleep(200 * time.Millisecond)

	// Rotate: remove and recreate with new content
	if err := os.Remove(logFile); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	line := "2026-08-21 11:00:00.000 UTC [99] LOG:  checkpoint starting\n"
	if err := os.WriteFile(logFile, []byte(line), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	select {
	case entry := <-sink.Entries():
		if entry.Message != "checkpoint starting" {
			t.Errorf("Unexpected message after rotation: %s", entry.Message)
		}
	case <-time.After(6 * time.Second):
		t.Error("Timeout waiting for entry after rotation")
	}

	cancel()
	reader.Close()
}
