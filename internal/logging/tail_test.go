package logging

import (
	"testing"
	"time"
)

func TestParseServerLogLine_Valid(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantLevel string
		wantMsg   string
		wantPID   int
	}{
		{
			name:      "ready message",
			input:     "2026-08-21 10:15:00.123 UTC [4821] LOG:  database system is ready to accept connections",
			wantLevel: "INFO",
			wantMsg:   "database system is ready to accept connections",
			wantPID:   4821,
		},
		{
			name:      "fatal during startup",
			input:     "2026-08-21 10:15:00.001 UTC [4821] FATAL:  could not create lock file: File exists",
			wantLevel: "ERROR",
			wantMsg:   "could not create lock file: File exists",
			wantPID:   4821,
		},
		{
			name:      "warning",
			input:     "2026-08-21 10:15:02.500 GMT [77] WARNING:  checkpoints are occurring too frequently",
			wantLevel: "WARN",
			wantMsg:   "checkpoints are occurring too frequently",
			wantPID:   77,
		},
		{
			name:      "debug severity",
			input:     "2026-08-21 10:15:02.500 UTC [77] DEBUG1:  checkpoint sync",
			wantLevel: "DEBUG",
			wantMsg:   "checkpoint sync",
			wantPID:   77,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry, ok := ParseServerLogLine(tt.input)
			if !ok {
				t.Fatalf("ParseServerLogLine(%q) not recognized", tt.input)
			}
			if entry.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", entry.Level, tt.wantLevel)
			}
			if entry.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", entry.Message, tt.wantMsg)
			}
			if pid, _ := entry.Fields["pid"].(int); pid != tt.wantPID {
				t.Errorf("pid field = %v, want %d", entry.Fields["pid"], tt.wantPID)
			}
		})
	}
}

func TestParseServerLogLine_Timestamp(t *testing.T) {
	entry, ok := ParseServerLogLine("2026-08-21 10:15:00.123 UTC [1] LOG:  started")
	if !ok {
		t.Fatal("line not recognized")
	}

	want := time.Date(2026, 8, 21, 10, 15, 0, 123000000, time.UTC)
	if !entry.Timestamp.Equal(want) {
		t.Errorf("Timestamp = %v, want %v", entry.Timestamp, want)
	}
}

func TestParseServerLogLine_Continuation(t *testing.T) {
	tests := []string{
		"",
		"\tDETAIL:  Key (id)=(1) already exists.",
		"some free-form stderr output",
		"2026-08-21 10:15:00.123 UTC LOG: missing pid bracket",
	}

	for _, input := range tests {
		if _, ok := ParseServerLogLine(input); ok {
			t.Errorf("ParseServerLogLine(%q) should not match", input)
		}
	}
}

func TestServerSeverityLevel(t *testing.T) {
	tests := []struct {
		severity string
		want     string
	}{
		{"LOG", "INFO"},
		{"NOTICE", "INFO"},
		{"INFO", "INFO"},
		{"DEBUG3", "DEBUG"},
		{"WARNING", "WARN"},
		{"ERROR", "ERROR"},
		{"FATAL", "ERROR"},
		{"PANIC", "ERROR"},
		{"UNKNOWN", "INFO"},
	}

	for _, tt := range tests {
		if got := serverSeverityLevel(tt.severity); got != tt.want {
			t.Errorf("serverSeverityLevel(%q) = %q, want %q", tt.severity, got, tt.want)
		}
	}
}
