package obslog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLogbookAppendAndTail(t *testing.T) {
	dir := t.TempDir()
	lb, err := NewLogbook(filepath.Join(dir, "session.log"))
	if err != nil {
		t.Fatalf("NewLogbook: %v", err)
	}
	lb.Info("spawned session %s", "wf-1")
	lb.Warn("agent idle")
	lb.Error("runtime exited")

	lines, err := lb.Tail(2)
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("Tail(2) returned %d lines, want 2", len(lines))
	}
	if !strings.Contains(lines[0], "WARN") || !strings.Contains(lines[1], "ERROR") {
		t.Fatalf("unexpected tail contents: %v", lines)
	}
}

func TestLoggerPrintf(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Printf("tick %d", 3)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "logs", "core.log"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "tick 3") {
		t.Fatalf("log file missing expected content: %q", data)
	}
}
