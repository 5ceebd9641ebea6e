// Package obslog carries the core's two ambient logging primitives: a
// per-project Logbook of human-facing lifecycle history, and a plain
// process Logger for diagnostics. Both are append-only files under the
// project's state directory; neither buffers in memory.
package obslog

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"
)

// Level tags a Logbook entry.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logbook appends timestamped, leveled lines to a single file. Safe for
// concurrent use; every Append locks around the write.
type Logbook struct {
	mu   sync.Mutex
	path string
}

// NewLogbook opens (creating if needed) the logbook file at path.
func NewLogbook(path string) (*Logbook, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return &Logbook{path: path}, nil
}

// Append writes one line: "<RFC3339> <LEVEL> message".
func (l *Logbook) Append(level Level, format string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	line := fmt.Sprintf("%s %-5s %s\n", time.Now().UTC().Format(time.RFC3339), level, fmt.Sprintf(format, args...))
	_, err = f.WriteString(line)
	return err
}

func (l *Logbook) Info(format string, args ...any)  { _ = l.Append(LevelInfo, format, args...) }
func (l *Logbook) Warn(format string, args ...any)  { _ = l.Append(LevelWarn, format, args...) }
func (l *Logbook) Error(format string, args ...any) { _ = l.Append(LevelError, format, args...) }

// Tail returns up to n of the most recent lines.
func (l *Logbook) Tail(n int) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
