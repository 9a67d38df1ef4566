// Package history persists iteration records as append-only JSON lines.
//
// Every record is encoded on one line and written with a single write followed by
// fsync on a file opened with O_APPEND. A crash can therefore leave at most one partial
// trailing line; Open isolates it behind a newline and readers skip it.
package history

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// Writer appends records to a history file.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *zap.Logger
}

// Open opens (or creates) the history file for appending.
func Open(path string, logger *zap.Logger) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create history dir: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}

	w := &Writer{file: f, path: path, logger: logger}
	if err := w.isolatePartialLine(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// isolatePartialLine terminates a trailing line left by an interrupted write so the next
// record starts on a fresh line.
func (w *Writer) isolatePartialLine() error {
	info, err := w.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat history file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}

	r, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("failed to inspect history file: %w", err)
	}
	defer r.Close()

	last := make([]byte, 1)
	if _, err := r.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return fmt.Errorf("failed to inspect history file: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	w.logger.Warn("History file ends with a partial record, isolating it",
		zap.String("path", w.path),
	)
	if _, err := w.file.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to isolate partial record: %w", err)
	}
	return w.file.Sync()
}

// Append writes one record. Records violating the validation invariant are refused.
func (w *Writer) Append(rec *domain.IterationRecord) error {
	if err := rec.CheckInvariant(); err != nil {
		return fmt.Errorf("refusing to persist record: %w", err)
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync history: %w", err)
	}
	return nil
}

// Path returns the history file path.
func (w *Writer) Path() string {
	return w.path
}

// Close closes the history file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
