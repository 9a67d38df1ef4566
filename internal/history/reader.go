package history

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// ReadAll returns every well-formed record of the history file in file order.
// Malformed lines, such as a partial record left by a crash, are skipped.
// A missing file yields no records.
func ReadAll(path string, logger *zap.Logger) ([]domain.IterationRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open history file: %w", err)
	}
	defer f.Close()

	var records []domain.IterationRecord
	reader := bufio.NewReader(f)
	lineNum := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			lineNum++
			var rec domain.IterationRecord
			if uerr := json.Unmarshal(line, &rec); uerr != nil {
				if len(bytes.TrimSpace(line)) > 0 {
					logger.Warn("Skipping malformed history line",
						zap.String("path", path),
						zap.Int("line", lineNum),
						zap.Error(uerr),
					)
				}
			} else {
				records = append(records, rec)
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return records, fmt.Errorf("failed to read history file: %w", err)
		}
	}
	return records, nil
}

// NextIteration returns the iteration number that follows the last record, or 0.
func NextIteration(records []domain.IterationRecord) int {
	next := 0
	for _, r := range records {
		if r.IterationNum+1 > next {
			next = r.IterationNum + 1
		}
	}
	return next
}
