package sandbox

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// File names inside the scratch directory.
const (
	candidateFile = "candidate.json"
	resultFile    = "result.json"
)

// maxScratchFileBytes caps the size of any file a candidate writes in its sandbox.
const maxScratchFileBytes = 64 << 20

// workspace is the private scratch directory of one execution.
type workspace struct {
	// Dir is the host path of the scratch directory.
	Dir string

	// Entrypoint is the file name of the candidate source inside Dir.
	Entrypoint string

	// Cleanup removes the scratch directory.
	Cleanup func()
}

// prepareWorkspace creates a scratch directory under root and writes the candidate into it.
func prepareWorkspace(root string, candidate *domain.Candidate) (*workspace, error) {
	if root != "" {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create scratch root: %w", err)
		}
	}

	dir, err := os.MkdirTemp(root, "evolver-"+candidate.ID.String()[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	// The sandbox user may differ from ours; the directory is private to this run anyway.
	if err := os.Chmod(dir, 0o777); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to chmod scratch dir: %w", err)
	}

	entrypoint := filepath.Base(candidate.Entrypoint)
	if entrypoint == "." || entrypoint == string(filepath.Separator) || entrypoint == candidateFile || entrypoint == resultFile {
		entrypoint = "strategy.py"
	}

	if err := os.WriteFile(filepath.Join(dir, entrypoint), []byte(candidate.Code), 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write candidate source: %w", err)
	}

	payload, err := json.MarshalIndent(candidate, "", "  ")
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to encode candidate: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, candidateFile), payload, 0o644); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to write candidate file: %w", err)
	}

	return &workspace{Dir: dir, Entrypoint: entrypoint, Cleanup: cleanup}, nil
}

var (
	// errNoResult is returned when neither result.json nor stdout carry a JSON object.
	errNoResult = errors.New("no JSON result in scratch dir or stdout")

	// errResultTooLarge is returned when result.json exceeds maxCapturedLog bytes.
	errResultTooLarge = errors.New("result too large")
)

// readResult returns the candidate's report: result.json in the scratch dir when it
// holds a JSON object, otherwise the last JSON object printed on stdout. At most
// maxCapturedLog bytes of result.json are read.
func readResult(dir string, stdout []byte) (json.RawMessage, error) {
	data, err := readCapped(filepath.Join(dir, resultFile), maxCapturedLog)
	if errors.Is(err, errResultTooLarge) {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", errResultTooLarge, resultFile, maxCapturedLog)
	}
	if err == nil {
		data = bytes.TrimSpace(data)
		if isJSONObject(data) {
			return json.RawMessage(data), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", resultFile, err)
	}

	if obj := lastJSONObject(stdout); obj != nil {
		return obj, nil
	}
	return nil, errNoResult
}

// lastJSONObject finds the last JSON object in output. Single-line objects are checked
// first from the end; otherwise the object may span lines and must close the output.
func lastJSONObject(output []byte) json.RawMessage {
	lines := bytes.Split(output, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if isJSONObject(line) {
			return json.RawMessage(line)
		}
	}

	offset := len(output)
	for i := len(lines) - 1; i >= 0; i-- {
		offset -= len(lines[i])
		if i < len(lines)-1 {
			offset--
		}
		if !bytes.HasPrefix(bytes.TrimLeft(lines[i], " \t\r"), []byte("{")) {
			continue
		}
		if obj := bytes.TrimSpace(output[offset:]); isJSONObject(obj) {
			return json.RawMessage(obj)
		}
	}
	return nil
}

// readCapped reads path, failing with errResultTooLarge when it holds more than limit bytes.
func readCapped(path string, limit int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, errResultTooLarge
	}
	return data, nil
}

func isJSONObject(data []byte) bool {
	return len(data) >= 2 && data[0] == '{' && json.Valid(data)
}
