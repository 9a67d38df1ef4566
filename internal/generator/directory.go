package generator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/saltfish/freqsearch/go-evolver/internal/domain"
)

// consumedDir is where processed spool files are moved.
const consumedDir = "consumed"

// DirectoryGenerator consumes candidates from a spool directory in lexical file order.
// A .json file holds a Spec; any other regular file is taken as the candidate source.
// Consumed files are moved to a consumed/ subdirectory so a restart does not replay them.
type DirectoryGenerator struct {
	mu     sync.Mutex
	dir    string
	logger *zap.Logger
}

// NewDirectoryGenerator creates a new DirectoryGenerator.
func NewDirectoryGenerator(dir string, logger *zap.Logger) (*DirectoryGenerator, error) {
	if err := os.MkdirAll(filepath.Join(dir, consumedDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	return &DirectoryGenerator{dir: dir, logger: logger}, nil
}

// Generate returns the next spooled candidate, or ErrExhausted when the spool is empty.
func (g *DirectoryGenerator) Generate(ctx context.Context, fb Feedback) (*domain.Candidate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name, err := g.next()
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, ErrExhausted
		}

		path := filepath.Join(g.dir, name)
		candidate, err := g.load(path, fb)
		if moveErr := os.Rename(path, filepath.Join(g.dir, consumedDir, name)); moveErr != nil {
			return nil, fmt.Errorf("failed to consume %s: %w", name, moveErr)
		}
		if err != nil {
			g.logger.Warn("Skipping invalid spool file",
				zap.String("file", name),
				zap.Error(err),
			)
			continue
		}

		g.logger.Debug("Loaded spooled candidate",
			zap.String("file", name),
			zap.String("candidate_id", candidate.ID.String()),
		)
		return candidate, nil
	}
}

// next returns the lexically first pending file name, or "".
func (g *DirectoryGenerator) next() (string, error) {
	entries, err := os.ReadDir(g.dir)
	if err != nil {
		return "", fmt.Errorf("failed to read spool dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Strings(names)
	return names[0], nil
}

func (g *DirectoryGenerator) load(path string, fb Feedback) (*domain.Candidate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	base := filepath.Base(path)
	if strings.EqualFold(filepath.Ext(base), ".json") {
		spec, err := decodeSpec(data)
		if err != nil {
			return nil, err
		}
		if spec.Name == "" {
			spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
		}
		return spec.ToCandidate(fb)
	}

	spec := &Spec{
		Name:       strings.TrimSuffix(base, filepath.Ext(base)),
		Code:       string(data),
		Entrypoint: base,
	}
	return spec.ToCandidate(fb)
}

// Ensure interface compliance at compile time.
var _ Generator = (*DirectoryGenerator)(nil)
