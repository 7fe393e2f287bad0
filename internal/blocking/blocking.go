// Package blocking sizes the input files and groups them into blocks whose
// combined size stays under a memory budget.
package blocking

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrNoMatch is returned when the input patterns resolve to no file at all.
var ErrNoMatch = errors.New("input patterns matched no files")

// LogFile is an input file with the size it had when indexed.
type LogFile struct {
	Path string
	Size int64
}

// Block is an ordered group of files processed together.
type Block struct {
	Index int // position in the run, starting at 0
	Files []LogFile
}

// Size returns the sum of the file sizes of the block.
func (b Block) Size() int64 {
	var total int64
	for _, f := range b.Files {
		total += f.Size
	}
	return total
}

// Paths returns the file paths of the block in order.
func (b Block) Paths() []string {
	paths := make([]string, len(b.Files))
	for i, f := range b.Files {
		paths[i] = f.Path
	}
	return paths
}

// Expand resolves glob patterns and literal paths, keeping argument order.
// Matches of a single pattern come back in lexical order. A pattern that
// matches nothing but names an existing file (jams[1].json) is kept as a
// literal path; otherwise it is skipped with a warning. ErrNoMatch is
// returned only when no pattern yields a file.
func Expand(patterns []string, logger zerolog.Logger) ([]string, error) {
	var paths []string
	for _, pattern := range patterns {
		matches, globErr := filepath.Glob(pattern)
		if len(matches) > 0 {
			paths = append(paths, matches...)
			continue
		}
		if info, err := os.Stat(pattern); err == nil && info.Mode().IsRegular() {
			paths = append(paths, pattern)
			continue
		}
		if globErr != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, globErr)
		}
		logger.Warn().Str("pattern", pattern).Msg("Input pattern matched no files")
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoMatch, patterns)
	}
	return paths, nil
}

// Indexer stats input files and drops those too small to hold a snapshot.
type Indexer struct {
	minBytes int64
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// NewIndexer creates an indexer excluding files under minBytes.
func NewIndexer(minBytes int64, m *metrics.Collector, logger zerolog.Logger) *Indexer {
	return &Indexer{
		minBytes: minBytes,
		metrics:  m,
		logger:   logger.With().Str("component", "indexer").Logger(),
	}
}

// Index returns the sized files in input order. A stat failure is fatal:
// the file list is closed and a vanished file means the run is inconsistent.
func (ix *Indexer) Index(paths []string) ([]LogFile, error) {
	files := make([]LogFile, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to stat input: %w", err)
		}
		if info.IsDir() {
			return nil, fmt.Errorf("input %s is a directory", p)
		}
		if info.Size() < ix.minBytes {
			ix.metrics.IncFilesExcluded()
			ix.logger.Debug().
				Str("path", p).
				Int64("size", info.Size()).
				Msg("Excluding file under the minimum size")
			continue
		}
		ix.metrics.IncFilesIndexed(info.Size())
		files = append(files, LogFile{Path: p, Size: info.Size()})
	}
	return files, nil
}

// Partition groups files into blocks in a single greedy pass. A file that
// would push the running sum over maxBytes starts a new block, so a file
// larger than maxBytes ends up alone in its block.
func Partition(files []LogFile, maxBytes int64) []Block {
	var blocks []Block
	var current []LogFile
	var sum int64

	for _, f := range files {
		if len(current) > 0 && sum+f.Size > maxBytes {
			blocks = append(blocks, Block{Index: len(blocks), Files: current})
			current, sum = nil, 0
		}
		current = append(current, f)
		sum += f.Size
	}
	if len(current) > 0 {
		blocks = append(blocks, Block{Index: len(blocks), Files: current})
	}
	return blocks
}
