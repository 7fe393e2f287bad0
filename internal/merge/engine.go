// Package merge collapses the intermediate table into one row per key with
// global time bounds, rewriting the file in place.
package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/database"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrSchema is returned when the intermediate header lacks a column the
// merge needs.
var ErrSchema = errors.New("intermediate table schema")

// Engine rewrites the intermediate table at path and returns the number of
// rows in the merged result.
type Engine interface {
	Name() string
	Merge(ctx context.Context, path string) (int64, error)
}

// New returns the engine selected by merge.engine. db is only required for
// the duckdb engine.
func New(cfg *config.Config, db *database.DuckDB, m *metrics.Collector, logger zerolog.Logger) (Engine, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.Merge.Engine {
	case "", "memory":
		return NewMemoryEngine(opts, m, logger), nil
	case "duckdb":
		if db == nil {
			return nil, fmt.Errorf("duckdb engine requires a database")
		}
		return NewDuckDBEngine(db, opts, m, logger), nil
	default:
		return nil, fmt.Errorf("unknown merge engine %q", cfg.Merge.Engine)
	}
}

// Options configures both engines.
type Options struct {
	KeyColumn  string
	TimeLayout string // layout of tiempo_min/tiempo_max cells
	ChunkRows  int    // rows per flush when rewriting the output
}

// OptionsFromConfig extracts merge options from the run configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		KeyColumn:  cfg.Input.KeyField,
		TimeLayout: cfg.Merge.TimeLayout,
		ChunkRows:  cfg.Merge.ChunkRows,
	}
}

// columnIndex maps the columns the merge reads to their header positions.
type columnIndex struct {
	key, min, max int
}

func indexHeader(header []string, keyColumn string) (columnIndex, error) {
	idx := columnIndex{
		key: slices.Index(header, keyColumn),
		min: slices.Index(header, config.ColumnTimeMin),
		max: slices.Index(header, config.ColumnTimeMax),
	}
	switch {
	case idx.key < 0:
		return idx, fmt.Errorf("%w: missing %q", ErrSchema, keyColumn)
	case idx.min < 0:
		return idx, fmt.Errorf("%w: missing %q", ErrSchema, config.ColumnTimeMin)
	case idx.max < 0:
		return idx, fmt.Errorf("%w: missing %q", ErrSchema, config.ColumnTimeMax)
	}
	return idx, nil
}

// readHeader returns the first CSV record of path.
func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open intermediate table: %w", err)
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrSchema)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	return header, nil
}
