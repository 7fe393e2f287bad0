// Package output appends finished block records to the intermediate CSV.
package output

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/transform"
	"github.com/rs/zerolog"
)

// ErrMissingColumn is returned when no record of a block carries a
// configured column.
var ErrMissingColumn = errors.New("column missing from block")

// BlockWriter owns the intermediate file: it writes the header once and
// then appends the rows of each block.
type BlockWriter struct {
	path       string
	schema     []string
	timeLayout string
	metrics    *metrics.Collector
	logger     zerolog.Logger

	file *os.File
	csv  *csv.Writer
}

// NewBlockWriter creates a writer for path with the given header.
func NewBlockWriter(path string, schema []string, timeLayout string, m *metrics.Collector, logger zerolog.Logger) *BlockWriter {
	return &BlockWriter{
		path:       path,
		schema:     slices.Clone(schema),
		timeLayout: timeLayout,
		metrics:    m,
		logger:     logger.With().Str("component", "block-writer").Logger(),
	}
}

// Init creates the parent directory, truncates the file and writes the header.
func (w *BlockWriter) Init() error {
	if err := os.MkdirAll(filepath.Dir(w.path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	w.file = f
	w.csv = csv.NewWriter(f)

	if err := w.csv.Write(w.schema); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	w.logger.Debug().Str("path", w.path).Strs("columns", w.schema).Msg("Initialized output")
	return nil
}

// Append writes one row per record, in schema order, and flushes.
func (w *BlockWriter) Append(records []transform.Record) error {
	if w.csv == nil {
		return fmt.Errorf("block writer for %s is not initialized", w.path)
	}
	if len(records) == 0 {
		return nil
	}
	if err := w.checkColumns(records); err != nil {
		return err
	}

	row := make([]string, len(w.schema))
	for _, rec := range records {
		for i, col := range w.schema {
			row[i] = w.cell(rec, col)
		}
		if err := w.csv.Write(row); err != nil {
			return fmt.Errorf("failed to write row: %w", err)
		}
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		return fmt.Errorf("failed to flush rows: %w", err)
	}

	w.metrics.IncIntermediateRows(int64(len(records)))
	return nil
}

// Close closes the file. The writer cannot be used afterwards.
func (w *BlockWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.csv = nil, nil
	return err
}

// Schema returns the header written by Init.
func (w *BlockWriter) Schema() []string {
	return slices.Clone(w.schema)
}

// checkColumns fails when a configured column is absent from every record.
// Columns missing only from some records are written empty.
func (w *BlockWriter) checkColumns(records []transform.Record) error {
	for _, col := range w.schema {
		if slices.Contains(config.DerivedColumns, col) {
			continue
		}
		found := false
		for _, rec := range records {
			if _, ok := rec.Values[col]; ok {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrMissingColumn, col)
		}
	}
	return nil
}

func (w *BlockWriter) cell(rec transform.Record, col string) string {
	switch col {
	case config.ColumnTimeMin:
		return transform.FormatTimestamp(rec.TimeMin, w.timeLayout)
	case config.ColumnTimeMax:
		return transform.FormatTimestamp(rec.TimeMax, w.timeLayout)
	case config.ColumnX1:
		return FormatCoordinate(rec.Geometry.X1, rec.Geometry.Valid)
	case config.ColumnY1:
		return FormatCoordinate(rec.Geometry.Y1, rec.Geometry.Valid)
	case config.ColumnX2:
		return FormatCoordinate(rec.Geometry.X2, rec.Geometry.Valid)
	case config.ColumnY2:
		return FormatCoordinate(rec.Geometry.Y2, rec.Geometry.Valid)
	default:
		return RenderValue(rec.Values[col])
	}
}

// RenderValue renders a JSON attribute as a CSV cell: text unquoted, null
// and absent values empty, anything else in its JSON form.
func RenderValue(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// FormatCoordinate renders a coordinate with the shortest exact form, or an
// empty cell when the geometry is unknown.
func FormatCoordinate(v float64, valid bool) string {
	if !valid {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
