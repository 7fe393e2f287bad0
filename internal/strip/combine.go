package strip

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/rs/zerolog"
)

// CombinedDir is the subdirectory of the strip output holding the joined
// tables, kept apart so a later run never reads them back as inputs.
const CombinedDir = "combined"

const (
	allFile   = "all.csv"
	cleanFile = "clean.csv"
)

// ErrNothingToCombine is returned when the directory holds no per-file CSV.
var ErrNothingToCombine = errors.New("no per-file CSV to combine")

// CombineStats describes the joined tables.
type CombineStats struct {
	Files     int
	Rows      int64 // rows of all.csv
	CleanRows int64 // rows of clean.csv
	Columns   []string
	Dropped   []string // sparse columns left out of clean.csv
	AllPath   string
	CleanPath string
}

// Combiner joins the per-file CSVs of a strip run. all.csv is the plain
// concatenation over the union of the headers, files taken in name order.
// clean.csv keeps the columns whose share of nulls stays under the
// configured ratio, lower-cases their names and drops every row still
// holding a null.
type Combiner struct {
	maxNullRatio float64
	nullTokens   []string
	logger       zerolog.Logger
}

func NewCombiner(cfg config.StripConfig, logger zerolog.Logger) *Combiner {
	return &Combiner{
		maxNullRatio: cfg.MaxNullRatio,
		nullTokens:   cfg.NullTokens,
		logger:       logger.With().Str("component", "combine").Logger(),
	}
}

// Combine reads dir/*.csv twice: once to write all.csv while counting
// nulls, once to write clean.csv. Neither output replaces a previous one
// unless its pass succeeds.
func (c *Combiner) Combine(ctx context.Context, dir string) (*CombineStats, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNothingToCombine, dir)
	}
	slices.Sort(files)

	columns, err := unionHeader(files)
	if err != nil {
		return nil, err
	}
	stats := &CombineStats{
		Files:     len(files),
		Columns:   columns,
		AllPath:   filepath.Join(dir, CombinedDir, allFile),
		CleanPath: filepath.Join(dir, CombinedDir, cleanFile),
	}

	nulls := make([]int64, len(columns))
	err = writeCSV(stats.AllPath, columns, func(cw *csv.Writer) error {
		return c.scan(ctx, files, columns, func(row []string) error {
			stats.Rows++
			for i, v := range row {
				if c.isNull(v) {
					nulls[i]++
				}
			}
			return cw.Write(row)
		})
	})
	if err != nil {
		return nil, err
	}

	keep := c.keptColumns(nulls, stats.Rows)
	header := make([]string, len(keep))
	for i, col := range keep {
		header[i] = strings.ToLower(columns[col])
	}
	for i, col := range columns {
		if !slices.Contains(keep, i) {
			stats.Dropped = append(stats.Dropped, col)
		}
	}

	out := make([]string, len(keep))
	err = writeCSV(stats.CleanPath, header, func(cw *csv.Writer) error {
		return c.scan(ctx, files, columns, func(row []string) error {
			for i, col := range keep {
				if c.isNull(row[col]) {
					return nil
				}
				out[i] = row[col]
			}
			stats.CleanRows++
			return cw.Write(out)
		})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Int("files", stats.Files).
		Int64("rows", stats.Rows).
		Int64("clean_rows", stats.CleanRows).
		Strs("dropped_columns", stats.Dropped).
		Str("output", stats.CleanPath).
		Msg("Combined per-file CSVs")
	return stats, nil
}

func (c *Combiner) isNull(v string) bool {
	return v == "" || slices.Contains(c.nullTokens, v)
}

// keptColumns returns the indexes of the columns under the null ratio.
// Without rows there is nothing to measure and every column is kept.
func (c *Combiner) keptColumns(nulls []int64, rows int64) []int {
	keep := make([]int, 0, len(nulls))
	for i, n := range nulls {
		if rows == 0 || float64(n)/float64(rows) < c.maxNullRatio {
			keep = append(keep, i)
		}
	}
	return keep
}

// unionHeader returns the column names of files in order of first
// appearance. An empty file contributes nothing.
func unionHeader(files []string) ([]string, error) {
	var columns []string
	for _, path := range files {
		header, err := readHeader(path)
		if err != nil {
			return nil, err
		}
		for _, col := range header {
			if !slices.Contains(columns, col) {
				columns = append(columns, col)
			}
		}
	}
	return columns, nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	header, err := csv.NewReader(f).Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	return header, nil
}

// scan calls fn with every data row of files laid out over columns. A
// column missing from a file reads as the empty cell. row is reused
// between calls.
func (c *Combiner) scan(ctx context.Context, files, columns []string, fn func(row []string) error) error {
	row := make([]string, len(columns))
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := scanFile(path, columns, row, fn); err != nil {
			return err
		}
	}
	return nil
}

func scanFile(path string, columns, row []string, fn func(row []string) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.ReuseRecord = true
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read header of %s: %w", path, err)
	}
	pos := make([]int, len(header))
	for i, col := range header {
		pos[i] = slices.Index(columns, col)
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		clear(row)
		for i, v := range rec {
			row[pos[i]] = v
		}
		if err := fn(row); err != nil {
			return err
		}
	}
}

func writeCSV(path string, header []string, body func(cw *csv.Writer) error) error {
	err := storage.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		if err := body(cw); err != nil {
			return err
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
