package merge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/basekick-labs/jamsbatch/internal/transform"
	"github.com/rs/zerolog"
)

// MemoryEngine merges with Go maps. The whole deduplicated table is held in
// memory while the output is rewritten.
type MemoryEngine struct {
	opts    Options
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewMemoryEngine(opts Options, m *metrics.Collector, logger zerolog.Logger) *MemoryEngine {
	if opts.ChunkRows <= 0 {
		opts.ChunkRows = 100_000
	}
	return &MemoryEngine{
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("engine", "memory").Logger(),
	}
}

func (e *MemoryEngine) Name() string { return "memory" }

type mergedRow struct {
	cells    []string
	min, max time.Time
}

// Merge rewrites path with one row per key: the first row seen for the key,
// with tiempo_min/tiempo_max replaced by the bounds over all its rows.
func (e *MemoryEngine) Merge(ctx context.Context, path string) (int64, error) {
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open intermediate table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("%w: empty file", ErrSchema)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	idx, err := indexHeader(header, e.opts.KeyColumn)
	if err != nil {
		return 0, err
	}

	rows := make(map[string]*mergedRow)
	var order []string
	var read int64
	for {
		cells, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read intermediate table: %w", err)
		}
		read++

		lo, err := transform.ParseTimestamp(cells[idx.min], e.opts.TimeLayout)
		if err != nil {
			return 0, fmt.Errorf("row %d %s: %w", read, header[idx.min], err)
		}
		hi, err := transform.ParseTimestamp(cells[idx.max], e.opts.TimeLayout)
		if err != nil {
			return 0, fmt.Errorf("row %d %s: %w", read, header[idx.max], err)
		}

		key := cells[idx.key]
		row, ok := rows[key]
		if !ok {
			rows[key] = &mergedRow{cells: cells, min: lo, max: hi}
			order = append(order, key)
			continue
		}
		if lo.Before(row.min) {
			row.min = lo
		}
		if hi.After(row.max) {
			row.max = hi
		}
	}
	f.Close()

	e.logger.Debug().
		Int64("rows_read", read).
		Int("keys", len(order)).
		Msg("Loaded intermediate table")

	err = storage.WriteFileAtomic(path, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.Write(header); err != nil {
			return err
		}
		for i, key := range order {
			row := rows[key]
			row.cells[idx.min] = transform.FormatTimestamp(row.min, e.opts.TimeLayout)
			row.cells[idx.max] = transform.FormatTimestamp(row.max, e.opts.TimeLayout)
			if err := cw.Write(row.cells); err != nil {
				return err
			}
			if (i+1)%e.opts.ChunkRows == 0 {
				cw.Flush()
				if err := cw.Error(); err != nil {
					return err
				}
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write merged table: %w", err)
	}

	final := int64(len(order))
	e.metrics.SetFinalRows(final)
	e.metrics.RecordMergeDuration(time.Since(start))

	e.logger.Info().
		Int64("rows_in", read).
		Int64("rows_out", final).
		Dur("duration", time.Since(start)).
		Msg("Merged intermediate table")
	return final, nil
}
