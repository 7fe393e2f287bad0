package merge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/database"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/rs/zerolog"
)

const intermediateTable = "jams_intermediate"

// DuckDBEngine runs the merge inside DuckDB, which spills to disk when the
// table exceeds the configured memory limit. Time cells must be castable
// to TIMESTAMP, which holds for the default layout.
type DuckDBEngine struct {
	db      *database.DuckDB
	opts    Options
	metrics *metrics.Collector
	logger  zerolog.Logger
}

func NewDuckDBEngine(db *database.DuckDB, opts Options, m *metrics.Collector, logger zerolog.Logger) *DuckDBEngine {
	return &DuckDBEngine{
		db:      db,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("engine", "duckdb").Logger(),
	}
}

func (e *DuckDBEngine) Name() string { return "duckdb" }

func (e *DuckDBEngine) Merge(ctx context.Context, path string) (int64, error) {
	start := time.Now()

	header, err := readHeader(path)
	if err != nil {
		return 0, err
	}
	if _, err := indexHeader(header, e.opts.KeyColumn); err != nil {
		return 0, err
	}

	if _, err := e.db.Exec(ctx, loadQuery(path, header)); err != nil {
		return 0, fmt.Errorf("failed to load intermediate table: %w", err)
	}
	defer func() {
		if _, err := e.db.Exec(context.Background(), "DROP TABLE IF EXISTS "+intermediateTable); err != nil {
			e.logger.Warn().Err(err).Msg("Failed to drop intermediate table")
		}
	}()

	read, err := e.count(ctx, "SELECT count(*) FROM "+intermediateTable)
	if err != nil {
		return 0, err
	}
	final, err := e.count(ctx, fmt.Sprintf("SELECT count(DISTINCT %s) FROM %s",
		database.QuoteIdent(e.opts.KeyColumn), intermediateTable))
	if err != nil {
		return 0, err
	}

	tmp, err := storage.CreateTemp(filepath.Dir(path), ".csv")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()

	if _, err := e.db.Exec(ctx, copyQuery(header, e.opts.KeyColumn, tmpPath)); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to merge intermediate table: %w", err)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to replace output: %w", err)
	}

	e.metrics.SetFinalRows(final)
	e.metrics.RecordMergeDuration(time.Since(start))

	e.logger.Info().
		Int64("rows_in", read).
		Int64("rows_out", final).
		Dur("duration", time.Since(start)).
		Msg("Merged intermediate table")
	return final, nil
}

func (e *DuckDBEngine) count(ctx context.Context, query string) (int64, error) {
	rows, err := e.db.Query(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	if rows.Next() {
		if err := rows.Scan(&n); err != nil {
			return 0, fmt.Errorf("failed to scan count: %w", err)
		}
	}
	return n, rows.Err()
}

// loadQuery reads every cell as text with the header's column order, so
// rowid follows file order.
func loadQuery(path string, header []string) string {
	cols := make([]string, len(header))
	for i, col := range header {
		cols[i] = fmt.Sprintf("'%s': 'VARCHAR'", database.EscapeString(col))
	}
	return fmt.Sprintf(`CREATE OR REPLACE TEMP TABLE %s AS
		SELECT * FROM read_csv('%s',
			header=true, auto_detect=false, delim=',', quote='"', escape='"',
			columns={%s})`,
		intermediateTable, database.EscapeString(path), strings.Join(cols, ", "))
}

// copyQuery keeps the first row of each key and replaces its bounds by the
// extreme cells over all rows of the key, preserving their text.
func copyQuery(header []string, keyColumn, dest string) string {
	key := database.QuoteIdent(keyColumn)
	tmin := database.QuoteIdent(config.ColumnTimeMin)
	tmax := database.QuoteIdent(config.ColumnTimeMax)

	sel := make([]string, len(header))
	for i, col := range header {
		q := database.QuoteIdent(col)
		switch col {
		case config.ColumnTimeMin:
			sel[i] = "b.__tmin AS " + q
		case config.ColumnTimeMax:
			sel[i] = "b.__tmax AS " + q
		default:
			sel[i] = "r." + q
		}
	}

	return fmt.Sprintf(`COPY (
		WITH numbered AS (
			SELECT *, rowid AS __ord FROM %[1]s
		), bounds AS (
			SELECT %[2]s AS __key,
				min(__ord) AS __first,
				arg_min(%[3]s, CAST(%[3]s AS TIMESTAMP)) AS __tmin,
				arg_max(%[4]s, CAST(%[4]s AS TIMESTAMP)) AS __tmax
			FROM numbered
			GROUP BY %[2]s
		)
		SELECT %[5]s
		FROM bounds b JOIN numbered r ON r.__ord = b.__first
		ORDER BY b.__first
	) TO '%[6]s' (FORMAT CSV, HEADER true, DELIMITER ',')`,
		intermediateTable, key, tmin, tmax, strings.Join(sel, ", "), database.EscapeString(dest))
}
