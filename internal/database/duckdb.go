package database

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/rs/zerolog"
)

// DuckDB wraps an in-process DuckDB database used as a columnar engine.
// The pool is limited to a single connection so temporary tables created
// by one statement are visible to the next.
type DuckDB struct {
	db     *sql.DB
	logger zerolog.Logger
	config *Config
}

// Config holds DuckDB configuration
type Config struct {
	MemoryLimit   string
	ThreadCount   int
	TempDirectory string // spill directory for larger-than-memory operators
}

// New opens an in-memory DuckDB instance and applies cfg.
func New(ctx context.Context, cfg *Config, logger zerolog.Logger) (*DuckDB, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	if err := configureDatabase(ctx, db, cfg); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure duckdb: %w", err)
	}

	logger.Info().
		Str("memory_limit", cfg.MemoryLimit).
		Int("thread_count", cfg.ThreadCount).
		Str("temp_directory", cfg.TempDirectory).
		Msg("DuckDB initialized")

	return &DuckDB{
		db:     db,
		logger: logger,
		config: cfg,
	}, nil
}

// configureDatabase applies settings that DuckDB only accepts as SET statements.
func configureDatabase(ctx context.Context, db *sql.DB, cfg *Config) error {
	settings := []string{
		// first-row-per-key selection relies on rowid following file order
		"SET preserve_insertion_order=true",
	}
	if cfg.MemoryLimit != "" {
		settings = append(settings, "SET memory_limit='"+EscapeString(cfg.MemoryLimit)+"'")
	}
	if cfg.ThreadCount > 0 {
		settings = append(settings, fmt.Sprintf("SET threads=%d", cfg.ThreadCount))
	}
	if cfg.TempDirectory != "" {
		settings = append(settings, "SET temp_directory='"+EscapeString(cfg.TempDirectory)+"'")
	}
	for _, stmt := range settings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

// Query runs a statement returning rows.
func (d *DuckDB) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	err := d.timed("query", query, func() (err error) {
		rows, err = d.db.QueryContext(ctx, query, args...)
		return err
	})
	return rows, err
}

// Exec runs a statement without returning rows.
func (d *DuckDB) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := d.timed("exec", query, func() (err error) {
		res, err = d.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

func (d *DuckDB) timed(kind, query string, run func() error) error {
	start := time.Now()
	err := run()
	level := zerolog.DebugLevel
	if err != nil {
		level = zerolog.ErrorLevel
	}
	d.logger.WithLevel(level).Err(err).Str("kind", kind).Str("query", query).Dur("elapsed", time.Since(start)).Msg("DuckDB statement")
	if err != nil {
		return fmt.Errorf("%s failed: %w", kind, err)
	}
	return nil
}

// Close closes the database connection
func (d *DuckDB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	d.logger.Debug().Msg("DuckDB closed")
	return nil
}

// EscapeString escapes single quotes for use inside a SQL string literal.
func EscapeString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// QuoteIdent quotes a column or table name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
