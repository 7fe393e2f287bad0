// Package export converts the merged CSV table into Parquet.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/basekick-labs/jamsbatch/internal/transform"
	"github.com/rs/zerolog"
)

var allocator = memory.NewGoAllocator()

var timestampType = arrow.FixedWidthTypes.Timestamp_us.(*arrow.TimestampType)

var coordinateColumns = []string{config.ColumnX1, config.ColumnY1, config.ColumnX2, config.ColumnY2}

// ParquetExporter writes the merged table as a Parquet file. Attribute
// columns are strings, the bounds are UTC microsecond timestamps and the
// coordinates float64; empty cells become nulls.
type ParquetExporter struct {
	compression compress.Compression
	batchRows   int
	timeLayout  string
	metrics     *metrics.Collector
	logger      zerolog.Logger
}

func NewParquetExporter(cfg *config.ExportConfig, timeLayout string, m *metrics.Collector, logger zerolog.Logger) *ParquetExporter {
	var comp compress.Compression
	switch cfg.Compression {
	case "gzip":
		comp = compress.Codecs.Gzip
	case "zstd":
		comp = compress.Codecs.Zstd
	case "none":
		comp = compress.Codecs.Uncompressed
	default:
		comp = compress.Codecs.Snappy
	}

	batchRows := cfg.BatchRows
	if batchRows <= 0 {
		batchRows = 64 * 1024
	}

	return &ParquetExporter{
		compression: comp,
		batchRows:   batchRows,
		timeLayout:  timeLayout,
		metrics:     m,
		logger:      logger.With().Str("component", "parquet-export").Logger(),
	}
}

// Schema maps a CSV header to the Arrow schema of the export.
func Schema(header []string) *arrow.Schema {
	fields := make([]arrow.Field, len(header))
	for i, col := range header {
		var typ arrow.DataType = arrow.BinaryTypes.String
		switch {
		case col == config.ColumnTimeMin || col == config.ColumnTimeMax:
			typ = timestampType
		case slices.Contains(coordinateColumns, col):
			typ = arrow.PrimitiveTypes.Float64
		}
		fields[i] = arrow.Field{Name: col, Type: typ, Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// Export reads the CSV at src and writes dst, streaming record batches of
// the configured size. dst is replaced atomically.
func (e *ParquetExporter) Export(ctx context.Context, src, dst string) (int64, error) {
	start := time.Now()

	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("failed to open table: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.ReuseRecord = true
	header, err := r.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read header: %w", err)
	}
	header = slices.Clone(header)
	schema := Schema(header)

	writerProps := parquet.NewWriterProperties(
		parquet.WithCompression(e.compression),
		parquet.WithDictionaryDefault(true),
		parquet.WithStats(true),
	)
	arrowProps := pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema())

	var rows int64
	err = storage.WriteFileAtomic(dst, func(w io.Writer) error {
		writer, err := pqarrow.NewFileWriter(schema, w, writerProps, arrowProps)
		if err != nil {
			return fmt.Errorf("failed to create Parquet writer: %w", err)
		}

		builder := array.NewRecordBuilder(allocator, schema)
		defer builder.Release()

		flush := func() error {
			rec := builder.NewRecord()
			defer rec.Release()
			if rec.NumRows() == 0 {
				return nil
			}
			if err := writer.Write(rec); err != nil {
				return fmt.Errorf("failed to write record batch: %w", err)
			}
			return ctx.Err()
		}

		pending := 0
		for {
			cells, err := r.Read()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				writer.Close()
				return fmt.Errorf("failed to read row %d: %w", rows+1, err)
			}
			if err := e.appendRow(builder, header, cells); err != nil {
				writer.Close()
				return fmt.Errorf("row %d: %w", rows+1, err)
			}
			rows++
			pending++
			if pending == e.batchRows {
				if err := flush(); err != nil {
					writer.Close()
					return err
				}
				pending = 0
			}
		}
		if err := flush(); err != nil {
			writer.Close()
			return err
		}
		if err := writer.Close(); err != nil {
			return fmt.Errorf("failed to close Parquet writer: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	e.metrics.IncExportRows(rows)
	e.logger.Info().
		Str("path", dst).
		Int64("rows", rows).
		Int("columns", len(header)).
		Dur("duration", time.Since(start)).
		Msg("Exported Parquet file")
	return rows, nil
}

func (e *ParquetExporter) appendRow(b *array.RecordBuilder, header, cells []string) error {
	for i, cell := range cells {
		switch fb := b.Field(i).(type) {
		case *array.StringBuilder:
			if cell == "" {
				fb.AppendNull()
			} else {
				fb.Append(cell)
			}
		case *array.TimestampBuilder:
			if cell == "" {
				fb.AppendNull()
				continue
			}
			t, err := transform.ParseTimestamp(cell, e.timeLayout)
			if err != nil {
				return fmt.Errorf("%s: %w", header[i], err)
			}
			fb.Append(arrow.Timestamp(t.UTC().UnixMicro()))
		case *array.Float64Builder:
			if cell == "" {
				fb.AppendNull()
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", header[i], err)
			}
			fb.Append(v)
		default:
			return fmt.Errorf("unsupported builder for column %s", header[i])
		}
	}
	return nil
}
