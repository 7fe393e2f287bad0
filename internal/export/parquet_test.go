package export

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet/file"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const table = `uuid,city,tiempo_min,tiempo_max,x1,y1,x2,y2
u1,"Santiago, RM",2024-01-01 00:00:00,2024-01-01 00:40:00.5,-70.6,-33.4,-70.5,-33.5
u2,,2024-01-01 00:05:00,2024-01-01 00:05:00,,,,
u3,Valparaiso,2024-01-02 10:00:00,2024-01-02 11:00:00,1,2,3,4
`

func readTable(t *testing.T, path string) arrow.Table {
	t.Helper()
	pf, err := file.OpenParquetFile(path, false)
	require.NoError(t, err)
	t.Cleanup(func() { pf.Close() })

	fr, err := pqarrow.NewFileReader(pf, pqarrow.ArrowReadProperties{}, memory.DefaultAllocator)
	require.NoError(t, err)
	tbl, err := fr.ReadTable(context.Background())
	require.NoError(t, err)
	t.Cleanup(tbl.Release)
	return tbl
}

func TestSchema(t *testing.T) {
	s := Schema([]string{"uuid", "tiempo_min", "tiempo_max", "x1", "y2", "speed"})
	assert.Equal(t, arrow.STRING, s.Field(0).Type.ID())
	assert.Equal(t, arrow.TIMESTAMP, s.Field(1).Type.ID())
	assert.Equal(t, arrow.TIMESTAMP, s.Field(2).Type.ID())
	assert.Equal(t, arrow.FLOAT64, s.Field(3).Type.ID())
	assert.Equal(t, arrow.FLOAT64, s.Field(4).Type.ID())
	assert.Equal(t, arrow.STRING, s.Field(5).Type.ID())
}

func TestExport(t *testing.T) {
	for _, comp := range []string{"snappy", "zstd", "gzip", "none"} {
		t.Run(comp, func(t *testing.T) {
			dir := t.TempDir()
			src := filepath.Join(dir, "out.csv")
			dst := filepath.Join(dir, "out.parquet")
			require.NoError(t, os.WriteFile(src, []byte(table), 0644))

			m := metrics.New()
			e := NewParquetExporter(&config.ExportConfig{Compression: comp, BatchRows: 2},
				"2006-01-02 15:04:05.999999999", m, zerolog.Nop())

			n, err := e.Export(context.Background(), src, dst)
			require.NoError(t, err)
			assert.Equal(t, int64(3), n)
			assert.Equal(t, int64(3), m.Snapshot()["export_rows"])

			tbl := readTable(t, dst)
			assert.Equal(t, int64(3), tbl.NumRows())
			assert.Equal(t, int64(8), tbl.NumCols())

			city := tbl.Column(1).Data().Chunk(0).(*array.String)
			assert.Equal(t, "Santiago, RM", city.Value(0))
			assert.True(t, city.IsNull(1))

			tmax := tbl.Column(3).Data().Chunk(0).(*array.Timestamp)
			want := time.Date(2024, 1, 1, 0, 40, 0, 500_000_000, time.UTC)
			assert.Equal(t, arrow.Timestamp(want.UnixMicro()), tmax.Value(0))

			x1 := tbl.Column(4).Data().Chunk(0).(*array.Float64)
			assert.Equal(t, -70.6, x1.Value(0))
			assert.True(t, x1.IsNull(1))
		})
	}
}

func TestExport_BadCell(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "out.csv")
	dst := filepath.Join(dir, "out.parquet")
	require.NoError(t, os.WriteFile(src, []byte("uuid,x1\nu1,east\n"), 0644))

	e := NewParquetExporter(&config.ExportConfig{Compression: "snappy", BatchRows: 10}, "", metrics.New(), zerolog.Nop())
	_, err := e.Export(context.Background(), src, dst)
	require.Error(t, err)

	_, statErr := os.Stat(dst)
	assert.True(t, os.IsNotExist(statErr))
}
