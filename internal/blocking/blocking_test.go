package blocking

import (
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sized(sizes ...int64) []LogFile {
	files := make([]LogFile, len(sizes))
	for i, s := range sizes {
		files[i] = LogFile{Path: filepath.Join("in", string(rune('a'+i))), Size: s}
	}
	return files
}

func TestPartition(t *testing.T) {
	tests := []struct {
		name  string
		sizes []int64
		max   int64
		want  [][]int64
	}{
		{name: "empty input", sizes: nil, max: 100, want: nil},
		{name: "all in one block", sizes: []int64{10, 20, 30}, max: 100, want: [][]int64{{10, 20, 30}}},
		{name: "exact fit", sizes: []int64{50, 50, 50}, max: 100, want: [][]int64{{50, 50}, {50}}},
		{name: "oversize file alone", sizes: []int64{10, 500, 10}, max: 100, want: [][]int64{{10}, {500}, {10}}},
		{name: "oversize first", sizes: []int64{500, 10}, max: 100, want: [][]int64{{500}, {10}}},
		{name: "no lookahead", sizes: []int64{60, 50, 40}, max: 100, want: [][]int64{{60}, {50, 40}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocks := Partition(sized(tt.sizes...), tt.max)
			var got [][]int64
			for i, b := range blocks {
				assert.Equal(t, i, b.Index)
				var sizes []int64
				for _, f := range b.Files {
					sizes = append(sizes, f.Size)
				}
				got = append(got, sizes)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPartition_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for iter := 0; iter < 200; iter++ {
		n := rng.Intn(40)
		sizes := make([]int64, n)
		for i := range sizes {
			sizes[i] = int64(rng.Intn(300) + 1)
		}
		max := int64(rng.Intn(250) + 1)
		files := sized(sizes...)

		blocks := Partition(files, max)

		var flat []LogFile
		for _, b := range blocks {
			require.NotEmpty(t, b.Files, "blocks are never empty")
			if len(b.Files) > 1 {
				assert.LessOrEqual(t, b.Size(), max)
			}
			flat = append(flat, b.Files...)
		}
		// every file exactly once, in input order
		if n == 0 {
			assert.Empty(t, flat)
		} else {
			assert.Equal(t, files, flat)
		}
	}
}

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(strings.Repeat("x", size)), 0644))
	return p
}

func TestIndexer_ExcludesSmallFiles(t *testing.T) {
	dir := t.TempDir()
	small := writeFile(t, dir, "small.json", 49)
	edge := writeFile(t, dir, "edge.json", 50)
	big := writeFile(t, dir, "big.json", 200)

	m := metrics.New()
	ix := NewIndexer(50, m, zerolog.Nop())
	files, err := ix.Index([]string{small, edge, big})
	require.NoError(t, err)

	assert.Equal(t, []LogFile{{Path: edge, Size: 50}, {Path: big, Size: 200}}, files)
	assert.Equal(t, int64(1), m.FilesExcluded())
	assert.Equal(t, int64(2), m.FilesIndexed())

	for _, b := range Partition(files, 100) {
		for _, f := range b.Files {
			assert.NotEqual(t, small, f.Path)
		}
	}
}

func TestIndexer_MissingFile(t *testing.T) {
	ix := NewIndexer(50, metrics.New(), zerolog.Nop())
	_, err := ix.Index([]string{filepath.Join(t.TempDir(), "nope.json")})
	assert.Error(t, err)
}

func TestExpand(t *testing.T) {
	dir := t.TempDir()
	b := writeFile(t, dir, "jams_2.json", 60)
	a := writeFile(t, dir, "jams_1.json", 60)
	other := writeFile(t, dir, "other.txt", 60)
	bracketed := writeFile(t, dir, "jams[1].json", 60)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub[1]"), 0755))

	tests := []struct {
		name     string
		patterns []string
		want     []string
		wantErr  error
	}{
		{name: "literal then glob", patterns: []string{other, filepath.Join(dir, "jams_*.json")}, want: []string{other, a, b}},
		{name: "literal with glob metacharacters", patterns: []string{bracketed}, want: []string{bracketed}},
		{name: "empty pattern is skipped", patterns: []string{a, filepath.Join(dir, "missing-*.json")}, want: []string{a}},
		{name: "nothing matches", patterns: []string{filepath.Join(dir, "missing_*.json")}, wantErr: ErrNoMatch},
		{name: "directory literal is not a file", patterns: []string{filepath.Join(dir, "sub[1]")}, wantErr: ErrNoMatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths, err := Expand(tt.patterns, zerolog.Nop())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, paths)
		})
	}

	_, err := Expand([]string{"[bad"}, zerolog.Nop())
	assert.Error(t, err)
}
