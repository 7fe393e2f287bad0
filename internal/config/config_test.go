package config

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
)

func TestGetDefaultMemoryLimit(t *testing.T) {
	result := getDefaultMemoryLimit()
	if result == "" {
		t.Error("getDefaultMemoryLimit() returned empty string")
	}
	if !strings.HasSuffix(result, "GB") {
		t.Errorf("getDefaultMemoryLimit() = %s, should end with 'GB'", result)
	}
	if _, err := ParseSize(result); err != nil {
		t.Errorf("getDefaultMemoryLimit() = %s is not parseable: %v", result, err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	// No config file in an empty working directory
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Batch.BlockSizeBytes != 1500*bytesPerMB {
		t.Errorf("Batch.BlockSizeBytes = %d, want %d", cfg.Batch.BlockSizeBytes, 1500*bytesPerMB)
	}
	if cfg.Batch.MinFileBytes != 50 {
		t.Errorf("Batch.MinFileBytes = %d, want 50", cfg.Batch.MinFileBytes)
	}
	if !slices.Equal(cfg.Batch.Columns, DefaultColumns) {
		t.Errorf("Batch.Columns = %v, want %v", cfg.Batch.Columns, DefaultColumns)
	}
	if cfg.Input.TimestampField != "tiempo" || cfg.Input.EventsField != "jams" || cfg.Input.PathField != "line" {
		t.Errorf("unexpected input defaults: %+v", cfg.Input)
	}
	if cfg.Merge.Engine != "memory" {
		t.Errorf("Merge.Engine = %s, want memory", cfg.Merge.Engine)
	}
	if cfg.Merge.ChunkRows != 100_000 {
		t.Errorf("Merge.ChunkRows = %d, want 100000", cfg.Merge.ChunkRows)
	}
	if cfg.Strip.FileNamePrefixLen != 5 {
		t.Errorf("Strip.FileNamePrefixLen = %d, want 5", cfg.Strip.FileNamePrefixLen)
	}
	if !slices.Contains(cfg.Strip.DropEventFields, "segments") {
		t.Errorf("Strip.DropEventFields = %v, should contain segments", cfg.Strip.DropEventFields)
	}
	if cfg.Strip.MaxNullRatio != 0.10 || !slices.Equal(cfg.Strip.NullTokens, []string{"NONE"}) {
		t.Errorf("unexpected combine defaults: ratio %v, tokens %v", cfg.Strip.MaxNullRatio, cfg.Strip.NullTokens)
	}
}

func TestLoad_Flags(t *testing.T) {
	t.Chdir(t.TempDir())

	fs := Flags()
	err := fs.Parse([]string{"-o", "out.csv", "-b", "2", "-c", "uuid,speed", "--engine", "DuckDB", "a/*.json", "b.json"})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Batch.Output != "out.csv" {
		t.Errorf("Batch.Output = %s, want out.csv", cfg.Batch.Output)
	}
	if cfg.Batch.BlockSizeBytes != 2_000_000 {
		t.Errorf("Batch.BlockSizeBytes = %d, want 2000000", cfg.Batch.BlockSizeBytes)
	}
	if !slices.Equal(cfg.Batch.Columns, []string{"uuid", "speed"}) {
		t.Errorf("Batch.Columns = %v", cfg.Batch.Columns)
	}
	if !slices.Equal(cfg.Batch.Inputs, []string{"a/*.json", "b.json"}) {
		t.Errorf("Batch.Inputs = %v", cfg.Batch.Inputs)
	}
	if cfg.Merge.Engine != "duckdb" {
		t.Errorf("Merge.Engine = %s, want duckdb", cfg.Merge.Engine)
	}
}

func TestFlags_ColumnList(t *testing.T) {
	t.Chdir(t.TempDir())

	tests := []struct {
		name        string
		args        []string
		wantColumns []string
		wantInputs  []string
	}{
		{name: "comma separated", args: []string{"-o", "out.csv", "-c", "city,uuid", "in.json"}, wantColumns: []string{"city", "uuid"}, wantInputs: []string{"in.json"}},
		{name: "repeated flag", args: []string{"-o", "out.csv", "-c", "city", "-c", "uuid", "in.json"}, wantColumns: []string{"city", "uuid"}, wantInputs: []string{"in.json"}},
		{name: "space separated values become inputs", args: []string{"-o", "out.csv", "-c", "city", "uuid", "in.json"}, wantColumns: []string{"city"}, wantInputs: []string{"uuid", "in.json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := Flags()
			if err := fs.Parse(tt.args); err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			cfg, err := Load(fs)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if !slices.Equal(cfg.Batch.Columns, tt.wantColumns) {
				t.Errorf("Batch.Columns = %v, want %v", cfg.Batch.Columns, tt.wantColumns)
			}
			if !slices.Equal(cfg.Batch.Inputs, tt.wantInputs) {
				t.Errorf("Batch.Inputs = %v, want %v", cfg.Batch.Inputs, tt.wantInputs)
			}
		})
	}

	if usage := Flags().Lookup("columnas").Usage; !strings.Contains(usage, "comma separated") {
		t.Errorf("columnas usage does not document the list syntax: %q", usage)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JAMSBATCH_MERGE_CHUNK_ROWS", "10")
	t.Setenv("JAMSBATCH_BATCH_COLUMNS", "uuid speed level")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Merge.ChunkRows != 10 {
		t.Errorf("Merge.ChunkRows = %d, want 10", cfg.Merge.ChunkRows)
	}
	if !slices.Equal(cfg.Batch.Columns, []string{"uuid", "speed", "level"}) {
		t.Errorf("Batch.Columns = %v", cfg.Batch.Columns)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Chdir(tmpDir)

	content := `
[batch]
block_size_mb = 3

[input]
timestamp_field = "captured"

[publish]
backend = "local"
local_path = "/srv/jams"
`
	if err := os.WriteFile(filepath.Join(tmpDir, "jamsbatch.toml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Batch.BlockSizeBytes != 3_000_000 {
		t.Errorf("Batch.BlockSizeBytes = %d, want 3000000", cfg.Batch.BlockSizeBytes)
	}
	if cfg.Input.TimestampField != "captured" {
		t.Errorf("Input.TimestampField = %s, want captured", cfg.Input.TimestampField)
	}
	if cfg.Publish.Backend != "local" || cfg.Publish.LocalPath != "/srv/jams" {
		t.Errorf("unexpected publish config: %+v", cfg.Publish)
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	t.Chdir(t.TempDir())

	fs := Flags()
	if err := fs.Parse([]string{"--config", "does-not-exist.toml"}); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(fs); err == nil {
		t.Error("Load() should fail when --config names a missing file")
	}
}

func TestSchema(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		want    []string
	}{
		{
			name:    "derived columns appended",
			columns: []string{"uuid", "speed"},
			want:    []string{"uuid", "speed", "tiempo_min", "tiempo_max", "x1", "y1", "x2", "y2"},
		},
		{
			name:    "duplicates collapsed",
			columns: []string{"uuid", "speed", "uuid"},
			want:    []string{"uuid", "speed", "tiempo_min", "tiempo_max", "x1", "y1", "x2", "y2"},
		},
		{
			name:    "derived column given explicitly",
			columns: []string{"uuid", "x1"},
			want:    []string{"uuid", "tiempo_min", "tiempo_max", "x1", "y1", "x2", "y2"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := BatchConfig{Columns: tt.columns}
			got := b.Schema()
			if !slices.Equal(got, tt.want) {
				t.Errorf("Schema() = %v, want %v", got, tt.want)
			}
		})
	}
}

func validBatchConfig(t *testing.T) *Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	cfg.Batch.Inputs = []string{"data/*.json"}
	cfg.Batch.Output = "out.csv"
	return cfg
}

func TestValidateBatch(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(c *Config) {}},
		{name: "no output", mutate: func(c *Config) { c.Batch.Output = "" }, wantErr: true},
		{name: "no inputs", mutate: func(c *Config) { c.Batch.Inputs = nil }, wantErr: true},
		{name: "uuid missing", mutate: func(c *Config) { c.Batch.Columns = []string{"speed"} }, wantErr: true},
		{name: "zero block size", mutate: func(c *Config) { c.Batch.BlockSizeBytes = 0 }, wantErr: true},
		{name: "unknown engine", mutate: func(c *Config) { c.Merge.Engine = "spark" }, wantErr: true},
		{name: "unknown compression", mutate: func(c *Config) { c.Export.Compression = "lz4" }, wantErr: true},
		{
			name: "duckdb bad memory limit",
			mutate: func(c *Config) {
				c.Merge.Engine = "duckdb"
				c.Database.MemoryLimit = "lots"
			},
			wantErr: true,
		},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Publish.Backend = "s3" }, wantErr: true},
		{name: "azure without container", mutate: func(c *Config) { c.Publish.Backend = "azure" }, wantErr: true},
		{
			name: "s3 with bucket",
			mutate: func(c *Config) {
				c.Publish.Backend = "s3"
				c.Publish.S3Bucket = "jams"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBatchConfig(t)
			tt.mutate(cfg)
			err := cfg.ValidateBatch()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBatch() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStrip(t *testing.T) {
	cfg := validBatchConfig(t)
	if err := cfg.ValidateStrip(); err == nil {
		t.Error("ValidateStrip() should require an output directory")
	}
	cfg.Strip.OutputDir = "clean"
	if err := cfg.ValidateStrip(); err != nil {
		t.Errorf("ValidateStrip() error = %v", err)
	}
	cfg.Strip.Workers = 0
	if err := cfg.ValidateStrip(); err == nil {
		t.Error("ValidateStrip() should reject zero workers")
	}
	cfg.Strip.Workers = 1
	cfg.Strip.MaxNullRatio = 1.5
	if err := cfg.ValidateStrip(); err == nil {
		t.Error("ValidateStrip() should reject a null ratio above 1")
	}
}

func TestStripFlags_CombineImpliesCSV(t *testing.T) {
	t.Chdir(t.TempDir())

	fs := StripFlags()
	if err := fs.Parse([]string{"--out", "clean", "--combine", "raw/*.json"}); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	cfg, err := Load(fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Strip.Combine || !cfg.Strip.WriteCSV {
		t.Errorf("Combine = %v, WriteCSV = %v, want both true", cfg.Strip.Combine, cfg.Strip.WriteCSV)
	}
	if err := cfg.ValidateStrip(); err != nil {
		t.Errorf("ValidateStrip() error = %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"1GB", 1024 * 1024 * 1024, false},
		{"500MB", 500 * 1024 * 1024, false},
		{"100kb", 100 * 1024, false},
		{"1.5GB", 1536 * 1024 * 1024, false},
		{"2048", 2048, false},
		{"", 0, true},
		{"GB", 0, true},
		{"12XB", 0, true},
		{"-1MB", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
