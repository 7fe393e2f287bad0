package config

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Derived columns are appended to every output schema, in this order.
const (
	ColumnUUID      = "uuid"
	ColumnTimeMin   = "tiempo_min"
	ColumnTimeMax   = "tiempo_max"
	ColumnX1        = "x1"
	ColumnY1        = "y1"
	ColumnX2        = "x2"
	ColumnY2        = "y2"
	bytesPerMB      = 1_000_000
	defaultMinBytes = 50
)

// DerivedColumns are computed by the pipeline rather than copied from events.
var DerivedColumns = []string{ColumnTimeMin, ColumnTimeMax, ColumnX1, ColumnY1, ColumnX2, ColumnY2}

// DefaultColumns is the scalar attribute list kept when --columnas is not given.
var DefaultColumns = []string{
	"city", "speedKMH", "uuid", "endNode", "speed", "severity", "level",
	"length", "roadType", "delay", "updateMillis", "pubMillis",
}

// Config holds all configuration for a jamsbatch run.
// It is built once by Load and passed by value-like pointer to every
// component; nothing mutates it after Load returns.
type Config struct {
	Batch    BatchConfig
	Input    InputConfig
	Merge    MergeConfig
	Database DatabaseConfig
	Export   ExportConfig
	Publish  PublishConfig
	Strip    StripConfig
	Log      LogConfig
}

type BatchConfig struct {
	Inputs         []string `validate:"min=1"`
	Output         string   `validate:"required"`
	BlockSizeBytes int64    `validate:"gt=0"`
	MinFileBytes   int64    `validate:"gte=0"`
	Columns        []string `validate:"min=1,dive,required"` // scalar columns as configured
}

type InputConfig struct {
	EventsField    string `validate:"required"` // array of jam events inside each snapshot
	TimestampField string `validate:"required"` // capture timestamp text, matched ignoring surrounding spaces
	KeyField       string `validate:"required"`
	PathField      string `validate:"required"`
	TimeLayout     string // optional explicit layout for the timestamp text
}

type MergeConfig struct {
	Engine     string `validate:"oneof=memory duckdb"`
	ChunkRows  int    `validate:"gt=0"` // rows per write chunk during the final overwrite
	TimeLayout string `validate:"required"`
}

type DatabaseConfig struct {
	MemoryLimit   string
	ThreadCount   int `validate:"gte=0"`
	TempDirectory string
}

type ExportConfig struct {
	ParquetPath string
	Compression string `validate:"oneof=snappy zstd gzip none"`
	BatchRows   int    `validate:"gt=0"`
}

type PublishConfig struct {
	Backend   string `validate:"omitempty,oneof=local s3 azure"`
	Prefix    string
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // Custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
}

type StripConfig struct {
	OutputDir         string
	WriteCSV          bool
	Workers           int `validate:"gt=0"`
	DropFields        []string
	DropEventFields   []string
	FileNamePrefixLen int `validate:"gte=0"`

	// Combine joins the per-file CSVs, then drops sparse columns and rows
	// holding a null. It implies WriteCSV. Columns whose share of nulls
	// reaches MaxNullRatio are dropped; NullTokens are cell values counted
	// as null besides the empty cell.
	Combine      bool
	MaxNullRatio float64 `validate:"gt=0,lte=1"`
	NullTokens   []string
}

type LogConfig struct {
	Level  string `validate:"oneof=debug info warn warning error fatal panic"`
	Format string `validate:"oneof=json console"`
}

// Schema returns the output header: configured columns followed by the
// derived columns, without duplicates.
func (c *BatchConfig) Schema() []string {
	schema := make([]string, 0, len(c.Columns)+len(DerivedColumns))
	for _, col := range c.Columns {
		if !slices.Contains(schema, col) && !slices.Contains(DerivedColumns, col) {
			schema = append(schema, col)
		}
	}
	return append(schema, DerivedColumns...)
}

// Flags declares the command line of the main pipeline. The returned set is
// bound into viper by Load, so flag values win over file and environment.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("jamsbatch", pflag.ContinueOnError)
	fs.StringP("output", "o", "", "Output CSV file (required)")
	fs.IntP("tam-bloque", "b", 1500, "Files are read in blocks of at most this size. Lower it on out-of-memory errors. Unit: MB")
	fs.StringSliceP("columnas", "c", DefaultColumns, "Event columns to keep, comma separated (-c city,uuid) or repeated (-c city -c uuid). A space separated list is read as input paths")
	fs.String("config", "", "Path to a TOML config file")
	fs.String("engine", "memory", "Final merge engine: memory or duckdb")
	fs.String("parquet", "", "Also export the final table as Parquet to this path")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "json", "Log format: json or console")
	return fs
}

// StripFlags declares the command line of the strip subcommand.
func StripFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("strip", pflag.ContinueOnError)
	fs.String("out", "", "Directory for cleaned files (required)")
	fs.Bool("csv", false, "Also write one CSV per input file")
	fs.Bool("combine", false, "Join the per-file CSVs into combined/all.csv and combined/clean.csv (implies --csv)")
	fs.Int("workers", runtime.NumCPU(), "Files processed concurrently")
	fs.String("config", "", "Path to a TOML config file")
	fs.String("log-level", "info", "Log level")
	fs.String("log-format", "json", "Log format: json or console")
	return fs
}

var flagKeys = map[string]string{
	"output":     "batch.output",
	"tam-bloque": "batch.block_size_mb",
	"columnas":   "batch.columns",
	"engine":     "merge.engine",
	"parquet":    "export.parquet_path",
	"log-level":  "log.level",
	"log-format": "log.format",
	"out":        "strip.output_dir",
	"csv":        "strip.write_csv",
	"combine":    "strip.combine",
	"workers":    "strip.workers",
}

// Load builds the configuration from defaults, an optional TOML file,
// environment overrides (JAMSBATCH_ prefix) and the parsed flag set.
// Positional arguments of fs become the input list.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("JAMSBATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		if f := fs.Lookup("config"); f != nil {
			configFile = f.Value.String()
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("jamsbatch")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/jamsbatch/")
		v.AddConfigPath("$HOME/.jamsbatch/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	if fs != nil {
		for name, key := range flagKeys {
			f := fs.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
		if args := fs.Args(); len(args) > 0 {
			v.Set("batch.inputs", args)
		}
	}

	cfg := &Config{
		Batch: BatchConfig{
			Inputs:         v.GetStringSlice("batch.inputs"),
			Output:         v.GetString("batch.output"),
			BlockSizeBytes: v.GetInt64("batch.block_size_mb") * bytesPerMB,
			MinFileBytes:   v.GetInt64("batch.min_file_bytes"),
			Columns:        normalizeColumns(v.GetStringSlice("batch.columns")),
		},
		Input: InputConfig{
			EventsField:    v.GetString("input.events_field"),
			TimestampField: v.GetString("input.timestamp_field"),
			KeyField:       v.GetString("input.key_field"),
			PathField:      v.GetString("input.path_field"),
			TimeLayout:     v.GetString("input.time_layout"),
		},
		Merge: MergeConfig{
			Engine:     strings.ToLower(v.GetString("merge.engine")),
			ChunkRows:  v.GetInt("merge.chunk_rows"),
			TimeLayout: v.GetString("merge.time_layout"),
		},
		Database: DatabaseConfig{
			MemoryLimit:   v.GetString("database.memory_limit"),
			ThreadCount:   v.GetInt("database.thread_count"),
			TempDirectory: v.GetString("database.temp_directory"),
		},
		Export: ExportConfig{
			ParquetPath: v.GetString("export.parquet_path"),
			Compression: strings.ToLower(v.GetString("export.compression")),
			BatchRows:   v.GetInt("export.batch_rows"),
		},
		Publish: PublishConfig{
			Backend:                 strings.ToLower(v.GetString("publish.backend")),
			Prefix:                  v.GetString("publish.prefix"),
			LocalPath:               v.GetString("publish.local_path"),
			S3Bucket:                v.GetString("publish.s3_bucket"),
			S3Region:                v.GetString("publish.s3_region"),
			S3Endpoint:              v.GetString("publish.s3_endpoint"),
			S3AccessKey:             v.GetString("publish.s3_access_key"),
			S3SecretKey:             v.GetString("publish.s3_secret_key"),
			S3UseSSL:                v.GetBool("publish.s3_use_ssl"),
			S3PathStyle:             v.GetBool("publish.s3_path_style"),
			AzureConnectionString:   v.GetString("publish.azure_connection_string"),
			AzureAccountName:        v.GetString("publish.azure_account_name"),
			AzureAccountKey:         v.GetString("publish.azure_account_key"),
			AzureSASToken:           v.GetString("publish.azure_sas_token"),
			AzureContainer:          v.GetString("publish.azure_container"),
			AzureEndpoint:           v.GetString("publish.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("publish.azure_use_managed_identity"),
		},
		Strip: StripConfig{
			OutputDir:         v.GetString("strip.output_dir"),
			WriteCSV:          v.GetBool("strip.write_csv") || v.GetBool("strip.combine"),
			Workers:           v.GetInt("strip.workers"),
			DropFields:        v.GetStringSlice("strip.drop_fields"),
			DropEventFields:   v.GetStringSlice("strip.drop_event_fields"),
			FileNamePrefixLen: v.GetInt("strip.file_name_prefix_len"),
			Combine:           v.GetBool("strip.combine"),
			MaxNullRatio:      v.GetFloat64("strip.max_null_ratio"),
			NullTokens:        v.GetStringSlice("strip.null_tokens"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Batch defaults
	v.SetDefault("batch.inputs", []string{})
	v.SetDefault("batch.block_size_mb", 1500)
	v.SetDefault("batch.min_file_bytes", defaultMinBytes) // smaller files are empty or corrupt
	v.SetDefault("batch.columns", DefaultColumns)

	// Input layout defaults
	v.SetDefault("input.events_field", "jams")
	v.SetDefault("input.timestamp_field", "tiempo")
	v.SetDefault("input.key_field", ColumnUUID)
	v.SetDefault("input.path_field", "line")
	v.SetDefault("input.time_layout", "")

	// Merge defaults
	v.SetDefault("merge.engine", "memory")
	v.SetDefault("merge.chunk_rows", 100_000)
	v.SetDefault("merge.time_layout", "2006-01-02 15:04:05.999999999")

	// DuckDB defaults (only used by the duckdb merge engine)
	v.SetDefault("database.memory_limit", getDefaultMemoryLimit())
	v.SetDefault("database.thread_count", runtime.NumCPU())
	v.SetDefault("database.temp_directory", "")

	// Export defaults
	v.SetDefault("export.parquet_path", "")
	v.SetDefault("export.compression", "snappy")
	v.SetDefault("export.batch_rows", 65_536)

	// Publish defaults (disabled unless a backend is set)
	v.SetDefault("publish.backend", "")
	v.SetDefault("publish.prefix", "")
	v.SetDefault("publish.local_path", "./data/published")
	v.SetDefault("publish.s3_region", "us-east-1")
	v.SetDefault("publish.s3_use_ssl", true)
	v.SetDefault("publish.s3_path_style", false)

	// Strip defaults
	v.SetDefault("strip.output_dir", "")
	v.SetDefault("strip.write_csv", false)
	v.SetDefault("strip.workers", runtime.NumCPU())
	v.SetDefault("strip.drop_fields", []string{"alerts", "endTimeMillis", "startTimeMillis", "startTime", "endTime", "users"})
	v.SetDefault("strip.drop_event_fields", []string{
		"country", "segments", "id", "blockingAlertID", "blockExpiration",
		"blockStartTime", "blockUpdate", "blockingAlertUuid", "blockDescription", "causeAlert",
	})
	v.SetDefault("strip.file_name_prefix_len", 5) // e.g. "jams_" before the date
	v.SetDefault("strip.combine", false)
	v.SetDefault("strip.max_null_ratio", 0.10)
	v.SetDefault("strip.null_tokens", []string{"NONE"})

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

func getDefaultMemoryLimit() string {
	// Heuristic: ~2GB per core, half of it for DuckDB, bounded to [1GB, 32GB]
	targetMemGB := runtime.NumCPU()
	if targetMemGB < 1 {
		return "1GB"
	}
	if targetMemGB > 32 {
		return "32GB"
	}
	return fmt.Sprintf("%dGB", targetMemGB)
}

// normalizeColumns accepts repeated flags as well as comma or space
// separated lists coming from config files and environment variables.
func normalizeColumns(cols []string) []string {
	var out []string
	for _, c := range cols {
		out = append(out, strings.FieldsFunc(c, func(r rune) bool {
			return r == ',' || unicode.IsSpace(r)
		})...)
	}
	return out
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateBatch checks everything the main pipeline needs.
func (c *Config) ValidateBatch() error {
	for _, s := range []any{&c.Batch, &c.Input, &c.Merge, &c.Database, &c.Export, &c.Publish, &c.Log} {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	if !slices.Contains(c.Batch.Columns, c.Input.KeyField) {
		return fmt.Errorf("invalid config: columns must include the key column %q", c.Input.KeyField)
	}
	if c.Merge.Engine == "duckdb" && c.Database.MemoryLimit != "" {
		if _, err := ParseSize(c.Database.MemoryLimit); err != nil {
			return fmt.Errorf("invalid database.memory_limit: %w", err)
		}
	}
	return c.Publish.validateBackend()
}

// ValidateStrip checks everything the strip subcommand needs.
func (c *Config) ValidateStrip() error {
	if c.Strip.OutputDir == "" {
		return fmt.Errorf("invalid config: strip output directory is required")
	}
	if len(c.Batch.Inputs) == 0 {
		return fmt.Errorf("invalid config: at least one input is required")
	}
	for _, s := range []any{&c.Strip, &c.Input, &c.Log} {
		if err := validate.Struct(s); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
	}
	return nil
}

func (c *PublishConfig) validateBackend() error {
	switch c.Backend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("invalid config: publish.s3_bucket is required for the s3 backend")
		}
	case "azure":
		if c.AzureContainer == "" {
			return fmt.Errorf("invalid config: publish.azure_container is required for the azure backend")
		}
	case "local":
		if c.LocalPath == "" {
			return fmt.Errorf("invalid config: publish.local_path is required for the local backend")
		}
	}
	return nil
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
