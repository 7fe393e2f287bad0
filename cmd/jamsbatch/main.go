package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/jamsbatch/internal/blocking"
	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/database"
	"github.com/basekick-labs/jamsbatch/internal/export"
	"github.com/basekick-labs/jamsbatch/internal/logger"
	"github.com/basekick-labs/jamsbatch/internal/merge"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/pipeline"
	"github.com/basekick-labs/jamsbatch/internal/shutdown"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/basekick-labs/jamsbatch/internal/strip"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

// Version is set at build time
var Version = "dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

func main() {
	// Check for subcommands before parsing the batch flags
	if len(os.Args) > 1 && os.Args[1] == "strip" {
		os.Exit(runStrip(os.Args[2:]))
	}
	os.Exit(runBatch(os.Args[1:]))
}

func runBatch(args []string) int {
	fs := config.Flags()
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jamsbatch [flags] input...\n       jamsbatch strip --out DIR [--csv] [--combine] input...\n\n")
		fmt.Fprintf(os.Stderr, "List flags take comma separated values: -c city,uuid,speed (or repeat -c).\n\n")
		fs.PrintDefaults()
	}
	cfg, code := parseConfig(fs, args)
	if cfg == nil {
		return code
	}
	if err := cfg.ValidateBatch(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitUsage
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	runID := uuid.NewString()
	log.Info().Str("version", Version).Str("run_id", runID).Msg("Starting jamsbatch")

	m := metrics.New()
	shutdownCoordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))
	ctx, stop := shutdownCoordinator.Watch(context.Background())
	defer stop()

	outputDir := filepath.Dir(cfg.Batch.Output)
	shutdownCoordinator.RegisterHook("temp-files", func(ctx context.Context) error {
		n, err := storage.CleanupTemp(outputDir)
		if n > 0 {
			log.Debug().Int("files", n).Str("dir", outputDir).Msg("Removed temporary files")
		}
		return err
	}, shutdown.PriorityTempFiles)

	runErr := func() error {
		var db *database.DuckDB
		if cfg.Merge.Engine == "duckdb" {
			var err error
			db, err = database.New(ctx, &database.Config{
				MemoryLimit:   cfg.Database.MemoryLimit,
				ThreadCount:   cfg.Database.ThreadCount,
				TempDirectory: cfg.Database.TempDirectory,
			}, logger.Get("database"))
			if err != nil {
				return err
			}
			shutdownCoordinator.Register("database", db, shutdown.PriorityDatabase)
		}

		engine, err := merge.New(cfg, db, m, logger.Get("merge"))
		if err != nil {
			return err
		}

		var exporter *export.ParquetExporter
		if cfg.Export.ParquetPath != "" {
			exporter = export.NewParquetExporter(&cfg.Export, cfg.Merge.TimeLayout, m, logger.Get("export"))
		}

		var publisher *storage.Publisher
		if cfg.Publish.Backend != "" {
			backend, err := storage.Open(ctx, &cfg.Publish, logger.Get("storage"))
			if err != nil {
				return fmt.Errorf("failed to open %s storage: %w", cfg.Publish.Backend, err)
			}
			shutdownCoordinator.Register("storage", backend, shutdown.PriorityStorage)
			publisher = storage.NewPublisher(backend, storage.DefaultPublisherConfig(cfg.Publish.Prefix), m, logger.Get("storage"))
		}

		p := pipeline.New(&pipeline.Config{
			Settings:  cfg,
			RunID:     runID,
			Engine:    engine,
			Exporter:  exporter,
			Publisher: publisher,
			Metrics:   m,
			Logger:    logger.Get("pipeline"),
		})
		report, err := p.Run(ctx)
		report.Log(logger.Get("pipeline"))
		return err
	}()

	m.Log(logger.Get("metrics"))
	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown completed with errors")
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			log.Warn().Msg("Run interrupted; the output holds the blocks completed so far and has not been merged")
		}
		return exitError
	}
	return exitOK
}

func runStrip(args []string) int {
	fs := config.StripFlags()
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: jamsbatch strip --out DIR [--csv] [--combine] input...\n\n")
		fs.PrintDefaults()
	}
	cfg, code := parseConfig(fs, args)
	if cfg == nil {
		return code
	}
	if err := cfg.ValidateStrip(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		return exitUsage
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)

	shutdownCoordinator := shutdown.New(10*time.Second, logger.Get("shutdown"))
	ctx, stop := shutdownCoordinator.Watch(context.Background())
	defer stop()

	paths, err := blocking.Expand(cfg.Batch.Inputs, logger.Get("strip"))
	if err != nil {
		log.Error().Err(err).Msg("Failed to expand inputs")
		return exitError
	}

	stats, err := strip.New(cfg, logger.Get("strip")).Run(ctx, paths)
	if err == nil && cfg.Strip.Combine {
		_, err = strip.NewCombiner(cfg.Strip, logger.Get("strip")).Combine(ctx, cfg.Strip.OutputDir)
	}
	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Warn().Err(err).Msg("Shutdown completed with errors")
	}
	if err != nil {
		log.Error().Err(err).Msg("Strip failed")
		return exitError
	}
	for _, path := range stats.Failed {
		log.Warn().Str("path", path).Msg("Skipped file")
	}
	return exitOK
}

// parseConfig parses args into fs and loads the configuration. A nil
// config means the caller should exit with the returned code.
func parseConfig(fs *pflag.FlagSet, args []string) (*config.Config, int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, exitOK
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return nil, exitUsage
	}
	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return nil, exitError
	}
	return cfg, exitOK
}
