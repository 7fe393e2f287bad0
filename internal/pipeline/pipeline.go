// Package pipeline runs a batch end to end: index the inputs, process them
// block by block into the intermediate table, then merge, export and
// publish the result.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/basekick-labs/jamsbatch/internal/blocking"
	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/export"
	"github.com/basekick-labs/jamsbatch/internal/merge"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/basekick-labs/jamsbatch/internal/output"
	"github.com/basekick-labs/jamsbatch/internal/reader"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/basekick-labs/jamsbatch/internal/transform"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Status represents the status of a run
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Config holds what a Pipeline needs. Exporter and Publisher are optional.
type Config struct {
	Settings  *config.Config
	RunID     string // generated when empty
	Engine    merge.Engine
	Exporter  *export.ParquetExporter
	Publisher *storage.Publisher
	Metrics   *metrics.Collector
	Logger    zerolog.Logger
}

// Pipeline is a single batch run. It is not reusable.
type Pipeline struct {
	cfg       *config.Config
	engine    merge.Engine
	exporter  *export.ParquetExporter
	publisher *storage.Publisher
	metrics   *metrics.Collector
	logger    zerolog.Logger

	indexer *blocking.Indexer
	reader  *reader.BlockReader
	writer  *output.BlockWriter

	mu     sync.Mutex
	report Report
}

// New wires a pipeline from its configuration.
func New(c *Config) *Pipeline {
	runID := c.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	m := c.Metrics
	if m == nil {
		m = metrics.New()
	}
	engine := c.Engine
	if engine == nil {
		engine = merge.NewMemoryEngine(merge.OptionsFromConfig(c.Settings), m, c.Logger)
	}

	settings := c.Settings
	logger := c.Logger.With().Str("run_id", runID).Logger()

	return &Pipeline{
		cfg:       settings,
		engine:    engine,
		exporter:  c.Exporter,
		publisher: c.Publisher,
		metrics:   m,
		logger:    logger,
		indexer:   blocking.NewIndexer(settings.Batch.MinFileBytes, m, logger),
		reader: reader.New(reader.Options{
			EventsField:    settings.Input.EventsField,
			TimestampField: settings.Input.TimestampField,
		}, m, logger),
		writer: output.NewBlockWriter(settings.Batch.Output, settings.Batch.Schema(),
			settings.Merge.TimeLayout, m, logger),
		report: Report{
			RunID:  runID,
			Status: StatusPending,
			Output: settings.Batch.Output,
		},
	}
}

// Run executes the whole batch. The context is checked between blocks; a
// cancelled run leaves the intermediate table as it was after the last
// completed block.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	p.mu.Lock()
	p.report.StartedAt = time.Now()
	p.report.Status = StatusRunning
	p.mu.Unlock()

	p.logger.Info().
		Strs("inputs", p.cfg.Batch.Inputs).
		Str("output", p.cfg.Batch.Output).
		Int64("block_size_bytes", p.cfg.Batch.BlockSizeBytes).
		Str("engine", p.engine.Name()).
		Msg("Starting batch")

	paths, err := blocking.Expand(p.cfg.Batch.Inputs, p.logger)
	if err != nil {
		return p.fail(fmt.Errorf("failed to expand inputs: %w", err))
	}
	files, err := p.indexer.Index(paths)
	if err != nil {
		return p.fail(fmt.Errorf("failed to index inputs: %w", err))
	}
	blocks := blocking.Partition(files, p.cfg.Batch.BlockSizeBytes)

	p.logger.Info().
		Int("files", len(files)).
		Int64("excluded", p.metrics.FilesExcluded()).
		Int("blocks", len(blocks)).
		Msg("Indexed input files")

	if err := p.writer.Init(); err != nil {
		return p.fail(err)
	}
	for _, block := range blocks {
		if err := ctx.Err(); err != nil {
			p.writer.Close()
			return p.fail(fmt.Errorf("run interrupted before block %d: %w", block.Index, err))
		}
		if err := p.processBlock(ctx, block, len(blocks)); err != nil {
			p.writer.Close()
			return p.fail(err)
		}
	}
	if err := p.writer.Close(); err != nil {
		return p.fail(fmt.Errorf("failed to close output: %w", err))
	}

	final, err := p.engine.Merge(ctx, p.cfg.Batch.Output)
	if err != nil {
		return p.fail(fmt.Errorf("failed to merge output: %w", err))
	}
	p.mu.Lock()
	p.report.FinalRows = final
	p.mu.Unlock()

	artifacts := []string{p.cfg.Batch.Output}
	if p.exporter != nil && p.cfg.Export.ParquetPath != "" {
		if _, err := p.exporter.Export(ctx, p.cfg.Batch.Output, p.cfg.Export.ParquetPath); err != nil {
			return p.fail(fmt.Errorf("failed to export parquet: %w", err))
		}
		artifacts = append(artifacts, p.cfg.Export.ParquetPath)
		p.mu.Lock()
		p.report.ParquetPath = p.cfg.Export.ParquetPath
		p.mu.Unlock()
	}

	if p.publisher != nil {
		for _, path := range artifacts {
			key, err := p.publisher.Publish(ctx, path)
			if err != nil {
				return p.fail(fmt.Errorf("failed to publish %s: %w", path, err))
			}
			p.mu.Lock()
			p.report.Published = append(p.report.Published, key)
			p.mu.Unlock()
		}
	}

	return p.complete()
}

// processBlock reads, transforms and appends one block.
func (p *Pipeline) processBlock(ctx context.Context, block blocking.Block, total int) error {
	p.metrics.IncBlocks()

	res, err := p.reader.Read(ctx, block)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.report.Blocks++
	p.report.Skipped = append(p.report.Skipped, res.Skipped...)
	p.mu.Unlock()

	if res.Exhausted {
		p.metrics.IncEmptyBlocks()
		p.mu.Lock()
		p.report.EmptyBlocks++
		p.mu.Unlock()
		p.logger.Warn().
			Int("block", block.Index+1).
			Int("files", len(block.Files)).
			Msg("Every file of the block was skipped, no rows written")
		return nil
	}

	rows, err := transform.Flatten(res.Snapshots, transform.FlattenOptions{
		KeyField:   p.cfg.Input.KeyField,
		TimeLayout: p.cfg.Input.TimeLayout,
	})
	if err != nil {
		return fmt.Errorf("block %d: %w", block.Index, err)
	}
	records, err := transform.Project(transform.Aggregate(rows), p.cfg.Input.PathField)
	if err != nil {
		return fmt.Errorf("block %d: %w", block.Index, err)
	}
	if err := p.writer.Append(records); err != nil {
		return fmt.Errorf("block %d: %w", block.Index, err)
	}

	p.metrics.IncEvents(int64(len(rows)))
	p.mu.Lock()
	p.report.Snapshots += int64(len(res.Snapshots))
	p.report.Events += int64(len(rows))
	p.report.IntermediateRows += int64(len(records))
	p.mu.Unlock()

	p.logger.Info().
		Int("block", block.Index+1).
		Int("blocks", total).
		Int("files", len(res.Files)).
		Int("skipped", len(res.Skipped)).
		Int("events", len(rows)).
		Int("rows", len(records)).
		Msg("Processed block")
	return nil
}

// complete marks the run as completed
func (p *Pipeline) complete() (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.report.Status = StatusCompleted
	p.finishReport()

	p.logger.Info().
		Int("blocks", p.report.Blocks).
		Int("skipped_files", len(p.report.Skipped)).
		Int64("events", p.report.Events).
		Int64("intermediate_rows", p.report.IntermediateRows).
		Int64("final_rows", p.report.FinalRows).
		Dur("duration", p.report.Duration).
		Msg("Batch completed")

	report := p.report
	return &report, nil
}

// fail marks the run as failed
func (p *Pipeline) fail(err error) (*Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.report.Status = StatusFailed
	p.report.Error = err.Error()
	p.finishReport()

	p.logger.Error().Err(err).Msg("Batch failed")

	report := p.report
	return &report, err
}

func (p *Pipeline) finishReport() {
	p.report.CompletedAt = time.Now()
	p.report.Duration = p.report.CompletedAt.Sub(p.report.StartedAt)
	p.report.FilesIndexed = p.metrics.FilesIndexed()
	p.report.FilesExcluded = p.metrics.FilesExcluded()
}

// Report returns a copy of the current run report.
func (p *Pipeline) Report() Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.report
	r.Skipped = append([]string(nil), p.report.Skipped...)
	r.Published = append([]string(nil), p.report.Published...)
	return r
}
