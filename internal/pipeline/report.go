package pipeline

import (
	"time"

	"github.com/rs/zerolog"
)

// Report summarizes a run.
type Report struct {
	RunID       string
	Status      Status
	Output      string
	ParquetPath string
	Published   []string // storage keys

	Blocks           int
	EmptyBlocks      int // blocks whose files were all skipped
	FilesIndexed     int64
	FilesExcluded    int64    // under the minimum size
	Skipped          []string // absolute paths of unparseable files
	Snapshots        int64
	Events           int64
	IntermediateRows int64
	FinalRows        int64

	StartedAt   time.Time
	CompletedAt time.Time
	Duration    time.Duration
	Error       string
}

// Stats returns the report as a flat map.
func (r *Report) Stats() map[string]interface{} {
	stats := map[string]interface{}{
		"run_id":            r.RunID,
		"status":            string(r.Status),
		"output":            r.Output,
		"blocks":            r.Blocks,
		"empty_blocks":      r.EmptyBlocks,
		"files_indexed":     r.FilesIndexed,
		"files_excluded":    r.FilesExcluded,
		"files_skipped":     len(r.Skipped),
		"snapshots":         r.Snapshots,
		"events":            r.Events,
		"intermediate_rows": r.IntermediateRows,
		"final_rows":        r.FinalRows,
		"duration_seconds":  r.Duration.Seconds(),
	}
	if r.ParquetPath != "" {
		stats["parquet_path"] = r.ParquetPath
	}
	if len(r.Published) > 0 {
		stats["published"] = r.Published
	}
	if !r.StartedAt.IsZero() {
		stats["started_at"] = r.StartedAt.Format(time.RFC3339)
	}
	if !r.CompletedAt.IsZero() {
		stats["completed_at"] = r.CompletedAt.Format(time.RFC3339)
	}
	if r.Error != "" {
		stats["error"] = r.Error
	}
	return stats
}

// Log writes the report, listing every skipped file.
func (r *Report) Log(logger zerolog.Logger) {
	for _, path := range r.Skipped {
		logger.Warn().Str("run_id", r.RunID).Str("path", path).Msg("Skipped file")
	}
	logger.Info().Fields(r.Stats()).Msg("Run report")
}
