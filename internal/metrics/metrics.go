package metrics

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Collector holds the counters of a single run. A new Collector is created
// per run and handed to the components that report into it.
type Collector struct {
	startTime time.Time

	// Indexing
	filesIndexed  atomic.Int64
	filesExcluded atomic.Int64 // under the minimum size
	bytesIndexed  atomic.Int64

	// Reading
	blocksTotal    atomic.Int64
	blocksEmpty    atomic.Int64 // every file of the block was a culprit
	filesSkipped   atomic.Int64 // culprits removed after a parse failure
	readAttempts   atomic.Int64
	bytesRead      atomic.Int64 // decompressed stream bytes
	snapshotsTotal atomic.Int64
	eventsTotal    atomic.Int64

	// Writing
	intermediateRows atomic.Int64
	finalRows        atomic.Int64
	mergeDurationUs  atomic.Int64

	// Exports
	exportRows      atomic.Int64
	publishedFiles  atomic.Int64
	publishedBytes  atomic.Int64
	publishFailures atomic.Int64
}

// New returns an empty collector whose clock starts now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// Indexing
func (c *Collector) IncFilesIndexed(size int64) {
	c.filesIndexed.Add(1)
	c.bytesIndexed.Add(size)
}
func (c *Collector) IncFilesExcluded() { c.filesExcluded.Add(1) }

// Reading
func (c *Collector) IncBlocks()                { c.blocksTotal.Add(1) }
func (c *Collector) IncEmptyBlocks()           { c.blocksEmpty.Add(1) }
func (c *Collector) IncFilesSkipped()          { c.filesSkipped.Add(1) }
func (c *Collector) IncReadAttempts()          { c.readAttempts.Add(1) }
func (c *Collector) IncBytesRead(bytes int64)  { c.bytesRead.Add(bytes) }
func (c *Collector) IncSnapshots(count int64)  { c.snapshotsTotal.Add(count) }
func (c *Collector) IncEvents(count int64)     { c.eventsTotal.Add(count) }

// Writing
func (c *Collector) IncIntermediateRows(count int64) { c.intermediateRows.Add(count) }
func (c *Collector) SetFinalRows(count int64)        { c.finalRows.Store(count) }

// RecordMergeDuration records the final merge duration.
func (c *Collector) RecordMergeDuration(d time.Duration) {
	c.mergeDurationUs.Store(d.Microseconds())
}

// Exports
func (c *Collector) IncExportRows(count int64) { c.exportRows.Add(count) }
func (c *Collector) IncPublished(bytes int64) {
	c.publishedFiles.Add(1)
	c.publishedBytes.Add(bytes)
}
func (c *Collector) IncPublishFailures() { c.publishFailures.Add(1) }

// Getters used by the run report
func (c *Collector) FilesIndexed() int64     { return c.filesIndexed.Load() }
func (c *Collector) FilesExcluded() int64    { return c.filesExcluded.Load() }
func (c *Collector) FilesSkipped() int64     { return c.filesSkipped.Load() }
func (c *Collector) Blocks() int64           { return c.blocksTotal.Load() }
func (c *Collector) Events() int64           { return c.eventsTotal.Load() }
func (c *Collector) IntermediateRows() int64 { return c.intermediateRows.Load() }
func (c *Collector) FinalRows() int64        { return c.finalRows.Load() }

// Snapshot returns all counters as a map, together with process memory
// figures taken at call time.
func (c *Collector) Snapshot() map[string]interface{} {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return map[string]interface{}{
		"elapsed_seconds": time.Since(c.startTime).Seconds(),
		"num_cpu":         runtime.NumCPU(),

		// Memory (Go runtime)
		"memory_heap_alloc_bytes": memStats.HeapAlloc,
		"memory_sys_bytes":        memStats.Sys,
		"gc_cycles":               memStats.NumGC,

		// Indexing
		"files_indexed":  c.filesIndexed.Load(),
		"files_excluded": c.filesExcluded.Load(),
		"bytes_indexed":  c.bytesIndexed.Load(),

		// Reading
		"blocks_total":    c.blocksTotal.Load(),
		"blocks_empty":    c.blocksEmpty.Load(),
		"files_skipped":   c.filesSkipped.Load(),
		"read_attempts":   c.readAttempts.Load(),
		"bytes_read":      c.bytesRead.Load(),
		"snapshots_total": c.snapshotsTotal.Load(),
		"events_total":    c.eventsTotal.Load(),

		// Writing
		"intermediate_rows": c.intermediateRows.Load(),
		"final_rows":        c.finalRows.Load(),
		"merge_duration_us": c.mergeDurationUs.Load(),

		// Exports
		"export_rows":      c.exportRows.Load(),
		"published_files":  c.publishedFiles.Load(),
		"published_bytes":  c.publishedBytes.Load(),
		"publish_failures": c.publishFailures.Load(),
	}
}

// Log writes the snapshot as a single info line.
func (c *Collector) Log(logger zerolog.Logger) {
	logger.Info().Fields(c.Snapshot()).Msg("Run metrics")
}
