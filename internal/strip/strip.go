// Package strip pre-cleans raw feed dumps: it removes unused fields, stamps
// each document with the capture time taken from its file name and writes
// it back as a single compact line. Combiner joins the optional per-file
// CSVs into one table and prunes sparse columns and incomplete rows.
package strip

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/basekick-labs/jamsbatch/internal/config"
	"github.com/basekick-labs/jamsbatch/internal/output"
	"github.com/basekick-labs/jamsbatch/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// timeColumn is the extra column of the per-file CSV.
const timeColumn = "time"

// Stats counts what a run did with its inputs.
type Stats struct {
	Written  int
	Excluded int      // under the minimum size
	Failed   []string // absolute paths of unreadable files
}

// Stripper cleans files concurrently.
type Stripper struct {
	cfg      config.StripConfig
	input    config.InputConfig
	minBytes int64
	logger   zerolog.Logger

	mu    sync.Mutex
	stats Stats
}

func New(cfg *config.Config, logger zerolog.Logger) *Stripper {
	return &Stripper{
		cfg:      cfg.Strip,
		input:    cfg.Input,
		minBytes: cfg.Batch.MinFileBytes,
		logger:   logger.With().Str("component", "strip").Logger(),
	}
}

// Run cleans every path into the output directory. A file that cannot be
// read or decoded is reported and skipped; only a write failure or a
// cancelled context stops the run.
func (s *Stripper) Run(ctx context.Context, paths []string) (*Stats, error) {
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Workers, 1))

	for _, path := range paths {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return s.process(path)
		})
	}
	err := g.Wait()

	s.mu.Lock()
	stats := s.stats
	stats.Failed = slices.Clone(s.stats.Failed)
	s.mu.Unlock()
	slices.Sort(stats.Failed)

	if err != nil {
		return &stats, err
	}
	if err := ctx.Err(); err != nil {
		return &stats, err
	}

	s.logger.Info().
		Int("written", stats.Written).
		Int("excluded", stats.Excluded).
		Int("failed", len(stats.Failed)).
		Msg("Strip completed")
	return &stats, nil
}

func (s *Stripper) process(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		s.skip(path, err)
		return nil
	}
	if info.Size() < s.minBytes {
		s.mu.Lock()
		s.stats.Excluded++
		s.mu.Unlock()
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.skip(path, err)
		return nil
	}
	doc, events, err := s.Clean(data, filepath.Base(path))
	if err != nil {
		s.skip(path, err)
		return nil
	}

	dst := filepath.Join(s.cfg.OutputDir, filepath.Base(path))
	err = storage.WriteFileAtomic(dst, func(w io.Writer) error {
		_, err := w.Write(append(doc, '\n'))
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}

	if s.cfg.WriteCSV {
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		csvPath := filepath.Join(s.cfg.OutputDir, stem+".csv")
		if err := storage.WriteFileAtomic(csvPath, func(w io.Writer) error {
			return WriteEventsCSV(w, events, s.captureTime(filepath.Base(path)))
		}); err != nil {
			return fmt.Errorf("failed to write %s: %w", csvPath, err)
		}
	}

	s.mu.Lock()
	s.stats.Written++
	s.mu.Unlock()
	s.logger.Debug().Str("path", path).Str("output", dst).Msg("Stripped file")
	return nil
}

func (s *Stripper) skip(path string, err error) {
	if abs, absErr := filepath.Abs(path); absErr == nil {
		path = abs
	}
	s.logger.Warn().Err(err).Str("path", path).Msg("Could not read file, skipping it")
	s.mu.Lock()
	s.stats.Failed = append(s.stats.Failed, path)
	s.mu.Unlock()
}

// Clean decodes one document, drops the configured fields, adds the capture
// time from name and returns the compact document and its cleaned events.
func (s *Stripper) Clean(data []byte, name string) ([]byte, []map[string]json.RawMessage, error) {
	ts := s.captureTime(name)
	if ts == "" {
		return nil, nil, fmt.Errorf("file name %q carries no capture time", name)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, nil, err
	}
	for _, f := range s.cfg.DropFields {
		delete(doc, f)
	}

	var events []map[string]json.RawMessage
	if raw, ok := doc[s.input.EventsField]; ok {
		if err := json.Unmarshal(raw, &events); err != nil {
			return nil, nil, fmt.Errorf("field %q: %w", s.input.EventsField, err)
		}
		for _, ev := range events {
			for _, f := range s.cfg.DropEventFields {
				delete(ev, f)
			}
		}
		cleaned, err := json.Marshal(events)
		if err != nil {
			return nil, nil, err
		}
		doc[s.input.EventsField] = cleaned
	}

	stamp, err := json.Marshal(ts)
	if err != nil {
		return nil, nil, err
	}
	doc[s.input.TimestampField] = stamp

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), events, nil
}

// captureTime cuts the fixed-length prefix and the extension off a file
// name, "jams_2023-05-01T10:00.json" giving "2023-05-01T10:00".
func (s *Stripper) captureTime(name string) string {
	stem := strings.TrimSuffix(name, filepath.Ext(name))
	if len(stem) <= s.cfg.FileNamePrefixLen {
		return ""
	}
	return stem[s.cfg.FileNamePrefixLen:]
}

// WriteEventsCSV writes one row per event. Columns are the sorted union of
// event keys followed by the capture time.
func WriteEventsCSV(w io.Writer, events []map[string]json.RawMessage, ts string) error {
	var cols []string
	for _, ev := range events {
		for k := range ev {
			if !slices.Contains(cols, k) {
				cols = append(cols, k)
			}
		}
	}
	slices.Sort(cols)

	cw := csv.NewWriter(w)
	if err := cw.Write(append(slices.Clone(cols), timeColumn)); err != nil {
		return err
	}
	row := make([]string, len(cols)+1)
	for _, ev := range events {
		for i, col := range cols {
			row[i] = output.RenderValue(ev[col])
		}
		row[len(cols)] = ts
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
