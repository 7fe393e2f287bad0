// Package reader turns a block of line-delimited JSON snapshot files into
// decoded snapshots, isolating files that cannot be parsed.
package reader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/basekick-labs/jamsbatch/internal/blocking"
	"github.com/basekick-labs/jamsbatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Event is one jam event with its attributes still JSON encoded.
type Event map[string]json.RawMessage

// Snapshot is one line of an input file: the events captured at one instant.
type Snapshot struct {
	Path      string // file the line came from
	Timestamp string // capture time as written in the file
	Events    []Event
}

// Result is the outcome of reading one block.
type Result struct {
	Snapshots []Snapshot
	Files     []blocking.LogFile // files that were read
	Skipped   []string           // absolute paths of files removed as unparseable
	Bytes     int64              // size of the last, successful combined stream
	Exhausted bool               // every file of the block was removed
}

// Events returns the number of events across all snapshots.
func (r *Result) Events() int {
	n := 0
	for _, s := range r.Snapshots {
		n += len(s.Events)
	}
	return n
}

// Options names the fields of a snapshot line.
type Options struct {
	EventsField    string
	TimestampField string // matched ignoring surrounding whitespace
}

// BlockReader parses blocks, dropping files that break the stream and
// retrying with the remaining ones.
type BlockReader struct {
	opts    Options
	metrics *metrics.Collector
	logger  zerolog.Logger
}

// New creates a BlockReader.
func New(opts Options, m *metrics.Collector, logger zerolog.Logger) *BlockReader {
	return &BlockReader{
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "reader").Logger(),
	}
}

type readState int

const (
	stateAttempt   readState = iota // parse the current file list
	stateLocate                     // map the failure offset to a file
	stateRemove                     // drop that file and report it
	stateSuccess                    // terminal: snapshots decoded
	stateExhausted                  // terminal: no file left
)

// Read decodes every file of block as one combined stream. A failure that
// carries an offset removes the responsible file and starts over; any other
// failure is returned as is.
func (r *BlockReader) Read(ctx context.Context, block blocking.Block) (*Result, error) {
	files := slices.Clone(block.Files)
	res := &Result{}

	var (
		snapshots []Snapshot
		sizes     []int64
		parseErr  *ParseError
		culprit   int
	)

	state := stateAttempt
	for {
		switch state {
		case stateAttempt:
			if len(files) == 0 {
				state = stateExhausted
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.metrics.IncReadAttempts()

			var err error
			snapshots, sizes, err = r.attempt(pathsOf(files))
			if err == nil {
				state = stateSuccess
				continue
			}
			if errors.As(err, &parseErr) && parseErr.HasOffset() {
				state = stateLocate
				continue
			}
			return nil, fmt.Errorf("block %d: %w", block.Index, err)

		case stateLocate:
			culprit = LocateCulprit(sizes, parseErr.Offset)
			if culprit >= len(files) {
				return nil, fmt.Errorf("block %d: offset %d is past the end of the stream: %w", block.Index, parseErr.Offset, parseErr)
			}
			state = stateRemove

		case stateRemove:
			path := files[culprit].Path
			if abs, err := filepath.Abs(path); err == nil {
				path = abs
			}
			r.logger.Warn().
				Err(parseErr.Err).
				Str("path", path).
				Int("block", block.Index).
				Msg("Could not read file, skipping it")
			r.metrics.IncFilesSkipped()
			res.Skipped = append(res.Skipped, path)
			files = slices.Delete(files, culprit, culprit+1)
			state = stateAttempt

		case stateSuccess:
			res.Snapshots = snapshots
			res.Files = files
			for _, s := range sizes {
				res.Bytes += s
			}
			r.metrics.IncBytesRead(res.Bytes)
			r.metrics.IncSnapshots(int64(len(snapshots)))
			return res, nil

		case stateExhausted:
			res.Exhausted = true
			return res, nil
		}
	}
}

// attempt decodes the combined stream of paths once. The returned sizes are
// the per-file contributions to the stream as far as it was read.
func (r *BlockReader) attempt(paths []string) ([]Snapshot, []int64, error) {
	stream := newBlockStream(paths)
	defer stream.Close()

	br := bufio.NewReaderSize(stream, 1<<20)
	var snapshots []Snapshot
	var offset int64

	// file currently being decoded and the stream offset where it ends
	fileIdx, fileEnd := 0, int64(0)

	for {
		line, readErr := br.ReadBytes('\n')
		lineStart := offset
		offset += int64(len(line))

		if len(line) > 0 {
			body := bytes.TrimRight(line, "\r\n")
			if len(bytes.TrimSpace(body)) > 0 {
				snap, err := r.decodeLine(body, lineStart)
				if err != nil {
					return nil, stream.sizes, err
				}
				// the stream may have read ahead into later files
				for fileIdx < len(paths) && lineStart >= fileEnd+stream.sizes[fileIdx] {
					fileEnd += stream.sizes[fileIdx]
					fileIdx++
				}
				snap.Path = paths[fileIdx]
				snapshots = append(snapshots, snap)
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return snapshots, stream.sizes, nil
			}
			return nil, stream.sizes, readErr
		}
	}
}

// decodeLine decodes one snapshot. Syntax errors are located in the stream;
// type mismatches and missing fields are contract violations without offset.
func (r *BlockReader) decodeLine(line []byte, lineStart int64) (Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			// SyntaxError.Offset counts the bytes read before the error
			return Snapshot{}, &ParseError{Offset: lineStart + max(syntaxErr.Offset-1, 0), Err: err}
		}
		return Snapshot{}, &ParseError{Offset: -1, Err: err}
	}

	var snap Snapshot

	rawTime, ok := lookupField(fields, r.opts.TimestampField)
	if !ok {
		return Snapshot{}, &ParseError{Offset: -1, Err: fmt.Errorf("snapshot has no %q field", r.opts.TimestampField)}
	}
	if err := json.Unmarshal(rawTime, &snap.Timestamp); err != nil {
		return Snapshot{}, &ParseError{Offset: -1, Err: fmt.Errorf("field %q: %w", r.opts.TimestampField, err)}
	}

	// A snapshot without events is a sample where nothing was reported
	if rawEvents, ok := fields[r.opts.EventsField]; ok {
		if err := json.Unmarshal(rawEvents, &snap.Events); err != nil {
			return Snapshot{}, &ParseError{Offset: -1, Err: fmt.Errorf("field %q: %w", r.opts.EventsField, err)}
		}
	}

	return snap, nil
}

// lookupField finds name in fields, falling back to keys that only differ
// by surrounding whitespace ("tiempo " for "tiempo").
func lookupField(fields map[string]json.RawMessage, name string) (json.RawMessage, bool) {
	if v, ok := fields[name]; ok {
		return v, true
	}
	for k, v := range fields {
		if strings.TrimSpace(k) == name {
			return v, true
		}
	}
	return nil, false
}

func pathsOf(files []blocking.LogFile) []string {
	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.Path
	}
	return paths
}
