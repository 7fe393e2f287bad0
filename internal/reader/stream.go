package reader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// errCorrupt marks a failure of a decompressor, as opposed to a failure of
// the file system below it.
type errCorrupt struct{ err error }

func (e *errCorrupt) Error() string { return "corrupt compressed input: " + e.err.Error() }
func (e *errCorrupt) Unwrap() error { return e.err }

// blockStream concatenates the files of a block into one stream. Each file
// contributes its decoded bytes followed by a single '\n', so a truncated
// last line never runs into the next file. sizes[i] counts the bytes file i
// has contributed so far.
type blockStream struct {
	paths []string
	sizes []int64

	idx    int
	cur    io.ReadCloser
	sepDue bool // current file reached EOF and its separator is not emitted yet
}

func newBlockStream(paths []string) *blockStream {
	return &blockStream{
		paths: paths,
		sizes: make([]int64, len(paths)),
	}
}

func (s *blockStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	for {
		if s.idx >= len(s.paths) {
			return 0, io.EOF
		}

		if s.sepDue {
			p[0] = '\n'
			s.sizes[s.idx]++
			s.sepDue = false
			s.idx++
			return 1, nil
		}

		if s.cur == nil {
			rc, err := openDecoded(s.paths[s.idx])
			if err != nil {
				return 0, s.fail(err)
			}
			s.cur = rc
		}

		n, err := s.cur.Read(p)
		s.sizes[s.idx] += int64(n)
		if errors.Is(err, io.EOF) {
			s.cur.Close()
			s.cur = nil
			s.sepDue = true
			err = nil
		}
		if err != nil {
			return n, s.fail(err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// fail turns a decompression failure into a locatable ParseError pointing
// at the last byte attributed to the current file. Other errors pass through.
func (s *blockStream) fail(err error) error {
	var corrupt *errCorrupt
	if !errors.As(err, &corrupt) {
		return err
	}
	s.sizes[s.idx]++ // the separator the file would have ended with
	var end int64
	for _, n := range s.sizes[:s.idx+1] {
		end += n
	}
	return &ParseError{Offset: end - 1, Err: err}
}

// Close releases the file currently open, if any.
func (s *blockStream) Close() error {
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}

// openDecoded opens path and wraps it in the decompressor its extension asks for.
func openDecoded(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &errCorrupt{err: err}
		}
		return &decodedFile{r: zr, closers: []io.Closer{zr, f}}, nil
	case strings.HasSuffix(path, ".zst"), strings.HasSuffix(path, ".zstd"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, &errCorrupt{err: err}
		}
		return &decodedFile{r: zr, closers: []io.Closer{zr.IOReadCloser(), f}}, nil
	default:
		return f, nil
	}
}

// decodedFile reads through a decompressor and tags its failures.
type decodedFile struct {
	r       io.Reader
	closers []io.Closer
}

func (d *decodedFile) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &errCorrupt{err: err}
	}
	return n, err
}

func (d *decodedFile) Close() error {
	var firstErr error
	for _, c := range d.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
