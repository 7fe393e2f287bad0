package reader

import (
	"fmt"
	"sort"
)

// ParseError is a decoding failure of a block's combined stream.
// Offset is the absolute byte position of the failure in the stream, or -1
// when the decoder could not tell where the input went wrong. Only errors
// with an offset can be attributed to a single file.
type ParseError struct {
	Offset int64
	Err    error
}

func (e *ParseError) Error() string {
	if e.Offset < 0 {
		return fmt.Sprintf("parse error: %v", e.Err)
	}
	return fmt.Sprintf("parse error at byte %d: %v", e.Offset, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// HasOffset reports whether the failure can be located in the stream.
func (e *ParseError) HasOffset() bool { return e.Offset >= 0 }

// LocateCulprit maps an offset of the combined stream to the index of the
// file that contributed it: the first file whose cumulative size strictly
// exceeds offset. It returns len(sizes) when offset lies past the end.
func LocateCulprit(sizes []int64, offset int64) int {
	cumulative := make([]int64, len(sizes))
	var sum int64
	for i, s := range sizes {
		sum += s
		cumulative[i] = sum
	}
	return sort.Search(len(cumulative), func(i int) bool {
		return cumulative[i] > offset
	})
}
