// Package transform holds the per-block transformations: flattening
// snapshots into rows, collapsing rows by key and projecting path geometry.
// Every step returns new values and leaves its input untouched.
package transform

import (
	"encoding/json"
	"time"
)

// Row is one jam event bound to the capture time of its snapshot.
type Row struct {
	Key    string
	Values map[string]json.RawMessage // event attributes, path included
	Time   time.Time
}

// Geometry holds the endpoints of a path. Valid is false when the path was
// empty or absent and the coordinates are unknown.
type Geometry struct {
	X1, Y1, X2, Y2 float64
	Valid          bool
}

// Record is the block-level result for one key.
type Record struct {
	Key      string
	Values   map[string]json.RawMessage // attributes of the first occurrence
	TimeMin  time.Time
	TimeMax  time.Time
	Geometry Geometry
}
