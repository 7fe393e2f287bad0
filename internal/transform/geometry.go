package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
)

// ErrBadPath is returned for a path attribute that is not a list of points.
var ErrBadPath = errors.New("malformed path")

// Project resolves the path attribute of every record into its endpoints and
// drops the attribute. A single point gives equal endpoints; an empty or
// absent path leaves the geometry invalid.
func Project(records []Record, pathField string) ([]Record, error) {
	out := make([]Record, len(records))
	for i, rec := range records {
		geom, err := Endpoints(rec.Values[pathField])
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", rec.Key, err)
		}
		values := rec.Values
		if _, ok := values[pathField]; ok {
			values = maps.Clone(values)
			delete(values, pathField)
		}
		rec.Values = values
		rec.Geometry = geom
		out[i] = rec
	}
	return out, nil
}

// Endpoints decodes the first and last point of a path. Points are either
// [x, y] pairs or {"x": .., "y": ..} objects.
func Endpoints(raw json.RawMessage) (Geometry, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Geometry{}, nil
	}

	var points []json.RawMessage
	if err := json.Unmarshal(raw, &points); err != nil {
		return Geometry{}, fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if len(points) == 0 {
		return Geometry{}, nil
	}

	x1, y1, err := decodePoint(points[0])
	if err != nil {
		return Geometry{}, err
	}
	x2, y2, err := decodePoint(points[len(points)-1])
	if err != nil {
		return Geometry{}, err
	}
	return Geometry{X1: x1, Y1: y1, X2: x2, Y2: y2, Valid: true}, nil
}

func decodePoint(raw json.RawMessage) (float64, float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var p struct {
			X *float64 `json:"x"`
			Y *float64 `json:"y"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return 0, 0, fmt.Errorf("%w: %v", ErrBadPath, err)
		}
		if p.X == nil || p.Y == nil {
			return 0, 0, fmt.Errorf("%w: point %s lacks x or y", ErrBadPath, raw)
		}
		return *p.X, *p.Y, nil
	}

	var pair []float64
	if err := json.Unmarshal(raw, &pair); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadPath, err)
	}
	if len(pair) < 2 {
		return 0, 0, fmt.Errorf("%w: point %s has %d coordinates", ErrBadPath, raw, len(pair))
	}
	return pair[0], pair[1], nil
}
