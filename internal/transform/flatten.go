package transform

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basekick-labs/jamsbatch/internal/reader"
)

// ErrMissingKey is returned for an event without a usable key.
var ErrMissingKey = errors.New("event has no key")

// FlattenOptions names the key field and the optional timestamp layout.
type FlattenOptions struct {
	KeyField   string
	TimeLayout string
}

// Flatten turns every event of every snapshot into a row carrying the
// snapshot's capture time, preserving snapshot and event order.
func Flatten(snapshots []reader.Snapshot, opts FlattenOptions) ([]Row, error) {
	n := 0
	for _, s := range snapshots {
		n += len(s.Events)
	}
	rows := make([]Row, 0, n)

	for _, s := range snapshots {
		ts, err := ParseTimestamp(s.Timestamp, opts.TimeLayout)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.Path, err)
		}
		for i, ev := range s.Events {
			key, err := keyOf(ev, opts.KeyField)
			if err != nil {
				return nil, fmt.Errorf("%s: event %d: %w", s.Path, i, err)
			}
			rows = append(rows, Row{Key: key, Values: ev, Time: ts})
		}
	}
	return rows, nil
}

// keyOf reads the key as text. Numeric keys keep their literal form.
func keyOf(ev reader.Event, field string) (string, error) {
	raw, ok := ev[field]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return "", fmt.Errorf("%w: %q", ErrMissingKey, field)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("%w: %q is empty", ErrMissingKey, field)
		}
		return s, nil
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String(), nil
	}
	return "", fmt.Errorf("%w: %q is neither text nor a number", ErrMissingKey, field)
}
