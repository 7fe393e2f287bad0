package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrBadTimestamp is returned for capture times that match no known layout.
var ErrBadTimestamp = errors.New("unparseable timestamp")

// timestampLayouts are tried in order after the configured layout.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseTimestamp parses a capture time. An explicit layout, when given, is
// tried first. Fractional seconds are accepted with every layout that has
// seconds. Times without an offset are taken as UTC.
func ParseTimestamp(s, layout string) (time.Time, error) {
	text := strings.TrimSpace(s)
	if layout != "" {
		if t, err := time.Parse(layout, text); err == nil {
			return t, nil
		}
	}
	for _, l := range timestampLayouts {
		if t, err := time.Parse(l, text); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
}

// FormatTimestamp renders t with layout, adding the UTC offset when t
// carries a non-zero one so that ParseTimestamp reads back the same instant.
func FormatTimestamp(t time.Time, layout string) string {
	if _, offset := t.Zone(); offset != 0 {
		return t.Format(layout + "Z07:00")
	}
	return t.Format(layout)
}
