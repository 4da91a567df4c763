// internal/model/time.go
package model

import (
	"errors"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// TimeLayout renders UTC instants as ISO-8601 with millisecond fractions,
// e.g. 2026-02-19T20:15:01.123Z.
const TimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Time is a UTC instant truncated to millisecond precision, which is the
// precision of the wire and disk format. Keeping the truncation at
// construction makes encode/decode a lossless round trip.
type Time struct {
	time.Time
}

// NewTime normalises t to UTC milliseconds.
func NewTime(t time.Time) Time {
	return Time{Time: t.UTC().Truncate(time.Millisecond)}
}

// RenderTime formats t with TimeLayout.
func RenderTime(t time.Time) string {
	return t.UTC().Truncate(time.Millisecond).Format(TimeLayout)
}

// ParseTime accepts ISO-8601 / RFC 3339 timestamps with or without
// fractional seconds.
func ParseTime(s string) (Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Time{}, errors.New("empty timestamp")
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return Time{}, err
	}
	return NewTime(t), nil
}

func (t Time) String() string { return RenderTime(t.Time) }

func (t Time) MarshalJSON() ([]byte, error) {
	return json.Marshal(RenderTime(t.Time))
}

func (t *Time) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
