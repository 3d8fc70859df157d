package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
)

// ErrEmptyTimestamp is returned when a reading has no timestamp.
var ErrEmptyTimestamp = errors.New("empty timestamp")

// ParseReadingTime parses a reading timestamp as returned by the utility API.
// ISO-8601 date-times with or without an offset and bare dates are accepted.
// Timestamps without an offset are treated as UTC.
func ParseReadingTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, ErrEmptyTimestamp
	}
	dt, err := strfmt.ParseDateTime(s)
	if err == nil {
		return time.Time(dt).UTC(), nil
	}
	if t, derr := time.Parse(strfmt.RFC3339FullDate, s); derr == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
}

// HourStart parses a reading timestamp and truncates it to the top of its hour.
func HourStart(s string) (time.Time, error) {
	t, err := ParseReadingTime(s)
	if err != nil {
		return time.Time{}, err
	}
	return t.Truncate(time.Hour), nil
}

// YearMonth returns t as a YYYYMM integer.
func YearMonth(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}
