package iqfeed

import (
	"strconv"
	"time"

	"golang.org/x/text/encoding/charmap"

	"github.com/rxtech-lab/iqfeed/pkg/errors"
)

// Wire formats used by the feed. Outbound commands carry YYYYMMDD HHMMSS
// timestamps while inbound lines carry YYYY-MM-DD HH:MM:SS.
const (
	wireDateTimeLayout  = "20060102 150405"
	wireDateLayout      = "20060102"
	feedTimestampLayout = "2006-01-02 15:04:05"
	feedDateLayout      = "2006-01-02"
)

// FormatDateTime converts t to the feed's outbound timestamp form.
func FormatDateTime(t time.Time) string {
	return t.Format(wireDateTimeLayout)
}

// FormatDate converts t to the feed's outbound date form.
func FormatDate(t time.Time) string {
	return t.Format(wireDateLayout)
}

// ParseTimestamp converts an inbound feed timestamp to a UTC time.Time.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.ParseInLocation(feedTimestampLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrCodeMalformedField, err, "invalid timestamp %q", s)
	}

	return t, nil
}

// ParseDate converts an inbound feed date to a UTC time.Time at midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(feedDateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.Wrapf(errors.ErrCodeMalformedField, err, "invalid date %q", s)
	}

	return t, nil
}

// GetField returns the field at index i, or an empty string when the index is
// out of range. The feed pads or omits trailing fields, so callers index
// positionally without checking lengths first.
func GetField(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}

	return fields[i]
}

// The feed speaks Latin-1, not UTF-8. Every inbound byte maps to a rune so
// decoding cannot fail; encoding fails only for runes outside Latin-1.

func encodeLatin1(s string) ([]byte, error) {
	out, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "message is not latin-1 encodable: %q", s)
	}

	return out, nil
}

func decodeLatin1(b []byte) string {
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}

	return string(out)
}

// fieldScanner reads positional fields with a sticky error, so a parse of a
// fixed-width line reads as a straight list of conversions.
type fieldScanner struct {
	fields []string
	err    error
}

func (s *fieldScanner) str(i int) string {
	return GetField(s.fields, i)
}

func (s *fieldScanner) float(i int) float64 {
	if s.err != nil {
		return 0
	}

	v, err := strconv.ParseFloat(GetField(s.fields, i), 64)
	if err != nil {
		s.err = errors.Wrapf(errors.ErrCodeMalformedField, err, "field %d is not a float: %q", i, GetField(s.fields, i))
	}

	return v
}

func (s *fieldScanner) int(i int) int64 {
	if s.err != nil {
		return 0
	}

	v, err := strconv.ParseInt(GetField(s.fields, i), 10, 64)
	if err != nil {
		s.err = errors.Wrapf(errors.ErrCodeMalformedField, err, "field %d is not an integer: %q", i, GetField(s.fields, i))
	}

	return v
}

func (s *fieldScanner) timestamp(i int) time.Time {
	if s.err != nil {
		return time.Time{}
	}

	v, err := ParseTimestamp(GetField(s.fields, i))
	if err != nil {
		s.err = err
	}

	return v
}

func (s *fieldScanner) date(i int) time.Time {
	if s.err != nil {
		return time.Time{}
	}

	v, err := ParseDate(GetField(s.fields, i))
	if err != nil {
		s.err = err
	}

	return v
}
