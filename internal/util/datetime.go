package util

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the YYYY-MM-DD form accepted for run date bounds.
const DateLayout = "2006-01-02"

// ParseDateBound parses a YYYY-MM-DD string as midnight in loc and returns it in UTC.
// An empty string returns fallback unchanged, so callers can supply "1 year ago" / "now".
// When endOfDay is set the bound is moved to the last nanosecond of that day, which keeps
// an inclusive end date covering objects modified during it.
func ParseDateBound(s string, loc *time.Location, fallback time.Time, endOfDay bool) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback.UTC(), nil
	}
	if loc == nil {
		loc = time.UTC
	}
	t, err := time.ParseInLocation(DateLayout, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q (want YYYY-MM-DD): %w", s, err)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}
