package model

import (
	"time"

	"github.com/juju/errors"
)

// DefaultTimeRange is used when a history request names no range.
const DefaultTimeRange = "1h"

var timeRanges = map[string]time.Duration{
	"10m": 10 * time.Minute,
	"1h":  time.Hour,
	"6h":  6 * time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
}

// TimeRangeStart translates a range token into the earliest timestamp it covers.
// An empty token means DefaultTimeRange.
func TimeRangeStart(token string, now time.Time) (time.Time, error) {
	if token == "" {
		token = DefaultTimeRange
	}
	d, ok := timeRanges[token]
	if !ok {
		return time.Time{}, errors.NotValidf("time range %q", token)
	}
	return now.Add(-d), nil
}
