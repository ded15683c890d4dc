package db

import (
	"errors"
	"time"
)

var errDBUnavailable = errors.New("db unavailable")

// utc strips monotonic readings and zones so sqlite and postgres round-trip
// timestamps identically.
func utc(t time.Time) time.Time {
	return t.UTC().Round(time.Microsecond)
}
