// Package calendar converts play-event timestamps into the calendar parts
// stored in the time table.
//
// All conversions are in UTC and discard sub-second precision. The SQL models
// compute the same values inside the engine; these functions are the
// reference the quality checks compare against.
package calendar

import "time"

// Weekday numbering used by the time table.
const (
	Sunday   = 1
	Saturday = 7
)

// Parts is the calendar decomposition of a start time.
type Parts struct {
	Hour    int
	Day     int
	Week    int // ISO 8601 week of year
	Month   int
	Year    int
	Weekday int // 1 = Sunday ... 7 = Saturday
}

// FromEpochMillis converts milliseconds since the Unix epoch to a UTC time
// truncated to the whole second (floor, also for negative inputs).
func FromEpochMillis(ms int64) time.Time {
	sec := ms / 1000
	if ms%1000 < 0 {
		sec--
	}
	return time.Unix(sec, 0).UTC()
}

// Decompose returns the calendar parts of t, evaluated in UTC.
func Decompose(t time.Time) Parts {
	t = t.UTC()
	_, week := t.ISOWeek()
	return Parts{
		Hour:    t.Hour(),
		Day:     t.Day(),
		Week:    week,
		Month:   int(t.Month()),
		Year:    t.Year(),
		Weekday: int(t.Weekday()) + 1,
	}
}
