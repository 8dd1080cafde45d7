package booking

import (
	"fmt"
	"time"
)

// TimeOfDay is a clock time expressed as minutes since midnight. All slot
// arithmetic in the engine goes through this type so that date math never
// depends on wall-clock reads scattered through handlers.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" in 24-hour form.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return TimeOfDay(h*60 + m), nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

// Aligned reports whether t falls on a slot boundary for the given granularity.
func (t TimeOfDay) Aligned(granularity time.Duration) bool {
	step := int(granularity / time.Minute)
	return step > 0 && int(t)%step == 0
}

// At anchors the time of day on a calendar date, producing an absolute instant.
func (t TimeOfDay) At(date time.Time) time.Time {
	return DateOf(date).Add(time.Duration(t) * time.Minute)
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	parsed, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// DateOf truncates an instant to its UTC calendar date. Dates are stored and
// compared as UTC midnights everywhere in the engine.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses "YYYY-MM-DD" into a UTC midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return d, nil
}

// FormatDate renders a UTC midnight as "YYYY-MM-DD".
func FormatDate(d time.Time) string {
	return d.UTC().Format("2006-01-02")
}
