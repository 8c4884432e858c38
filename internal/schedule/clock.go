package schedule

import (
	"fmt"
	"time"
)

// Clock is a time of day expressed as minutes since midnight.
type Clock int

// ParseClock accepts "HH:MM" and "HH:MM:SS..." (Postgres time text) forms.
func ParseClock(s string) (Clock, error) {
	if len(s) < 5 {
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	tt, err := time.Parse("15:04", s[:5])
	if err != nil {
		return 0, fmt.Errorf("invalid time string: %q", s)
	}
	return Clock(tt.Hour()*60 + tt.Minute()), nil
}

// MustClock is ParseClock for literals.
func MustClock(s string) Clock {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ClockOf returns the time of day of t in t's location.
func ClockOf(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// On places the clock on the calendar day of date, in loc.
func (c Clock) On(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

func (c Clock) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// MarshalText renders HH:MM so clocks travel as strings in JSON.
func (c Clock) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Clock) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
