// Package schedule holds a provider's availability data: schedules with their weekly windows,
// per-date overrides, and the event types clients book against.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNoDefaultSchedule is returned when a provider has no schedule flagged as default.
var ErrNoDefaultSchedule = errors.New("schedule: provider has no default schedule")

// DateLayout is the wire and storage format of calendar dates.
const DateLayout = "2006-01-02"

// WeeklyAvailability is a recurring window on one day of the week (0 = Sunday).
type WeeklyAvailability struct {
	ID         int       `json:"id"`
	ScheduleID string    `json:"schedule_id"`
	DayOfWeek  int       `json:"day_of_week"`
	StartTime  Clock     `json:"start_time"`
	EndTime    Clock     `json:"end_time"`
	CreatedAt  time.Time `json:"created_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

func (w WeeklyAvailability) Validate() error {
	if w.DayOfWeek < 0 || w.DayOfWeek > 6 {
		return fmt.Errorf("day_of_week must be between 0 and 6, got %d", w.DayOfWeek)
	}
	if w.EndTime <= w.StartTime {
		return fmt.Errorf("end_time must be after start_time for day %d", w.DayOfWeek)
	}
	return nil
}

// DateOverride replaces the weekly rule for one date, either with other hours or with
// a full block.
type DateOverride struct {
	ID          string    `json:"id"`
	ProviderID  string    `json:"provider_id"`
	Date        time.Time `json:"-"`
	StartTime   *Clock    `json:"start_time,omitempty"`
	EndTime     *Clock    `json:"end_time,omitempty"`
	Unavailable bool      `json:"unavailable"`
	Reason      string    `json:"reason,omitempty"`
}

func (o DateOverride) Validate() error {
	if o.Date.IsZero() {
		return errors.New("date is required")
	}
	if o.Unavailable {
		return nil
	}
	if o.StartTime == nil || o.EndTime == nil {
		return errors.New("start_time and end_time required when not marking as unavailable")
	}
	if *o.EndTime <= *o.StartTime {
		return errors.New("end_time must be after start_time")
	}
	return nil
}

// DateKey is the date formatted with DateLayout.
func (o DateOverride) DateKey() string {
	return o.Date.Format(DateLayout)
}

// Schedule groups a provider's weekly windows under a timezone.
type Schedule struct {
	ID         string               `json:"id"`
	ProviderID string               `json:"provider_id"`
	Name       string               `json:"name"`
	Timezone   string               `json:"timezone"`
	IsDefault  bool                 `json:"is_default"`
	Weekly     []WeeklyAvailability `json:"weekly"`
}

func (s Schedule) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if _, err := time.LoadLocation(s.Timezone); err != nil || s.Timezone == "" {
		return fmt.Errorf("invalid timezone %q", s.Timezone)
	}
	for _, w := range s.Weekly {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// WindowFor returns the first weekly window for the given weekday.
func (s Schedule) WindowFor(day time.Weekday) (WeeklyAvailability, bool) {
	for _, w := range s.Weekly {
		if w.DayOfWeek == int(day) {
			return w, true
		}
	}
	return WeeklyAvailability{}, false
}

// Overrides indexes date overrides by DateKey.
type Overrides map[string]DateOverride

func NewOverrides(list []DateOverride) Overrides {
	out := make(Overrides, len(list))
	for _, o := range list {
		out[o.DateKey()] = o
	}
	return out
}

// For returns the override for the calendar day of t (read in t's location).
func (o Overrides) For(t time.Time) (DateOverride, bool) {
	ov, ok := o[t.Format(DateLayout)]
	return ov, ok
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return d, nil
}
