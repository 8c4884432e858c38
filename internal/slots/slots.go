// Package slots turns an availability window into bookable candidate slots.
package slots

import (
	"time"

	"booking-scheduler/internal/schedule"
)

// Slot is a half-open interval [Start, End).
type Slot struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Overlaps reports whether s and o intersect. Touching endpoints do not overlap.
func (s Slot) Overlaps(o Slot) bool {
	return s.Start.Before(o.End) && s.End.After(o.Start)
}

// Pad widens the slot by before/after, used only for collision tests.
func (s Slot) Pad(before, after time.Duration) Slot {
	return Slot{Start: s.Start.Add(-before), End: s.End.Add(after)}
}

// Window is the working interval on one calendar day.
type Window struct {
	Start time.Time
	End   time.Time
}

// Day builds the window [from, to) on the calendar day of date, in loc.
func Day(date time.Time, loc *time.Location, from, to schedule.Clock) Window {
	return Window{Start: from.On(date, loc), End: to.On(date, loc)}
}

// Rules are the event-type settings that shape generation.
type Rules struct {
	Duration      time.Duration
	MinimumNotice time.Duration
	Horizon       time.Duration
}

// Generate steps through the window in increments of the duration. The window is first
// clamped to [now+MinimumNotice, now+Horizon]; slots whose start is not strictly after
// now+MinimumNotice are dropped. Buffers are not applied here.
func Generate(w Window, r Rules, now time.Time) []Slot {
	if r.Duration <= 0 {
		return nil
	}
	earliest := now.Add(r.MinimumNotice)
	latest := now.Add(r.Horizon)

	start, end := w.Start, w.End
	if earliest.After(start) {
		start = earliest
	}
	if latest.Before(end) {
		end = latest
	}

	var out []Slot
	for cur := start; !cur.Add(r.Duration).After(end); cur = cur.Add(r.Duration) {
		if !cur.After(earliest) {
			continue
		}
		out = append(out, Slot{Start: cur, End: cur.Add(r.Duration)})
	}
	return out
}

// Days returns each calendar day from 'from' to 'to' inclusive, at midnight in loc.
// Only the Y/M/D of the inputs are used.
func Days(from, to time.Time, loc *time.Location) []time.Time {
	fy, fm, fd := from.Date()
	ty, tm, td := to.Date()
	last := time.Date(ty, tm, td, 0, 0, 0, 0, loc)

	var out []time.Time
	for i := 0; ; i++ {
		day := time.Date(fy, fm, fd+i, 0, 0, 0, 0, loc)
		if day.After(last) {
			break
		}
		out = append(out, day)
	}
	return out
}
