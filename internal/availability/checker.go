package availability

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"booking-scheduler/internal/config"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/slots"
	"booking-scheduler/pkg/logging"
)

// MaxRangeDays bounds the number of dates one AvailableSlots call may cover.
const MaxRangeDays = 92

var (
	ErrInvalidRange = errors.New("availability: invalid date range")
	ErrInvalidQuery = errors.New("availability: invalid query")
)

// Query asks for the open slots of one event type between two dates, inclusive. Only the
// calendar date of From and To is used.
type Query struct {
	ProviderID string
	EventType  schedule.EventType
	From       time.Time
	To         time.Time
	Timezone   string
}

// Checker computes bookable slots. It holds no locks; races with concurrent bookings are
// settled when the booking commits.
type Checker struct {
	store    Store
	resolver *Resolver
	policy   config.Scheduling
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
	now      func() time.Time
}

func NewChecker(store Store, policy config.Scheduling, logger *logging.Logger, m *metrics.SchedulingMetrics) *Checker {
	if logger == nil {
		logger = logging.Default()
	}
	timeout := policy.CalendarTimeout
	if timeout <= 0 {
		timeout = config.DefaultScheduling().CalendarTimeout
	}
	concurrency := policy.CalendarConcurrency
	if concurrency < 1 {
		concurrency = 1
	}
	return &Checker{
		store: store,
		resolver: &Resolver{
			store:       store,
			timeout:     timeout,
			concurrency: concurrency,
			logger:      logger,
			metrics:     m,
		},
		policy:  policy,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithCalendars enables external conflict checks through cals.
func (c *Checker) WithCalendars(cals Calendars) *Checker {
	c.resolver.calendars = cals
	return c
}

// WithClock overrides the time source.
func (c *Checker) WithClock(now func() time.Time) *Checker {
	if now != nil {
		c.now = now
	}
	return c
}

// AvailableSlots returns the slots of q.EventType that are open on every date of the
// range, ordered by start time.
func (c *Checker) AvailableSlots(ctx context.Context, q Query) ([]slots.Slot, error) {
	started := time.Now()
	defer func() { c.metrics.ObserveSlotQuery(time.Since(started).Seconds()) }()

	et := q.EventType
	if et.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: event type duration must be positive", ErrInvalidQuery)
	}
	if q.From.IsZero() || q.To.IsZero() || q.To.Before(q.From) {
		return nil, ErrInvalidRange
	}

	sched, err := c.store.DefaultSchedule(ctx, q.ProviderID)
	if err != nil {
		return nil, fmt.Errorf("availability: default schedule: %w", err)
	}
	loc := c.policy.Location(q.Timezone, sched.Timezone)

	days := slots.Days(q.From, q.To, loc)
	if len(days) == 0 {
		return []slots.Slot{}, nil
	}
	if len(days) > MaxRangeDays {
		return nil, fmt.Errorf("%w: at most %d days per query", ErrInvalidRange, MaxRangeDays)
	}

	list, err := c.store.DateOverrides(ctx, q.ProviderID, days[0], days[len(days)-1])
	if err != nil {
		return nil, fmt.Errorf("availability: date overrides: %w", err)
	}
	overrides := schedule.NewOverrides(list)

	rules := slots.Rules{Duration: et.Duration(), MinimumNotice: et.MinimumNotice(), Horizon: et.Horizon()}
	now := c.now()

	var candidates []slots.Slot
	for _, day := range days {
		win, ok := effectiveWindow(sched, overrides, day, loc)
		if !ok {
			continue
		}
		candidates = append(candidates, slots.Generate(win, rules, now)...)
	}
	if len(candidates) == 0 {
		return []slots.Slot{}, nil
	}

	before, after := et.BufferBefore(), et.BufferAfter()
	busy, err := c.store.ConfirmedIntervals(ctx, q.ProviderID,
		candidates[0].Start.Add(-before), candidates[len(candidates)-1].End.Add(after), "")
	if err != nil {
		return nil, fmt.Errorf("availability: load bookings: %w", err)
	}

	open := make([]slots.Slot, 0, len(candidates))
	for _, s := range candidates {
		if !collides(s.Pad(before, after), busy) {
			open = append(open, s)
		}
	}

	conns, err := c.resolver.conflictCalendars(ctx, q.ProviderID)
	if err != nil {
		c.logger.Warn("skipping external calendars", "provider_id", q.ProviderID, "error", err)
		conns = nil
	}
	open = c.resolver.filterExternal(ctx, conns, open)

	slices.SortFunc(open, func(a, b slots.Slot) int { return a.Start.Compare(b.Start) })
	return open, nil
}

// Location resolves the zone a provider's bookings are framed in: tz when it names a
// valid zone, otherwise the default schedule's zone, then the configured default.
func (c *Checker) Location(ctx context.Context, providerID, tz string) (*time.Location, error) {
	sched, err := c.store.DefaultSchedule(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("availability: default schedule: %w", err)
	}
	return c.policy.Location(tz, sched.Timezone), nil
}

// IsAvailableAt reports whether a booking of durationMinutes may start at t: t must fall
// inside the effective schedule window and the buffered interval must not collide with a
// confirmed booking other than excludeID. External calendars are not consulted.
func (c *Checker) IsAvailableAt(ctx context.Context, providerID string, et schedule.EventType, t time.Time, durationMinutes int, tz, excludeID string) (bool, error) {
	sched, err := c.store.DefaultSchedule(ctx, providerID)
	if err != nil {
		return false, fmt.Errorf("availability: default schedule: %w", err)
	}
	loc := c.policy.Location(tz, sched.Timezone)
	local := t.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	list, err := c.store.DateOverrides(ctx, providerID, day, day)
	if err != nil {
		return false, fmt.Errorf("availability: date overrides: %w", err)
	}
	if !WithinSchedule(sched, schedule.NewOverrides(list), local) {
		return false, nil
	}

	if durationMinutes <= 0 {
		durationMinutes = et.DurationMinutes
	}
	start := t.Add(-et.BufferBefore())
	end := t.Add(time.Duration(durationMinutes)*time.Minute + et.BufferAfter())
	conflict, err := c.resolver.HasConflict(ctx, providerID, start, end, excludeID)
	if err != nil {
		return false, err
	}
	return !conflict, nil
}

// effectiveWindow resolves the working window for day: an override replaces the weekly
// rule entirely, and an unavailable override closes the day.
func effectiveWindow(sched schedule.Schedule, overrides schedule.Overrides, day time.Time, loc *time.Location) (slots.Window, bool) {
	if ov, ok := overrides.For(day); ok {
		if ov.Unavailable || ov.StartTime == nil || ov.EndTime == nil {
			return slots.Window{}, false
		}
		return slots.Day(day, loc, *ov.StartTime, *ov.EndTime), true
	}
	w, ok := sched.WindowFor(day.Weekday())
	if !ok {
		return slots.Window{}, false
	}
	return slots.Day(day, loc, w.StartTime, w.EndTime), true
}

// HasConflict reports whether a confirmed booking other than excludeID overlaps
// [start, end).
func (c *Checker) HasConflict(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error) {
	return c.resolver.HasConflict(ctx, providerID, start, end, excludeID)
}
