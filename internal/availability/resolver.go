// Package availability answers "when can this event type be booked": it generates
// candidate slots from a provider's schedule and drops those that collide with confirmed
// bookings or busy time on connected external calendars.
package availability

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/slots"
	"booking-scheduler/pkg/logging"
)

// Store is the read side the checker needs.
type Store interface {
	DefaultSchedule(ctx context.Context, providerID string) (schedule.Schedule, error)
	DateOverrides(ctx context.Context, providerID string, from, to time.Time) ([]schedule.DateOverride, error)
	// ConfirmedIntervals returns confirmed bookings overlapping [from, to), skipping excludeID.
	ConfirmedIntervals(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]slots.Slot, error)
	CalendarConnections(ctx context.Context, providerID string) ([]calendar.Connection, error)
}

// Calendars hands out adapters for external calendar connections.
type Calendars interface {
	Authorize(ctx context.Context, conn calendar.Connection) (calendar.Adapter, error)
}

// Resolver decides whether an interval collides with anything already on the books.
type Resolver struct {
	store       Store
	calendars   Calendars
	timeout     time.Duration
	concurrency int
	logger      *logging.Logger
	metrics     *metrics.SchedulingMetrics
}

// HasConflict reports whether any confirmed booking other than excludeID overlaps
// [start, end). Touching endpoints do not conflict.
func (r *Resolver) HasConflict(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error) {
	busy, err := r.store.ConfirmedIntervals(ctx, providerID, start, end, excludeID)
	if err != nil {
		return false, fmt.Errorf("availability: load bookings: %w", err)
	}
	return collides(slots.Slot{Start: start, End: end}, busy), nil
}

func collides(s slots.Slot, busy []slots.Slot) bool {
	for _, b := range busy {
		if s.Overlaps(b) {
			return true
		}
	}
	return false
}

// WithinSchedule reports whether the time of day of t falls inside the effective window
// for t's date: the override when one exists, otherwise the weekly rule. t must already
// be in the schedule's location.
func WithinSchedule(sched schedule.Schedule, overrides schedule.Overrides, t time.Time) bool {
	clock := schedule.ClockOf(t)
	if ov, ok := overrides.For(t); ok {
		if ov.Unavailable || ov.StartTime == nil || ov.EndTime == nil {
			return false
		}
		return clock >= *ov.StartTime && clock < *ov.EndTime
	}
	w, ok := sched.WindowFor(t.Weekday())
	if !ok {
		return false
	}
	return clock >= w.StartTime && clock < w.EndTime
}

// conflictCalendars returns the active connections flagged for conflict checks.
func (r *Resolver) conflictCalendars(ctx context.Context, providerID string) ([]calendar.Connection, error) {
	if r.calendars == nil {
		return nil, nil
	}
	conns, err := r.store.CalendarConnections(ctx, providerID)
	if err != nil {
		return nil, fmt.Errorf("availability: load calendar connections: %w", err)
	}
	out := conns[:0:0]
	for _, c := range conns {
		if c.Active && c.CheckForConflicts {
			out = append(out, c)
		}
	}
	return out, nil
}

// linked is a connection with its adapter, authorized once per query.
type linked struct {
	conn calendar.Connection
	ad   calendar.Adapter
}

// authorize binds an adapter to every connection. Expired tokens are refreshed here, once,
// so the per-slot checks below never refresh. Connections that fail are skipped.
func (r *Resolver) authorize(ctx context.Context, conns []calendar.Connection) []linked {
	out := make([]linked, 0, len(conns))
	for _, conn := range conns {
		cctx, cancel := context.WithTimeout(ctx, r.timeout)
		ad, err := r.calendars.Authorize(cctx, conn)
		cancel()
		if err != nil {
			r.metrics.ObserveCalendarError(string(conn.Provider), "authorize")
			r.logger.Warn("external calendar unavailable", "provider", conn.Provider, "connection_id", conn.ID, "error", err)
			continue
		}
		out = append(out, linked{conn: conn, ad: ad})
	}
	return out
}

// externalBusy asks each calendar in turn. Errors and timeouts count as free.
func (r *Resolver) externalBusy(ctx context.Context, cals []linked, s slots.Slot) bool {
	for _, l := range cals {
		if r.calendarBusy(ctx, l, s) {
			return true
		}
	}
	return false
}

func (r *Resolver) calendarBusy(ctx context.Context, l linked, s slots.Slot) bool {
	cctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	busy, err := l.ad.HasConflicts(cctx, s.Start, s.End)
	if err != nil {
		r.metrics.ObserveCalendarError(string(l.conn.Provider), "has_conflicts")
		r.logger.Warn("external conflict check failed", "provider", l.conn.Provider, "connection_id", l.conn.ID, "error", err)
		return false
	}
	return busy
}

// filterExternal drops candidates that are busy on any external calendar, checking up to
// r.concurrency slots at once. Order is preserved.
func (r *Resolver) filterExternal(ctx context.Context, conns []calendar.Connection, candidates []slots.Slot) []slots.Slot {
	if len(conns) == 0 || len(candidates) == 0 {
		return candidates
	}
	cals := r.authorize(ctx, conns)
	if len(cals) == 0 {
		return candidates
	}

	busy := make([]bool, len(candidates))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, s := range candidates {
		g.Go(func() error {
			busy[i] = r.externalBusy(ctx, cals, s)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]slots.Slot, 0, len(candidates))
	for i, s := range candidates {
		if !busy[i] {
			out = append(out, s)
		}
	}
	return out
}
