package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/slots"
)

// Memory is an in-process store with the same semantics as Postgres, including the
// no-overlap constraint on confirmed bookings. Transactions are serialized.
type Memory struct {
	mu          sync.Mutex
	schedules   map[string]*schedule.Schedule
	overrides   map[string]map[string]schedule.DateOverride
	eventTypes  map[string]*schedule.EventType
	bookings    map[string]*booking.Booking
	changes     []booking.Change
	connections map[string]*calendar.Connection
	nextWeekly  int
}

func NewMemory() *Memory {
	return &Memory{
		schedules:   map[string]*schedule.Schedule{},
		overrides:   map[string]map[string]schedule.DateOverride{},
		eventTypes:  map[string]*schedule.EventType{},
		bookings:    map[string]*booking.Booking{},
		connections: map[string]*calendar.Connection{},
	}
}

func cloneBooking(b *booking.Booking) *booking.Booking {
	out := *b
	out.Answers = slices.Clone(b.Answers)
	if b.Payment != nil {
		p := *b.Payment
		out.Payment = &p
	}
	out.ExternalEventIDs = maps.Clone(b.ExternalEventIDs)
	return &out
}

func cloneEventType(e *schedule.EventType) *schedule.EventType {
	out := *e
	out.Questions = slices.Clone(e.Questions)
	return &out
}

// WithTx holds the store lock for the whole of fn and restores the booking state if fn fails.
func (m *Memory) WithTx(ctx context.Context, fn func(booking.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := make(map[string]*booking.Booking, len(m.bookings))
	for id, b := range m.bookings {
		saved[id] = cloneBooking(b)
	}
	savedChanges := len(m.changes)

	if err := fn(&memTx{m: m}); err != nil {
		m.bookings = saved
		m.changes = m.changes[:savedChanges]
		return err
	}
	return nil
}

type memTx struct {
	m *Memory
}

func (t *memTx) LockBooking(ctx context.Context, id string) (*booking.Booking, error) {
	b, ok := t.m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (t *memTx) HasOverlap(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error) {
	return t.m.overlaps(providerID, start, end, excludeID), nil
}

func (m *Memory) overlaps(providerID string, start, end time.Time, excludeID string) bool {
	want := slots.Slot{Start: start, End: end}
	for _, b := range m.bookings {
		if b.ProviderID != providerID || b.Status != booking.StatusConfirmed || b.ID == excludeID {
			continue
		}
		if want.Overlaps(slots.Slot{Start: b.StartTime, End: b.EndTime}) {
			return true
		}
	}
	return false
}

func (t *memTx) InsertBooking(ctx context.Context, b *booking.Booking) error {
	m := t.m
	if b.Status == booking.StatusConfirmed && m.overlaps(b.ProviderID, b.StartTime, b.EndTime, b.ID) {
		return fmt.Errorf("%w: bookings_no_overlap", booking.ErrConflict)
	}
	for _, existing := range m.bookings {
		if existing.ID == b.ID || existing.UID == b.UID ||
			existing.CancellationToken == b.CancellationToken || existing.RescheduleToken == b.RescheduleToken {
			return fmt.Errorf("%w: booking %s", ErrDuplicate, b.ID)
		}
	}
	now := time.Now().UTC()
	b.CreatedAt, b.UpdatedAt = now, now
	if b.Payment != nil {
		if b.Payment.ID == "" {
			b.Payment.ID = uuid.NewString()
		}
		b.Payment.BookingID = b.ID
	}
	m.bookings[b.ID] = cloneBooking(b)
	return nil
}

func (t *memTx) UpdateStatus(ctx context.Context, id string, status booking.Status, reason string) error {
	b, ok := t.m.bookings[id]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	if reason != "" {
		b.CancellationReason = reason
	}
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (t *memTx) InsertChange(ctx context.Context, c *booking.Change) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	t.m.changes = append(t.m.changes, *c)
	return nil
}

func (m *Memory) Booking(ctx context.Context, id string) (*booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBooking(b), nil
}

func (m *Memory) bookingWhere(match func(*booking.Booking) bool) (*booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.bookings {
		if match(b) {
			return cloneBooking(b), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) BookingByCancellationToken(ctx context.Context, token string) (*booking.Booking, error) {
	return m.bookingWhere(func(b *booking.Booking) bool { return token != "" && b.CancellationToken == token })
}

func (m *Memory) BookingByRescheduleToken(ctx context.Context, token string) (*booking.Booking, error) {
	return m.bookingWhere(func(b *booking.Booking) bool { return token != "" && b.RescheduleToken == token })
}

func (m *Memory) ConfirmedIntervals(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]slots.Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := slots.Slot{Start: from, End: to}
	var out []slots.Slot
	for _, b := range m.bookings {
		if b.ProviderID != providerID || b.Status != booking.StatusConfirmed || b.ID == excludeID {
			continue
		}
		s := slots.Slot{Start: b.StartTime, End: b.EndTime}
		if s.Overlaps(window) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *Memory) ListBookings(ctx context.Context, providerID string, from, to time.Time, filtered bool) ([]booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []booking.Booking
	for _, b := range m.bookings {
		if b.ProviderID != providerID {
			continue
		}
		if filtered && (b.StartTime.Before(from) || !b.StartTime.Before(to)) {
			continue
		}
		out = append(out, *cloneBooking(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (m *Memory) BookingChanges(ctx context.Context, bookingID string) ([]booking.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[bookingID]; !ok {
		return nil, ErrNotFound
	}
	var out []booking.Change
	for _, c := range m.changes {
		if c.BookingID == bookingID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *Memory) PaymentForBooking(ctx context.Context, bookingID string) (*payments.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok || b.Payment == nil {
		return nil, payments.ErrNotFound
	}
	p := *b.Payment
	return &p, nil
}

func (m *Memory) MarkRefunded(ctx context.Context, paymentID, bookingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok || b.Payment == nil || b.Payment.ID != paymentID {
		return ErrNotFound
	}
	b.Payment.Status = payments.StatusRefunded
	b.PaymentStatus = booking.PaymentRefunded
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) defaultSchedule(providerID string) (*schedule.Schedule, bool) {
	for _, s := range m.schedules {
		if s.ProviderID == providerID && s.IsDefault {
			return s, true
		}
	}
	return nil, false
}

func (m *Memory) DefaultSchedule(ctx context.Context, providerID string) (schedule.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.defaultSchedule(providerID)
	if !ok {
		return schedule.Schedule{}, schedule.ErrNoDefaultSchedule
	}
	out := *s
	out.Weekly = slices.Clone(s.Weekly)
	return out, nil
}

func (m *Memory) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	seen := map[int]bool{}
	for _, w := range s.Weekly {
		if seen[w.DayOfWeek] {
			return fmt.Errorf("%w: availability for day %d", ErrDuplicate, w.DayOfWeek)
		}
		seen[w.DayOfWeek] = true
	}
	if s.IsDefault {
		if prev, ok := m.defaultSchedule(s.ProviderID); ok {
			prev.IsDefault = false
		}
	}
	now := time.Now().UTC()
	for i := range s.Weekly {
		m.nextWeekly++
		s.Weekly[i].ID = m.nextWeekly
		s.Weekly[i].ScheduleID = s.ID
		s.Weekly[i].CreatedAt, s.Weekly[i].UpdatedAt = now, now
	}
	stored := *s
	stored.Weekly = slices.Clone(s.Weekly)
	m.schedules[s.ID] = &stored
	return nil
}

func (m *Memory) InsertWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.defaultSchedule(providerID)
	if !ok {
		return schedule.ErrNoDefaultSchedule
	}
	if _, exists := s.WindowFor(time.Weekday(w.DayOfWeek)); exists {
		return fmt.Errorf("%w: availability for day %d", ErrDuplicate, w.DayOfWeek)
	}
	m.nextWeekly++
	now := time.Now().UTC()
	w.ID, w.ScheduleID, w.CreatedAt, w.UpdatedAt = m.nextWeekly, s.ID, now, now
	s.Weekly = append(s.Weekly, *w)
	return nil
}

func (m *Memory) UpdateWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.defaultSchedule(providerID)
	if !ok {
		return ErrNotFound
	}
	for i := range s.Weekly {
		if s.Weekly[i].ID == w.ID {
			s.Weekly[i].StartTime, s.Weekly[i].EndTime = w.StartTime, w.EndTime
			s.Weekly[i].UpdatedAt = time.Now().UTC()
			*w = s.Weekly[i]
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) DeleteWeeklyAvailability(ctx context.Context, providerID string, id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.schedules {
		if s.ProviderID != providerID {
			continue
		}
		for i := range s.Weekly {
			if s.Weekly[i].ID == id {
				s.Weekly = slices.Delete(s.Weekly, i, i+1)
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *Memory) DateOverrides(ctx context.Context, providerID string, from, to time.Time) ([]schedule.DateOverride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lo, hi := from.Format(schedule.DateLayout), to.Format(schedule.DateLayout)
	var out []schedule.DateOverride
	for key, o := range m.overrides[providerID] {
		if key >= lo && key <= hi {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateKey() < out[j].DateKey() })
	return out, nil
}

func (m *Memory) UpsertDateOverride(ctx context.Context, o *schedule.DateOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byDate := m.overrides[o.ProviderID]
	if byDate == nil {
		byDate = map[string]schedule.DateOverride{}
		m.overrides[o.ProviderID] = byDate
	}
	if prev, ok := byDate[o.DateKey()]; ok {
		o.ID = prev.ID
	} else if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Unavailable {
		o.StartTime, o.EndTime = nil, nil
	}
	y, mo, d := o.Date.Date()
	o.Date = time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	byDate[o.DateKey()] = *o
	return nil
}

func (m *Memory) DeleteDateOverride(ctx context.Context, providerID string, date time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := date.Format(schedule.DateLayout)
	if _, ok := m.overrides[providerID][key]; !ok {
		return ErrNotFound
	}
	delete(m.overrides[providerID], key)
	return nil
}

func (m *Memory) EventType(ctx context.Context, id string) (*schedule.EventType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.eventTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneEventType(e), nil
}

func (m *Memory) ListEventTypes(ctx context.Context, providerID string, activeOnly bool) ([]schedule.EventType, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []schedule.EventType
	for _, e := range m.eventTypes {
		if e.ProviderID == providerID && (e.Active || !activeOnly) {
			out = append(out, *cloneEventType(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}

func (m *Memory) CreateEventType(ctx context.Context, e *schedule.EventType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.eventTypes {
		if existing.ProviderID == e.ProviderID && existing.Slug == e.Slug {
			return fmt.Errorf("%w: slug %q", ErrDuplicate, e.Slug)
		}
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	for i := range e.Questions {
		if e.Questions[i].ID == "" {
			e.Questions[i].ID = uuid.NewString()
		}
		e.Questions[i].EventTypeID = e.ID
	}
	m.eventTypes[e.ID] = cloneEventType(e)
	return nil
}

func (m *Memory) CalendarConnections(ctx context.Context, providerID string) ([]calendar.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calendar.Connection
	for _, c := range m.connections {
		if c.ProviderID == providerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

func (m *Memory) UpsertCalendarConnection(ctx context.Context, c *calendar.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.connections {
		if existing.ProviderID == c.ProviderID && existing.Provider == c.Provider {
			c.ID = existing.ID
			if c.RefreshToken == "" {
				c.RefreshToken = existing.RefreshToken
			}
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stored := *c
	m.connections[c.ID] = &stored
	return nil
}

func (m *Memory) UpdateCalendarTokens(ctx context.Context, connectionID string, tok calendar.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[connectionID]
	if !ok {
		return ErrNotFound
	}
	c.AccessToken, c.RefreshToken, c.TokenExpiresAt = tok.AccessToken, tok.RefreshToken, tok.Expiry
	return nil
}

func (m *Memory) SetExternalEventID(ctx context.Context, bookingID string, provider calendar.Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	if eventID == "" {
		delete(b.ExternalEventIDs, string(provider))
		return nil
	}
	if b.ExternalEventIDs == nil {
		b.ExternalEventIDs = map[string]string{}
	}
	b.ExternalEventIDs[string(provider)] = eventID
	return nil
}

// IsDuplicate reports whether err is a uniqueness violation from either backend.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}
