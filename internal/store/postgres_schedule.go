package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"booking-scheduler/internal/schedule"
)

func (p *Postgres) DefaultSchedule(ctx context.Context, providerID string) (schedule.Schedule, error) {
	var s schedule.Schedule
	q := `SELECT id::text, provider_id, name, timezone, is_default
	      FROM schedules WHERE provider_id = $1 AND is_default`
	err := p.pool.QueryRow(ctx, q, providerID).Scan(&s.ID, &s.ProviderID, &s.Name, &s.Timezone, &s.IsDefault)
	if errors.Is(err, pgx.ErrNoRows) {
		return schedule.Schedule{}, schedule.ErrNoDefaultSchedule
	}
	if err != nil {
		return schedule.Schedule{}, fmt.Errorf("store: default schedule: %w", err)
	}

	s.Weekly, err = weeklyFor(ctx, p.pool, s.ID)
	if err != nil {
		return schedule.Schedule{}, err
	}
	return s, nil
}

func weeklyFor(ctx context.Context, q querier, scheduleID string) ([]schedule.WeeklyAvailability, error) {
	query := `SELECT id, schedule_id::text, day_of_week, start_time::text, end_time::text, created_at, updated_at
	          FROM weekly_availabilities WHERE schedule_id = $1 ORDER BY day_of_week, start_time`
	rows, err := q.Query(ctx, query, scheduleID)
	if err != nil {
		return nil, fmt.Errorf("store: weekly availability: %w", err)
	}
	defer rows.Close()

	var out []schedule.WeeklyAvailability
	for rows.Next() {
		var (
			w          schedule.WeeklyAvailability
			start, end string
		)
		if err := rows.Scan(&w.ID, &w.ScheduleID, &w.DayOfWeek, &start, &end, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan weekly availability: %w", err)
		}
		if w.StartTime, err = schedule.ParseClock(start); err != nil {
			return nil, err
		}
		if w.EndTime, err = schedule.ParseClock(end); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// CreateSchedule stores s with its weekly windows. A default schedule takes the flag
// from any previous default of the provider.
func (p *Postgres) CreateSchedule(ctx context.Context, s *schedule.Schedule) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return p.inTx(ctx, func(q querier) error {
		if s.IsDefault {
			if _, err := q.Exec(ctx, `UPDATE schedules SET is_default = false, updated_at = now()
			                          WHERE provider_id = $1 AND is_default`, s.ProviderID); err != nil {
				return fmt.Errorf("store: clear default schedule: %w", err)
			}
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO schedules (id, provider_id, name, timezone, is_default) VALUES ($1,$2,$3,$4,$5)`,
			s.ID, s.ProviderID, s.Name, s.Timezone, s.IsDefault); err != nil {
			return fmt.Errorf("store: insert schedule: %w", err)
		}
		for i := range s.Weekly {
			s.Weekly[i].ScheduleID = s.ID
			if err := insertWeekly(ctx, q, &s.Weekly[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func insertWeekly(ctx context.Context, q querier, w *schedule.WeeklyAvailability) error {
	var existingID int
	err := q.QueryRow(ctx,
		`SELECT id FROM weekly_availabilities WHERE schedule_id = $1 AND day_of_week = $2 LIMIT 1`,
		w.ScheduleID, w.DayOfWeek).Scan(&existingID)
	if err == nil {
		return fmt.Errorf("%w: availability for day %d", ErrDuplicate, w.DayOfWeek)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("store: check weekly availability: %w", err)
	}

	insert := `INSERT INTO weekly_availabilities (schedule_id, day_of_week, start_time, end_time)
	           VALUES ($1,$2,$3::time,$4::time) RETURNING id, created_at, updated_at`
	if err := q.QueryRow(ctx, insert, w.ScheduleID, w.DayOfWeek, w.StartTime.String(), w.EndTime.String()).
		Scan(&w.ID, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return fmt.Errorf("store: insert weekly availability: %w", err)
	}
	return nil
}

// InsertWeeklyAvailability adds a window to the provider's default schedule. One window
// per weekday; a second one returns ErrDuplicate.
func (p *Postgres) InsertWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error {
	sched, err := p.DefaultSchedule(ctx, providerID)
	if err != nil {
		return err
	}
	w.ScheduleID = sched.ID
	return insertWeekly(ctx, p.pool, w)
}

// UpdateWeeklyAvailability rewrites the hours of a window of the provider's default schedule.
func (p *Postgres) UpdateWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error {
	q := `UPDATE weekly_availabilities wa
	      SET start_time = $1::time, end_time = $2::time, updated_at = now()
	      FROM schedules s
	      WHERE wa.id = $3 AND wa.schedule_id = s.id AND s.provider_id = $4 AND s.is_default
	      RETURNING wa.schedule_id::text, wa.day_of_week, wa.updated_at`
	err := p.pool.QueryRow(ctx, q, w.StartTime.String(), w.EndTime.String(), w.ID, providerID).
		Scan(&w.ScheduleID, &w.DayOfWeek, &w.UpdatedAt)
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (p *Postgres) DeleteWeeklyAvailability(ctx context.Context, providerID string, id int) error {
	q := `DELETE FROM weekly_availabilities wa USING schedules s
	      WHERE wa.id = $1 AND wa.schedule_id = s.id AND s.provider_id = $2`
	tag, err := p.pool.Exec(ctx, q, id, providerID)
	if err != nil {
		return fmt.Errorf("store: delete weekly availability: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DateOverrides returns the provider's overrides dated within [from, to], compared by
// calendar date.
func (p *Postgres) DateOverrides(ctx context.Context, providerID string, from, to time.Time) ([]schedule.DateOverride, error) {
	q := `SELECT id::text, provider_id, date::text, start_time::text, end_time::text, unavailable, reason
	      FROM date_overrides
	      WHERE provider_id = $1 AND date BETWEEN $2::date AND $3::date
	      ORDER BY date`
	rows, err := p.pool.Query(ctx, q, providerID, from.Format(schedule.DateLayout), to.Format(schedule.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("store: date overrides: %w", err)
	}
	defer rows.Close()

	var out []schedule.DateOverride
	for rows.Next() {
		var (
			o          schedule.DateOverride
			date       string
			start, end *string
		)
		if err := rows.Scan(&o.ID, &o.ProviderID, &date, &start, &end, &o.Unavailable, &o.Reason); err != nil {
			return nil, fmt.Errorf("store: scan date override: %w", err)
		}
		if o.Date, err = schedule.ParseDate(date); err != nil {
			return nil, err
		}
		if o.StartTime, err = optionalClock(start); err != nil {
			return nil, err
		}
		if o.EndTime, err = optionalClock(end); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func optionalClock(s *string) (*schedule.Clock, error) {
	if s == nil {
		return nil, nil
	}
	c, err := schedule.ParseClock(*s)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func clockText(c *schedule.Clock) *string {
	if c == nil {
		return nil
	}
	s := c.String()
	return &s
}

// UpsertDateOverride stores the override for its date, replacing any earlier one.
func (p *Postgres) UpsertDateOverride(ctx context.Context, o *schedule.DateOverride) error {
	q := `INSERT INTO date_overrides (provider_id, date, start_time, end_time, unavailable, reason)
	      VALUES ($1, $2::date, $3::time, $4::time, $5, $6)
	      ON CONFLICT (provider_id, date) DO UPDATE
	      SET start_time = EXCLUDED.start_time,
	          end_time = EXCLUDED.end_time,
	          unavailable = EXCLUDED.unavailable,
	          reason = EXCLUDED.reason,
	          updated_at = now()
	      RETURNING id::text`
	start, end := clockText(o.StartTime), clockText(o.EndTime)
	if o.Unavailable {
		start, end = nil, nil
	}
	if err := p.pool.QueryRow(ctx, q, o.ProviderID, o.DateKey(), start, end, o.Unavailable, o.Reason).Scan(&o.ID); err != nil {
		return fmt.Errorf("store: upsert date override: %w", err)
	}
	return nil
}

func (p *Postgres) DeleteDateOverride(ctx context.Context, providerID string, date time.Time) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM date_overrides WHERE provider_id = $1 AND date = $2::date`,
		providerID, date.Format(schedule.DateLayout))
	if err != nil {
		return fmt.Errorf("store: delete date override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const eventTypeColumns = `id::text, provider_id, title, slug, description, duration_minutes,
	buffer_before_minutes, buffer_after_minutes, minimum_notice_hours, maximum_days_in_future,
	requires_payment, payment_required_to_book, price_cents, price_currency,
	cancellation_policy_hours, rescheduling_policy_hours, allow_cancellation, allow_rescheduling, active`

func scanEventType(row pgx.Row) (*schedule.EventType, error) {
	var e schedule.EventType
	err := row.Scan(&e.ID, &e.ProviderID, &e.Title, &e.Slug, &e.Description, &e.DurationMinutes,
		&e.BufferBeforeMinutes, &e.BufferAfterMinutes, &e.MinimumNoticeHours, &e.MaximumDaysInFuture,
		&e.RequiresPayment, &e.PaymentRequiredToBook, &e.PriceCents, &e.PriceCurrency,
		&e.CancellationPolicyHours, &e.ReschedulingPolicyHours, &e.AllowCancellation, &e.AllowRescheduling,
		&e.Active)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) EventType(ctx context.Context, id string) (*schedule.EventType, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	e, err := scanEventType(p.pool.QueryRow(ctx, `SELECT `+eventTypeColumns+` FROM event_types WHERE id = $1`, id))
	if err != nil {
		return nil, mapError(err)
	}
	if e.Questions, err = p.questions(ctx, e.ID); err != nil {
		return nil, err
	}
	return e, nil
}

// ListEventTypes lists a provider's event types by title; activeOnly hides retired ones.
func (p *Postgres) ListEventTypes(ctx context.Context, providerID string, activeOnly bool) ([]schedule.EventType, error) {
	q := `SELECT ` + eventTypeColumns + ` FROM event_types
	      WHERE provider_id = $1 AND (active OR NOT $2)
	      ORDER BY title`
	rows, err := p.pool.Query(ctx, q, providerID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("store: list event types: %w", err)
	}
	var out []schedule.EventType
	for rows.Next() {
		e, err := scanEventType(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan event type: %w", err)
		}
		out = append(out, *e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		if out[i].Questions, err = p.questions(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) questions(ctx context.Context, eventTypeID string) ([]schedule.BookingQuestion, error) {
	q := `SELECT id::text, event_type_id::text, label, question_type, required, position, options
	      FROM booking_questions WHERE event_type_id = $1 ORDER BY position`
	rows, err := p.pool.Query(ctx, q, eventTypeID)
	if err != nil {
		return nil, fmt.Errorf("store: booking questions: %w", err)
	}
	defer rows.Close()

	var out []schedule.BookingQuestion
	for rows.Next() {
		var bq schedule.BookingQuestion
		if err := rows.Scan(&bq.ID, &bq.EventTypeID, &bq.Label, &bq.QuestionType, &bq.Required, &bq.Position, &bq.Options); err != nil {
			return nil, fmt.Errorf("store: scan question: %w", err)
		}
		out = append(out, bq)
	}
	return out, rows.Err()
}

// CreateEventType stores e and its questions. A taken slug returns ErrDuplicate.
func (p *Postgres) CreateEventType(ctx context.Context, e *schedule.EventType) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	return p.inTx(ctx, func(q querier) error {
		insert := `INSERT INTO event_types
		           (id, provider_id, title, slug, description, duration_minutes, buffer_before_minutes,
		            buffer_after_minutes, minimum_notice_hours, maximum_days_in_future, requires_payment,
		            payment_required_to_book, price_cents, price_currency, cancellation_policy_hours,
		            rescheduling_policy_hours, allow_cancellation, allow_rescheduling, active)
		           VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)`
		if _, err := q.Exec(ctx, insert,
			e.ID, e.ProviderID, e.Title, e.Slug, e.Description, e.DurationMinutes, e.BufferBeforeMinutes,
			e.BufferAfterMinutes, e.MinimumNoticeHours, e.MaximumDaysInFuture, e.RequiresPayment,
			e.PaymentRequiredToBook, e.PriceCents, e.PriceCurrency, e.CancellationPolicyHours,
			e.ReschedulingPolicyHours, e.AllowCancellation, e.AllowRescheduling, e.Active); err != nil {
			return fmt.Errorf("store: insert event type: %w", err)
		}
		for i := range e.Questions {
			bq := &e.Questions[i]
			if bq.ID == "" {
				bq.ID = uuid.NewString()
			}
			bq.EventTypeID = e.ID
			if bq.Options == nil {
				bq.Options = []string{}
			}
			if _, err := q.Exec(ctx,
				`INSERT INTO booking_questions (id, event_type_id, label, question_type, required, position, options)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				bq.ID, bq.EventTypeID, bq.Label, bq.QuestionType, bq.Required, bq.Position, bq.Options); err != nil {
				return fmt.Errorf("store: insert question: %w", err)
			}
		}
		return nil
	})
}
