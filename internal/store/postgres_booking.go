package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/slots"
)

const bookingColumns = `id::text, uid::text, provider_id, event_type_id::text, client_name, client_email,
	notes, start_time, end_time, timezone, status, payment_status, cancellation_token, reschedule_token,
	COALESCE(rescheduled_from_id::text, ''), cancellation_reason, created_at, updated_at`

func scanBooking(row pgx.Row) (*booking.Booking, error) {
	var (
		b                     booking.Booking
		status, paymentStatus string
	)
	if err := row.Scan(&b.ID, &b.UID, &b.ProviderID, &b.EventTypeID, &b.ClientName, &b.ClientEmail,
		&b.Notes, &b.StartTime, &b.EndTime, &b.Timezone, &status, &paymentStatus,
		&b.CancellationToken, &b.RescheduleToken, &b.RescheduledFromID, &b.CancellationReason,
		&b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	b.Status = booking.Status(status)
	b.PaymentStatus = booking.PaymentStatus(paymentStatus)
	return &b, nil
}

func (p *Postgres) Booking(ctx context.Context, id string) (*booking.Booking, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	return loadBooking(ctx, p.pool, `id = $1`, id, false)
}

func (p *Postgres) BookingByCancellationToken(ctx context.Context, token string) (*booking.Booking, error) {
	return loadBooking(ctx, p.pool, `cancellation_token = $1`, token, false)
}

func (p *Postgres) BookingByRescheduleToken(ctx context.Context, token string) (*booking.Booking, error) {
	return loadBooking(ctx, p.pool, `reschedule_token = $1`, token, false)
}

// loadBooking reads one booking with its answers, payment and external event ids.
func loadBooking(ctx context.Context, q querier, where string, arg any, forUpdate bool) (*booking.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM bookings WHERE ` + where
	if forUpdate {
		query += ` FOR UPDATE`
	}
	b, err := scanBooking(q.QueryRow(ctx, query, arg))
	if err != nil {
		return nil, mapError(err)
	}

	if b.Answers, err = loadAnswers(ctx, q, b.ID); err != nil {
		return nil, err
	}
	pay, err := paymentForBooking(ctx, q, b.ID)
	switch {
	case err == nil:
		b.Payment = pay
	case !errors.Is(err, payments.ErrNotFound):
		return nil, err
	}
	if b.ExternalEventIDs, err = loadExternalIDs(ctx, q, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func loadAnswers(ctx context.Context, q querier, bookingID string) ([]booking.Answer, error) {
	rows, err := q.Query(ctx, `SELECT question_id, answer FROM booking_answers WHERE booking_id = $1 ORDER BY question_id`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("store: load answers: %w", err)
	}
	defer rows.Close()

	var out []booking.Answer
	for rows.Next() {
		var a booking.Answer
		if err := rows.Scan(&a.QuestionID, &a.Answer); err != nil {
			return nil, fmt.Errorf("store: scan answer: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func loadExternalIDs(ctx context.Context, q querier, bookingID string) (map[string]string, error) {
	rows, err := q.Query(ctx, `SELECT provider, event_id FROM booking_external_events WHERE booking_id = $1`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("store: load external events: %w", err)
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var provider, eventID string
		if err := rows.Scan(&provider, &eventID); err != nil {
			return nil, fmt.Errorf("store: scan external event: %w", err)
		}
		out[provider] = eventID
	}
	return out, rows.Err()
}

const paymentColumns = `id::text, booking_id::text, provider, amount_cents, currency, status, transaction_id, paid_at`

func paymentForBooking(ctx context.Context, q querier, bookingID string) (*payments.Payment, error) {
	var (
		pay              payments.Payment
		provider, status string
	)
	err := q.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE booking_id = $1`, bookingID).
		Scan(&pay.ID, &pay.BookingID, &provider, &pay.AmountCents, &pay.Currency, &status, &pay.TransactionID, &pay.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payments.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load payment: %w", err)
	}
	pay.Provider = payments.Provider(provider)
	pay.Status = payments.Status(status)
	return &pay, nil
}

// PaymentForBooking returns payments.ErrNotFound when the booking carries no payment.
func (p *Postgres) PaymentForBooking(ctx context.Context, bookingID string) (*payments.Payment, error) {
	if !validID(bookingID) {
		return nil, payments.ErrNotFound
	}
	return paymentForBooking(ctx, p.pool, bookingID)
}

// MarkRefunded flips the payment and the booking's payment status together.
func (p *Postgres) MarkRefunded(ctx context.Context, paymentID, bookingID string) error {
	return p.inTx(ctx, func(q querier) error {
		if _, err := q.Exec(ctx, `UPDATE payments SET status = 'refunded', updated_at = now() WHERE id = $1`, paymentID); err != nil {
			return fmt.Errorf("store: refund payment: %w", err)
		}
		if _, err := q.Exec(ctx, `UPDATE bookings SET payment_status = 'refunded', updated_at = now() WHERE id = $1`, bookingID); err != nil {
			return fmt.Errorf("store: refund booking: %w", err)
		}
		return nil
	})
}

// ConfirmedIntervals returns the intervals of confirmed bookings overlapping [from, to).
func (p *Postgres) ConfirmedIntervals(ctx context.Context, providerID string, from, to time.Time, excludeID string) ([]slots.Slot, error) {
	q := `SELECT start_time, end_time FROM bookings
	      WHERE provider_id = $1 AND status = 'confirmed'
	        AND start_time < $3 AND end_time > $2 AND id::text <> $4
	      ORDER BY start_time`
	rows, err := p.pool.Query(ctx, q, providerID, from, to, excludeID)
	if err != nil {
		return nil, fmt.Errorf("store: confirmed intervals: %w", err)
	}
	defer rows.Close()

	var out []slots.Slot
	for rows.Next() {
		var s slots.Slot
		if err := rows.Scan(&s.Start, &s.End); err != nil {
			return nil, fmt.Errorf("store: scan interval: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListBookings lists a provider's bookings by start time, limited to [from, to) when
// filtered is set. Answers and payments are not loaded.
func (p *Postgres) ListBookings(ctx context.Context, providerID string, from, to time.Time, filtered bool) ([]booking.Booking, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if filtered {
		q := `SELECT ` + bookingColumns + ` FROM bookings
		      WHERE provider_id = $1 AND start_time >= $2 AND start_time < $3
		      ORDER BY start_time`
		rows, err = p.pool.Query(ctx, q, providerID, from, to)
	} else {
		q := `SELECT ` + bookingColumns + ` FROM bookings WHERE provider_id = $1 ORDER BY start_time`
		rows, err = p.pool.Query(ctx, q, providerID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: list bookings: %w", err)
	}
	defer rows.Close()

	var out []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan booking: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// BookingChanges returns the audit trail of a booking, oldest first.
func (p *Postgres) BookingChanges(ctx context.Context, bookingID string) ([]booking.Change, error) {
	if !validID(bookingID) {
		return nil, ErrNotFound
	}
	q := `SELECT id::text, booking_id::text, change_type, old_start_time, old_end_time,
	             new_start_time, new_end_time, reason, initiated_by, created_at
	      FROM booking_changes WHERE booking_id = $1 ORDER BY created_at`
	rows, err := p.pool.Query(ctx, q, bookingID)
	if err != nil {
		return nil, fmt.Errorf("store: list changes: %w", err)
	}
	defer rows.Close()

	var out []booking.Change
	for rows.Next() {
		var (
			c                     booking.Change
			changeType, initiator string
		)
		if err := rows.Scan(&c.ID, &c.BookingID, &changeType, &c.OldStart, &c.OldEnd,
			&c.NewStart, &c.NewEnd, &c.Reason, &initiator, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan change: %w", err)
		}
		c.ChangeType = booking.ChangeType(changeType)
		c.InitiatedBy = booking.Initiator(initiator)
		out = append(out, c)
	}
	return out, rows.Err()
}

// pgTx is the write side handed to booking.Service inside WithTx.
type pgTx struct {
	q querier
}

func (t *pgTx) LockBooking(ctx context.Context, id string) (*booking.Booking, error) {
	return loadBooking(ctx, t.q, `id = $1`, id, true)
}

func (t *pgTx) HasOverlap(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error) {
	// Lock any confirmed booking that would overlap.
	q := `SELECT id::text FROM bookings
	      WHERE provider_id = $1 AND status = 'confirmed'
	        AND start_time < $3 AND end_time > $2 AND id::text <> $4
	      LIMIT 1 FOR UPDATE`
	var existingID string
	err := t.q.QueryRow(ctx, q, providerID, start, end, excludeID).Scan(&existingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: overlap check: %w", err)
	}
	return true, nil
}

func (t *pgTx) InsertBooking(ctx context.Context, b *booking.Booking) error {
	q := `INSERT INTO bookings
	      (id, uid, provider_id, event_type_id, client_name, client_email, notes, start_time, end_time,
	       timezone, status, payment_status, cancellation_token, reschedule_token, rescheduled_from_id)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,NULLIF($15, '')::uuid)
	      RETURNING created_at, updated_at`
	err := t.q.QueryRow(ctx, q,
		b.ID, b.UID, b.ProviderID, b.EventTypeID, b.ClientName, b.ClientEmail, b.Notes,
		b.StartTime, b.EndTime, b.Timezone, string(b.Status), string(b.PaymentStatus),
		b.CancellationToken, b.RescheduleToken, b.RescheduledFromID,
	).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: insert booking: %w", err)
	}

	for _, a := range b.Answers {
		if _, err := t.q.Exec(ctx,
			`INSERT INTO booking_answers (booking_id, question_id, answer) VALUES ($1,$2,$3)
			 ON CONFLICT (booking_id, question_id) DO UPDATE SET answer = EXCLUDED.answer`,
			b.ID, a.QuestionID, a.Answer); err != nil {
			return fmt.Errorf("store: insert answer: %w", err)
		}
	}

	if pay := b.Payment; pay != nil {
		if pay.ID == "" {
			pay.ID = uuid.NewString()
		}
		pay.BookingID = b.ID
		if _, err := t.q.Exec(ctx,
			`INSERT INTO payments (id, booking_id, provider, amount_cents, currency, status, transaction_id, paid_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			pay.ID, pay.BookingID, string(pay.Provider), pay.AmountCents, pay.Currency, string(pay.Status),
			pay.TransactionID, pay.PaidAt); err != nil {
			return fmt.Errorf("store: insert payment: %w", err)
		}
	}
	return nil
}

func (t *pgTx) UpdateStatus(ctx context.Context, id string, status booking.Status, reason string) error {
	q := `UPDATE bookings
	      SET status = $2,
	          cancellation_reason = CASE WHEN $3 = '' THEN cancellation_reason ELSE $3 END,
	          updated_at = now()
	      WHERE id = $1`
	tag, err := t.q.Exec(ctx, q, id, string(status), reason)
	if err != nil {
		return fmt.Errorf("store: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) InsertChange(ctx context.Context, c *booking.Change) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO booking_changes
	      (id, booking_id, change_type, old_start_time, old_end_time, new_start_time, new_end_time,
	       reason, initiated_by, created_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := t.q.Exec(ctx, q, c.ID, c.BookingID, string(c.ChangeType), c.OldStart, c.OldEnd,
		c.NewStart, c.NewEnd, c.Reason, string(c.InitiatedBy), c.CreatedAt); err != nil {
		return fmt.Errorf("store: insert change: %w", err)
	}
	return nil
}
