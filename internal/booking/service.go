package booking

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"booking-scheduler/internal/config"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/pkg/logging"
)

var bookingTracer = otel.Tracer("scheduler.internal.booking")

// Store reads bookings and event types and opens transactions. Lookups return
// ErrNotFound when nothing matches.
type Store interface {
	EventType(ctx context.Context, id string) (*schedule.EventType, error)
	Booking(ctx context.Context, id string) (*Booking, error)
	BookingByCancellationToken(ctx context.Context, token string) (*Booking, error)
	BookingByRescheduleToken(ctx context.Context, token string) (*Booking, error)
	// WithTx runs fn in one serializable transaction. Overlapping confirmed bookings
	// surface as ErrConflict.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the write side of a transaction.
type Tx interface {
	LockBooking(ctx context.Context, id string) (*Booking, error)
	HasOverlap(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error)
	InsertBooking(ctx context.Context, b *Booking) error
	UpdateStatus(ctx context.Context, id string, status Status, reason string) error
	InsertChange(ctx context.Context, c *Change) error
}

// Availability answers whether a start time is bookable.
type Availability interface {
	Location(ctx context.Context, providerID, tz string) (*time.Location, error)
	IsAvailableAt(ctx context.Context, providerID string, et schedule.EventType, t time.Time, durationMinutes int, tz, excludeID string) (bool, error)
	HasConflict(ctx context.Context, providerID string, start, end time.Time, excludeID string) (bool, error)
}

// PaymentInput is the client's payment method for up-front charges.
type PaymentInput struct {
	Provider payments.Provider `json:"provider"`
	Token    string            `json:"token"`
}

type CreateRequest struct {
	ProviderID  string
	EventTypeID string
	Start       time.Time
	Timezone    string
	ClientName  string
	ClientEmail string
	Notes       string
	Answers     []Answer
	Payment     *PaymentInput
}

// Service owns booking transitions.
type Service struct {
	store       Store
	avail       Availability
	payments    *payments.Registry
	outbox      Outbox
	policy      config.Scheduling
	logger      *logging.Logger
	metrics     *metrics.SchedulingMetrics
	now         func() time.Time
	newIdentity func() (Identity, error)
}

func NewService(store Store, avail Availability, pay *payments.Registry, outbox Outbox, policy config.Scheduling, logger *logging.Logger, m *metrics.SchedulingMetrics) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if pay == nil {
		pay = payments.NewRegistry()
	}
	return &Service{
		store:       store,
		avail:       avail,
		payments:    pay,
		outbox:      outbox,
		policy:      policy,
		logger:      logger,
		metrics:     m,
		now:         time.Now,
		newIdentity: NewIdentity,
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Create books req.Start for the event type's duration. Up-front payments are charged
// before the booking is stored and refunded if the booking is then rejected.
func (s *Service) Create(ctx context.Context, req CreateRequest) (_ *Booking, err error) {
	ctx, span := bookingTracer.Start(ctx, "booking.create")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduling.provider_id", req.ProviderID),
		attribute.String("scheduling.event_type_id", req.EventTypeID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		s.metrics.ObserveBooking("create", resultLabel(err))
	}()

	et, err := s.store.EventType(ctx, req.EventTypeID)
	if err != nil {
		return nil, err
	}
	if !et.Active || et.ProviderID != req.ProviderID {
		return nil, ErrNotFound
	}

	start := req.Start.UTC()
	end := start.Add(et.Duration())
	loc, err := s.avail.Location(ctx, req.ProviderID, req.Timezone)
	if err != nil {
		return nil, err
	}
	// stored so a reschedule frames working hours the same way
	tz := loc.String()

	var fields fieldErrors
	if strings.TrimSpace(req.ClientName) == "" {
		fields.add("client_name", "is required")
	}
	checkEmail(&fields, req.ClientEmail)
	checkAnswers(&fields, *et, req.Answers)
	if err := s.checkTime(ctx, &fields, *et, req.ProviderID, start, tz, ""); err != nil {
		return nil, err
	}
	if err := fields.err(); err != nil {
		return nil, err
	}

	id, err := s.newIdentity()
	if err != nil {
		return nil, err
	}

	b := &Booking{
		ID:                id.ID,
		UID:               id.UID,
		ProviderID:        req.ProviderID,
		EventTypeID:       et.ID,
		ClientName:        strings.TrimSpace(req.ClientName),
		ClientEmail:       strings.TrimSpace(req.ClientEmail),
		Notes:             req.Notes,
		StartTime:         start,
		EndTime:           end,
		Timezone:          tz,
		Status:            StatusConfirmed,
		PaymentStatus:     PaymentNotRequired,
		CancellationToken: id.CancellationToken,
		RescheduleToken:   id.RescheduleToken,
		Answers:           req.Answers,
	}

	switch {
	case et.Free():
	case et.PaymentUpFront():
		if req.Payment != nil && req.Payment.Token != "" {
			p, err := s.charge(ctx, *et, *req.Payment, b, id.PaymentID)
			if err != nil {
				return nil, err
			}
			b.Payment = p
			b.PaymentStatus = PaymentPaid
		}
		if b.PaymentStatus != PaymentPaid {
			return nil, &ValidationError{Fields: []FieldError{{Field: "payment_status", Message: "must be completed before booking"}}}
		}
	default:
		b.PaymentStatus = PaymentPending
		b.Payment = &payments.Payment{
			ID:          id.PaymentID,
			BookingID:   b.ID,
			Provider:    s.paymentProvider(req.Payment),
			AmountCents: et.PriceCents,
			Currency:    s.currency(*et),
			Status:      payments.StatusPending,
		}
	}

	err = s.store.WithTx(ctx, func(tx Tx) error {
		overlap, err := tx.HasOverlap(ctx, b.ProviderID, start.Add(-et.BufferBefore()), end.Add(et.BufferAfter()), "")
		if err != nil {
			return err
		}
		if overlap {
			return &ConflictError{Start: start, End: end}
		}
		return tx.InsertBooking(ctx, b)
	})
	if err != nil {
		err = s.txError(err, start, end)
		if b.PaymentStatus == PaymentPaid {
			s.compensate(ctx, b)
		}
		return nil, err
	}

	s.logger.Info("booking created",
		"booking_id", b.ID,
		"provider_id", b.ProviderID,
		"event_type_id", b.EventTypeID,
		"start_time", b.StartTime,
		"payment_status", b.PaymentStatus,
	)
	s.dispatch(ctx,
		Effect{Kind: EffectConfirmationEmail, BookingID: b.ID},
		Effect{Kind: EffectCalendarCreate, BookingID: b.ID},
	)
	return b, nil
}

// Cancel cancels the booking holding the cancellation token.
func (s *Service) Cancel(ctx context.Context, token, reason string, by Initiator) (_ *Booking, err error) {
	ctx, span := bookingTracer.Start(ctx, "booking.cancel")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		s.metrics.ObserveBooking("cancel", resultLabel(err))
	}()

	if token == "" {
		return nil, ErrNotFound
	}
	b, err := s.store.BookingByCancellationToken(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("scheduling.booking_id", b.ID))
	et, err := s.store.EventType(ctx, b.EventTypeID)
	if err != nil {
		return nil, fmt.Errorf("booking: load event type: %w", err)
	}
	if err := s.canCancel(*b, *et); err != nil {
		return nil, err
	}

	var cancelled Booking
	err = s.store.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockBooking(ctx, b.ID)
		if err != nil {
			return err
		}
		if err := s.canCancel(*locked, *et); err != nil {
			return err
		}
		if err := tx.InsertChange(ctx, &Change{
			BookingID:   locked.ID,
			ChangeType:  ChangeCancelled,
			OldStart:    locked.StartTime,
			OldEnd:      locked.EndTime,
			Reason:      reason,
			InitiatedBy: initiator(by, InitiatedByClient),
			CreatedAt:   s.now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, locked.ID, StatusCancelled, reason); err != nil {
			return err
		}
		cancelled = *locked
		cancelled.Status = StatusCancelled
		cancelled.CancellationReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("booking cancelled", "booking_id", cancelled.ID, "initiated_by", initiator(by, InitiatedByClient))
	effects := []Effect{
		{Kind: EffectCancellationEmail, BookingID: cancelled.ID},
		{Kind: EffectCalendarDelete, BookingID: cancelled.ID},
	}
	if cancelled.Payment != nil && cancelled.Payment.Status == payments.StatusCompleted {
		effects = append(effects, Effect{Kind: EffectRefundBooking, BookingID: cancelled.ID, Reason: reason})
	}
	s.dispatch(ctx, effects...)
	return &cancelled, nil
}

// Reschedule moves the booking holding the reschedule token to newStart. The old booking
// is retired as rescheduled and a linked replacement is returned.
func (s *Service) Reschedule(ctx context.Context, token string, newStart time.Time, reason string, by Initiator) (_ *Booking, err error) {
	ctx, span := bookingTracer.Start(ctx, "booking.reschedule")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		s.metrics.ObserveBooking("reschedule", resultLabel(err))
	}()

	if token == "" {
		return nil, ErrNotFound
	}
	old, err := s.store.BookingByRescheduleToken(ctx, token)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("scheduling.booking_id", old.ID))
	et, err := s.store.EventType(ctx, old.EventTypeID)
	if err != nil {
		return nil, fmt.Errorf("booking: load event type: %w", err)
	}
	if err := s.canReschedule(*old, *et); err != nil {
		return nil, err
	}

	start := newStart.UTC()
	end := start.Add(et.Duration())
	var fields fieldErrors
	if err := s.checkTime(ctx, &fields, *et, old.ProviderID, start, old.Timezone, old.ID); err != nil {
		return nil, err
	}
	if err := fields.err(); err != nil {
		return nil, err
	}

	id, err := s.newIdentity()
	if err != nil {
		return nil, err
	}
	next := old.RescheduledTo(start, end, id)

	err = s.store.WithTx(ctx, func(tx Tx) error {
		locked, err := tx.LockBooking(ctx, old.ID)
		if err != nil {
			return err
		}
		if err := s.canReschedule(*locked, *et); err != nil {
			return err
		}
		overlap, err := tx.HasOverlap(ctx, locked.ProviderID, start.Add(-et.BufferBefore()), end.Add(et.BufferAfter()), locked.ID)
		if err != nil {
			return err
		}
		if overlap {
			return &ConflictError{Start: start, End: end}
		}
		if err := tx.InsertChange(ctx, &Change{
			BookingID:   locked.ID,
			ChangeType:  ChangeRescheduled,
			OldStart:    locked.StartTime,
			OldEnd:      locked.EndTime,
			NewStart:    &start,
			NewEnd:      &end,
			Reason:      reason,
			InitiatedBy: initiator(by, InitiatedByClient),
			CreatedAt:   s.now().UTC(),
		}); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, locked.ID, StatusRescheduled, ""); err != nil {
			return err
		}
		return tx.InsertBooking(ctx, &next)
	})
	if err != nil {
		return nil, s.txError(err, start, end)
	}

	s.logger.Info("booking rescheduled",
		"booking_id", old.ID,
		"new_booking_id", next.ID,
		"old_start_time", old.StartTime,
		"new_start_time", next.StartTime,
	)
	s.dispatch(ctx,
		Effect{Kind: EffectRescheduleEmail, BookingID: old.ID, RelatedID: next.ID},
		Effect{Kind: EffectCalendarUpdate, BookingID: old.ID, RelatedID: next.ID},
	)
	return &next, nil
}

// Complete marks a confirmed booking that has started as completed.
func (s *Service) Complete(ctx context.Context, bookingID string, by Initiator) (*Booking, error) {
	return s.close(ctx, "complete", bookingID, StatusCompleted, ChangeCompleted, by)
}

// NoShow marks a confirmed booking that has started as a no-show.
func (s *Service) NoShow(ctx context.Context, bookingID string, by Initiator) (*Booking, error) {
	return s.close(ctx, "no_show", bookingID, StatusNoShow, ChangeNoShow, by)
}

func (s *Service) close(ctx context.Context, op, bookingID string, status Status, change ChangeType, by Initiator) (_ *Booking, err error) {
	ctx, span := bookingTracer.Start(ctx, "booking."+op)
	defer span.End()
	span.SetAttributes(attribute.String("scheduling.booking_id", bookingID))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		s.metrics.ObserveBooking(op, resultLabel(err))
	}()

	if by != InitiatedByMember && by != InitiatedBySystem {
		return nil, &ValidationError{Fields: []FieldError{{Field: "initiated_by", Message: "must be member or system"}}}
	}

	var closed Booking
	err = s.store.WithTx(ctx, func(tx Tx) error {
		b, err := tx.LockBooking(ctx, bookingID)
		if err != nil {
			return err
		}
		if b.Status != StatusConfirmed {
			return &PolicyError{Action: op, Reason: "booking is " + string(b.Status)}
		}
		now := s.now().UTC()
		if now.Before(b.StartTime) {
			return &PolicyError{Action: op, Reason: "booking has not started"}
		}
		if err := tx.InsertChange(ctx, &Change{
			BookingID:   b.ID,
			ChangeType:  change,
			OldStart:    b.StartTime,
			OldEnd:      b.EndTime,
			InitiatedBy: by,
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		if err := tx.UpdateStatus(ctx, b.ID, status, ""); err != nil {
			return err
		}
		closed = *b
		closed.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("booking closed", "booking_id", closed.ID, "status", closed.Status, "initiated_by", by)
	return &closed, nil
}

// checkTime appends field errors for a start time that is outside the schedule or the
// booking window. A start rejected only because it is taken returns a ConflictError.
func (s *Service) checkTime(ctx context.Context, fields *fieldErrors, et schedule.EventType, providerID string, start time.Time, tz, excludeID string) error {
	now := s.now()
	if !start.After(now.Add(et.MinimumNotice())) {
		fields.add("start_time", "requires at least %d hours notice", et.MinimumNoticeHours)
	}
	if start.After(now.Add(et.Horizon())) {
		fields.add("start_time", "cannot book more than %d days in advance", et.MaximumDaysInFuture)
	}

	ok, err := s.avail.IsAvailableAt(ctx, providerID, et, start, et.DurationMinutes, tz, excludeID)
	if err != nil {
		return fmt.Errorf("booking: check availability: %w", err)
	}
	if ok {
		return nil
	}
	end := start.Add(et.Duration())
	taken, err := s.avail.HasConflict(ctx, providerID, start.Add(-et.BufferBefore()), end.Add(et.BufferAfter()), excludeID)
	if err != nil {
		return fmt.Errorf("booking: check conflicts: %w", err)
	}
	if taken {
		fields.add("start_time", "conflicts with another booking")
		if len(*fields) == 1 {
			return &ConflictError{Start: start, End: end}
		}
		return nil
	}
	fields.add("start_time", "is not within available hours")
	return nil
}

func checkEmail(fields *fieldErrors, email string) {
	email = strings.TrimSpace(email)
	if email == "" {
		fields.add("client_email", "is required")
		return
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		fields.add("client_email", "is invalid")
	}
}

func checkAnswers(fields *fieldErrors, et schedule.EventType, answers []Answer) {
	given := make(map[string]string, len(answers))
	for _, a := range answers {
		given[a.QuestionID] = a.Answer
	}
	for _, q := range et.RequiredQuestions() {
		if strings.TrimSpace(given[q.ID]) == "" {
			fields.add("answers", "%s is required", q.Label)
		}
	}
}

func (s *Service) canCancel(b Booking, et schedule.EventType) error {
	if b.CanCancel(et, s.now()) {
		return nil
	}
	return policyError("cancel", b, et.AllowCancellation, et.CancellationPolicyHours)
}

func (s *Service) canReschedule(b Booking, et schedule.EventType) error {
	if b.CanReschedule(et, s.now()) {
		return nil
	}
	return policyError("reschedule", b, et.AllowRescheduling, et.ReschedulingPolicyHours)
}

func policyError(action string, b Booking, allowed bool, hours int) error {
	switch {
	case b.Status != StatusConfirmed:
		return &PolicyError{Action: action, PolicyHours: hours, Reason: "booking is " + string(b.Status)}
	case !allowed:
		return &PolicyError{Action: action, PolicyHours: hours, Reason: "not allowed for this event type"}
	default:
		return &PolicyError{Action: action, PolicyHours: hours}
	}
}

func (s *Service) charge(ctx context.Context, et schedule.EventType, in PaymentInput, b *Booking, paymentID string) (*payments.Payment, error) {
	provider := s.paymentProvider(&in)
	ad, err := s.payments.Get(provider)
	if err != nil {
		return nil, &PaymentError{Provider: provider, Message: "payment provider is not available", Err: err}
	}
	res, err := ad.Charge(ctx, payments.ChargeRequest{
		AmountCents:    et.PriceCents,
		Currency:       s.currency(et),
		Source:         in.Token,
		Email:          b.ClientEmail,
		Description:    et.Title,
		Metadata:       map[string]string{"booking_uid": b.UID, "event_type_id": et.ID},
		IdempotencyKey: b.UID,
	})
	if err != nil {
		if d, ok := payments.IsDeclined(err); ok {
			return nil, &PaymentError{Provider: provider, Message: d.Message, Err: err}
		}
		s.logger.Error("charge failed", "provider", provider, "booking_uid", b.UID, "error", err)
		return nil, &PaymentError{Provider: provider, Message: "payment could not be processed", Err: err}
	}
	paidAt := res.PaidAt
	if paidAt.IsZero() {
		paidAt = s.now().UTC()
	}
	return &payments.Payment{
		ID:            paymentID,
		BookingID:     b.ID,
		Provider:      provider,
		AmountCents:   res.AmountCents,
		Currency:      res.Currency,
		Status:        payments.StatusCompleted,
		TransactionID: res.TransactionID,
		PaidAt:        &paidAt,
	}, nil
}

func (s *Service) paymentProvider(in *PaymentInput) payments.Provider {
	if in != nil && in.Provider != "" {
		return in.Provider
	}
	if s.policy.DefaultPaymentProvider != "" {
		return payments.Provider(s.policy.DefaultPaymentProvider)
	}
	return payments.Manual
}

func (s *Service) currency(et schedule.EventType) string {
	if et.PriceCurrency != "" {
		return et.PriceCurrency
	}
	return s.policy.DefaultCurrency
}

// compensate queues a refund for a charge whose booking was never stored.
func (s *Service) compensate(ctx context.Context, b *Booking) {
	p := b.Payment
	s.logger.Warn("refunding charge for rejected booking",
		"booking_uid", b.UID,
		"provider", p.Provider,
		"transaction_id", p.TransactionID,
	)
	s.dispatch(ctx, Effect{
		Kind:   EffectRefundCharge,
		Reason: "booking rejected",
		Charge: &Charge{
			Provider:      p.Provider,
			TransactionID: p.TransactionID,
			AmountCents:   p.AmountCents,
			Currency:      p.Currency,
		},
	})
}

func (s *Service) txError(err error, start, end time.Time) error {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, ErrConflict) {
		return &ConflictError{Start: start, End: end}
	}
	return err
}

// dispatch enqueues effects after a commit. Enqueue failures are logged, never returned:
// the transition already happened.
func (s *Service) dispatch(ctx context.Context, effects ...Effect) {
	if s.outbox == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, e := range effects {
		if e.Kind.Email() && !s.policy.SendConfirmationEmails {
			continue
		}
		if err := s.outbox.Enqueue(ctx, e); err != nil {
			s.logger.Error("enqueue side effect failed", "kind", e.Kind, "booking_id", e.BookingID, "error", err)
		}
	}
}

func initiator(by, fallback Initiator) Initiator {
	if by.Valid() {
		return by
	}
	return fallback
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrPayment):
		return "payment_failed"
	case errors.Is(err, ErrValidation):
		return "rejected"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
