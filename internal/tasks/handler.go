// Package tasks runs booking side effects outside the request path: emails, calendar sync
// and refunds. Effects are queued after a transition commits and retried independently.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/notify"
	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/pkg/logging"
)

var ErrUnknownEffect = errors.New("tasks: unknown effect")

// DefaultEffectTimeout bounds one attempt at an effect, external calls included.
const DefaultEffectTimeout = 30 * time.Second

type Notifier interface {
	Send(ctx context.Context, kind booking.EffectKind, bookingID, relatedID string) error
}

type CalendarSync interface {
	Create(ctx context.Context, item calendar.Item) error
	Replace(ctx context.Context, old, next calendar.Item) error
	Delete(ctx context.Context, item calendar.Item) error
}

type Refunds interface {
	RefundBooking(ctx context.Context, bookingID, reason string) error
	RefundCharge(ctx context.Context, provider payments.Provider, req payments.RefundRequest) error
}

type BookingStore interface {
	Booking(ctx context.Context, id string) (*booking.Booking, error)
	EventType(ctx context.Context, id string) (*schedule.EventType, error)
}

// EffectHandler executes one effect.
type EffectHandler interface {
	Handle(ctx context.Context, e booking.Effect) error
}

// Handler routes effects to the component that performs them. Nil collaborators turn
// their effects into logged no-ops.
type Handler struct {
	store     BookingStore
	notifier  Notifier
	calendars CalendarSync
	refunds   Refunds
	timeout   time.Duration
	logger    *logging.Logger
	metrics   *metrics.SchedulingMetrics
}

func NewHandler(store BookingStore, notifier Notifier, calendars CalendarSync, refunds Refunds, logger *logging.Logger, m *metrics.SchedulingMetrics) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:     store,
		notifier:  notifier,
		calendars: calendars,
		refunds:   refunds,
		timeout:   DefaultEffectTimeout,
		logger:    logger,
		metrics:   m,
	}
}

// WithTimeout changes the per-attempt deadline.
func (h *Handler) WithTimeout(d time.Duration) *Handler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

func (h *Handler) Handle(ctx context.Context, e booking.Effect) (err error) {
	defer func() { h.metrics.ObserveSideEffect(string(e.Kind), err) }()
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch e.Kind {
	case booking.EffectConfirmationEmail, booking.EffectCancellationEmail, booking.EffectRescheduleEmail:
		if h.notifier == nil {
			h.skip(e, "notifier")
			return nil
		}
		return h.notifier.Send(ctx, e.Kind, e.BookingID, e.RelatedID)

	case booking.EffectCalendarCreate, booking.EffectCalendarDelete:
		if h.calendars == nil {
			h.skip(e, "calendar sync")
			return nil
		}
		item, err := h.item(ctx, e.BookingID)
		if err != nil {
			return err
		}
		if e.Kind == booking.EffectCalendarCreate {
			return h.calendars.Create(ctx, item)
		}
		return h.calendars.Delete(ctx, item)

	case booking.EffectCalendarUpdate:
		if h.calendars == nil {
			h.skip(e, "calendar sync")
			return nil
		}
		old, err := h.item(ctx, e.BookingID)
		if err != nil {
			return err
		}
		next, err := h.item(ctx, e.RelatedID)
		if err != nil {
			return err
		}
		return h.calendars.Replace(ctx, old, next)

	case booking.EffectRefundBooking:
		if h.refunds == nil {
			h.skip(e, "refunder")
			return nil
		}
		return h.refunds.RefundBooking(ctx, e.BookingID, e.Reason)

	case booking.EffectRefundCharge:
		if e.Charge == nil {
			return fmt.Errorf("%w: %s without charge", ErrUnknownEffect, e.Kind)
		}
		if h.refunds == nil {
			h.logger.Error("refund charge dropped: no refunder", "alert", true,
				"provider", e.Charge.Provider, "transaction_id", e.Charge.TransactionID)
			return nil
		}
		return h.refunds.RefundCharge(ctx, e.Charge.Provider, payments.RefundRequest{
			TransactionID: e.Charge.TransactionID,
			AmountCents:   e.Charge.AmountCents,
			Currency:      e.Charge.Currency,
			Reason:        e.Reason,
		})
	}
	return fmt.Errorf("%w: %q", ErrUnknownEffect, e.Kind)
}

func (h *Handler) skip(e booking.Effect, what string) {
	h.logger.Debug("side effect skipped: "+what+" not configured", "kind", e.Kind, "booking_id", e.BookingID)
}

// item loads a booking as the calendar sync sees it.
func (h *Handler) item(ctx context.Context, bookingID string) (calendar.Item, error) {
	b, err := h.store.Booking(ctx, bookingID)
	if err != nil {
		return calendar.Item{}, fmt.Errorf("tasks: load booking %s: %w", bookingID, err)
	}
	et, err := h.store.EventType(ctx, b.EventTypeID)
	if err != nil {
		return calendar.Item{}, fmt.Errorf("tasks: load event type %s: %w", b.EventTypeID, err)
	}
	ids := make(map[calendar.Provider]string, len(b.ExternalEventIDs))
	for p, id := range b.ExternalEventIDs {
		ids[calendar.Provider(p)] = id
	}
	return calendar.Item{
		BookingID:  b.ID,
		ProviderID: b.ProviderID,
		Event: calendar.Event{
			Summary:       et.Title + " with " + b.ClientName,
			Description:   b.Notes,
			Start:         b.StartTime,
			End:           b.EndTime,
			Timezone:      b.Timezone,
			AttendeeEmail: b.ClientEmail,
			AttendeeName:  b.ClientName,
		},
		ExternalIDs: ids,
	}, nil
}

// Permanent reports whether retrying err cannot succeed.
func Permanent(err error) bool {
	return errors.Is(err, booking.ErrNotFound) ||
		errors.Is(err, ErrUnknownEffect) ||
		errors.Is(err, notify.ErrUnknownKind)
}
