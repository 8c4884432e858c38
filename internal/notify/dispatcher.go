// Package notify sends the client-facing booking emails. Each email is sent at most once
// per booking and kind; the dedupe key lives in Redis so retries from any worker agree.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/pkg/logging"
)

// DefaultDedupeTTL bounds how long a sent marker is remembered.
const DefaultDedupeTTL = 7 * 24 * time.Hour

var ErrUnknownKind = errors.New("notify: unknown notification kind")

// BookingStore loads what an email describes.
type BookingStore interface {
	Booking(ctx context.Context, id string) (*booking.Booking, error)
	EventType(ctx context.Context, id string) (*schedule.EventType, error)
}

// Dispatcher renders and sends booking emails.
type Dispatcher struct {
	store     BookingStore
	email     EmailSender
	redis     *redis.Client
	publicURL string
	ttl       time.Duration
	logger    *logging.Logger
}

// NewDispatcher builds a dispatcher. A nil redis client disables deduplication.
func NewDispatcher(store BookingStore, email EmailSender, rdb *redis.Client, publicURL string, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Dispatcher{
		store:     store,
		email:     email,
		redis:     rdb,
		publicURL: strings.TrimRight(publicURL, "/"),
		ttl:       DefaultDedupeTTL,
		logger:    logger,
	}
}

func dedupeKey(kind booking.EffectKind, bookingID, relatedID string) string {
	key := "notify:" + string(kind) + ":" + bookingID
	if relatedID != "" {
		key += ":" + relatedID
	}
	return key
}

// Send delivers the email of kind about bookingID. relatedID is the replacement booking
// for reschedule emails. A repeated call for the same booking and kind is a no-op.
func (d *Dispatcher) Send(ctx context.Context, kind booking.EffectKind, bookingID, relatedID string) error {
	if !kind.Email() {
		return fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	msg, err := d.render(ctx, kind, bookingID, relatedID)
	if err != nil {
		return err
	}

	key := dedupeKey(kind, bookingID, relatedID)
	if d.redis != nil {
		first, err := d.redis.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
		if err != nil {
			return fmt.Errorf("notify: claim %s: %w", key, err)
		}
		if !first {
			d.logger.Info("notification already sent", "kind", kind, "booking_id", bookingID)
			return nil
		}
	}

	if err := d.email.Send(ctx, msg); err != nil {
		if d.redis != nil {
			// release the claim so the retry can send
			if derr := d.redis.Del(context.WithoutCancel(ctx), key).Err(); derr != nil {
				d.logger.Warn("release notification claim failed", "key", key, "error", derr)
			}
		}
		return err
	}
	return nil
}

func (d *Dispatcher) render(ctx context.Context, kind booking.EffectKind, bookingID, relatedID string) (EmailMessage, error) {
	b, err := d.store.Booking(ctx, bookingID)
	if err != nil {
		return EmailMessage{}, fmt.Errorf("notify: load booking %s: %w", bookingID, err)
	}
	et, err := d.store.EventType(ctx, b.EventTypeID)
	if err != nil {
		return EmailMessage{}, fmt.Errorf("notify: load event type %s: %w", b.EventTypeID, err)
	}

	msg := EmailMessage{To: b.ClientEmail, ToName: b.ClientName}
	var body strings.Builder
	fmt.Fprintf(&body, "Hi %s,\n\n", b.ClientName)

	switch kind {
	case booking.EffectConfirmationEmail:
		msg.Subject = "Confirmed: " + et.Title
		fmt.Fprintf(&body, "Your booking for %s is confirmed.\n\nWhen: %s\n", et.Title, when(b))
		d.writeLinks(&body, b)
	case booking.EffectCancellationEmail:
		msg.Subject = "Cancelled: " + et.Title
		fmt.Fprintf(&body, "Your booking for %s on %s has been cancelled.\n", et.Title, when(b))
		if b.CancellationReason != "" {
			fmt.Fprintf(&body, "Reason: %s\n", b.CancellationReason)
		}
		if b.PaymentStatus == booking.PaymentPaid || b.PaymentStatus == booking.PaymentRefunded {
			body.WriteString("Your payment will be refunded.\n")
		}
	case booking.EffectRescheduleEmail:
		if relatedID == "" {
			return EmailMessage{}, fmt.Errorf("notify: reschedule of %s has no replacement booking", bookingID)
		}
		next, err := d.store.Booking(ctx, relatedID)
		if err != nil {
			return EmailMessage{}, fmt.Errorf("notify: load booking %s: %w", relatedID, err)
		}
		msg.Subject = "Rescheduled: " + et.Title
		fmt.Fprintf(&body, "Your booking for %s has moved.\n\nWas: %s\nNow: %s\n", et.Title, when(b), when(next))
		d.writeLinks(&body, next)
	}
	msg.Body = body.String()
	return msg, nil
}

func (d *Dispatcher) writeLinks(body *strings.Builder, b *booking.Booking) {
	if d.publicURL == "" {
		return
	}
	fmt.Fprintf(body, "\nCancel: %s/api/bookings/cancel/%s\n", d.publicURL, b.CancellationToken)
	fmt.Fprintf(body, "Reschedule: %s/api/bookings/reschedule/%s\n", d.publicURL, b.RescheduleToken)
}

// when formats the booking start in the client's timezone.
func when(b *booking.Booking) string {
	loc, err := time.LoadLocation(b.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return b.StartTime.In(loc).Format("Monday, January 2, 2006 at 15:04 MST")
}
