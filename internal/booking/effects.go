package booking

import (
	"context"

	"booking-scheduler/internal/payments"
)

// EffectKind names a side effect run after a booking transition commits. The values
// double as task type names.
type EffectKind string

const (
	EffectConfirmationEmail EffectKind = "email:confirmation"
	EffectCancellationEmail EffectKind = "email:cancellation"
	EffectRescheduleEmail   EffectKind = "email:reschedule"
	EffectCalendarCreate    EffectKind = "calendar:create"
	EffectCalendarUpdate    EffectKind = "calendar:update"
	EffectCalendarDelete    EffectKind = "calendar:delete"
	EffectRefundBooking     EffectKind = "payment:refund"
	EffectRefundCharge      EffectKind = "payment:refund_charge"
)

func (k EffectKind) Email() bool {
	switch k {
	case EffectConfirmationEmail, EffectCancellationEmail, EffectRescheduleEmail:
		return true
	}
	return false
}

// Effect is one unit of post-commit work. RelatedID is the replacement booking of a
// reschedule. Charge is set only for EffectRefundCharge, where no booking exists.
type Effect struct {
	Kind      EffectKind `json:"kind"`
	BookingID string     `json:"booking_id,omitempty"`
	RelatedID string     `json:"related_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Charge    *Charge    `json:"charge,omitempty"`
}

// Charge identifies money captured for a booking that was never stored.
type Charge struct {
	Provider      payments.Provider `json:"provider"`
	TransactionID string            `json:"transaction_id"`
	AmountCents   int64             `json:"amount_cents"`
	Currency      string            `json:"currency"`
}

// Key identifies the effect for deduplication.
func (e Effect) Key() string {
	if e.Charge != nil {
		return string(e.Kind) + ":" + string(e.Charge.Provider) + ":" + e.Charge.TransactionID
	}
	key := string(e.Kind) + ":" + e.BookingID
	if e.RelatedID != "" {
		key += ":" + e.RelatedID
	}
	return key
}

// Outbox accepts effects for asynchronous, retried execution.
type Outbox interface {
	Enqueue(ctx context.Context, e Effect) error
}
