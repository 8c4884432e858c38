package payments

import (
	"context"
	"errors"
	"fmt"

	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/pkg/logging"
)

// ManualAdapter covers payments settled outside the system. It cannot capture money, and
// a refund only updates records.
type ManualAdapter struct{}

func (ManualAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return nil, &DeclinedError{Provider: Manual, Message: "manual payments are settled offline"}
}

func (ManualAdapter) Refund(ctx context.Context, req RefundRequest) error {
	return nil
}

// RefundStore reads and updates the payment records refunds act on.
type RefundStore interface {
	PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error)
	// MarkRefunded flips the payment and its booking's payment status to refunded.
	MarkRefunded(ctx context.Context, paymentID, bookingID string) error
}

// Refunder returns money for cancelled bookings and for charges whose booking was
// rejected. Failures are logged for operator follow-up and returned so the task retries.
type Refunder struct {
	registry *Registry
	store    RefundStore
	logger   *logging.Logger
	metrics  *metrics.SchedulingMetrics
}

func NewRefunder(registry *Registry, store RefundStore, logger *logging.Logger, m *metrics.SchedulingMetrics) *Refunder {
	if logger == nil {
		logger = logging.Default()
	}
	return &Refunder{registry: registry, store: store, logger: logger, metrics: m}
}

// RefundBooking refunds the completed payment of a booking. Missing and already refunded
// payments are a no-op.
func (r *Refunder) RefundBooking(ctx context.Context, bookingID, reason string) error {
	p, err := r.store.PaymentForBooking(ctx, bookingID)
	if errors.Is(err, ErrNotFound) {
		r.logger.Info("no payment to refund", "booking_id", bookingID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("payments: load payment: %w", err)
	}

	switch p.Status {
	case StatusRefunded:
		return nil
	case StatusCompleted:
	default:
		r.logger.Info("payment not refundable", "booking_id", bookingID, "payment_id", p.ID, "status", p.Status)
		return nil
	}

	if err := r.RefundCharge(ctx, p.Provider, RefundRequest{
		TransactionID: p.TransactionID,
		AmountCents:   p.AmountCents,
		Currency:      p.Currency,
		Reason:        reason,
	}); err != nil {
		return err
	}

	if err := r.store.MarkRefunded(ctx, p.ID, bookingID); err != nil {
		return fmt.Errorf("payments: mark refunded: %w", err)
	}
	r.logger.Info("payment refunded", "booking_id", bookingID, "payment_id", p.ID, "provider", p.Provider)
	return nil
}

// RefundCharge refunds a charge directly through its processor.
func (r *Refunder) RefundCharge(ctx context.Context, provider Provider, req RefundRequest) error {
	ad, err := r.registry.Get(provider)
	if err == nil {
		err = ad.Refund(ctx, req)
	}
	if err != nil {
		r.metrics.ObserveRefundFailure()
		r.logger.Error("refund failed",
			"alert", true,
			"provider", provider,
			"transaction_id", req.TransactionID,
			"amount_cents", req.AmountCents,
			"error", err,
		)
		return fmt.Errorf("payments: refund %s: %w", provider, err)
	}
	return nil
}
