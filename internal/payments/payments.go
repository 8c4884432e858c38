// Package payments charges and refunds booking fees through the configured processors.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Provider names a payment processor.
type Provider string

const (
	Stripe Provider = "stripe"
	Culqi  Provider = "culqi"
	Manual Provider = "manual"
)

// Status of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

var (
	ErrUnknownProvider = errors.New("payments: unknown provider")
	ErrNotFound        = errors.New("payments: payment not found")
)

// Payment is the stored record of a charge tied to a booking.
type Payment struct {
	ID            string     `json:"id"`
	BookingID     string     `json:"booking_id"`
	Provider      Provider   `json:"provider"`
	AmountCents   int64      `json:"amount_cents"`
	Currency      string     `json:"currency"`
	Status        Status     `json:"status"`
	TransactionID string     `json:"transaction_id,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
}

// ChargeRequest asks a processor to capture an amount from a client-side payment token.
type ChargeRequest struct {
	AmountCents    int64
	Currency       string
	Source         string
	Email          string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// ChargeResult is a settled charge.
type ChargeResult struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	PaidAt        time.Time
}

// RefundRequest returns a settled charge to the client.
type RefundRequest struct {
	TransactionID string
	AmountCents   int64
	Currency      string
	Reason        string
}

// Adapter is one processor's implementation.
type Adapter interface {
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	Refund(ctx context.Context, req RefundRequest) error
}

// DeclinedError is a charge the processor refused. Message is safe to show the client.
type DeclinedError struct {
	Provider Provider
	Message  string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("payments: %s declined: %s", e.Provider, e.Message)
}

// IsDeclined reports whether err carries a processor decline.
func IsDeclined(err error) (*DeclinedError, bool) {
	var d *DeclinedError
	if errors.As(err, &d) {
		return d, true
	}
	return nil, false
}

// Registry selects the adapter by provider name.
type Registry struct {
	adapters map[Provider]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[Provider]Adapter)}
}

func (r *Registry) Register(p Provider, a Adapter) {
	r.adapters[p] = a
}

func (r *Registry) Get(p Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, p)
	}
	return a, nil
}
