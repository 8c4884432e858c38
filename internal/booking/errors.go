package booking

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"booking-scheduler/internal/payments"
)

// Sentinels for errors.Is; each typed error below unwraps to one of them.
var (
	ErrValidation = errors.New("booking: validation failed")
	ErrConflict   = errors.New("booking: slot no longer available")
	ErrPayment    = errors.New("booking: payment failed")
	ErrNotFound   = errors.New("booking: not found")
)

// FieldError is one rejected input.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every input problem found. Nothing was persisted.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+" "+f.Message)
	}
	return "booking: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type fieldErrors []FieldError

func (f *fieldErrors) add(field, format string, args ...any) {
	*f = append(*f, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (f fieldErrors) err() error {
	if len(f) == 0 {
		return nil
	}
	return &ValidationError{Fields: f}
}

// PolicyError is a cancel or reschedule refused by the event type's policy or by the
// booking's status.
type PolicyError struct {
	Action      string
	PolicyHours int
	Reason      string
}

func (e *PolicyError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("booking: cannot %s: %s", e.Action, e.Reason)
	}
	return fmt.Sprintf("booking: cannot %s within %d hours of the start time", e.Action, e.PolicyHours)
}

func (e *PolicyError) Unwrap() error { return ErrValidation }

// ConflictError means the interval was taken by a concurrent booking. The caller should
// query availability again.
type ConflictError struct {
	Start time.Time
	End   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("booking: slot %s-%s is no longer available",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// PaymentError is a failed charge. Message is safe to show the client.
type PaymentError struct {
	Provider payments.Provider
	Message  string
	Err      error
}

func (e *PaymentError) Error() string {
	return "booking: payment failed: " + e.Message
}

func (e *PaymentError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPayment}
	}
	return []error{ErrPayment, e.Err}
}

// AsValidation returns the field errors carried by err, if any.
func AsValidation(err error) (*ValidationError, bool) {
	var v *ValidationError
	ok := errors.As(err, &v)
	return v, ok
}

// AsPolicy returns the policy rejection carried by err, if any.
func AsPolicy(err error) (*PolicyError, bool) {
	var p *PolicyError
	ok := errors.As(err, &p)
	return p, ok
}

// AsPayment returns the payment failure carried by err, if any.
func AsPayment(err error) (*PaymentError, bool) {
	var p *PaymentError
	ok := errors.As(err, &p)
	return p, ok
}
