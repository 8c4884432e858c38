package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// EventType is the template a booking is made against: duration, buffers, booking
// window and the cancellation/rescheduling policy.
type EventType struct {
	ID                      string            `json:"id"`
	ProviderID              string            `json:"provider_id"`
	Title                   string            `json:"title"`
	Slug                    string            `json:"slug"`
	Description             string            `json:"description,omitempty"`
	DurationMinutes         int               `json:"duration_minutes"`
	BufferBeforeMinutes     int               `json:"buffer_before_minutes"`
	BufferAfterMinutes      int               `json:"buffer_after_minutes"`
	MinimumNoticeHours      int               `json:"minimum_notice_hours"`
	MaximumDaysInFuture     int               `json:"maximum_days_in_future"`
	RequiresPayment         bool              `json:"requires_payment"`
	PaymentRequiredToBook   bool              `json:"payment_required_to_book"`
	PriceCents              int64             `json:"price_cents"`
	PriceCurrency           string            `json:"price_currency"`
	CancellationPolicyHours int               `json:"cancellation_policy_hours"`
	ReschedulingPolicyHours int               `json:"rescheduling_policy_hours"`
	AllowCancellation       bool              `json:"allow_cancellation"`
	AllowRescheduling       bool              `json:"allow_rescheduling"`
	Active                  bool              `json:"active"`
	Questions               []BookingQuestion `json:"questions,omitempty"`
}

func (e EventType) Duration() time.Duration {
	return time.Duration(e.DurationMinutes) * time.Minute
}

func (e EventType) BufferBefore() time.Duration {
	return time.Duration(e.BufferBeforeMinutes) * time.Minute
}

func (e EventType) BufferAfter() time.Duration {
	return time.Duration(e.BufferAfterMinutes) * time.Minute
}

func (e EventType) MinimumNotice() time.Duration {
	return time.Duration(e.MinimumNoticeHours) * time.Hour
}

// Horizon is how far ahead of now a booking may start.
func (e EventType) Horizon() time.Duration {
	return time.Duration(e.MaximumDaysInFuture) * 24 * time.Hour
}

// PaymentUpFront reports whether the charge must settle before the booking exists.
func (e EventType) PaymentUpFront() bool {
	return e.RequiresPayment && e.PaymentRequiredToBook
}

// PaymentOptional reports whether payment is requested but may follow the booking.
func (e EventType) PaymentOptional() bool {
	return e.RequiresPayment && !e.PaymentRequiredToBook
}

// Free reports whether nothing will be charged.
func (e EventType) Free() bool {
	return !e.RequiresPayment || e.PriceCents == 0
}

// EnsureSlug derives the slug from the title when none was set.
func (e *EventType) EnsureSlug() {
	if strings.TrimSpace(e.Slug) == "" {
		e.Slug = slug.Make(e.Title)
	}
}

func (e EventType) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return errors.New("title is required")
	}
	if !slug.IsSlug(e.Slug) {
		return fmt.Errorf("invalid slug %q", e.Slug)
	}
	if e.DurationMinutes <= 0 {
		return errors.New("duration_minutes must be greater than 0")
	}
	if e.BufferBeforeMinutes < 0 || e.BufferAfterMinutes < 0 {
		return errors.New("buffers cannot be negative")
	}
	if e.MinimumNoticeHours < 0 || e.MaximumDaysInFuture < 0 {
		return errors.New("booking window cannot be negative")
	}
	if e.CancellationPolicyHours < 0 || e.ReschedulingPolicyHours < 0 {
		return errors.New("policy hours cannot be negative")
	}
	if e.PriceCents < 0 {
		return errors.New("price_cents cannot be negative")
	}
	for _, q := range e.Questions {
		if err := q.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequiredQuestions returns the questions that must be answered to book.
func (e EventType) RequiredQuestions() []BookingQuestion {
	var out []BookingQuestion
	for _, q := range e.Questions {
		if q.Required {
			out = append(out, q)
		}
	}
	return out
}

// BookingQuestion is an extra field asked on the booking form.
type BookingQuestion struct {
	ID           string   `json:"id"`
	EventTypeID  string   `json:"event_type_id"`
	Label        string   `json:"label"`
	QuestionType string   `json:"question_type"`
	Required     bool     `json:"required"`
	Position     int      `json:"position"`
	Options      []string `json:"options,omitempty"`
}

var questionTypes = map[string]bool{
	"text": true, "textarea": true, "email": true, "phone": true, "url": true,
	"select": true, "radio": true, "checkbox": true, "number": true, "date": true,
}

func (q BookingQuestion) ChoiceType() bool {
	switch q.QuestionType {
	case "select", "radio", "checkbox":
		return true
	}
	return false
}

func (q BookingQuestion) Validate() error {
	if strings.TrimSpace(q.Label) == "" {
		return errors.New("question label is required")
	}
	if !questionTypes[q.QuestionType] {
		return fmt.Errorf("unknown question type %q", q.QuestionType)
	}
	if q.ChoiceType() && len(q.Options) == 0 {
		return fmt.Errorf("question %q needs options", q.Label)
	}
	return nil
}
