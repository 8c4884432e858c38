// Package booking is the booking state machine: it creates bookings against live
// availability and moves them through cancellation, rescheduling, completion and no-show,
// recording every transition as an append-only change.
package booking

import (
	"slices"
	"time"

	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/schedule"
)

type Status string

const (
	StatusConfirmed   Status = "confirmed"
	StatusCancelled   Status = "cancelled"
	StatusRescheduled Status = "rescheduled"
	StatusCompleted   Status = "completed"
	StatusNoShow      Status = "no_show"
)

type PaymentStatus string

const (
	PaymentNotRequired PaymentStatus = "not_required"
	PaymentPending     PaymentStatus = "pending"
	PaymentPaid        PaymentStatus = "paid"
	PaymentFailed      PaymentStatus = "failed"
	PaymentRefunded    PaymentStatus = "refunded"
)

// Initiator records who asked for a change.
type Initiator string

const (
	InitiatedByClient Initiator = "client"
	InitiatedByMember Initiator = "member"
	InitiatedBySystem Initiator = "system"
)

func (i Initiator) Valid() bool {
	switch i {
	case InitiatedByClient, InitiatedByMember, InitiatedBySystem:
		return true
	}
	return false
}

type ChangeType string

const (
	ChangeCancelled   ChangeType = "cancelled"
	ChangeRescheduled ChangeType = "rescheduled"
	ChangeCompleted   ChangeType = "completed"
	ChangeNoShow      ChangeType = "no_show"
)

// Answer is a client's reply to one booking question.
type Answer struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer"`
}

// Booking is one appointment between a client and a provider.
type Booking struct {
	ID                 string            `json:"id"`
	UID                string            `json:"uid"`
	ProviderID         string            `json:"provider_id"`
	EventTypeID        string            `json:"event_type_id"`
	ClientName         string            `json:"client_name"`
	ClientEmail        string            `json:"client_email"`
	Notes              string            `json:"notes,omitempty"`
	StartTime          time.Time         `json:"start_time"`
	EndTime            time.Time         `json:"end_time"`
	Timezone           string            `json:"timezone"`
	Status             Status            `json:"status"`
	PaymentStatus      PaymentStatus     `json:"payment_status"`
	CancellationToken  string            `json:"-"`
	RescheduleToken    string            `json:"-"`
	RescheduledFromID  string            `json:"rescheduled_from_id,omitempty"`
	CancellationReason string            `json:"cancellation_reason,omitempty"`
	Answers            []Answer          `json:"answers,omitempty"`
	Payment            *payments.Payment `json:"payment,omitempty"`
	ExternalEventIDs   map[string]string `json:"external_event_ids,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Change is an audit entry for a status transition.
type Change struct {
	ID          string     `json:"id"`
	BookingID   string     `json:"booking_id"`
	ChangeType  ChangeType `json:"change_type"`
	OldStart    time.Time  `json:"old_start_time"`
	OldEnd      time.Time  `json:"old_end_time"`
	NewStart    *time.Time `json:"new_start_time,omitempty"`
	NewEnd      *time.Time `json:"new_end_time,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	InitiatedBy Initiator  `json:"initiated_by"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Identity is the set of fresh identifiers a new booking row needs.
type Identity struct {
	ID                string
	UID               string
	CancellationToken string
	RescheduleToken   string
	PaymentID         string
}

// RescheduledTo builds the booking that replaces b at [start, end). The receiver is not
// modified: answers are copied, a completed payment is carried over as a new record and
// external calendar ids are left for the sync to fill in.
func (b Booking) RescheduledTo(start, end time.Time, id Identity) Booking {
	next := Booking{
		ID:                id.ID,
		UID:               id.UID,
		ProviderID:        b.ProviderID,
		EventTypeID:       b.EventTypeID,
		ClientName:        b.ClientName,
		ClientEmail:       b.ClientEmail,
		Notes:             b.Notes,
		StartTime:         start,
		EndTime:           end,
		Timezone:          b.Timezone,
		Status:            StatusConfirmed,
		PaymentStatus:     b.PaymentStatus,
		CancellationToken: id.CancellationToken,
		RescheduleToken:   id.RescheduleToken,
		RescheduledFromID: b.ID,
		Answers:           slices.Clone(b.Answers),
	}
	if b.Payment != nil && b.Payment.Status == payments.StatusCompleted {
		p := *b.Payment
		p.ID = id.PaymentID
		p.BookingID = id.ID
		if b.Payment.PaidAt != nil {
			paidAt := *b.Payment.PaidAt
			p.PaidAt = &paidAt
		}
		next.Payment = &p
	}
	return next
}

// CanCancel reports whether the booking may still be cancelled at now under et's policy.
func (b Booking) CanCancel(et schedule.EventType, now time.Time) bool {
	return b.Status == StatusConfirmed && et.AllowCancellation &&
		outsidePolicy(b.StartTime, et.CancellationPolicyHours, now)
}

// CanReschedule is CanCancel for the rescheduling policy.
func (b Booking) CanReschedule(et schedule.EventType, now time.Time) bool {
	return b.Status == StatusConfirmed && et.AllowRescheduling &&
		outsidePolicy(b.StartTime, et.ReschedulingPolicyHours, now)
}

func outsidePolicy(start time.Time, hours int, now time.Time) bool {
	return hours == 0 || start.After(now.Add(time.Duration(hours)*time.Hour))
}

// Duration is the booked length.
func (b Booking) Duration() time.Duration {
	return b.EndTime.Sub(b.StartTime)
}
