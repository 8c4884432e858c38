package app

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/schedule"
)

type createBookingRequest struct {
	EventTypeID string                `json:"event_type_id" binding:"required"`
	StartTime   time.Time             `json:"start_time"`
	Timezone    string                `json:"timezone"`
	ClientName  string                `json:"client_name"`
	ClientEmail string                `json:"client_email"`
	Notes       string                `json:"notes"`
	Answers     []booking.Answer      `json:"answers"`
	Payment     *booking.PaymentInput `json:"payment"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

type rescheduleRequest struct {
	StartTime time.Time `json:"start_time"`
	Reason    string    `json:"reason"`
}

// bookingResponse is what the client gets back after creating or rescheduling. The
// tokens are returned once here and otherwise only travel by email.
type bookingResponse struct {
	*booking.Booking
	CancellationToken string `json:"cancellation_token"`
	RescheduleToken   string `json:"reschedule_token"`
}

func withTokens(b *booking.Booking) bookingResponse {
	return bookingResponse{Booking: b, CancellationToken: b.CancellationToken, RescheduleToken: b.RescheduleToken}
}

// bindOptional binds a JSON body if one was sent.
func bindOptional(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// GET /api/providers/:id/event-types
func (a *App) ListEventTypesHandler(c *gin.Context) {
	list, err := a.Store.ListEventTypes(c.Request.Context(), c.Param("id"), true)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if list == nil {
		list = []schedule.EventType{}
	}
	c.JSON(http.StatusOK, gin.H{"event_types": list})
}

// POST /api/providers/:id/bookings
func (a *App) CreateBookingHandler(c *gin.Context) {
	providerID := c.Param("id")
	var payload createBookingRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	if payload.StartTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time is required (RFC3339)"})
		return
	}
	b, err := a.Bookings.Create(c.Request.Context(), booking.CreateRequest{
		ProviderID:  providerID,
		EventTypeID: payload.EventTypeID,
		Start:       payload.StartTime,
		Timezone:    payload.Timezone,
		ClientName:  payload.ClientName,
		ClientEmail: payload.ClientEmail,
		Notes:       payload.Notes,
		Answers:     payload.Answers,
		Payment:     payload.Payment,
	})
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, withTokens(b))
}

// GET /api/bookings/cancel/:token
// The link sent by email: shows the booking the token would cancel.
func (a *App) BookingByCancelTokenHandler(c *gin.Context) {
	b, err := a.Store.BookingByCancellationToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /api/bookings/reschedule/:token
func (a *App) BookingByRescheduleTokenHandler(c *gin.Context) {
	b, err := a.Store.BookingByRescheduleToken(c.Request.Context(), c.Param("token"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /api/bookings/cancel/:token
func (a *App) CancelBookingHandler(c *gin.Context) {
	var payload cancelRequest
	if err := bindOptional(c, &payload); err != nil {
		badRequest(c, err)
		return
	}
	b, err := a.Bookings.Cancel(c.Request.Context(), c.Param("token"), payload.Reason, booking.InitiatedByClient)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /api/bookings/reschedule/:token
func (a *App) RescheduleBookingHandler(c *gin.Context) {
	var payload rescheduleRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	if payload.StartTime.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start_time is required (RFC3339)"})
		return
	}
	b, err := a.Bookings.Reschedule(c.Request.Context(), c.Param("token"), payload.StartTime, payload.Reason, booking.InitiatedByClient)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, withTokens(b))
}
