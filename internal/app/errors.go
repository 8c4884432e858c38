package app

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/store"
)

// writeError maps domain errors to responses. Anything unrecognised is logged and
// reported as a 500 without detail.
func (a *App) writeError(c *gin.Context, err error) {
	if p, ok := booking.AsPolicy(err); ok {
		body := gin.H{"error": p.Error(), "action": p.Action}
		if p.Reason != "" {
			body["reason"] = p.Reason
		} else {
			body["policy_hours"] = p.PolicyHours
		}
		c.JSON(http.StatusUnprocessableEntity, body)
		return
	}
	if v, ok := booking.AsValidation(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "fields": v.Fields})
		return
	}
	var conflict *booking.ConflictError
	if errors.As(err, &conflict) {
		c.JSON(http.StatusConflict, gin.H{"error": "slot no longer available, please pick another time"})
		return
	}
	if p, ok := booking.AsPayment(err); ok {
		c.JSON(http.StatusPaymentRequired, gin.H{"error": p.Message})
		return
	}

	switch {
	case errors.Is(err, booking.ErrConflict), store.IsDuplicate(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, schedule.ErrNoDefaultSchedule):
		c.JSON(http.StatusNotFound, gin.H{"error": "provider has no schedule"})
	case errors.Is(err, booking.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, availability.ErrInvalidRange), errors.Is(err, availability.ErrInvalidQuery):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		a.Logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
