package app

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/slots"
)

// Slot DTO
type Slot struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	StartUTC time.Time `json:"start_utc"`
	EndUTC   time.Time `json:"end_utc"`
}

func slotViews(list []slots.Slot, loc *time.Location) []Slot {
	out := make([]Slot, 0, len(list))
	for _, s := range list {
		out = append(out, Slot{
			Start:    s.Start.In(loc),
			End:      s.End.In(loc),
			StartUTC: s.Start.UTC(),
			EndUTC:   s.End.UTC(),
		})
	}
	return out
}

// GET /api/providers/:id/event-types/:event_type_id/slots?from=YYYY-MM-DD&to=YYYY-MM-DD&timezone=Area/City
// to defaults to from.
func (a *App) GetSlotsHandler(c *gin.Context) {
	providerID := c.Param("id")
	fromStr := c.Query("from")
	toStr := c.DefaultQuery("to", fromStr)
	tz := c.Query("timezone")

	if fromStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from is required (YYYY-MM-DD)"})
		return
	}
	from, err := schedule.ParseDate(fromStr)
	if err != nil {
		badRequest(c, err)
		return
	}
	to, err := schedule.ParseDate(toStr)
	if err != nil {
		badRequest(c, err)
		return
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timezone"})
			return
		}
	}

	ctx := c.Request.Context()
	et, err := a.publicEventType(c, providerID, c.Param("event_type_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	sched, err := a.Store.DefaultSchedule(ctx, providerID)
	if err != nil {
		a.writeError(c, err)
		return
	}
	loc := a.Policy.Location(tz, sched.Timezone)

	open, err := a.Slots.AvailableSlots(ctx, availability.Query{
		ProviderID: providerID,
		EventType:  *et,
		From:       from,
		To:         to,
		Timezone:   loc.String(),
	})
	if err != nil {
		a.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"event_type_id":    et.ID,
		"duration_minutes": et.DurationMinutes,
		"timezone":         loc.String(),
		"slots":            slotViews(open, loc),
	})
}

// publicEventType loads an event type clients may book: it must belong to providerID and
// be active.
func (a *App) publicEventType(c *gin.Context, providerID, eventTypeID string) (*schedule.EventType, error) {
	et, err := a.Store.EventType(c.Request.Context(), eventTypeID)
	if err != nil {
		return nil, err
	}
	if et.ProviderID != providerID || !et.Active {
		return nil, booking.ErrNotFound
	}
	return et, nil
}
