package app

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/schedule"
)

func unprocessable(c *gin.Context, err error) {
	c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
}

// PUT /api/admin/providers/:id/schedule
// Creates a schedule and makes it the provider's default.
func (a *App) CreateScheduleHandler(c *gin.Context) {
	var payload schedule.Schedule
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	payload.ID = ""
	payload.ProviderID = c.Param("id")
	payload.IsDefault = true
	if payload.Name == "" {
		payload.Name = "Working hours"
	}
	if err := payload.Validate(); err != nil {
		unprocessable(c, err)
		return
	}
	if err := a.Store.CreateSchedule(c.Request.Context(), &payload); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payload)
}

// GET /api/admin/providers/:id/availability
func (a *App) ListAvailabilityHandler(c *gin.Context) {
	sched, err := a.Store.DefaultSchedule(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	weekly := sched.Weekly
	if weekly == nil {
		weekly = []schedule.WeeklyAvailability{}
	}
	c.JSON(http.StatusOK, weekly)
}

// POST /api/admin/providers/:id/availability
// Accepts a list of weekly windows, at most one per weekday.
func (a *App) SetAvailabilityHandler(c *gin.Context) {
	providerID := c.Param("id")
	var payload []schedule.WeeklyAvailability
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	for _, w := range payload {
		if err := w.Validate(); err != nil {
			unprocessable(c, err)
			return
		}
	}
	ctx := c.Request.Context()

	saved := make([]schedule.WeeklyAvailability, 0, len(payload))
	for i := range payload {
		if err := a.Store.InsertWeeklyAvailability(ctx, providerID, &payload[i]); err != nil {
			a.writeError(c, err)
			return
		}
		saved = append(saved, payload[i])
	}
	c.JSON(http.StatusCreated, saved)
}

// PUT /api/admin/providers/:id/availability/:rule_id
func (a *App) UpdateAvailabilityHandler(c *gin.Context) {
	ruleID, err := strconv.Atoi(c.Param("rule_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule_id"})
		return
	}
	var payload schedule.WeeklyAvailability
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	payload.ID = ruleID
	if err := payload.Validate(); err != nil {
		unprocessable(c, err)
		return
	}
	if err := a.Store.UpdateWeeklyAvailability(c.Request.Context(), c.Param("id"), &payload); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, payload)
}

// DELETE /api/admin/providers/:id/availability/:rule_id
func (a *App) DeleteAvailabilityHandler(c *gin.Context) {
	ruleID, err := strconv.Atoi(c.Param("rule_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rule_id"})
		return
	}
	if err := a.Store.DeleteWeeklyAvailability(c.Request.Context(), c.Param("id"), ruleID); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type overrideView struct {
	Date string `json:"date"`
	schedule.DateOverride
}

// GET /api/admin/providers/:id/overrides?from=YYYY-MM-DD&to=YYYY-MM-DD
// Defaults to today through the next MaxRangeDays days.
func (a *App) ListOverridesHandler(c *gin.Context) {
	from := time.Now().UTC().Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, availability.MaxRangeDays)
	var err error
	if s := c.Query("from"); s != "" {
		if from, err = schedule.ParseDate(s); err != nil {
			badRequest(c, err)
			return
		}
	}
	if s := c.Query("to"); s != "" {
		if to, err = schedule.ParseDate(s); err != nil {
			badRequest(c, err)
			return
		}
	}
	if to.Before(from) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must not be after to"})
		return
	}

	list, err := a.Store.DateOverrides(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		a.writeError(c, err)
		return
	}
	out := make([]overrideView, 0, len(list))
	for _, o := range list {
		out = append(out, overrideView{Date: o.DateKey(), DateOverride: o})
	}
	c.JSON(http.StatusOK, out)
}

// PUT /api/admin/providers/:id/overrides/:date
func (a *App) PutOverrideHandler(c *gin.Context) {
	date, err := schedule.ParseDate(c.Param("date"))
	if err != nil {
		badRequest(c, err)
		return
	}
	var payload schedule.DateOverride
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	payload.ProviderID = c.Param("id")
	payload.Date = date
	if err := payload.Validate(); err != nil {
		unprocessable(c, err)
		return
	}
	if err := a.Store.UpsertDateOverride(c.Request.Context(), &payload); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, overrideView{Date: payload.DateKey(), DateOverride: payload})
}

// DELETE /api/admin/providers/:id/overrides/:date
func (a *App) DeleteOverrideHandler(c *gin.Context) {
	date, err := schedule.ParseDate(c.Param("date"))
	if err != nil {
		badRequest(c, err)
		return
	}
	if err := a.Store.DeleteDateOverride(c.Request.Context(), c.Param("id"), date); err != nil {
		a.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/admin/providers/:id/event-types
// Includes inactive event types.
func (a *App) ListAllEventTypesHandler(c *gin.Context) {
	list, err := a.Store.ListEventTypes(c.Request.Context(), c.Param("id"), false)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if list == nil {
		list = []schedule.EventType{}
	}
	c.JSON(http.StatusOK, gin.H{"event_types": list})
}

// POST /api/admin/providers/:id/event-types
func (a *App) CreateEventTypeHandler(c *gin.Context) {
	var payload schedule.EventType
	if err := c.ShouldBindJSON(&payload); err != nil {
		badRequest(c, err)
		return
	}
	payload.ID = ""
	payload.ProviderID = c.Param("id")
	payload.EnsureSlug()
	if err := payload.Validate(); err != nil {
		unprocessable(c, err)
		return
	}
	if err := a.Store.CreateEventType(c.Request.Context(), &payload); err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payload)
}

// GET /api/admin/providers/:id/bookings?from=ISO&to=ISO
func (a *App) ListBookingsHandler(c *gin.Context) {
	providerID := c.Param("id")
	fromStr := c.Query("from")
	toStr := c.Query("to")

	var (
		from time.Time
		to   time.Time
		err  error
	)

	// if both provided, parse
	if fromStr != "" && toStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid from"})
			return
		}
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid to"})
			return
		}
		if !from.Before(to) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
			return
		}
	}

	list, err := a.Store.ListBookings(c.Request.Context(), providerID, from, to, fromStr != "" && toStr != "")
	if err != nil {
		a.writeError(c, err)
		return
	}
	if list == nil {
		list = []booking.Booking{}
	}
	c.JSON(http.StatusOK, list)
}

// GET /api/admin/providers/:id/calendar/connections
func (a *App) ListCalendarConnectionsHandler(c *gin.Context) {
	conns, err := a.Store.CalendarConnections(c.Request.Context(), c.Param("id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	if conns == nil {
		conns = []calendar.Connection{}
	}
	c.JSON(http.StatusOK, conns)
}

// GET /api/admin/bookings/:booking_id
func (a *App) GetBookingHandler(c *gin.Context) {
	b, err := a.Store.Booking(c.Request.Context(), c.Param("booking_id"))
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// GET /api/admin/bookings/:booking_id/changes
func (a *App) BookingChangesHandler(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("booking_id")
	if _, err := a.Store.Booking(ctx, id); err != nil {
		a.writeError(c, err)
		return
	}
	changes, err := a.Store.BookingChanges(ctx, id)
	if err != nil {
		a.writeError(c, err)
		return
	}
	if changes == nil {
		changes = []booking.Change{}
	}
	c.JSON(http.StatusOK, changes)
}

// POST /api/admin/bookings/:booking_id/complete
func (a *App) CompleteBookingHandler(c *gin.Context) {
	b, err := a.Bookings.Complete(c.Request.Context(), c.Param("booking_id"), booking.InitiatedByMember)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// POST /api/admin/bookings/:booking_id/no-show
func (a *App) NoShowBookingHandler(c *gin.Context) {
	b, err := a.Bookings.NoShow(c.Request.Context(), c.Param("booking_id"), booking.InitiatedByMember)
	if err != nil {
		a.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}
