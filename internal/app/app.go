// Package app is the HTTP surface: public booking endpoints keyed by provider and token,
// and the authenticated admin endpoints providers use to manage their schedule.
package app

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/oauth2"

	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/config"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/slots"
	"booking-scheduler/pkg/logging"
)

// Store is the persistence the handlers read and the admin endpoints write.
type Store interface {
	EventType(ctx context.Context, id string) (*schedule.EventType, error)
	ListEventTypes(ctx context.Context, providerID string, activeOnly bool) ([]schedule.EventType, error)
	CreateEventType(ctx context.Context, e *schedule.EventType) error

	DefaultSchedule(ctx context.Context, providerID string) (schedule.Schedule, error)
	CreateSchedule(ctx context.Context, s *schedule.Schedule) error
	InsertWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error
	UpdateWeeklyAvailability(ctx context.Context, providerID string, w *schedule.WeeklyAvailability) error
	DeleteWeeklyAvailability(ctx context.Context, providerID string, id int) error

	DateOverrides(ctx context.Context, providerID string, from, to time.Time) ([]schedule.DateOverride, error)
	UpsertDateOverride(ctx context.Context, o *schedule.DateOverride) error
	DeleteDateOverride(ctx context.Context, providerID string, date time.Time) error

	Booking(ctx context.Context, id string) (*booking.Booking, error)
	BookingByCancellationToken(ctx context.Context, token string) (*booking.Booking, error)
	BookingByRescheduleToken(ctx context.Context, token string) (*booking.Booking, error)
	ListBookings(ctx context.Context, providerID string, from, to time.Time, filtered bool) ([]booking.Booking, error)
	BookingChanges(ctx context.Context, bookingID string) ([]booking.Change, error)

	CalendarConnections(ctx context.Context, providerID string) ([]calendar.Connection, error)
	UpsertCalendarConnection(ctx context.Context, c *calendar.Connection) error
}

// SlotFinder computes open slots.
type SlotFinder interface {
	AvailableSlots(ctx context.Context, q availability.Query) ([]slots.Slot, error)
}

// Bookings performs booking transitions.
type Bookings interface {
	Create(ctx context.Context, req booking.CreateRequest) (*booking.Booking, error)
	Cancel(ctx context.Context, token, reason string, by booking.Initiator) (*booking.Booking, error)
	Reschedule(ctx context.Context, token string, newStart time.Time, reason string, by booking.Initiator) (*booking.Booking, error)
	Complete(ctx context.Context, bookingID string, by booking.Initiator) (*booking.Booking, error)
	NoShow(ctx context.Context, bookingID string, by booking.Initiator) (*booking.Booking, error)
}

type App struct {
	Store    Store
	Slots    SlotFinder
	Bookings Bookings
	Policy   config.Scheduling
	Logger   *logging.Logger

	// GoogleOAuth is nil when Google Calendar is not configured.
	GoogleOAuth *oauth2.Config
	// StateSecret signs the OAuth state parameter.
	StateSecret []byte
}

// Routes registers every endpoint on router. auth guards the admin group.
func (a *App) Routes(router *gin.Engine, auth gin.HandlerFunc) {
	if a.Logger == nil {
		a.Logger = logging.Default()
	}

	// OAuth2 callback (must be before auth middleware)
	router.GET("/oauth2callback", a.GoogleOAuth2CallbackHandler)

	api := router.Group("/api")
	{
		providers := api.Group("/providers/:id")
		{
			providers.GET("/event-types", a.ListEventTypesHandler)
			providers.GET("/event-types/:event_type_id/slots", a.GetSlotsHandler)
			providers.POST("/bookings", a.CreateBookingHandler)
		}
		api.GET("/bookings/cancel/:token", a.BookingByCancelTokenHandler)
		api.POST("/bookings/cancel/:token", a.CancelBookingHandler)
		api.GET("/bookings/reschedule/:token", a.BookingByRescheduleTokenHandler)
		api.POST("/bookings/reschedule/:token", a.RescheduleBookingHandler)

		admin := api.Group("/admin", auth)
		{
			p := admin.Group("/providers/:id")
			p.PUT("/schedule", a.CreateScheduleHandler)
			p.GET("/availability", a.ListAvailabilityHandler)
			p.POST("/availability", a.SetAvailabilityHandler)
			p.PUT("/availability/:rule_id", a.UpdateAvailabilityHandler)
			p.DELETE("/availability/:rule_id", a.DeleteAvailabilityHandler)
			p.GET("/overrides", a.ListOverridesHandler)
			p.PUT("/overrides/:date", a.PutOverrideHandler)
			p.DELETE("/overrides/:date", a.DeleteOverrideHandler)
			p.GET("/event-types", a.ListAllEventTypesHandler)
			p.POST("/event-types", a.CreateEventTypeHandler)
			p.GET("/bookings", a.ListBookingsHandler)
			p.GET("/calendar/connections", a.ListCalendarConnectionsHandler)
			p.GET("/calendar/google/auth", a.GoogleAuthHandler)

			b := admin.Group("/bookings/:booking_id")
			b.GET("", a.GetBookingHandler)
			b.GET("/changes", a.BookingChangesHandler)
			b.POST("/complete", a.CompleteBookingHandler)
			b.POST("/no-show", a.NoShowBookingHandler)
		}
	}
}
