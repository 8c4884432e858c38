// Package calendar talks to a provider's external calendars: conflict lookups while
// computing availability and event sync after bookings change.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"booking-scheduler/pkg/logging"
)

// Provider names a calendar backend.
type Provider string

const (
	Google  Provider = "google"
	Outlook Provider = "outlook"
)

// ErrUnsupportedProvider is returned when no adapter is registered for a connection.
var ErrUnsupportedProvider = errors.New("calendar: unsupported provider")

// Connection is a provider's OAuth link to one external calendar.
type Connection struct {
	ID                    string    `json:"id"`
	ProviderID            string    `json:"provider_id"`
	Provider              Provider  `json:"provider"`
	AccessToken           string    `json:"-"`
	RefreshToken          string    `json:"-"`
	TokenExpiresAt        time.Time `json:"token_expires_at"`
	ExternalCalendarID    string    `json:"external_calendar_id,omitempty"`
	CheckForConflicts     bool      `json:"check_for_conflicts"`
	AddBookingsToCalendar bool      `json:"add_bookings_to_calendar"`
	Active                bool      `json:"active"`
}

// TokenExpired reports whether the access token is no longer usable at now.
func (c Connection) TokenExpired(now time.Time) bool {
	return !c.TokenExpiresAt.IsZero() && !now.Before(c.TokenExpiresAt)
}

// CalendarID returns the external calendar to use, defaulting to the primary one.
func (c Connection) CalendarID() string {
	if c.ExternalCalendarID == "" {
		return "primary"
	}
	return c.ExternalCalendarID
}

// Token is the result of an OAuth refresh.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Event is the calendar entry written for a booking.
type Event struct {
	Summary       string
	Description   string
	Start         time.Time
	End           time.Time
	Timezone      string
	AttendeeEmail string
	AttendeeName  string
}

// Adapter is one provider's implementation, bound to a single connection.
type Adapter interface {
	HasConflicts(ctx context.Context, start, end time.Time) (bool, error)
	AddEvent(ctx context.Context, ev Event) (string, error)
	UpdateEvent(ctx context.Context, eventID string, ev Event) error
	DeleteEvent(ctx context.Context, eventID string) error
	RefreshToken(ctx context.Context) (Token, error)
}

// Factory builds an adapter for a connection.
type Factory func(conn Connection) Adapter

// TokenStore persists refreshed credentials.
type TokenStore interface {
	UpdateCalendarTokens(ctx context.Context, connectionID string, tok Token) error
}

// Registry selects the adapter for a connection by provider name.
type Registry struct {
	factories map[Provider]Factory
	tokens    TokenStore
	logger    *logging.Logger
	now       func() time.Time
}

func NewRegistry(tokens TokenStore, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		factories: make(map[Provider]Factory),
		tokens:    tokens,
		logger:    logger,
		now:       time.Now,
	}
}

// Register installs the factory for p, replacing any previous one.
func (r *Registry) Register(p Provider, f Factory) {
	r.factories[p] = f
}

// Enabled reports whether an adapter is registered for p.
func (r *Registry) Enabled(p Provider) bool {
	_, ok := r.factories[p]
	return ok
}

// Authorize returns an adapter for conn, refreshing and persisting an expired token first.
func (r *Registry) Authorize(ctx context.Context, conn Connection) (Adapter, error) {
	f, ok := r.factories[conn.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, conn.Provider)
	}
	if !conn.TokenExpired(r.now()) || conn.RefreshToken == "" {
		return f(conn), nil
	}

	tok, err := f(conn).RefreshToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("calendar: refresh %s token: %w", conn.Provider, err)
	}
	conn.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		conn.RefreshToken = tok.RefreshToken
	}
	conn.TokenExpiresAt = tok.Expiry
	if tok.RefreshToken == "" {
		tok.RefreshToken = conn.RefreshToken
	}

	if r.tokens != nil {
		if err := r.tokens.UpdateCalendarTokens(ctx, conn.ID, tok); err != nil {
			r.logger.Warn("calendar token persist failed", "connection_id", conn.ID, "provider", conn.Provider, "error", err)
		}
	}
	return f(conn), nil
}
