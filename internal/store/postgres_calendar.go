package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"booking-scheduler/internal/calendar"
)

const connectionColumns = `id::text, provider_id, provider, access_token, refresh_token, token_expires_at,
	external_calendar_id, check_for_conflicts, add_bookings_to_calendar, active`

// CalendarConnections lists every connection of a provider, active or not.
func (p *Postgres) CalendarConnections(ctx context.Context, providerID string) ([]calendar.Connection, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+connectionColumns+` FROM calendar_connections
	                                WHERE provider_id = $1 ORDER BY provider`, providerID)
	if err != nil {
		return nil, fmt.Errorf("store: calendar connections: %w", err)
	}
	defer rows.Close()

	var out []calendar.Connection
	for rows.Next() {
		var (
			c         calendar.Connection
			provider  string
			expiresAt *time.Time
		)
		if err := rows.Scan(&c.ID, &c.ProviderID, &provider, &c.AccessToken, &c.RefreshToken, &expiresAt,
			&c.ExternalCalendarID, &c.CheckForConflicts, &c.AddBookingsToCalendar, &c.Active); err != nil {
			return nil, fmt.Errorf("store: scan calendar connection: %w", err)
		}
		c.Provider = calendar.Provider(provider)
		c.TokenExpiresAt = derefTime(expiresAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertCalendarConnection stores c, replacing the provider's existing connection to
// the same calendar provider.
func (p *Postgres) UpsertCalendarConnection(ctx context.Context, c *calendar.Connection) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	q := `INSERT INTO calendar_connections
	      (id, provider_id, provider, access_token, refresh_token, token_expires_at, external_calendar_id,
	       check_for_conflicts, add_bookings_to_calendar, active)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	      ON CONFLICT (provider_id, provider) DO UPDATE
	      SET access_token = EXCLUDED.access_token,
	          refresh_token = COALESCE(NULLIF(EXCLUDED.refresh_token, ''), calendar_connections.refresh_token),
	          token_expires_at = EXCLUDED.token_expires_at,
	          external_calendar_id = EXCLUDED.external_calendar_id,
	          check_for_conflicts = EXCLUDED.check_for_conflicts,
	          add_bookings_to_calendar = EXCLUDED.add_bookings_to_calendar,
	          active = EXCLUDED.active,
	          updated_at = now()
	      RETURNING id::text`
	err := p.pool.QueryRow(ctx, q, c.ID, c.ProviderID, string(c.Provider), c.AccessToken, c.RefreshToken,
		timePtr(c.TokenExpiresAt), c.ExternalCalendarID, c.CheckForConflicts, c.AddBookingsToCalendar, c.Active).
		Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("store: upsert calendar connection: %w", err)
	}
	return nil
}

// UpdateCalendarTokens persists a refreshed token pair.
func (p *Postgres) UpdateCalendarTokens(ctx context.Context, connectionID string, tok calendar.Token) error {
	q := `UPDATE calendar_connections
	      SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = now()
	      WHERE id = $1`
	tag, err := p.pool.Exec(ctx, q, connectionID, tok.AccessToken, tok.RefreshToken, timePtr(tok.Expiry))
	if err != nil {
		return fmt.Errorf("store: update calendar tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetExternalEventID records the event created for a booking on a calendar provider. An
// empty eventID forgets it.
func (p *Postgres) SetExternalEventID(ctx context.Context, bookingID string, provider calendar.Provider, eventID string) error {
	if eventID == "" {
		_, err := p.pool.Exec(ctx, `DELETE FROM booking_external_events WHERE booking_id = $1 AND provider = $2`,
			bookingID, string(provider))
		if err != nil {
			return fmt.Errorf("store: clear external event: %w", err)
		}
		return nil
	}
	q := `INSERT INTO booking_external_events (booking_id, provider, event_id) VALUES ($1,$2,$3)
	      ON CONFLICT (booking_id, provider) DO UPDATE SET event_id = EXCLUDED.event_id`
	if _, err := p.pool.Exec(ctx, q, bookingID, string(provider), eventID); err != nil {
		return fmt.Errorf("store: set external event: %w", err)
	}
	return nil
}
