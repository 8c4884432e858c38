package calendar

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// NewGoogleOAuthConfig returns the OAuth2 config for Google Calendar, or nil when the
// client credentials are not configured.
func NewGoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" || redirectURL == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes: []string{
			gcal.CalendarReadonlyScope,
			gcal.CalendarEventsScope,
		},
		Endpoint: google.Endpoint,
	}
}

type googleAdapter struct {
	oauth *oauth2.Config
	conn  Connection
	opts  []option.ClientOption
}

// GoogleFactory builds Google Calendar adapters. Extra client options are appended after
// the authorized HTTP client (tests use option.WithEndpoint).
func GoogleFactory(oauth *oauth2.Config, opts ...option.ClientOption) Factory {
	return func(conn Connection) Adapter {
		return &googleAdapter{oauth: oauth, conn: conn, opts: opts}
	}
}

func (g *googleAdapter) service(ctx context.Context) (*gcal.Service, error) {
	client := g.oauth.Client(ctx, &oauth2.Token{
		AccessToken:  g.conn.AccessToken,
		RefreshToken: g.conn.RefreshToken,
		Expiry:       g.conn.TokenExpiresAt,
		TokenType:    "Bearer",
	})
	opts := append([]option.ClientOption{option.WithHTTPClient(client)}, g.opts...)
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: google service: %w", err)
	}
	return srv, nil
}

func (g *googleAdapter) HasConflicts(ctx context.Context, start, end time.Time) (bool, error) {
	srv, err := g.service(ctx)
	if err != nil {
		return false, err
	}
	events, err := srv.Events.List(g.conn.CalendarID()).
		SingleEvents(true).
		TimeMin(start.Format(time.RFC3339)).
		TimeMax(end.Format(time.RFC3339)).
		Context(ctx).
		Do()
	if err != nil {
		return false, fmt.Errorf("calendar: google list events: %w", err)
	}
	for _, item := range events.Items {
		if item.Status == "cancelled" || item.Transparency == "transparent" {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (g *googleAdapter) AddEvent(ctx context.Context, ev Event) (string, error) {
	srv, err := g.service(ctx)
	if err != nil {
		return "", err
	}
	event := &gcal.Event{
		Summary:     ev.Summary,
		Description: ev.Description,
		Start:       googleDateTime(ev.Start, ev.Timezone),
		End:         googleDateTime(ev.End, ev.Timezone),
		Reminders: &gcal.EventReminders{
			UseDefault: false,
			Overrides: []*gcal.EventReminder{
				{Method: "email", Minutes: 24 * 60},
				{Method: "popup", Minutes: 30},
			},
			ForceSendFields: []string{"UseDefault"},
		},
	}
	if ev.AttendeeEmail != "" {
		event.Attendees = []*gcal.EventAttendee{{Email: ev.AttendeeEmail, DisplayName: ev.AttendeeName}}
	}

	created, err := srv.Events.Insert(g.conn.CalendarID(), event).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("calendar: google insert event: %w", err)
	}
	return created.Id, nil
}

func (g *googleAdapter) UpdateEvent(ctx context.Context, eventID string, ev Event) error {
	srv, err := g.service(ctx)
	if err != nil {
		return err
	}
	patch := &gcal.Event{
		Start: googleDateTime(ev.Start, ev.Timezone),
		End:   googleDateTime(ev.End, ev.Timezone),
	}
	if _, err := srv.Events.Patch(g.conn.CalendarID(), eventID, patch).Context(ctx).Do(); err != nil {
		return fmt.Errorf("calendar: google patch event: %w", err)
	}
	return nil
}

func (g *googleAdapter) DeleteEvent(ctx context.Context, eventID string) error {
	srv, err := g.service(ctx)
	if err != nil {
		return err
	}
	err = srv.Events.Delete(g.conn.CalendarID(), eventID).Context(ctx).Do()
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("calendar: google delete event: %w", err)
	}
	return nil
}

func (g *googleAdapter) RefreshToken(ctx context.Context) (Token, error) {
	return refreshOAuth(ctx, g.oauth, g.conn.RefreshToken)
}

func googleDateTime(t time.Time, tz string) *gcal.EventDateTime {
	return &gcal.EventDateTime{DateTime: t.Format(time.RFC3339), TimeZone: tz}
}

func refreshOAuth(ctx context.Context, cfg *oauth2.Config, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errors.New("calendar: no refresh token")
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, Expiry: tok.Expiry}, nil
}
