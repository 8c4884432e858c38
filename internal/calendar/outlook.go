package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphBaseURL = "https://graph.microsoft.com/v1.0"

// NewOutlookOAuthConfig returns the OAuth2 config for Microsoft Graph calendars, or nil
// when the client credentials are not configured.
func NewOutlookOAuthConfig(clientID, clientSecret, tenant, redirectURL string) *oauth2.Config {
	if clientID == "" || clientSecret == "" {
		return nil
	}
	if tenant == "" {
		tenant = "common"
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"Calendars.ReadWrite", "offline_access"},
		Endpoint:     microsoft.AzureADEndpoint(tenant),
	}
}

type outlookAdapter struct {
	oauth   *oauth2.Config
	conn    Connection
	baseURL string
}

// OutlookFactory builds Graph API adapters. An empty baseURL uses the public Graph endpoint.
func OutlookFactory(oauth *oauth2.Config, baseURL string) Factory {
	if baseURL == "" {
		baseURL = graphBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return func(conn Connection) Adapter {
		return &outlookAdapter{oauth: oauth, conn: conn, baseURL: baseURL}
	}
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphEvent struct {
	ID        string          `json:"id,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Body      *graphBody      `json:"body,omitempty"`
	Start     *graphDateTime  `json:"start,omitempty"`
	End       *graphDateTime  `json:"end,omitempty"`
	Attendees []graphAttendee `json:"attendees,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphAttendee struct {
	EmailAddress struct {
		Address string `json:"address"`
		Name    string `json:"name,omitempty"`
	} `json:"emailAddress"`
	Type string `json:"type"`
}

func (o *outlookAdapter) HasConflicts(ctx context.Context, start, end time.Time) (bool, error) {
	q := url.Values{}
	q.Set("startDateTime", start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", end.UTC().Format(time.RFC3339))

	var out struct {
		Value []struct {
			ID          string `json:"id"`
			ShowAs      string `json:"showAs"`
			IsCancelled bool   `json:"isCancelled"`
		} `json:"value"`
	}
	if err := o.do(ctx, http.MethodGet, "/me/calendar/calendarView", q, nil, &out); err != nil {
		return false, err
	}
	for _, ev := range out.Value {
		if ev.IsCancelled || ev.ShowAs == "free" {
			continue
		}
		return true, nil
	}
	return false, nil
}

func (o *outlookAdapter) AddEvent(ctx context.Context, ev Event) (string, error) {
	body := graphEvent{
		Subject: ev.Summary,
		Body:    &graphBody{ContentType: "Text", Content: ev.Description},
		Start:   outlookDateTime(ev.Start, ev.Timezone),
		End:     outlookDateTime(ev.End, ev.Timezone),
	}
	if ev.AttendeeEmail != "" {
		var a graphAttendee
		a.EmailAddress.Address = ev.AttendeeEmail
		a.EmailAddress.Name = ev.AttendeeName
		a.Type = "required"
		body.Attendees = []graphAttendee{a}
	}

	var created graphEvent
	if err := o.do(ctx, http.MethodPost, "/me/calendar/events", nil, body, &created); err != nil {
		return "", err
	}
	if created.ID == "" {
		return "", errors.New("calendar: outlook create returned no id")
	}
	return created.ID, nil
}

func (o *outlookAdapter) UpdateEvent(ctx context.Context, eventID string, ev Event) error {
	body := graphEvent{
		Start: outlookDateTime(ev.Start, ev.Timezone),
		End:   outlookDateTime(ev.End, ev.Timezone),
	}
	return o.do(ctx, http.MethodPatch, "/me/calendar/events/"+url.PathEscape(eventID), nil, body, nil)
}

func (o *outlookAdapter) DeleteEvent(ctx context.Context, eventID string) error {
	err := o.do(ctx, http.MethodDelete, "/me/calendar/events/"+url.PathEscape(eventID), nil, nil, nil)
	var se *graphStatusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

func (o *outlookAdapter) RefreshToken(ctx context.Context) (Token, error) {
	return refreshOAuth(ctx, o.oauth, o.conn.RefreshToken)
}

type graphStatusError struct {
	method string
	path   string
	status int
	body   string
}

func (e *graphStatusError) Error() string {
	return fmt.Sprintf("calendar: outlook %s %s status %d: %s", e.method, e.path, e.status, e.body)
}

func (o *outlookAdapter) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := o.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("calendar: outlook marshal: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("calendar: outlook request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := o.oauth.Client(ctx, &oauth2.Token{
		AccessToken: o.conn.AccessToken,
		Expiry:      o.conn.TokenExpiresAt,
		TokenType:   "Bearer",
	})
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calendar: outlook http: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= http.StatusMultipleChoices {
		return &graphStatusError{method: method, path: path, status: resp.StatusCode, body: string(respBody)}
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("calendar: outlook decode: %w", err)
	}
	return nil
}

// Graph expects local wall time plus a zone name.
func outlookDateTime(t time.Time, tz string) *graphDateTime {
	if tz == "" {
		return &graphDateTime{DateTime: t.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		t = t.In(loc)
	}
	return &graphDateTime{DateTime: t.Format("2006-01-02T15:04:05"), TimeZone: tz}
}
