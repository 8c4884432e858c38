package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"booking-scheduler/internal/availability"
	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/config"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/store"
	"booking-scheduler/pkg/logging"
)

const (
	adminToken = "admin-token"
	jwtSecret  = "test-secret"
	provider   = "prov-1"
)

// monday 08:00 UTC
var now = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type outbox struct {
	mu      sync.Mutex
	effects []booking.Effect
}

func (o *outbox) Enqueue(ctx context.Context, e booking.Effect) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.effects = append(o.effects, e)
	return nil
}

func (o *outbox) kinds() []booking.EffectKind {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []booking.EffectKind
	for _, e := range o.effects {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	t      *testing.T
	router *gin.Engine
	app    *App
	mem    *store.Memory
	outbox *outbox

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	policy := config.DefaultScheduling()
	policy.DefaultTimezone = "UTC"
	logger := logging.Discard()
	f := &fixture{t: t, mem: store.NewMemory(), outbox: &outbox{}, now: now}

	checker := availability.NewChecker(f.mem, policy, logger, nil).WithClock(f.clock)
	svc := booking.NewService(f.mem, checker, payments.NewRegistry(), f.outbox, policy, logger, nil).WithClock(f.clock)

	f.app = &App{
		Store:       f.mem,
		Slots:       checker,
		Bookings:    svc,
		Policy:      policy,
		Logger:      logger,
		StateSecret: []byte("state-secret"),
	}
	f.router = gin.New()
	f.app.Routes(f.router, AuthMiddleware(jwtSecret, []string{adminToken}))
	return f
}

func (f *fixture) do(method, path string, body any, token string) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// setup creates a Monday-Friday 09:00-17:00 UTC schedule and a one-hour event type.
func (f *fixture) setup() string {
	f.t.Helper()
	weekly := []gin.H{}
	for day := 1; day <= 5; day++ {
		weekly = append(weekly, gin.H{"day_of_week": day, "start_time": "09:00", "end_time": "17:00"})
	}
	w := f.do(http.MethodPut, "/api/admin/providers/"+provider+"/schedule",
		gin.H{"name": "Office", "timezone": "UTC", "weekly": weekly}, adminToken)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/admin/providers/"+provider+"/event-types", gin.H{
		"title":                     "Initial Consultation",
		"duration_minutes":          60,
		"minimum_notice_hours":      2,
		"maximum_days_in_future":    30,
		"cancellation_policy_hours": 24,
		"rescheduling_policy_hours": 24,
		"allow_cancellation":        true,
		"allow_rescheduling":        true,
		"active":                    true,
	}, adminToken)
	require.Equal(f.t, http.StatusCreated, w.Code, w.Body.String())
	et := decode[map[string]any](f.t, w)
	assert.Equal(f.t, "initial-consultation", et["slug"])
	return et["id"].(string)
}

type slotsBody struct {
	Timezone string `json:"timezone"`
	Slots    []Slot `json:"slots"`
}

type bookingBody struct {
	ID                string `json:"id"`
	Status            string `json:"status"`
	StartTime         string `json:"start_time"`
	RescheduledFromID string `json:"rescheduled_from_id"`
	CancellationToken string `json:"cancellation_token"`
	RescheduleToken   string `json:"reschedule_token"`
}

func TestBookingLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()
	slotsPath := "/api/providers/" + provider + "/event-types/" + etID + "/slots?from=2026-03-03&timezone=UTC"

	w := f.do(http.MethodGet, "/api/providers/"+provider+"/event-types", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	types := decode[map[string][]map[string]any](t, w)
	assert.Len(t, types["event_types"], 1)

	w = f.do(http.MethodGet, slotsPath, nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	open := decode[slotsBody](t, w)
	assert.Equal(t, "UTC", open.Timezone)
	require.Len(t, open.Slots, 8)
	assert.Equal(t, time.Date(2026, 3, 3, 9, 0, 0, 0, time.UTC), open.Slots[0].StartUTC)

	create := gin.H{
		"event_type_id": etID,
		"start_time":    "2026-03-03T10:00:00Z",
		"timezone":      "UTC",
		"client_name":   "Ana Torres",
		"client_email":  "ana@example.com",
	}
	w = f.do(http.MethodPost, "/api/providers/"+provider+"/bookings", create, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[bookingBody](t, w)
	assert.Equal(t, "confirmed", created.Status)
	assert.NotEmpty(t, created.CancellationToken)
	assert.NotEmpty(t, created.RescheduleToken)

	w = f.do(http.MethodPost, "/api/providers/"+provider+"/bookings", create, "")
	assert.Equal(t, http.StatusConflict, w.Code, w.Body.String())

	w = f.do(http.MethodGet, slotsPath, nil, "")
	assert.Len(t, decode[slotsBody](t, w).Slots, 7)

	w = f.do(http.MethodPost, "/api/bookings/reschedule/"+created.RescheduleToken,
		gin.H{"start_time": "2026-03-03T14:00:00Z", "reason": "conflict at work"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	moved := decode[bookingBody](t, w)
	assert.Equal(t, created.ID, moved.RescheduledFromID)
	assert.NotEqual(t, created.ID, moved.ID)

	w = f.do(http.MethodPost, "/api/bookings/cancel/"+moved.CancellationToken, gin.H{"reason": "sick"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode[bookingBody](t, w).Status)

	w = f.do(http.MethodPost, "/api/bookings/cancel/"+moved.CancellationToken, nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodGet, "/api/admin/bookings/"+created.ID+"/changes", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode[[]booking.Change](t, w)
	require.Len(t, changes, 1)
	assert.Equal(t, booking.ChangeRescheduled, changes[0].ChangeType)

	assert.Contains(t, f.outbox.kinds(), booking.EffectConfirmationEmail)
	assert.Contains(t, f.outbox.kinds(), booking.EffectRescheduleEmail)
	assert.Contains(t, f.outbox.kinds(), booking.EffectCancellationEmail)
}

func TestCreateBookingErrors(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()
	path := "/api/providers/" + provider + "/bookings"

	w := f.do(http.MethodPost, path, gin.H{
		"event_type_id": etID, "start_time": "2026-03-03T10:00:00Z", "client_name": "Ana", "client_email": "not-an-email",
	}, "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[struct {
		Fields []booking.FieldError `json:"fields"`
	}](t, w)
	require.Len(t, body.Fields, 1)
	assert.Equal(t, "client_email", body.Fields[0].Field)

	w = f.do(http.MethodPost, path, gin.H{"event_type_id": etID, "client_name": "Ana", "client_email": "ana@example.com"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/providers/someone-else/bookings", gin.H{
		"event_type_id": etID, "start_time": "2026-03-03T10:00:00Z", "client_name": "Ana", "client_email": "ana@example.com",
	}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, path, gin.H{
		"event_type_id": etID, "start_time": "2026-03-03T18:00:00Z", "client_name": "Ana", "client_email": "ana@example.com",
	}, "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPost, "/api/bookings/cancel/unknown-token", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEmailedLinksResolveBooking(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()

	w := f.do(http.MethodPost, "/api/providers/"+provider+"/bookings", gin.H{
		"event_type_id": etID, "start_time": "2026-03-04T10:00:00Z",
		"client_name": "Ana", "client_email": "ana@example.com",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[bookingBody](t, w)

	for _, path := range []string{
		"/api/bookings/cancel/" + created.CancellationToken,
		"/api/bookings/reschedule/" + created.RescheduleToken,
	} {
		w = f.do(http.MethodGet, path, nil, "")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		got := decode[bookingBody](t, w)
		assert.Equal(t, created.ID, got.ID)
		assert.Equal(t, "confirmed", got.Status)
		assert.Empty(t, got.CancellationToken, "tokens stay out of lookups")
	}

	w = f.do(http.MethodGet, "/api/bookings/cancel/"+created.RescheduleToken, nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "tokens are not interchangeable")
	w = f.do(http.MethodGet, "/api/bookings/reschedule/unknown-token", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelInsidePolicyWindow(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()

	// monday 11:00 is inside the 24h cancellation window at monday 08:00
	w := f.do(http.MethodPost, "/api/providers/"+provider+"/bookings", gin.H{
		"event_type_id": etID, "start_time": "2026-03-02T11:00:00Z", "timezone": "UTC",
		"client_name": "Ana", "client_email": "ana@example.com",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[bookingBody](t, w)

	w = f.do(http.MethodPost, "/api/bookings/cancel/"+created.CancellationToken, nil, "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, float64(24), body["policy_hours"])
}

func TestGetSlotsValidation(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()
	base := "/api/providers/" + provider + "/event-types/" + etID + "/slots"

	for name, tc := range map[string]struct {
		query string
		code  int
	}{
		"missing from":      {"", http.StatusBadRequest},
		"bad date":          {"?from=03/03/2026", http.StatusBadRequest},
		"bad timezone":      {"?from=2026-03-03&timezone=Mars/Base", http.StatusBadRequest},
		"reversed range":    {"?from=2026-03-05&to=2026-03-03", http.StatusBadRequest},
		"range too long":    {"?from=2026-03-03&to=2026-09-03", http.StatusBadRequest},
		"weekend is empty":  {"?from=2026-03-07&to=2026-03-08", http.StatusOK},
		"unknown eventtype": {"", http.StatusNotFound},
	} {
		t.Run(name, func(t *testing.T) {
			path := base + tc.query
			if name == "unknown eventtype" {
				path = "/api/providers/" + provider + "/event-types/nope/slots?from=2026-03-03"
			}
			w := f.do(http.MethodGet, path, nil, "")
			assert.Equal(t, tc.code, w.Code, w.Body.String())
		})
	}
}

func TestAdminScheduleManagement(t *testing.T) {
	f := newFixture(t)
	f.setup()
	base := "/api/admin/providers/" + provider

	w := f.do(http.MethodGet, base+"/availability", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.do(http.MethodPost, base+"/availability", []gin.H{{"day_of_week": 1, "start_time": "10:00", "end_time": "12:00"}}, adminToken)
	assert.Equal(t, http.StatusConflict, w.Code, "monday already has hours")

	w = f.do(http.MethodPost, base+"/availability", []gin.H{{"day_of_week": 6, "start_time": "10:00", "end_time": "09:00"}}, adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodPost, base+"/availability", []gin.H{{"day_of_week": 6, "start_time": "10:00", "end_time": "12:00"}}, adminToken)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	saturday := decode[[]map[string]any](t, w)[0]
	ruleID := int(saturday["id"].(float64))

	w = f.do(http.MethodPut, base+"/availability/"+itoa(ruleID), gin.H{"day_of_week": 6, "start_time": "10:00", "end_time": "14:00"}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, base+"/availability", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 6)

	w = f.do(http.MethodDelete, base+"/availability/"+itoa(ruleID), nil, adminToken)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = f.do(http.MethodDelete, base+"/availability/"+itoa(ruleID), nil, adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPut, base+"/overrides/2026-03-04", gin.H{"unavailable": true, "reason": "holiday"}, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = f.do(http.MethodPut, base+"/overrides/2026-03-05", gin.H{"start_time": "13:00"}, adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodGet, base+"/overrides?from=2026-03-01&to=2026-03-31", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	overrides := decode[[]map[string]any](t, w)
	require.Len(t, overrides, 1)
	assert.Equal(t, "2026-03-04", overrides[0]["date"])

	w = f.do(http.MethodDelete, base+"/overrides/2026-03-04", nil, adminToken)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodPost, base+"/event-types", gin.H{"title": "Initial Consultation", "duration_minutes": 30}, adminToken)
	assert.Equal(t, http.StatusConflict, w.Code, "slug is taken")
	w = f.do(http.MethodPost, base+"/event-types", gin.H{"title": "Follow up", "duration_minutes": 0}, adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestAdminBookingTransitions(t *testing.T) {
	f := newFixture(t)
	etID := f.setup()

	w := f.do(http.MethodPost, "/api/providers/"+provider+"/bookings", gin.H{
		"event_type_id": etID, "start_time": "2026-03-04T09:00:00Z", "timezone": "UTC",
		"client_name": "Ana", "client_email": "ana@example.com",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decode[bookingBody](t, w)

	w = f.do(http.MethodGet, "/api/admin/bookings/"+created.ID, nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), created.CancellationToken)

	w = f.do(http.MethodGet, "/api/admin/providers/"+provider+"/bookings?from=2026-03-04T00:00:00Z&to=2026-03-05T00:00:00Z", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]bookingBody](t, w), 1)

	w = f.do(http.MethodPost, "/api/admin/bookings/"+created.ID+"/no-show", nil, adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "not started yet")

	f.setNow(time.Date(2026, 3, 4, 9, 30, 0, 0, time.UTC))
	w = f.do(http.MethodPost, "/api/admin/bookings/"+created.ID+"/no-show", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "no_show", decode[bookingBody](t, w).Status)

	w = f.do(http.MethodPost, "/api/admin/bookings/"+created.ID+"/complete", nil, adminToken)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.do(http.MethodGet, "/api/admin/bookings/missing", nil, adminToken)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	f := newFixture(t)
	f.setup()
	path := "/api/admin/providers/" + provider + "/event-types"

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "member-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, path, nil, signed).Code)
	assert.Equal(t, http.StatusOK, f.do(http.MethodGet, path, nil, adminToken).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, path, nil, expired).Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(http.MethodGet, path, nil, "nope").Code)

	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGoogleOAuthFlow(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/admin/providers/"+provider+"/calendar/google/auth", nil, adminToken)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`))
	}))
	defer tokenSrv.Close()

	f.app.GoogleOAuth = &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/oauth2callback",
		Endpoint:     oauth2.Endpoint{AuthURL: tokenSrv.URL + "/auth", TokenURL: tokenSrv.URL + "/token"},
	}

	w = f.do(http.MethodGet, "/api/admin/providers/"+provider+"/calendar/google/auth", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	auth := decode[map[string]string](t, w)
	u, err := url.Parse(auth["auth_url"])
	require.NoError(t, err)
	assert.Equal(t, "offline", u.Query().Get("access_type"))
	state := auth["state"]

	w = f.do(http.MethodGet, "/oauth2callback?code=good-code&state=forged", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodGet, "/oauth2callback?code=bad-code&state="+url.QueryEscape(state), nil, "")
	assert.Equal(t, http.StatusBadGateway, w.Code)

	w = f.do(http.MethodGet, "/oauth2callback?code=good-code&state="+url.QueryEscape(state), nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	conns, err := f.mem.CalendarConnections(context.Background(), provider)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, "at-1", conns[0].AccessToken)
	assert.Equal(t, "rt-1", conns[0].RefreshToken)
	assert.True(t, conns[0].CheckForConflicts)

	w = f.do(http.MethodGet, "/api/admin/providers/"+provider+"/calendar/connections", nil, adminToken)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "rt-1")
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
