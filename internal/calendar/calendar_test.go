package calendar

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-scheduler/pkg/logging"
)

type fakeAdapter struct {
	mu        sync.Mutex
	conn      Connection
	added     []Event
	deleted   []string
	addErr    error
	refreshed Token
	refreshes int
}

func (f *fakeAdapter) HasConflicts(ctx context.Context, start, end time.Time) (bool, error) {
	return false, nil
}

func (f *fakeAdapter) AddEvent(ctx context.Context, ev Event) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, ev)
	return "evt-" + ev.Summary, nil
}

func (f *fakeAdapter) UpdateEvent(ctx context.Context, eventID string, ev Event) error {
	return nil
}

func (f *fakeAdapter) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeAdapter) RefreshToken(ctx context.Context) (Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	return f.refreshed, nil
}

// fakeFactory records the connection each adapter was built for.
func fakeFactory(f *fakeAdapter) Factory {
	return func(conn Connection) Adapter {
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		return f
	}
}

type memSyncStore struct {
	mu     sync.Mutex
	conns  []Connection
	ids    map[string]map[Provider]string
	tokens map[string]Token
}

func newMemSyncStore(conns ...Connection) *memSyncStore {
	return &memSyncStore{conns: conns, ids: map[string]map[Provider]string{}, tokens: map[string]Token{}}
}

func (m *memSyncStore) CalendarConnections(ctx context.Context, providerID string) ([]Connection, error) {
	var out []Connection
	for _, c := range m.conns {
		if c.ProviderID == providerID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memSyncStore) SetExternalEventID(ctx context.Context, bookingID string, p Provider, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ids[bookingID] == nil {
		m.ids[bookingID] = map[Provider]string{}
	}
	m.ids[bookingID][p] = eventID
	return nil
}

func (m *memSyncStore) UpdateCalendarTokens(ctx context.Context, connectionID string, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[connectionID] = tok
	return nil
}

func TestRegistryRefreshesExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	store := newMemSyncStore()
	fake := &fakeAdapter{refreshed: Token{AccessToken: "fresh", Expiry: now.Add(time.Hour)}}

	reg := NewRegistry(store, logging.Discard())
	reg.now = func() time.Time { return now }
	reg.Register(Google, fakeFactory(fake))

	conn := Connection{ID: "c1", Provider: Google, AccessToken: "stale", RefreshToken: "r1", TokenExpiresAt: now.Add(-time.Minute)}
	_, err := reg.Authorize(context.Background(), conn)
	require.NoError(t, err)

	assert.Equal(t, 1, fake.refreshes)
	assert.Equal(t, "fresh", fake.conn.AccessToken)
	assert.Equal(t, "r1", fake.conn.RefreshToken, "refresh token kept when provider does not rotate it")
	assert.Equal(t, Token{AccessToken: "fresh", RefreshToken: "r1", Expiry: now.Add(time.Hour)}, store.tokens["c1"])

	conn.TokenExpiresAt = now.Add(time.Minute)
	_, err = reg.Authorize(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.refreshes)
}

func TestRegistryUnsupportedProvider(t *testing.T) {
	reg := NewRegistry(nil, logging.Discard())
	_, err := reg.Authorize(context.Background(), Connection{Provider: Outlook})
	assert.ErrorIs(t, err, ErrUnsupportedProvider)
	assert.False(t, reg.Enabled(Outlook))
}

func TestConnectionTokenExpired(t *testing.T) {
	now := time.Now()
	assert.False(t, Connection{}.TokenExpired(now))
	assert.True(t, Connection{TokenExpiresAt: now}.TokenExpired(now))
	assert.False(t, Connection{TokenExpiresAt: now.Add(time.Second)}.TokenExpired(now))
	assert.Equal(t, "primary", Connection{}.CalendarID())
}

func TestSyncerCreateSkipsReadOnlyAndKnownEvents(t *testing.T) {
	store := newMemSyncStore(
		Connection{ID: "g", ProviderID: "p1", Provider: Google, Active: true, AddBookingsToCalendar: true},
		Connection{ID: "o", ProviderID: "p1", Provider: Outlook, Active: true, AddBookingsToCalendar: false},
	)
	google, outlook := &fakeAdapter{}, &fakeAdapter{}
	reg := NewRegistry(store, logging.Discard())
	reg.Register(Google, fakeFactory(google))
	reg.Register(Outlook, fakeFactory(outlook))
	syncer := NewSyncer(reg, store, logging.Discard(), nil)

	item := Item{BookingID: "b1", ProviderID: "p1", Event: Event{Summary: "intro"}}
	require.NoError(t, syncer.Create(context.Background(), item))
	assert.Len(t, google.added, 1)
	assert.Empty(t, outlook.added)
	assert.Equal(t, "evt-intro", store.ids["b1"][Google])

	item.ExternalIDs = map[Provider]string{Google: "evt-intro"}
	require.NoError(t, syncer.Create(context.Background(), item))
	assert.Len(t, google.added, 1, "retry does not duplicate the event")
}

func TestSyncerReplaceAndDelete(t *testing.T) {
	store := newMemSyncStore(Connection{ID: "g", ProviderID: "p1", Provider: Google, Active: true, AddBookingsToCalendar: true})
	google := &fakeAdapter{}
	reg := NewRegistry(store, logging.Discard())
	reg.Register(Google, fakeFactory(google))
	syncer := NewSyncer(reg, store, logging.Discard(), nil)

	old := Item{BookingID: "b1", ProviderID: "p1", ExternalIDs: map[Provider]string{Google: "evt-old"}}
	next := Item{BookingID: "b2", ProviderID: "p1", Event: Event{Summary: "moved"}}
	require.NoError(t, syncer.Replace(context.Background(), old, next))

	assert.Equal(t, []string{"evt-old"}, google.deleted)
	assert.Equal(t, "", store.ids["b1"][Google])
	assert.Equal(t, "evt-moved", store.ids["b2"][Google])

	require.NoError(t, syncer.Delete(context.Background(), Item{BookingID: "b3", ProviderID: "p1"}))
	assert.Len(t, google.deleted, 1, "nothing to delete without an event id")
}

func TestSyncerJoinsPerConnectionErrors(t *testing.T) {
	store := newMemSyncStore(
		Connection{ID: "g", ProviderID: "p1", Provider: Google, Active: true, AddBookingsToCalendar: true},
		Connection{ID: "o", ProviderID: "p1", Provider: Outlook, Active: true, AddBookingsToCalendar: true},
	)
	google, outlook := &fakeAdapter{addErr: errors.New("quota")}, &fakeAdapter{}
	reg := NewRegistry(store, logging.Discard())
	reg.Register(Google, fakeFactory(google))
	reg.Register(Outlook, fakeFactory(outlook))
	syncer := NewSyncer(reg, store, logging.Discard(), nil)

	err := syncer.Create(context.Background(), Item{BookingID: "b1", ProviderID: "p1", Event: Event{Summary: "x"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")
	assert.Len(t, outlook.added, 1, "one failing connection does not block the others")
}
