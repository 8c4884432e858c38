package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/pkg/logging"
)

type fakeStore struct {
	bookings map[string]*booking.Booking
	et       *schedule.EventType
}

func (f *fakeStore) Booking(ctx context.Context, id string) (*booking.Booking, error) {
	b, ok := f.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return b, nil
}

func (f *fakeStore) EventType(ctx context.Context, id string) (*schedule.EventType, error) {
	return f.et, nil
}

type flakySender struct {
	failures int
	sent     []EmailMessage
}

func (s *flakySender) Send(ctx context.Context, msg EmailMessage) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("smtp down")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newFixture(t *testing.T) (*fakeStore, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	start := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	store := &fakeStore{
		et: &schedule.EventType{ID: "et-1", Title: "Consultation"},
		bookings: map[string]*booking.Booking{
			"b1": {
				ID: "b1", EventTypeID: "et-1", ClientName: "Ana", ClientEmail: "ana@example.com",
				StartTime: start, EndTime: start.Add(time.Hour), Timezone: "America/Lima",
				Status: booking.StatusConfirmed, CancellationToken: "ctok", RescheduleToken: "rtok",
			},
			"b2": {
				ID: "b2", EventTypeID: "et-1", ClientName: "Ana", ClientEmail: "ana@example.com",
				StartTime: start.Add(24 * time.Hour), EndTime: start.Add(25 * time.Hour), Timezone: "America/Lima",
				Status: booking.StatusConfirmed, CancellationToken: "ctok2", RescheduleToken: "rtok2",
			},
		},
	}
	return store, rdb, mr
}

func TestSendConfirmationOnce(t *testing.T) {
	store, rdb, mr := newFixture(t)
	sender := &flakySender{}
	d := NewDispatcher(store, sender, rdb, "https://book.example.com/", logging.Discard())

	require.NoError(t, d.Send(context.Background(), booking.EffectConfirmationEmail, "b1", ""))
	require.NoError(t, d.Send(context.Background(), booking.EffectConfirmationEmail, "b1", ""))

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "Confirmed: Consultation", msg.Subject)
	assert.Contains(t, msg.Body, "10:00 -05")
	assert.Contains(t, msg.Body, "https://book.example.com/api/bookings/cancel/ctok")
	assert.True(t, mr.Exists("notify:email:confirmation:b1"))
}

func TestSendReleasesClaimOnFailure(t *testing.T) {
	store, rdb, mr := newFixture(t)
	sender := &flakySender{failures: 1}
	d := NewDispatcher(store, sender, rdb, "", logging.Discard())

	err := d.Send(context.Background(), booking.EffectCancellationEmail, "b1", "")
	require.Error(t, err)
	assert.False(t, mr.Exists("notify:email:cancellation:b1"))

	require.NoError(t, d.Send(context.Background(), booking.EffectCancellationEmail, "b1", ""))
	require.Len(t, sender.sent, 1)
	assert.False(t, strings.Contains(sender.sent[0].Body, "Cancel:"), "no links without a public url")
}

func TestSendRescheduleDescribesBothTimes(t *testing.T) {
	store, rdb, _ := newFixture(t)
	sender := &flakySender{}
	d := NewDispatcher(store, sender, rdb, "https://book.example.com", logging.Discard())

	require.NoError(t, d.Send(context.Background(), booking.EffectRescheduleEmail, "b1", "b2"))
	require.Len(t, sender.sent, 1)
	body := sender.sent[0].Body
	assert.Contains(t, body, "Was: Wednesday, March 4, 2026")
	assert.Contains(t, body, "Now: Thursday, March 5, 2026")
	assert.Contains(t, body, "/api/bookings/reschedule/rtok2")

	err := d.Send(context.Background(), booking.EffectRescheduleEmail, "b1", "")
	assert.Error(t, err)
}

func TestSendWithoutRedis(t *testing.T) {
	store, _, _ := newFixture(t)
	stub := NewStubEmailSender(logging.Discard())
	d := NewDispatcher(store, stub, nil, "", logging.Discard())

	require.NoError(t, d.Send(context.Background(), booking.EffectConfirmationEmail, "b1", ""))
	assert.Len(t, stub.Sent(), 1)

	assert.ErrorIs(t, d.Send(context.Background(), booking.EffectCalendarCreate, "b1", ""), ErrUnknownKind)
	assert.ErrorIs(t, d.Send(context.Background(), booking.EffectConfirmationEmail, "missing", ""), booking.ErrNotFound)
}

func TestNewSendGridSenderNeedsKey(t *testing.T) {
	assert.Nil(t, NewSendGridSender(SendGridConfig{}, nil))
	assert.NotNil(t, NewSendGridSender(SendGridConfig{APIKey: "SG.key", FromEmail: "noreply@example.com"}, nil))
}
