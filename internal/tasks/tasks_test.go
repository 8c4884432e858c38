package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-scheduler/internal/booking"
	"booking-scheduler/internal/calendar"
	"booking-scheduler/internal/payments"
	"booking-scheduler/internal/schedule"
	"booking-scheduler/internal/store"
	"booking-scheduler/pkg/logging"
)

type sentMail struct {
	kind               booking.EffectKind
	bookingID, related string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentMail
}

func (n *fakeNotifier) Send(ctx context.Context, kind booking.EffectKind, bookingID, relatedID string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMail{kind, bookingID, relatedID})
	return nil
}

type fakeCalendars struct {
	created, deleted []calendar.Item
	replaced         [][2]calendar.Item
}

func (c *fakeCalendars) Create(ctx context.Context, item calendar.Item) error {
	c.created = append(c.created, item)
	return nil
}

func (c *fakeCalendars) Replace(ctx context.Context, old, next calendar.Item) error {
	c.replaced = append(c.replaced, [2]calendar.Item{old, next})
	return nil
}

func (c *fakeCalendars) Delete(ctx context.Context, item calendar.Item) error {
	c.deleted = append(c.deleted, item)
	return nil
}

type fakeRefunds struct {
	bookings []string
	charges  []payments.RefundRequest
}

func (r *fakeRefunds) RefundBooking(ctx context.Context, bookingID, reason string) error {
	r.bookings = append(r.bookings, bookingID)
	return nil
}

func (r *fakeRefunds) RefundCharge(ctx context.Context, provider payments.Provider, req payments.RefundRequest) error {
	r.charges = append(r.charges, req)
	return nil
}

func seeded(t *testing.T) *store.Memory {
	t.Helper()
	ctx := context.Background()
	m := store.NewMemory()
	et := &schedule.EventType{ID: "et-1", ProviderID: "prov-1", Title: "Consultation", Slug: "consultation", DurationMinutes: 60, Active: true}
	require.NoError(t, m.CreateEventType(ctx, et))

	start := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	require.NoError(t, m.WithTx(ctx, func(tx booking.Tx) error {
		for i, id := range []string{"b1", "b2"} {
			s := start.Add(time.Duration(i) * 24 * time.Hour)
			if err := tx.InsertBooking(ctx, &booking.Booking{
				ID: id, UID: "uid-" + id, ProviderID: "prov-1", EventTypeID: "et-1",
				ClientName: "Ana", ClientEmail: "ana@example.com", Timezone: "America/Lima",
				StartTime: s, EndTime: s.Add(time.Hour), Status: booking.StatusConfirmed,
				CancellationToken: "c-" + id, RescheduleToken: "r-" + id,
				ExternalEventIDs: map[string]string{"google": "evt-" + id},
			}); err != nil {
				return err
			}
		}
		return nil
	}))
	return m
}

func TestHandlerRoutesEffects(t *testing.T) {
	mem := seeded(t)
	notifier, cals, refunds := &fakeNotifier{}, &fakeCalendars{}, &fakeRefunds{}
	h := NewHandler(mem, notifier, cals, refunds, logging.Discard(), nil)
	ctx := context.Background()

	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b1"}))
	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectRescheduleEmail, BookingID: "b1", RelatedID: "b2"}))
	assert.Equal(t, []sentMail{
		{booking.EffectConfirmationEmail, "b1", ""},
		{booking.EffectRescheduleEmail, "b1", "b2"},
	}, notifier.sent)

	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectCalendarCreate, BookingID: "b1"}))
	require.Len(t, cals.created, 1)
	item := cals.created[0]
	assert.Equal(t, "Consultation with Ana", item.Event.Summary)
	assert.Equal(t, "ana@example.com", item.Event.AttendeeEmail)
	assert.Equal(t, "evt-b1", item.ExternalIDs[calendar.Google])

	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectCalendarUpdate, BookingID: "b1", RelatedID: "b2"}))
	require.Len(t, cals.replaced, 1)
	assert.Equal(t, "b1", cals.replaced[0][0].BookingID)
	assert.Equal(t, "b2", cals.replaced[0][1].BookingID)

	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectCalendarDelete, BookingID: "b2"}))
	assert.Len(t, cals.deleted, 1)

	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectRefundBooking, BookingID: "b1"}))
	require.NoError(t, h.Handle(ctx, booking.Effect{Kind: booking.EffectRefundCharge, Charge: &booking.Charge{
		Provider: payments.Stripe, TransactionID: "ch_1", AmountCents: 5000, Currency: "PEN",
	}}))
	assert.Equal(t, []string{"b1"}, refunds.bookings)
	require.Len(t, refunds.charges, 1)
	assert.Equal(t, "ch_1", refunds.charges[0].TransactionID)
}

func TestHandlerPermanentFailures(t *testing.T) {
	h := NewHandler(seeded(t), &fakeNotifier{}, &fakeCalendars{}, &fakeRefunds{}, logging.Discard(), nil)
	ctx := context.Background()

	err := h.Handle(ctx, booking.Effect{Kind: booking.EffectCalendarCreate, BookingID: "missing"})
	assert.True(t, Permanent(err), "got %v", err)

	err = h.Handle(ctx, booking.Effect{Kind: "sms:reminder", BookingID: "b1"})
	assert.ErrorIs(t, err, ErrUnknownEffect)
	assert.True(t, Permanent(err))

	assert.False(t, Permanent(errors.New("timeout")))
}

func TestHandlerWithoutCollaboratorsIsNoop(t *testing.T) {
	h := NewHandler(seeded(t), nil, nil, nil, logging.Discard(), nil)
	for _, kind := range effectKinds {
		e := booking.Effect{Kind: kind, BookingID: "b1", RelatedID: "b2"}
		if kind == booking.EffectRefundCharge {
			e.Charge = &booking.Charge{Provider: payments.Stripe, TransactionID: "ch_1"}
		}
		assert.NoError(t, h.Handle(context.Background(), e), kind)
	}
}

func TestProcessTaskSkipsRetryOnPermanentError(t *testing.T) {
	notifier := &fakeNotifier{}
	h := NewHandler(seeded(t), notifier, &fakeCalendars{}, nil, logging.Discard(), nil)

	task, err := NewTask(booking.Effect{Kind: booking.EffectCancellationEmail, BookingID: "b1"})
	require.NoError(t, err)
	assert.Equal(t, "email:cancellation", task.Type())
	require.NoError(t, h.ProcessTask(context.Background(), task))
	require.Len(t, notifier.sent, 1)

	missing, _ := NewTask(booking.Effect{Kind: booking.EffectCalendarCreate, BookingID: "missing"})
	assert.ErrorIs(t, h.ProcessTask(context.Background(), missing), asynq.SkipRetry)

	garbage := asynq.NewTask(string(booking.EffectCalendarCreate), []byte("{"))
	assert.ErrorIs(t, h.ProcessTask(context.Background(), garbage), asynq.SkipRetry)
}

func TestNewTaskPayloadCarriesCharge(t *testing.T) {
	task, err := NewTask(booking.Effect{Kind: booking.EffectRefundCharge, Reason: "booking rejected",
		Charge: &booking.Charge{Provider: payments.Culqi, TransactionID: "chr_1", AmountCents: 100}})
	require.NoError(t, err)

	var e booking.Effect
	require.NoError(t, json.Unmarshal(task.Payload(), &e))
	require.NotNil(t, e.Charge)
	assert.Equal(t, payments.Culqi, e.Charge.Provider)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Second, Backoff(DefaultBaseDelay, 0))
	assert.Equal(t, 20*time.Second, Backoff(DefaultBaseDelay, 2))
	assert.Equal(t, time.Hour, Backoff(DefaultBaseDelay, 12))
	assert.Equal(t, time.Hour, Backoff(DefaultBaseDelay, 64))
}

type flakyHandler struct {
	mu       sync.Mutex
	failures map[string]int
	calls    map[string]int
	err      error
	done     chan string
}

func newFlaky() *flakyHandler {
	return &flakyHandler{failures: map[string]int{}, calls: map[string]int{}, done: make(chan string, 16)}
}

func (f *flakyHandler) Handle(ctx context.Context, e booking.Effect) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[e.Key()]++
	if f.failures[e.Key()] > 0 {
		f.failures[e.Key()]--
		if f.err != nil {
			return f.err
		}
		return errors.New("temporary")
	}
	f.done <- e.Key()
	return nil
}

func (f *flakyHandler) count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func TestMemoryQueueRetriesWithBackoff(t *testing.T) {
	h := newFlaky()
	e := booking.Effect{Kind: booking.EffectCalendarCreate, BookingID: "b1"}
	h.failures[e.Key()] = 2

	q := NewMemoryQueue(h, 8, 2, 5, logging.Discard()).WithBaseDelay(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, e))
	require.NoError(t, q.Enqueue(ctx, e), "duplicate is dropped")

	select {
	case key := <-h.done:
		assert.Equal(t, e.Key(), key)
	case <-time.After(2 * time.Second):
		t.Fatal("effect never succeeded")
	}
	cancel()
	q.Wait()
	assert.Equal(t, 3, h.count(e.Key()))
}

func TestMemoryQueueGivesUp(t *testing.T) {
	h := newFlaky()
	permanent := booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "gone"}
	h.failures[permanent.Key()] = 10
	h.err = booking.ErrNotFound
	ok := booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b1"}

	q := NewMemoryQueue(h, 8, 1, 3, logging.Discard()).WithBaseDelay(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	q.Start(ctx)
	require.NoError(t, q.Enqueue(ctx, permanent))
	require.NoError(t, q.Enqueue(ctx, ok))

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("second effect never ran")
	}
	cancel()
	q.Wait()
	assert.Equal(t, 1, h.count(permanent.Key()), "not-found is not retried")
}

func TestMemoryQueueForgetsFinishedEffects(t *testing.T) {
	h := newFlaky()
	e := booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b1"}
	abandoned := booking.Effect{Kind: booking.EffectCalendarDelete, BookingID: "b2"}
	h.failures[abandoned.Key()] = 10

	q := NewMemoryQueue(h, 8, 1, 1, logging.Discard()).WithBaseDelay(time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); q.Wait() }()
	q.Start(ctx)

	require.NoError(t, q.Enqueue(ctx, abandoned))
	require.NoError(t, q.Enqueue(ctx, e))
	<-h.done
	require.Eventually(t, func() bool { return q.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.count(abandoned.Key()), "one retry, then given up")

	require.NoError(t, q.Enqueue(ctx, e), "a finished effect may be queued again")
	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		t.Fatal("re-queued effect never ran")
	}
	assert.Equal(t, 2, h.count(e.Key()))
}

type stuckHandler struct {
	started chan string
	release chan struct{}
}

func (s *stuckHandler) Handle(ctx context.Context, e booking.Effect) error {
	s.started <- e.BookingID
	<-s.release
	return nil
}

func TestMemoryQueueEnqueueNeverBlocks(t *testing.T) {
	h := &stuckHandler{started: make(chan string, 4), release: make(chan struct{})}
	q := NewMemoryQueue(h, 1, 1, 3, logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	defer func() { cancel(); q.Wait() }()
	q.Start(ctx)
	defer close(h.release)

	detached := context.WithoutCancel(context.Background())
	require.NoError(t, q.Enqueue(detached, booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b1"}))
	assert.Equal(t, "b1", <-h.started)
	require.NoError(t, q.Enqueue(detached, booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b2"}))

	full := booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b3"}
	errCh := make(chan error, 1)
	go func() { errCh <- q.Enqueue(detached, full) }()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full buffer")
	}
	assert.Equal(t, 2, q.Pending(), "the dropped effect is not remembered")
}

type blockingNotifier struct{}

func (blockingNotifier) Send(ctx context.Context, kind booking.EffectKind, bookingID, relatedID string) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestHandlerBoundsEachAttempt(t *testing.T) {
	h := NewHandler(seeded(t), blockingNotifier{}, nil, nil, logging.Discard(), nil).WithTimeout(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		done <- h.Handle(context.Background(), booking.Effect{Kind: booking.EffectConfirmationEmail, BookingID: "b1"})
	}()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.False(t, Permanent(err), "a timed out attempt is retried")
	case <-time.After(2 * time.Second):
		t.Fatal("handler ignored its deadline")
	}
}
