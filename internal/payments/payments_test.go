package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"booking-scheduler/internal/observability/metrics"
	"booking-scheduler/pkg/logging"
)

func TestStripeChargeConfirmsPaymentIntent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/payment_intents" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk_test_123" {
			t.Errorf("unexpected auth header %q", got)
		}
		if r.Header.Get("Idempotency-Key") != "booking-1" {
			t.Errorf("expected idempotency key")
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		assert.Equal(t, "5000", r.PostForm.Get("amount"))
		assert.Equal(t, "pen", r.PostForm.Get("currency"))
		assert.Equal(t, "pm_card_visa", r.PostForm.Get("payment_method"))
		assert.Equal(t, "true", r.PostForm.Get("confirm"))
		assert.Equal(t, "evt-1", r.PostForm.Get("metadata[event_type_id]"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"pi_123","status":"succeeded","amount":5000,"currency":"pen"}`)
	}))
	defer srv.Close()

	s := NewStripeAdapter("sk_test_123", logging.Discard()).WithBaseURL(srv.URL)
	res, err := s.Charge(context.Background(), ChargeRequest{
		AmountCents:    5000,
		Currency:       "PEN",
		Source:         "pm_card_visa",
		Metadata:       map[string]string{"event_type_id": "evt-1"},
		IdempotencyKey: "booking-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", res.TransactionID)
	assert.Equal(t, "PEN", res.Currency)
}

func TestStripeCardErrorIsDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = io.WriteString(w, `{"error":{"type":"card_error","code":"card_declined","message":"Your card was declined."}}`)
	}))
	defer srv.Close()

	_, err := NewStripeAdapter("sk", logging.Discard()).WithBaseURL(srv.URL).Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	d, ok := IsDeclined(err)
	require.True(t, ok)
	assert.Equal(t, "Your card was declined.", d.Message)
}

func TestStripeServerErrorIsNotDecline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	_, err := NewStripeAdapter("sk", logging.Discard()).WithBaseURL(srv.URL).Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.Error(t, err)
	_, ok := IsDeclined(err)
	assert.False(t, ok)
}

func TestStripeDryRun(t *testing.T) {
	s := NewStripeAdapter("sk", logging.Discard()).WithDryRun(true).WithBaseURL("http://127.0.0.1:1")
	res, err := s.Charge(context.Background(), ChargeRequest{AmountCents: 100, Currency: "usd"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.TransactionID, "pi_dryrun_"))
	assert.NoError(t, s.Refund(context.Background(), RefundRequest{TransactionID: res.TransactionID}))
}

func TestCulqiChargeAndRefund(t *testing.T) {
	var refund map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v2/charges":
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			if body["source_id"] == "tkn_bad" {
				w.WriteHeader(http.StatusPaymentRequired)
				_, _ = io.WriteString(w, `{"object":"error","type":"card_error","user_message":"Tarjeta rechazada"}`)
				return
			}
			_, _ = io.WriteString(w, `{"id":"chr_1","amount":5000,"currency_code":"PEN","outcome":{"type":"venta_exitosa"}}`)
		case "/v2/refunds":
			_ = json.NewDecoder(r.Body).Decode(&refund)
			_, _ = io.WriteString(w, `{"id":"ref_1"}`)
		}
	}))
	defer srv.Close()

	c := NewCulqiAdapter("sk_culqi", logging.Discard()).WithBaseURL(srv.URL)
	res, err := c.Charge(context.Background(), ChargeRequest{AmountCents: 5000, Currency: "pen", Source: "tkn_ok", Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "chr_1", res.TransactionID)

	_, err = c.Charge(context.Background(), ChargeRequest{AmountCents: 5000, Currency: "pen", Source: "tkn_bad"})
	d, ok := IsDeclined(err)
	require.True(t, ok)
	assert.Equal(t, "Tarjeta rechazada", d.Message)

	require.NoError(t, c.Refund(context.Background(), RefundRequest{TransactionID: "chr_1", AmountCents: 5000}))
	assert.Equal(t, "chr_1", refund["charge_id"])
	assert.Equal(t, "solicitud_comprador", refund["reason"])
}

type stubAdapter struct {
	refunds []RefundRequest
	err     error
}

func (s *stubAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	return &ChargeResult{TransactionID: "tx"}, nil
}

func (s *stubAdapter) Refund(ctx context.Context, req RefundRequest) error {
	s.refunds = append(s.refunds, req)
	return s.err
}

type stubRefundStore struct {
	payment  *Payment
	refunded []string
}

func (s *stubRefundStore) PaymentForBooking(ctx context.Context, bookingID string) (*Payment, error) {
	if s.payment == nil {
		return nil, ErrNotFound
	}
	p := *s.payment
	return &p, nil
}

func (s *stubRefundStore) MarkRefunded(ctx context.Context, paymentID, bookingID string) error {
	s.refunded = append(s.refunded, paymentID)
	s.payment.Status = StatusRefunded
	return nil
}

func TestRefunderRefundsCompletedPaymentOnce(t *testing.T) {
	ad := &stubAdapter{}
	reg := NewRegistry()
	reg.Register(Stripe, ad)
	store := &stubRefundStore{payment: &Payment{ID: "pay1", BookingID: "b1", Provider: Stripe, Status: StatusCompleted, TransactionID: "pi_1", AmountCents: 5000}}
	r := NewRefunder(reg, store, logging.Discard(), nil)

	require.NoError(t, r.RefundBooking(context.Background(), "b1", "cancelled"))
	require.NoError(t, r.RefundBooking(context.Background(), "b1", "cancelled"))

	require.Len(t, ad.refunds, 1)
	assert.Equal(t, "pi_1", ad.refunds[0].TransactionID)
	assert.Equal(t, []string{"pay1"}, store.refunded)
}

func TestRefunderSkipsMissingAndPendingPayments(t *testing.T) {
	ad := &stubAdapter{}
	reg := NewRegistry()
	reg.Register(Stripe, ad)

	r := NewRefunder(reg, &stubRefundStore{}, logging.Discard(), nil)
	assert.NoError(t, r.RefundBooking(context.Background(), "b1", ""))

	r = NewRefunder(reg, &stubRefundStore{payment: &Payment{ID: "p", Provider: Stripe, Status: StatusPending}}, logging.Discard(), nil)
	assert.NoError(t, r.RefundBooking(context.Background(), "b1", ""))
	assert.Empty(t, ad.refunds)
}

func TestRefunderFailureAlerts(t *testing.T) {
	ad := &stubAdapter{err: errors.New("processor down")}
	reg := NewRegistry()
	reg.Register(Culqi, ad)
	m := metrics.NewSchedulingMetrics(prometheus.NewRegistry())
	store := &stubRefundStore{payment: &Payment{ID: "pay1", Provider: Culqi, Status: StatusCompleted, TransactionID: "chr_1"}}
	r := NewRefunder(reg, store, logging.Discard(), m)

	err := r.RefundBooking(context.Background(), "b1", "")
	require.Error(t, err)
	assert.Empty(t, store.refunded, "records untouched when the processor fails")

	err = r.RefundCharge(context.Background(), Provider("paypal"), RefundRequest{TransactionID: "x"})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestManualAdapter(t *testing.T) {
	_, err := ManualAdapter{}.Charge(context.Background(), ChargeRequest{})
	_, ok := IsDeclined(err)
	assert.True(t, ok)
	assert.NoError(t, ManualAdapter{}.Refund(context.Background(), RefundRequest{}))
}
