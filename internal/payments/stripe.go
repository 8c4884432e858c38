package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"booking-scheduler/pkg/logging"
)

// StripeAdapter confirms PaymentIntents against the Stripe REST API.
type StripeAdapter struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	dryRun     bool
	logger     *logging.Logger
}

func NewStripeAdapter(secretKey string, logger *logging.Logger) *StripeAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &StripeAdapter{
		secretKey:  secretKey,
		baseURL:    "https://api.stripe.com",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the API host (tests).
func (s *StripeAdapter) WithBaseURL(baseURL string) *StripeAdapter {
	if baseURL != "" {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
	return s
}

// WithDryRun makes charges and refunds succeed without calling Stripe.
func (s *StripeAdapter) WithDryRun(dry bool) *StripeAdapter {
	s.dryRun = dry
	return s
}

type stripeError struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *StripeAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	if s.dryRun {
		s.logger.Info("stripe dry run charge", "amount_cents", req.AmountCents, "currency", req.Currency)
		return &ChargeResult{
			TransactionID: "pi_dryrun_" + uuid.NewString(),
			AmountCents:   req.AmountCents,
			Currency:      strings.ToUpper(req.Currency),
			PaidAt:        time.Now().UTC(),
		}, nil
	}

	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.Source)
	form.Set("confirm", "true")
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("automatic_payment_methods[allow_redirects]", "never")
	if req.Description != "" {
		form.Set("description", req.Description)
	}
	if req.Email != "" {
		form.Set("receipt_email", req.Email)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	status, body, err := s.post(ctx, "/v1/payment_intents", form, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusMultipleChoices {
		var se stripeError
		_ = json.Unmarshal(body, &se)
		if se.Error.Type == "card_error" {
			return nil, &DeclinedError{Provider: Stripe, Message: se.Error.Message}
		}
		s.logger.Error("stripe charge failed", "status", status, "type", se.Error.Type, "code", se.Error.Code)
		return nil, fmt.Errorf("payments: stripe charge status %d: %s", status, se.Error.Message)
	}

	var intent struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
		Created  int64  `json:"created"`
	}
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("payments: stripe decode: %w", err)
	}
	if intent.Status != "succeeded" {
		return nil, &DeclinedError{Provider: Stripe, Message: "Payment failed"}
	}

	s.logger.Info("stripe charge succeeded", "payment_intent", intent.ID, "amount_cents", intent.Amount)
	return &ChargeResult{
		TransactionID: intent.ID,
		AmountCents:   intent.Amount,
		Currency:      strings.ToUpper(intent.Currency),
		PaidAt:        time.Now().UTC(),
	}, nil
}

func (s *StripeAdapter) Refund(ctx context.Context, req RefundRequest) error {
	if s.dryRun {
		s.logger.Info("stripe dry run refund", "payment_intent", req.TransactionID)
		return nil
	}
	if req.TransactionID == "" {
		return fmt.Errorf("payments: stripe refund needs a payment intent")
	}

	form := url.Values{}
	form.Set("payment_intent", req.TransactionID)
	form.Set("reason", "requested_by_customer")

	status, body, err := s.post(ctx, "/v1/refunds", form, "refund-"+req.TransactionID)
	if err != nil {
		return err
	}
	if status >= http.StatusMultipleChoices {
		var se stripeError
		_ = json.Unmarshal(body, &se)
		return fmt.Errorf("payments: stripe refund status %d: %s", status, se.Error.Message)
	}
	return nil
}

func (s *StripeAdapter) post(ctx context.Context, path string, form url.Values, idempotencyKey string) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return 0, nil, fmt.Errorf("payments: stripe request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+s.secretKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("payments: stripe http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("payments: stripe read: %w", err)
	}
	return resp.StatusCode, body, nil
}
