package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"booking-scheduler/pkg/logging"
)

const culqiApproved = "venta_exitosa"

// CulqiAdapter charges card tokens through the Culqi v2 API.
type CulqiAdapter struct {
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

func NewCulqiAdapter(secretKey string, logger *logging.Logger) *CulqiAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &CulqiAdapter{
		secretKey:  secretKey,
		baseURL:    "https://api.culqi.com",
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// WithBaseURL overrides the API host (tests).
func (c *CulqiAdapter) WithBaseURL(baseURL string) *CulqiAdapter {
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

type culqiError struct {
	Type            string `json:"type"`
	MerchantMessage string `json:"merchant_message"`
	UserMessage     string `json:"user_message"`
}

func (c *CulqiAdapter) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	payload := map[string]any{
		"amount":        req.AmountCents,
		"currency_code": strings.ToUpper(req.Currency),
		"email":         req.Email,
		"source_id":     req.Source,
		"description":   req.Description,
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	status, body, err := c.post(ctx, "/v2/charges", payload)
	if err != nil {
		return nil, err
	}
	if status >= http.StatusMultipleChoices {
		var ce culqiError
		_ = json.Unmarshal(body, &ce)
		if ce.Type == "card_error" {
			return nil, &DeclinedError{Provider: Culqi, Message: firstNonEmpty(ce.UserMessage, ce.MerchantMessage)}
		}
		c.logger.Error("culqi charge failed", "status", status, "type", ce.Type)
		return nil, fmt.Errorf("payments: culqi charge status %d: %s", status, ce.MerchantMessage)
	}

	var charge struct {
		ID           string `json:"id"`
		Amount       int64  `json:"amount"`
		CurrencyCode string `json:"currency_code"`
		Outcome      struct {
			Type            string `json:"type"`
			MerchantMessage string `json:"merchant_message"`
			UserMessage     string `json:"user_message"`
		} `json:"outcome"`
	}
	if err := json.Unmarshal(body, &charge); err != nil {
		return nil, fmt.Errorf("payments: culqi decode: %w", err)
	}
	if charge.Outcome.Type != culqiApproved {
		return nil, &DeclinedError{Provider: Culqi, Message: firstNonEmpty(charge.Outcome.UserMessage, charge.Outcome.MerchantMessage, "Payment failed")}
	}

	c.logger.Info("culqi charge succeeded", "charge_id", charge.ID, "amount_cents", charge.Amount)
	return &ChargeResult{
		TransactionID: charge.ID,
		AmountCents:   charge.Amount,
		Currency:      charge.CurrencyCode,
		PaidAt:        time.Now().UTC(),
	}, nil
}

func (c *CulqiAdapter) Refund(ctx context.Context, req RefundRequest) error {
	if req.TransactionID == "" {
		return fmt.Errorf("payments: culqi refund needs a charge id")
	}
	status, body, err := c.post(ctx, "/v2/refunds", map[string]any{
		"amount":    req.AmountCents,
		"charge_id": req.TransactionID,
		"reason":    "solicitud_comprador",
	})
	if err != nil {
		return err
	}
	if status >= http.StatusMultipleChoices {
		var ce culqiError
		_ = json.Unmarshal(body, &ce)
		return fmt.Errorf("payments: culqi refund status %d: %s", status, ce.MerchantMessage)
	}
	return nil
}

func (c *CulqiAdapter) post(ctx context.Context, path string, payload any) (int, []byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, fmt.Errorf("payments: culqi marshal: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
	if err != nil {
		return 0, nil, fmt.Errorf("payments: culqi request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.secretKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("payments: culqi http: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("payments: culqi read: %w", err)
	}
	return resp.StatusCode, body, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
