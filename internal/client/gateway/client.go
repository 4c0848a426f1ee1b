package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/shopspring/decimal"

	"rentpay/internal/apperrors"
)

// ChargeRequest is one charge attempt against the payment provider. The
// idempotency key makes a repeated submission of the same attempt safe: the
// provider replays the original outcome instead of moving money twice.
type ChargeRequest struct {
	PaymentMethodReference string
	Amount                 decimal.Decimal
	Currency               string
	IdempotencyKey         string
}

const (
	StatusSucceeded = "succeeded"
	StatusDeclined  = "declined"
)

// ChargeResult is the provider's answer for a settled request. A decline is
// a business outcome and comes back as a result, not an error; transport
// and provider faults come back as errors.
type ChargeResult struct {
	Status          string `json:"status"`
	ChargeReference string `json:"charge_id"`
	Reason          string `json:"decline_reason,omitempty"`

	Raw []byte `json:"-"`
}

func (r *ChargeResult) Succeeded() bool {
	return r != nil && r.Status == StatusSucceeded
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

func NewClient(httpClient *http.Client, host, apiKey string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		apiKey:     apiKey,
		httpClient: httpClient,
	}
}

type chargePayload struct {
	PaymentMethod  string `json:"payment_method"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Charge submits one attempt. The request context carries the bounded
// timeout; a deadline hit maps to ErrGatewayTimeout so the caller records a
// failed attempt and reconciles on the next one under the same key.
func (c *Client) Charge(ctx context.Context, in ChargeRequest) (*ChargeResult, error) {
	if c == nil || c.host == "" {
		return nil, fmt.Errorf("%w: gateway not configured", apperrors.ErrGateway)
	}
	if in.PaymentMethodReference == "" {
		return nil, fmt.Errorf("%w: payment method reference is required", apperrors.ErrValidation)
	}
	if in.IdempotencyKey == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", apperrors.ErrValidation)
	}

	body, err := json.Marshal(chargePayload{
		PaymentMethod:  in.PaymentMethodReference,
		Amount:         in.Amount.StringFixed(2),
		Currency:       in.Currency,
		IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", in.IdempotencyKey)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayTimeout, err)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGateway, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", apperrors.ErrGateway, err)
	}

	// Declines arrive as 402 with a structured body; anything else non-2xx
	// is a provider fault.
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGateway, &APIError{Status: resp.StatusCode, Body: string(raw)})
	}

	var result ChargeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %v", apperrors.ErrGateway, err)
	}
	result.Raw = raw
	if result.Status != StatusSucceeded && result.Status != StatusDeclined {
		return nil, fmt.Errorf("%w: unexpected charge status %q", apperrors.ErrGateway, result.Status)
	}
	return &result, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
