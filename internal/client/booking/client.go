package booking

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"rentpay/internal/apperrors"
)

// Rental is the booking subsystem's view of a reservation: the dates,
// currency and the amounts the tenant policy marked installable vs upfront.
type Rental struct {
	ID                     string          `json:"id"`
	StartDate              time.Time       `json:"start_date"`
	EndDate                time.Time       `json:"end_date"`
	Currency               string          `json:"currency"`
	InstallableAmount      decimal.Decimal `json:"installable_amount"`
	UpfrontAmount          decimal.Decimal `json:"upfront_amount"`
	PaymentMethodReference string          `json:"payment_method_reference,omitempty"`
}

// Days is the rental duration in whole days, minimum one.
func (r Rental) Days() int {
	days := int(r.EndDate.Sub(r.StartDate).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("booking API error (%d): %s", e.Status, e.Body)
}

type Client struct {
	host       string
	httpClient *http.Client
}

func NewClient(httpClient *http.Client, host string) *Client {
	host = strings.TrimRight(host, "/")
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

func (c *Client) GetRental(ctx context.Context, rentalID string) (*Rental, error) {
	if c == nil || c.host == "" {
		return nil, fmt.Errorf("booking client not configured")
	}
	if strings.TrimSpace(rentalID) == "" {
		return nil, fmt.Errorf("%w: rental id is required", apperrors.ErrValidation)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/v1/rentals/"+rentalID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: rental %s", apperrors.ErrNotFound, rentalID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	var rental Rental
	if err := json.Unmarshal(body, &rental); err != nil {
		return nil, fmt.Errorf("malformed rental payload: %w", err)
	}
	return &rental, nil
}
