package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Notifier posts overdue events to the platform notification webhook.
// Delivery is fire-and-forget: the sweep must never block or fail on a
// notification, so errors are logged and dropped.
type Notifier struct {
	WebhookURL string
	Timeout    time.Duration
	Logger     *zap.Logger

	HTTP *http.Client
}

type overdueEvent struct {
	Event             string `json:"event"`
	PlanID            uint64 `json:"plan_id"`
	RentalID          string `json:"rental_id"`
	InstallmentID     uint64 `json:"installment_id"`
	InstallmentNumber int    `json:"installment_number"`
	DueDate           string `json:"due_date"`
	Amount            string `json:"amount"`
	Currency          string `json:"currency"`
}

type OverdueInstallment struct {
	PlanID            uint64
	RentalID          string
	InstallmentID     uint64
	InstallmentNumber int
	DueDate           time.Time
	Amount            string
	Currency          string
}

func (n *Notifier) NotifyOverdue(in OverdueInstallment) {
	if n == nil || strings.TrimSpace(n.WebhookURL) == "" {
		return
	}
	go n.post(in)
}

func (n *Notifier) post(in OverdueInstallment) {
	timeout := n.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	body, _ := json.Marshal(overdueEvent{
		Event:             "installment.overdue",
		PlanID:            in.PlanID,
		RentalID:          in.RentalID,
		InstallmentID:     in.InstallmentID,
		InstallmentNumber: in.InstallmentNumber,
		DueDate:           in.DueDate.UTC().Format(time.RFC3339),
		Amount:            in.Amount,
		Currency:          in.Currency,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient().Do(req)
	if err != nil {
		if n.Logger != nil {
			n.Logger.Warn("overdue notification failed", zap.Error(err))
		}
		return
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 && n.Logger != nil {
		n.Logger.Warn("overdue notification rejected", zap.Int("status", resp.StatusCode))
	}
}

func (n *Notifier) httpClient() *http.Client {
	if n.HTTP != nil {
		return n.HTTP
	}
	return http.DefaultClient
}
