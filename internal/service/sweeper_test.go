package service

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"rentpay/internal/config"
	"rentpay/internal/models"
	"rentpay/internal/notify"
)

func testSweeper(repo *stubRepo, gw *fakeGateway, now time.Time) *Sweeper {
	policy := config.PlanConfig{
		MaxRetryAttempts:  3,
		GracePeriodDays:   3,
		RetryIntervalDays: 1,
	}
	return &Sweeper{
		Repo:     repo,
		Executor: &ChargeExecutor{Repo: repo, Gateway: gw, Policy: policy, Timeout: time.Second},
		Policy:   policy,
		Now:      func() time.Time { return now },
	}
}

func TestSweepOnceChargesDueInstallments(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := newStubRepo()
	_, due := repo.seedPlan(now.AddDate(0, 0, -1), "100.00", "100.00")
	_, future := repo.seedPlan(now.AddDate(0, 0, 7), "50.00")
	gw := &fakeGateway{replies: []chargeReply{succeededReply("ch_a"), succeededReply("ch_b")}}

	res, err := testSweeper(repo, gw, now).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Scanned != 2 || res.Charged != 2 {
		t.Fatalf("result = %+v, want 2 scanned / 2 charged", res)
	}
	for _, id := range due {
		if st := repo.installment(id).Status; st != models.InstallmentStatusPaid {
			t.Fatalf("due installment %d status = %s, want paid", id, st)
		}
	}
	if st := repo.installment(future[0]).Status; st != models.InstallmentStatusScheduled {
		t.Fatalf("future installment charged early: status = %s", st)
	}
}

func TestSweepOnceEscalatesFailedRowPastGrace(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := newStubRepo()
	// Due 5 days ago with a 3 day grace window.
	plan, ids := repo.seedPlan(now.AddDate(0, 0, -5), "100.00")
	failInstallment(t, repo, ids[0], now.AddDate(0, 0, -4))

	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		received <- payload
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	gw := &fakeGateway{}
	sw := testSweeper(repo, gw, now)
	sw.Notifier = &notify.Notifier{WebhookURL: srv.URL, Timeout: time.Second}

	res, err := sw.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("result = %+v, want 1 escalated", res)
	}
	if gw.callCount() != 0 {
		t.Fatalf("escalation must not retry, got %d gateway calls", gw.callCount())
	}
	if st := repo.installment(ids[0]).Status; st != models.InstallmentStatusOverdue {
		t.Fatalf("installment status = %s, want overdue", st)
	}
	if st := repo.plan(plan.ID).Status; st != models.PlanStatusOverdue {
		t.Fatalf("plan status = %s, want overdue", st)
	}

	select {
	case payload := <-received:
		if payload["event"] != "installment.overdue" {
			t.Fatalf("webhook event = %v, want installment.overdue", payload["event"])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("overdue webhook never delivered")
	}
}

func TestSweepOnceRespectsRetryInterval(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := newStubRepo()
	_, ids := repo.seedPlan(now.AddDate(0, 0, -1), "100.00")
	// Failed two hours ago; the next try is due tomorrow.
	failInstallment(t, repo, ids[0], now.Add(-2*time.Hour))

	gw := &fakeGateway{}
	res, err := testSweeper(repo, gw, now).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Skipped != 1 || gw.callCount() != 0 {
		t.Fatalf("result = %+v with %d gateway calls, want skip without charging", res, gw.callCount())
	}

	later := now.AddDate(0, 0, 1)
	gw.replies = []chargeReply{succeededReply("ch_retry")}
	res, err = testSweeper(repo, gw, later).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce after interval: %v", err)
	}
	if res.Charged != 1 {
		t.Fatalf("result after interval = %+v, want 1 charged", res)
	}
}

func TestSweepOnceSkipsExhaustedRowInsideGrace(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := newStubRepo()
	_, ids := repo.seedPlan(now.AddDate(0, 0, -1), "100.00")
	for i := 0; i < 3; i++ {
		failInstallment(t, repo, ids[0], now.AddDate(0, 0, -2))
	}

	gw := &fakeGateway{}
	res, err := testSweeper(repo, gw, now).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Skipped != 1 || res.Escalated != 0 || gw.callCount() != 0 {
		t.Fatalf("result = %+v with %d gateway calls, want skip only", res, gw.callCount())
	}

	// Once the grace window closes the same row escalates.
	afterGrace := now.AddDate(0, 0, 3)
	res, err = testSweeper(repo, gw, afterGrace).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce past grace: %v", err)
	}
	if res.Escalated != 1 {
		t.Fatalf("result past grace = %+v, want 1 escalated", res)
	}
}

func TestSweepOnceContinuesAfterDecline(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	repo := newStubRepo()
	_, ids := repo.seedPlan(now.AddDate(0, 0, -1), "100.00", "100.00")
	gw := &fakeGateway{replies: []chargeReply{declinedReply("card_declined"), succeededReply("ch_b")}}

	res, err := testSweeper(repo, gw, now).SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}
	if res.Charged != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want one charged and one failed", res)
	}
	first, second := repo.installment(ids[0]), repo.installment(ids[1])
	if first.Status != models.InstallmentStatusFailed || second.Status != models.InstallmentStatusPaid {
		t.Fatalf("statuses = %s/%s, want failed/paid", first.Status, second.Status)
	}
}

// failInstallment drives one claim/fail cycle so the row carries a counted
// attempt at the given time.
func failInstallment(t *testing.T, repo *stubRepo, id uint64, at time.Time) {
	t.Helper()
	if _, err := repo.ClaimInstallment(context.Background(), id, false, 0); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := repo.SettleInstallmentFailed(context.Background(), id, at, "card_declined", true, nil); err != nil {
		t.Fatalf("settle failed: %v", err)
	}
}
