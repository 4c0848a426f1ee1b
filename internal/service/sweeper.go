package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"rentpay/internal/apperrors"
	"rentpay/internal/config"
	"rentpay/internal/models"
	"rentpay/internal/notify"
	"rentpay/internal/repository"
)

// SweepResult summarizes one pass over the due installments.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Charged   int `json:"charged"`
	Failed    int `json:"failed"`
	Escalated int `json:"escalated"`
	Skipped   int `json:"skipped"`
}

// Sweeper is the periodic engine behind the retry policy. Each pass picks
// up due installments oldest first, runs first attempts and eligible
// retries through the executor, and escalates rows past their grace window
// to overdue. A sweep never aborts on a single bad row; every failure is
// logged and counted, and the pass moves on.
type Sweeper struct {
	Repo     repository.Repository
	Executor *ChargeExecutor
	Notifier *notify.Notifier
	Logger   *zap.Logger
	Policy   config.PlanConfig

	BatchSize int

	// Now is swappable for tests; defaults to time.Now.
	Now func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Run blocks, sweeping at the given interval until the context is
// cancelled. One pass runs immediately on start so a restart does not wait
// a full interval to catch up.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	s.sweepLogged(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepLogged(ctx)
		}
	}
}

func (s *Sweeper) sweepLogged(ctx context.Context) {
	res, err := s.SweepOnce(ctx)
	if err != nil {
		if s.Logger != nil {
			s.Logger.Error("sweep failed", zap.Error(err))
		}
		return
	}
	if s.Logger != nil && res.Scanned > 0 {
		s.Logger.Info("sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("charged", res.Charged),
			zap.Int("failed", res.Failed),
			zap.Int("escalated", res.Escalated),
			zap.Int("skipped", res.Skipped),
		)
	}
}

// SweepOnce processes one batch of due installments. Escalation is checked
// before retry: a failed row past due_date+grace goes straight to overdue
// and stops consuming attempts. Scheduled rows always get their first
// attempt, however late they surface.
func (s *Sweeper) SweepOnce(ctx context.Context) (*SweepResult, error) {
	now := s.now().UTC()
	limit := s.BatchSize
	if limit <= 0 {
		limit = 200
	}

	due, err := s.Repo.ListDueInstallments(ctx, now,
		[]models.InstallmentStatus{models.InstallmentStatusScheduled, models.InstallmentStatusFailed}, limit)
	if err != nil {
		return nil, err
	}

	res := &SweepResult{Scanned: len(due)}
	for i := range due {
		inst := &due[i]
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		if inst.Status == models.InstallmentStatusFailed {
			if s.pastGrace(inst.DueDate, now) {
				s.escalate(ctx, inst, res)
				continue
			}
			if !s.retryEligible(inst, now) {
				res.Skipped++
				continue
			}
		}

		outcome, err := s.Executor.Execute(ctx, inst.ID, false)
		switch {
		case err == nil && outcome.Paid:
			res.Charged++
		case err == nil:
			res.Failed++
		case errors.Is(err, apperrors.ErrAlreadyProcessing),
			errors.Is(err, apperrors.ErrConflict),
			errors.Is(err, apperrors.ErrRetryExhausted):
			// Another worker holds the row, or its budget ran out; the
			// grace check picks exhausted rows up on a later pass.
			res.Skipped++
		default:
			res.Failed++
			if s.Logger != nil {
				s.Logger.Error("sweep charge attempt failed",
					zap.Uint64("installment_id", inst.ID),
					zap.Error(err),
				)
			}
		}
	}
	return res, nil
}

func (s *Sweeper) pastGrace(dueDate, now time.Time) bool {
	grace := s.Policy.GracePeriodDays
	if grace < 0 {
		grace = 0
	}
	return now.After(dueDate.AddDate(0, 0, grace))
}

// retryEligible gates failed rows on the retry budget and the spacing
// between attempts. Timeouts do not consume attempts, so a string of
// timeouts stays retryable until the grace window closes.
func (s *Sweeper) retryEligible(inst *models.ScheduledInstallment, now time.Time) bool {
	if s.Policy.MaxRetryAttempts > 0 && inst.AttemptCount >= s.Policy.MaxRetryAttempts {
		return false
	}
	if inst.LastAttemptAt == nil {
		return true
	}
	interval := s.Policy.RetryIntervalDays
	if interval <= 0 {
		return true
	}
	return !now.Before(inst.LastAttemptAt.AddDate(0, 0, interval))
}

func (s *Sweeper) escalate(ctx context.Context, inst *models.ScheduledInstallment, res *SweepResult) {
	plan, updated, err := s.Repo.EscalateInstallmentOverdue(ctx, inst.ID)
	if err != nil {
		res.Skipped++
		if s.Logger != nil {
			s.Logger.Error("overdue escalation failed",
				zap.Uint64("installment_id", inst.ID),
				zap.Error(err),
			)
		}
		return
	}
	if updated == nil || updated.Status != models.InstallmentStatusOverdue {
		// The row settled or was cancelled between listing and locking.
		res.Skipped++
		return
	}
	res.Escalated++
	if s.Logger != nil {
		s.Logger.Warn("installment overdue",
			zap.Uint64("installment_id", inst.ID),
			zap.Uint64("plan_id", plan.ID),
			zap.String("rental_id", plan.RentalID),
			zap.Int("attempt_count", updated.AttemptCount),
		)
	}
	if s.Notifier != nil {
		s.Notifier.NotifyOverdue(notify.OverdueInstallment{
			PlanID:            plan.ID,
			RentalID:          plan.RentalID,
			InstallmentID:     updated.ID,
			InstallmentNumber: updated.InstallmentNumber,
			DueDate:           updated.DueDate,
			Amount:            updated.Amount.StringFixed(2),
			Currency:          plan.Currency,
		})
	}
}
