package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"rentpay/internal/apperrors"
	"rentpay/internal/client/gateway"
	"rentpay/internal/config"
	"rentpay/internal/models"
	"rentpay/internal/repository"
)

// PaymentGateway is the slice of the payment provider the executor needs.
type PaymentGateway interface {
	Charge(ctx context.Context, in gateway.ChargeRequest) (*gateway.ChargeResult, error)
}

// chargeKeyNamespace seeds the deterministic v5 idempotency keys. Fixed
// forever: changing it would re-deliver old attempts under new keys.
var chargeKeyNamespace = uuid.MustParse("6f54dd21-3c94-4e9a-9f1b-8e2a7c5d0b43")

// IdempotencyKey derives the gateway key for one attempt of one
// installment. Deterministic, so a crashed or timed-out attempt regenerates
// the identical key and the gateway replays the original outcome instead of
// charging twice.
func IdempotencyKey(installmentID uint64, attempt int) string {
	name := fmt.Sprintf("installment:%d:attempt:%d", installmentID, attempt)
	return uuid.NewSHA1(chargeKeyNamespace, []byte(name)).String()
}

type ChargeOutcome struct {
	Installment *models.ScheduledInstallment `json:"installment"`
	Plan        *models.InstallmentPlan      `json:"plan,omitempty"`
	Paid        bool                         `json:"paid"`
	Reason      string                       `json:"reason,omitempty"`
}

// ChargeExecutor runs exactly one charge attempt for one installment. The
// processing status, claimed under a row lock, is the per-installment
// mutual exclusion: a concurrent caller gets ErrAlreadyProcessing instead
// of a second gateway call.
type ChargeExecutor struct {
	Repo    repository.Repository
	Gateway PaymentGateway
	Logger  *zap.Logger
	Policy  config.PlanConfig
	Timeout time.Duration
}

// Execute drives the installment through claim, gateway call and terminal
// settle. force is the operator path: it may claim overdue rows and skips
// the retry interval, but stays bound by max_retry_attempts and the lock.
// Once the claim succeeds the installment always reaches paid or failed;
// the gateway call is never abandoned mid-flight.
func (e *ChargeExecutor) Execute(ctx context.Context, installmentID uint64, force bool) (*ChargeOutcome, error) {
	if e == nil || e.Repo == nil || e.Gateway == nil {
		return nil, fmt.Errorf("%w: executor not configured", apperrors.ErrGateway)
	}

	inst, err := e.Repo.ClaimInstallment(ctx, installmentID, force, e.Policy.MaxRetryAttempts)
	if err != nil {
		return nil, err
	}

	plan, err := e.Repo.GetPlanByID(ctx, inst.PlanID)
	if err != nil || plan == nil {
		// The claim is committed; fail the attempt so the row does not
		// stay stuck in processing.
		reason := "plan lookup failed"
		_, _ = e.Repo.SettleInstallmentFailed(ctx, installmentID, time.Now().UTC(), reason, false, &models.ChargeEvent{
			Attempt: inst.AttemptCount,
			Outcome: models.ChargeOutcomeError,
			Reason:  reason,
		})
		if err == nil {
			err = fmt.Errorf("%w: plan %d", apperrors.ErrNotFound, inst.PlanID)
		}
		return nil, err
	}

	key := IdempotencyKey(inst.ID, inst.AttemptCount)

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	// Detached from the caller: a shutdown or request cancellation must not
	// abandon a submitted charge before it settles.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	result, gwErr := e.Gateway.Charge(callCtx, gateway.ChargeRequest{
		PaymentMethodReference: plan.PaymentMethodReference,
		Amount:                 inst.Amount,
		Currency:               plan.Currency,
		IdempotencyKey:         key,
	})

	now := time.Now().UTC()

	if gwErr != nil {
		return e.settleError(ctx, inst, key, now, gwErr)
	}

	if result.Succeeded() {
		updatedPlan, err := e.Repo.SettleInstallmentPaid(ctx, inst.ID, now, result.ChargeReference, &models.ChargeEvent{
			Attempt:         inst.AttemptCount,
			IdempotencyKey:  key,
			Outcome:         models.ChargeOutcomePaid,
			ChargeReference: result.ChargeReference,
			Payload:         datatypes.JSON(result.Raw),
		})
		if err != nil {
			return nil, err
		}
		if e.Logger != nil {
			e.Logger.Info("installment charged",
				zap.Uint64("installment_id", inst.ID),
				zap.Uint64("plan_id", plan.ID),
				zap.String("amount", inst.Amount.StringFixed(2)),
				zap.String("plan_status", string(updatedPlan.Status)),
			)
		}
		inst.Status = models.InstallmentStatusPaid
		inst.PaidAt = &now
		inst.ChargeReference = result.ChargeReference
		return &ChargeOutcome{Installment: inst, Plan: updatedPlan, Paid: true}, nil
	}

	// Decline: a business outcome. The attempt is consumed and the next
	// try gets a fresh key so the gateway does not replay the decline.
	reason := result.Reason
	if reason == "" {
		reason = "declined"
	}
	failed, err := e.Repo.SettleInstallmentFailed(ctx, inst.ID, now, reason, true, &models.ChargeEvent{
		Attempt:        inst.AttemptCount,
		IdempotencyKey: key,
		Outcome:        models.ChargeOutcomeDeclined,
		Reason:         reason,
		Payload:        datatypes.JSON(result.Raw),
	})
	if err != nil {
		return nil, err
	}
	if e.Logger != nil {
		e.Logger.Info("installment declined",
			zap.Uint64("installment_id", inst.ID),
			zap.String("reason", reason),
			zap.Int("attempt_count", failed.AttemptCount),
		)
	}
	return &ChargeOutcome{Installment: failed, Paid: false, Reason: reason}, nil
}

func (e *ChargeExecutor) settleError(ctx context.Context, inst *models.ScheduledInstallment, key string, now time.Time, gwErr error) (*ChargeOutcome, error) {
	outcome := models.ChargeOutcomeError
	reason := "gateway_error"
	countAttempt := true
	if errors.Is(gwErr, apperrors.ErrGatewayTimeout) {
		// Unknown outcome: the gateway may have charged. Keep the attempt
		// number so the retry reuses the same key and reconciles.
		outcome = models.ChargeOutcomeTimeout
		reason = "gateway_timeout"
		countAttempt = false
	}

	failed, err := e.Repo.SettleInstallmentFailed(ctx, inst.ID, now, reason, countAttempt, &models.ChargeEvent{
		Attempt:        inst.AttemptCount,
		IdempotencyKey: key,
		Outcome:        outcome,
		Reason:         gwErr.Error(),
	})
	if err != nil {
		return nil, err
	}
	if e.Logger != nil {
		e.Logger.Warn("installment charge failed",
			zap.Uint64("installment_id", inst.ID),
			zap.String("reason", reason),
			zap.Error(gwErr),
		)
	}
	return &ChargeOutcome{Installment: failed, Paid: false, Reason: reason}, nil
}
