package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rentpay/internal/service"
)

type InstallmentHandler struct {
	Service *service.PlanService
	Logger  *zap.Logger
}

func (h *InstallmentHandler) Register(r *gin.Engine) {
	group := r.Group("/api/v1/installments")
	group.POST("/:id/retry", h.retryNow)
	group.POST("/:id/mark-paid", h.markPaid)
	group.GET("/:id/events", h.listEvents)
}

// retryNow forces an immediate charge attempt, including for overdue
// installments. The retry budget still applies.
func (h *InstallmentHandler) retryNow(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid installment id", nil)
		return
	}
	outcome, err := h.Service.RetryNow(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("manual retry executed",
			zap.Uint64("installment_id", id),
			zap.Bool("paid", outcome.Paid),
		)
	}
	Ok(c, outcome, nil)
}

func (h *InstallmentHandler) markPaid(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid installment id", nil)
		return
	}
	plan, changed, err := h.Service.MarkPaid(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, plan, map[string]any{"changed": changed})
}

func (h *InstallmentHandler) listEvents(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid installment id", nil)
		return
	}
	events, err := h.Service.ChargeEvents(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, events, nil)
}
