package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"rentpay/internal/models"
	"rentpay/internal/repository"
	"rentpay/internal/service"
)

type PlanHandler struct {
	Service *service.PlanService
	Sweeper *service.Sweeper
	Logger  *zap.Logger
}

func (h *PlanHandler) Register(r *gin.Engine) {
	rentals := r.Group("/api/v1/rentals")
	rentals.GET("/:rentalID/options", h.listOptions)
	rentals.GET("/:rentalID/plan", h.getPlanByRental)
	rentals.POST("/:rentalID/plan", h.choosePlan)

	plans := r.Group("/api/v1/plans")
	plans.GET("", h.listPlans)
	plans.GET("/:id", h.getPlan)
	plans.POST("/:id/cancel", h.cancelPlan)

	r.POST("/api/v1/sweep", h.sweepNow)
}

type planDetail struct {
	Plan         *models.InstallmentPlan       `json:"plan"`
	Installments []models.ScheduledInstallment `json:"installments"`
}

func (h *PlanHandler) listOptions(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	rentalID := strings.TrimSpace(c.Param("rentalID"))
	if rentalID == "" {
		Error(c, http.StatusBadRequest, "rental id is required", nil)
		return
	}
	options, err := h.Service.Options(c.Request.Context(), rentalID)
	if err != nil {
		Fail(c, err)
		return
	}
	// A single option means pay-in-full is the only choice; the client
	// selects it without rendering a picker.
	Ok(c, options, map[string]any{"auto_select": len(options) == 1})
}

func (h *PlanHandler) choosePlan(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	rentalID := strings.TrimSpace(c.Param("rentalID"))
	if rentalID == "" {
		Error(c, http.StatusBadRequest, "rental id is required", nil)
		return
	}
	var in service.ChoosePlanInput
	if err := c.ShouldBindJSON(&in); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	in.RentalID = rentalID
	plan, installments, err := h.Service.ChoosePlan(c.Request.Context(), in)
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    planDetail{Plan: plan, Installments: installments},
	})
}

func (h *PlanHandler) getPlanByRental(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	rentalID := strings.TrimSpace(c.Param("rentalID"))
	if rentalID == "" {
		Error(c, http.StatusBadRequest, "rental id is required", nil)
		return
	}
	plan, installments, err := h.Service.GetPlanByRentalID(c.Request.Context(), rentalID)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, planDetail{Plan: plan, Installments: installments}, nil)
}

func (h *PlanHandler) listPlans(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	params := repository.ListPlansParams{
		Limit:  limit,
		Offset: offset,
		OrderBy: parseOrder(c.Query("order_by"), map[string]string{
			"created_at":    "created_at",
			"next_due_date": "next_due_date",
			"status":        "status",
		}),
	}
	if status := strings.TrimSpace(c.Query("status")); status != "" {
		params.Status = &status
	}
	if rentalID := strings.TrimSpace(c.Query("rental_id")); rentalID != "" {
		params.RentalID = &rentalID
	}
	if c.Query("ascending") != "" {
		asc := boolQueryDefault(c, "ascending", false)
		params.Asc = &asc
	}
	plans, total, err := h.Service.ListPlans(c.Request.Context(), params)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, plans, paginationMeta(limit, offset, total))
}

func (h *PlanHandler) getPlan(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid plan id", nil)
		return
	}
	plan, installments, err := h.Service.GetPlan(c.Request.Context(), id)
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, planDetail{Plan: plan, Installments: installments}, nil)
}

type cancelPlanInput struct {
	Reason string `json:"reason"`
}

func (h *PlanHandler) cancelPlan(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	id, ok := uint64Param(c, "id")
	if !ok {
		Error(c, http.StatusBadRequest, "invalid plan id", nil)
		return
	}
	var in cancelPlanInput
	if err := c.ShouldBindJSON(&in); err != nil && c.Request.ContentLength > 0 {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		reason = "operator cancellation"
	}
	plan, err := h.Service.CancelPlan(c.Request.Context(), id, reason)
	if err != nil {
		Fail(c, err)
		return
	}
	if h.Logger != nil {
		h.Logger.Info("plan cancelled via API", zap.Uint64("plan_id", id), zap.String("reason", reason))
	}
	Ok(c, plan, nil)
}

// sweepNow runs one sweep pass on demand, outside the cron cadence.
func (h *PlanHandler) sweepNow(c *gin.Context) {
	if h.Sweeper == nil {
		Error(c, http.StatusInternalServerError, "sweeper unavailable", nil)
		return
	}
	result, err := h.Sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Ok(c, result, nil)
}
