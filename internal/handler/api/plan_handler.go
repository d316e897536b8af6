package api

import (
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"moonvpn/internal/models"
	"moonvpn/internal/pkg/utils"
)

// PlanHandler handles plan API actions.
type PlanHandler struct {
	repos  *Repos
	logger *zap.Logger
}

func NewPlanHandler(repos *Repos, logger *zap.Logger) *PlanHandler {
	return &PlanHandler{repos: repos, logger: logger}
}

// Handle routes plan API requests.
// POST /api/plans
func (h *PlanHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "plans":
		return h.listPlans(c, body)
	case "plan":
		return h.getPlan(c, body)
	case "plan_add":
		return h.addPlan(c, body)
	case "plan_edit":
		return h.editPlan(c, body)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *PlanHandler) listPlans(c echo.Context, body map[string]interface{}) error {
	limit := getIntField(body, "limit", 50)
	page := getIntField(body, "page", 1)
	q := getStringField(body, "q")

	plans, total, err := h.repos.Plan.FindAll(c.Request().Context(), limit, page, q)
	if err != nil {
		h.logger.Error("Failed to list plans", zap.Error(err))
		return errorResponse(c, "Failed to retrieve plans")
	}
	return successResponse(c, "Successful", paginatedResponse(plans, total, page, limit))
}

func (h *PlanHandler) getPlan(c echo.Context, body map[string]interface{}) error {
	code := getStringField(body, "code")
	if code == "" {
		return errorResponse(c, "code is required")
	}

	plan, err := h.repos.Plan.FindByCode(c.Request().Context(), code)
	if err != nil {
		return failureResponse(c, h.logger, "plan", err)
	}
	return successResponse(c, "Successful", plan)
}

// trafficBytes reads traffic_bytes, or traffic_gb when given in gigabytes.
func trafficBytes(body map[string]interface{}) int64 {
	if gb, ok := body["traffic_gb"].(float64); ok {
		return utils.GBToBytes(gb)
	}
	return getInt64Field(body, "traffic_bytes", 0)
}

func (h *PlanHandler) addPlan(c echo.Context, body map[string]interface{}) error {
	name := getStringField(body, "name")
	if name == "" {
		return errorResponse(c, "name is required")
	}
	days := getIntField(body, "duration_days", 30)
	if days <= 0 {
		return errorResponse(c, "duration_days must be positive")
	}
	code := getStringField(body, "code")
	if code == "" {
		code = utils.RandomCode(8)
	}

	plan := &models.Plan{
		Code:         code,
		Name:         name,
		TrafficBytes: trafficBytes(body),
		DurationDays: days,
		Location:     getStringField(body, "location"),
		Protocol:     getStringField(body, "protocol"),
		Price:        getInt64Field(body, "price", 0),
		Status:       "active",
	}
	if err := h.repos.Plan.Create(c.Request().Context(), plan); err != nil {
		h.logger.Error("Failed to create plan", zap.Error(err))
		return errorResponse(c, "Failed to create plan")
	}
	return successResponse(c, "Plan created successfully", plan)
}

func (h *PlanHandler) editPlan(c echo.Context, body map[string]interface{}) error {
	code := getStringField(body, "code")
	if code == "" {
		return errorResponse(c, "code is required")
	}

	ctx := c.Request().Context()
	plan, err := h.repos.Plan.FindByCode(ctx, code)
	if err != nil {
		return failureResponse(c, h.logger, "plan_edit", err)
	}

	updates := make(map[string]interface{})
	for _, key := range []string{"name", "location", "protocol", "status"} {
		if _, ok := body[key]; ok {
			updates[key] = getStringField(body, key)
		}
	}
	if _, ok := body["traffic_bytes"]; ok {
		updates["traffic_bytes"] = trafficBytes(body)
	}
	if _, ok := body["traffic_gb"]; ok {
		updates["traffic_bytes"] = trafficBytes(body)
	}
	if _, ok := body["duration_days"]; ok {
		updates["duration_days"] = getIntField(body, "duration_days", plan.DurationDays)
	}
	if _, ok := body["price"]; ok {
		updates["price"] = getInt64Field(body, "price", plan.Price)
	}
	if len(updates) == 0 {
		return errorResponse(c, "No fields to update")
	}

	if err := h.repos.Plan.Update(ctx, plan.ID, updates); err != nil {
		h.logger.Error("Failed to update plan", zap.String("code", code), zap.Error(err))
		return errorResponse(c, "Failed to update plan")
	}
	return successResponse(c, "Plan updated successfully", nil)
}
