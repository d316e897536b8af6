package api

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"moonvpn/internal/models"
	"moonvpn/internal/panel"
	"moonvpn/internal/pkg/utils"
	"moonvpn/internal/registry"
)

// PanelHandler handles all panel API actions.
type PanelHandler struct {
	repos    *Repos
	load     LoadModel
	pool     SessionPool
	inbounds InboundSyncer
	migrator Migrator
	logger   *zap.Logger
}

func NewPanelHandler(repos *Repos, load LoadModel, pool SessionPool, inbounds InboundSyncer, migrator Migrator, logger *zap.Logger) *PanelHandler {
	return &PanelHandler{
		repos:    repos,
		load:     load,
		pool:     pool,
		inbounds: inbounds,
		migrator: migrator,
		logger:   logger,
	}
}

// Handle routes panel API requests.
// POST /api/panels
func (h *PanelHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "panels":
		return h.listPanels(c, body)
	case "panel":
		return h.getPanel(c, body)
	case "panel_add":
		return h.addPanel(c, body)
	case "panel_edit":
		return h.editPanel(c, body)
	case "panel_disable":
		return h.setStatus(c, body, models.PanelStatusDisabled)
	case "panel_enable":
		return h.setStatus(c, body, models.PanelStatusActive)
	case "panel_retire":
		return h.retirePanel(c, body)
	case "sync_inbounds":
		return h.syncInbounds(c, body)
	case "panel_load":
		return successResponse(c, "Successful", h.load.Snapshot())
	case "restart_service":
		return h.restartService(c, body)
	case "rebalance":
		return h.rebalance(c)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *PanelHandler) listPanels(c echo.Context, body map[string]interface{}) error {
	limit := getIntField(body, "limit", 50)
	page := getIntField(body, "page", 1)
	q := getStringField(body, "q")

	panels, total, err := h.repos.Panel.FindAll(c.Request().Context(), limit, page, q)
	if err != nil {
		h.logger.Error("Failed to list panels", zap.Error(err))
		return errorResponse(c, "Failed to retrieve panels")
	}

	return successResponse(c, "Successful", paginatedResponse(panels, total, page, limit))
}

type panelDetail struct {
	*models.Panel
	Load          *registry.PanelLoad `json:"load,omitempty"`
	SessionExpiry *time.Time          `json:"session_expires_at,omitempty"`
}

func (h *PanelHandler) getPanel(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	p, err := h.repos.Panel.FindWithInbounds(c.Request().Context(), id)
	if err != nil {
		return failureResponse(c, h.logger, "panel", err)
	}

	detail := panelDetail{Panel: p}
	for _, l := range h.load.Snapshot() {
		if l.PanelID == id {
			detail.Load = &l
			break
		}
	}
	if exp, ok := h.pool.SessionExpiry(id); ok {
		detail.SessionExpiry = &exp
	}
	return successResponse(c, "Successful", detail)
}

func (h *PanelHandler) addPanel(c echo.Context, body map[string]interface{}) error {
	name := getStringField(body, "name")
	if name == "" {
		return errorResponse(c, "name is required")
	}
	typ := getStringField(body, "type")
	if !panel.SupportedType(typ) {
		return errorResponse(c, "Unsupported panel type: "+typ)
	}
	host := strings.TrimSpace(getStringField(body, "host"))
	if host == "" {
		return errorResponse(c, "host is required")
	}

	code := getStringField(body, "code")
	if code == "" {
		code = utils.RandomCode(8)
	}
	scheme := getStringField(body, "scheme")
	if scheme == "" {
		scheme = "https"
	}

	p := &models.Panel{
		Code:       code,
		Name:       name,
		Type:       typ,
		Scheme:     scheme,
		Host:       host,
		Port:       getIntField(body, "port", 0),
		BasePath:   getStringField(body, "base_path"),
		Username:   getStringField(body, "username"),
		Password:   getStringField(body, "password"),
		SubBaseURL: getStringField(body, "sub_base_url"),
		Location:   getStringField(body, "location"),
		Priority:   getIntField(body, "priority", 0),
		MaxClients: getInt64Field(body, "max_clients", 0),
		Status:     models.PanelStatusActive,
		Healthy:    true,
	}

	ctx := c.Request().Context()
	if err := h.repos.Panel.Create(ctx, p); err != nil {
		h.logger.Error("Failed to create panel", zap.Error(err))
		return errorResponse(c, "Failed to create panel")
	}

	// A panel that cannot be reached yet is still registered; the inbound sync job retries.
	if n, err := h.inbounds.SyncInbounds(ctx, p.ID); err != nil {
		h.logger.Warn("Initial inbound sync failed", zap.Uint("panel_id", p.ID), zap.Error(err))
	} else {
		h.logger.Info("Panel registered", zap.Uint("panel_id", p.ID), zap.Int("inbounds", n))
	}
	h.refresh(c, p.ID)

	return successResponse(c, "Panel created successfully", p)
}

func (h *PanelHandler) editPanel(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	updates := make(map[string]interface{})
	stringFields := map[string]string{
		"name":         "name",
		"scheme":       "scheme",
		"host":         "host",
		"base_path":    "base_path",
		"username":     "username",
		"password":     "password",
		"sub_base_url": "sub_base_url",
		"location":     "location",
	}
	for bodyKey, col := range stringFields {
		if _, ok := body[bodyKey]; ok {
			updates[col] = getStringField(body, bodyKey)
		}
	}
	for _, key := range []string{"port", "priority"} {
		if _, ok := body[key]; ok {
			updates[key] = getIntField(body, key, 0)
		}
	}
	if _, ok := body["max_clients"]; ok {
		updates["max_clients"] = getInt64Field(body, "max_clients", 0)
	}
	if len(updates) == 0 {
		return errorResponse(c, "No fields to update")
	}

	ctx := c.Request().Context()
	if _, err := h.repos.Panel.FindByID(ctx, id); err != nil {
		return failureResponse(c, h.logger, "panel_edit", err)
	}
	if err := h.repos.Panel.Update(ctx, id, updates); err != nil {
		h.logger.Error("Failed to update panel", zap.Uint("panel_id", id), zap.Error(err))
		return errorResponse(c, "Failed to update panel")
	}
	if _, ok := updates["max_clients"]; ok {
		if err := h.repos.Panel.AdjustClients(ctx, id, 0); err != nil {
			h.logger.Warn("Failed to refresh load factor", zap.Uint("panel_id", id), zap.Error(err))
		}
	}

	h.pool.Invalidate(id)
	h.refresh(c, id)
	return successResponse(c, "Panel updated successfully", nil)
}

func (h *PanelHandler) setStatus(c echo.Context, body map[string]interface{}, status string) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	ctx := c.Request().Context()
	p, err := h.repos.Panel.FindByID(ctx, id)
	if err != nil {
		return failureResponse(c, h.logger, "panel_status", err)
	}
	if p.Status == models.PanelStatusRetired {
		return errorResponse(c, "Panel is retired")
	}
	if err := h.repos.Panel.SetStatus(ctx, id, status); err != nil {
		h.logger.Error("Failed to set panel status", zap.Uint("panel_id", id), zap.Error(err))
		return errorResponse(c, "Failed to update panel")
	}

	h.refresh(c, id)
	return successResponse(c, "Panel "+status, nil)
}

// retirePanel evacuates every active account before the panel leaves the pool.
func (h *PanelHandler) retirePanel(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	ctx := c.Request().Context()
	if _, err := h.repos.Panel.FindByID(ctx, id); err != nil {
		return failureResponse(c, h.logger, "panel_retire", err)
	}

	// Stop new placements while the evacuation runs.
	if err := h.repos.Panel.SetStatus(ctx, id, models.PanelStatusDisabled); err != nil {
		h.logger.Error("Failed to disable panel", zap.Uint("panel_id", id), zap.Error(err))
		return errorResponse(c, "Failed to update panel")
	}
	h.refresh(c, id)

	moved, err := h.migrator.Evacuate(ctx, id)
	if err != nil {
		h.logger.Warn("Panel evacuation incomplete", zap.Uint("panel_id", id), zap.Int("moved", moved), zap.Error(err))
		code, msg := classify(err)
		return c.JSON(200, models.APIResponse{
			Status: false,
			Msg:    "Evacuation incomplete: " + msg,
			Code:   code,
			Obj:    map[string]int{"moved": moved},
		})
	}

	if err := h.repos.Panel.SetStatus(ctx, id, models.PanelStatusRetired); err != nil {
		h.logger.Error("Failed to retire panel", zap.Uint("panel_id", id), zap.Error(err))
		return errorResponse(c, "Failed to update panel")
	}
	h.load.Remove(id)
	h.pool.Invalidate(id)

	h.logger.Info("Panel retired", zap.Uint("panel_id", id), zap.Int("moved", moved))
	return successResponse(c, "Panel retired", map[string]int{"moved": moved})
}

func (h *PanelHandler) syncInbounds(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	n, err := h.inbounds.SyncInbounds(c.Request().Context(), id)
	if err != nil {
		return failureResponse(c, h.logger, "sync_inbounds", err)
	}
	return successResponse(c, "Inbounds synced", map[string]int{"inbounds": n})
}

func (h *PanelHandler) restartService(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	ctx := c.Request().Context()
	client, err := h.pool.Client(ctx, id)
	if err != nil {
		return failureResponse(c, h.logger, "restart_service", err)
	}
	if err := client.RestartService(ctx); err != nil {
		return failureResponse(c, h.logger, "restart_service", err)
	}
	return successResponse(c, "Service restarted", nil)
}

func (h *PanelHandler) rebalance(c echo.Context) error {
	moved, err := h.migrator.Rebalance(c.Request().Context())
	if err != nil {
		h.logger.Warn("Rebalance finished with errors", zap.Int("moved", moved), zap.Error(err))
	}
	return successResponse(c, "Rebalance finished", map[string]interface{}{
		"moved":  moved,
		"errors": errString(err),
	})
}

// refresh reloads the panel row into the load model.
func (h *PanelHandler) refresh(c echo.Context, id uint) {
	p, err := h.repos.Panel.FindWithInbounds(c.Request().Context(), id)
	if err != nil {
		h.logger.Warn("Failed to refresh load model", zap.Uint("panel_id", id), zap.Error(err))
		return
	}
	h.load.Upsert(*p)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
