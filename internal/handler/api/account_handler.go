package api

import (
	"context"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"moonvpn/internal/models"
	"moonvpn/internal/provisioning"
)

// AccountHandler exposes the provisioning engine and the migration coordinator.
type AccountHandler struct {
	repos       *Repos
	provisioner Provisioner
	migrator    Migrator
	logger      *zap.Logger
}

func NewAccountHandler(repos *Repos, provisioner Provisioner, migrator Migrator, logger *zap.Logger) *AccountHandler {
	return &AccountHandler{repos: repos, provisioner: provisioner, migrator: migrator, logger: logger}
}

// Handle routes account API requests.
// POST /api/accounts
func (h *AccountHandler) Handle(c echo.Context) error {
	action, body, err := parseBodyAction(c)
	if err != nil {
		return errorResponse(c, "Invalid request body")
	}

	switch action {
	case "provision":
		return h.provision(c, body)
	case "renew":
		return h.renew(c, body)
	case "disable":
		return h.withAccount(c, body, "disable", h.provisioner.Disable)
	case "enable":
		return h.withAccount(c, body, "enable", h.provisioner.Enable)
	case "delete":
		return h.deleteAccount(c, body)
	case "migrate":
		return h.migrate(c, body)
	case "account":
		return h.getAccount(c, body)
	case "current":
		return h.current(c, body)
	case "user_accounts":
		return h.userAccounts(c, body)
	case "migrations":
		return h.migrations(c, body)
	default:
		return errorResponse(c, "Unknown action: "+action)
	}
}

func (h *AccountHandler) provision(c echo.Context, body map[string]interface{}) error {
	req := provisioning.ProvisionRequest{
		UserID:          getStringField(body, "user_id"),
		SubscriptionRef: getStringField(body, "subscription_ref"),
		PlanCode:        getStringField(body, "plan_code"),
		Location:        getStringField(body, "location"),
		Protocol:        getStringField(body, "protocol"),
	}
	if req.UserID == "" || req.SubscriptionRef == "" || req.PlanCode == "" {
		return errorResponse(c, "user_id, subscription_ref and plan_code are required")
	}

	acc, err := h.provisioner.Provision(c.Request().Context(), req)
	if err != nil {
		return failureResponse(c, h.logger, "provision", err)
	}
	return successResponse(c, "Account provisioned", acc)
}

func (h *AccountHandler) renew(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	acc, err := h.provisioner.Renew(c.Request().Context(), id, getStringField(body, "plan_code"))
	if err != nil {
		return failureResponse(c, h.logger, "renew", err)
	}
	return successResponse(c, "Account renewed", acc)
}

func (h *AccountHandler) withAccount(c echo.Context, body map[string]interface{}, op string,
	fn func(ctx context.Context, id uint) (*models.ClientAccount, error)) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	acc, err := fn(c.Request().Context(), id)
	if err != nil {
		return failureResponse(c, h.logger, op, err)
	}
	return successResponse(c, "Successful", acc)
}

func (h *AccountHandler) deleteAccount(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	if err := h.provisioner.Delete(c.Request().Context(), id, getBoolField(body, "purge")); err != nil {
		return failureResponse(c, h.logger, "delete", err)
	}
	return successResponse(c, "Account deleted", nil)
}

func (h *AccountHandler) migrate(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}
	var target *uint
	if t := getIDField(body, "target_panel_id"); t != 0 {
		target = &t
	}
	reason := getStringField(body, "reason")
	if reason == "" {
		reason = "manual"
	}

	res, err := h.migrator.Migrate(c.Request().Context(), id, target, reason)
	if err != nil {
		return failureResponse(c, h.logger, "migrate", err)
	}
	return successResponse(c, "Account migrated", res)
}

type accountDetail struct {
	*models.ClientAccount
	Remote      interface{} `json:"remote,omitempty"`
	RemoteError string      `json:"remote_error,omitempty"`
}

func (h *AccountHandler) getAccount(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	ctx := c.Request().Context()
	acc, err := h.repos.Account.FindByID(ctx, id)
	if err != nil {
		return failureResponse(c, h.logger, "account", err)
	}

	detail := accountDetail{ClientAccount: acc}
	if getBoolField(body, "live") && acc.Status != models.AccountSwitched {
		state, err := h.provisioner.RemoteState(ctx, acc)
		if err != nil {
			detail.RemoteError = err.Error()
		} else {
			detail.Remote = map[string]interface{}{
				"enable":      state.Enable,
				"used":        state.Used(),
				"total_bytes": state.TotalBytes,
				"remaining":   state.Remaining(),
				"expires_at":  state.ExpiresAt,
			}
		}
	}
	return successResponse(c, "Successful", detail)
}

func (h *AccountHandler) current(c echo.Context, body map[string]interface{}) error {
	userID := getStringField(body, "user_id")
	ref := getStringField(body, "subscription_ref")
	if userID == "" || ref == "" {
		return errorResponse(c, "user_id and subscription_ref are required")
	}

	acc, err := h.provisioner.Current(c.Request().Context(), userID, ref)
	if err != nil {
		return failureResponse(c, h.logger, "current", err)
	}
	return successResponse(c, "Successful", acc)
}

func (h *AccountHandler) userAccounts(c echo.Context, body map[string]interface{}) error {
	userID := getStringField(body, "user_id")
	if userID == "" {
		return errorResponse(c, "user_id is required")
	}

	accounts, err := h.repos.Account.FindByUser(c.Request().Context(), userID)
	if err != nil {
		h.logger.Error("Failed to list accounts", zap.String("user_id", userID), zap.Error(err))
		return errorResponse(c, "Failed to retrieve accounts")
	}
	return successResponse(c, "Successful", accounts)
}

func (h *AccountHandler) migrations(c echo.Context, body map[string]interface{}) error {
	id := getIDField(body, "id")
	if id == 0 {
		return errorResponse(c, "id is required")
	}

	list, err := h.repos.Migration.FindByAccount(c.Request().Context(), id)
	if err != nil {
		h.logger.Error("Failed to list migrations", zap.Uint("account_id", id), zap.Error(err))
		return errorResponse(c, "Failed to retrieve migrations")
	}
	return successResponse(c, "Successful", list)
}
