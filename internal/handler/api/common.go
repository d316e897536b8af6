package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"moonvpn/internal/lock"
	"moonvpn/internal/migration"
	"moonvpn/internal/models"
	"moonvpn/internal/panel"
	"moonvpn/internal/provisioning"
	"moonvpn/internal/registry"
	"moonvpn/internal/repository"
)

// Error codes returned in the "code" field of failed responses.
const (
	CodeNoCapacity         = "no_capacity"
	CodeAuthFailed         = "auth_failed"
	CodeProvisioningFailed = "provisioning_failed"
	CodeNotFound           = "not_found"
	CodePlanUnavailable    = "plan_unavailable"
	CodeRenewRequired      = "renew_required"
	CodeAccountSwitched    = "account_switched"
	CodeNotMigratable      = "not_migratable"
	CodeMigrationFailed    = "migration_failed"
	CodePanelUnreachable   = "panel_unreachable"
	CodeBusy               = "busy"
	CodeInvalidTransition  = "invalid_transition"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal_error"
)

// Provisioner is the account lifecycle surface used by the API.
type Provisioner interface {
	Provision(ctx context.Context, req provisioning.ProvisionRequest) (*models.ClientAccount, error)
	Renew(ctx context.Context, accountID uint, planCode string) (*models.ClientAccount, error)
	Disable(ctx context.Context, accountID uint) (*models.ClientAccount, error)
	Enable(ctx context.Context, accountID uint) (*models.ClientAccount, error)
	Delete(ctx context.Context, accountID uint, purge bool) error
	RemoteState(ctx context.Context, acc *models.ClientAccount) (*panel.ClientState, error)
	Current(ctx context.Context, userID, subscriptionRef string) (*models.ClientAccount, error)
}

type Migrator interface {
	Migrate(ctx context.Context, accountID uint, targetPanelID *uint, reason string) (*migration.Result, error)
	Evacuate(ctx context.Context, panelID uint) (int, error)
	Rebalance(ctx context.Context) (int, error)
}

type LoadModel interface {
	Snapshot() []registry.PanelLoad
	Upsert(p models.Panel)
	Remove(panelID uint)
}

type InboundSyncer interface {
	SyncInbounds(ctx context.Context, panelID uint) (int, error)
}

type SessionPool interface {
	Client(ctx context.Context, panelID uint) (panel.Client, error)
	Invalidate(panelID uint)
	SessionExpiry(panelID uint) (time.Time, bool)
}

type JobRunner interface {
	Run(name string) error
	Names() []string
}

// Repos bundles all repositories needed by API handlers.
type Repos struct {
	Panel     *repository.PanelRepository
	Plan      *repository.PlanRepository
	Account   *repository.AccountRepository
	Migration *repository.MigrationRepository
}

// Response helpers.
func successResponse(c echo.Context, msg string, obj interface{}) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: true,
		Msg:    msg,
		Obj:    obj,
	})
}

func errorResponse(c echo.Context, msg string) error {
	return codedResponse(c, CodeInvalidRequest, msg)
}

func codedResponse(c echo.Context, code, msg string) error {
	return c.JSON(http.StatusOK, models.APIResponse{
		Status: false,
		Msg:    msg,
		Code:   code,
		Obj:    nil,
	})
}

// failureResponse maps a domain error to its response code.
func failureResponse(c echo.Context, logger *zap.Logger, op string, err error) error {
	code, msg := classify(err)
	if code == CodeInternal || code == CodeProvisioningFailed || code == CodeMigrationFailed {
		logger.Error("API operation failed", zap.String("op", op), zap.Error(err))
	} else {
		logger.Info("API operation rejected", zap.String("op", op), zap.String("code", code), zap.Error(err))
	}
	return codedResponse(c, code, msg)
}

func classify(err error) (code, msg string) {
	var perr *provisioning.ProvisioningError
	switch {
	case errors.Is(err, registry.ErrNoCapacity):
		return CodeNoCapacity, "No server has free capacity, try again later"
	case errors.As(err, &perr):
		return CodeProvisioningFailed, err.Error()
	case panel.IsAuthentication(err):
		return CodeAuthFailed, err.Error()
	case errors.Is(err, provisioning.ErrPlanUnavailable):
		return CodePlanUnavailable, err.Error()
	case errors.Is(err, provisioning.ErrRenewRequired):
		return CodeRenewRequired, err.Error()
	case errors.Is(err, provisioning.ErrAccountSwitched):
		return CodeAccountSwitched, err.Error()
	case errors.Is(err, migration.ErrNotMigratable):
		return CodeNotMigratable, err.Error()
	case errors.Is(err, migration.ErrDestinationFailed):
		return CodeMigrationFailed, err.Error()
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, panel.ErrNotFound):
		return CodeNotFound, "Not found"
	case panel.IsConnectivity(err):
		return CodePanelUnreachable, err.Error()
	case errors.Is(err, models.ErrInvalidTransition):
		return CodeInvalidTransition, err.Error()
	case errors.Is(err, lock.ErrNotAcquired):
		return CodeBusy, "Another operation on this account is in progress"
	default:
		return CodeInternal, "Internal error"
	}
}

func paginatedResponse(data interface{}, total int64, page, limit int) models.PaginatedResponse {
	return models.PaginatedResponse{
		Data:       data,
		Total:      total,
		Page:       page,
		Limit:      limit,
		TotalPages: totalPages(total, limit),
	}
}

func totalPages(total int64, limit int) int {
	if limit <= 0 {
		limit = 50
	}
	pages := int(total) / limit
	if int(total)%limit != 0 {
		pages++
	}
	if pages == 0 {
		pages = 1
	}
	return pages
}

// parseBodyAction extracts the "actions" field from request body.
// All API requests route on it.
func parseBodyAction(c echo.Context) (string, map[string]interface{}, error) {
	body := make(map[string]interface{})
	if err := c.Bind(&body); err != nil {
		return "", nil, err
	}
	action, _ := body["actions"].(string)
	c.Set("api_actions", action) // for logging middleware
	return action, body, nil
}

// getStringField gets a string field from the body map.
func getStringField(body map[string]interface{}, key string) string {
	if v, ok := body[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		// Handle numbers that should be strings
		if f, ok := v.(float64); ok {
			return fmt.Sprintf("%.0f", f)
		}
	}
	return ""
}

// getIntField gets an int field from the body map.
func getIntField(body map[string]interface{}, key string, defaultVal int) int {
	if v, ok := body[key]; ok {
		switch t := v.(type) {
		case float64:
			return int(t)
		case int:
			return t
		case string:
			if i, err := strconv.Atoi(t); err == nil {
				return i
			}
		}
	}
	return defaultVal
}

func getInt64Field(body map[string]interface{}, key string, defaultVal int64) int64 {
	if v, ok := body[key]; ok {
		switch t := v.(type) {
		case float64:
			return int64(t)
		case string:
			if i, err := strconv.ParseInt(t, 10, 64); err == nil {
				return i
			}
		}
	}
	return defaultVal
}

func getIDField(body map[string]interface{}, key string) uint {
	if n := getIntField(body, key, 0); n > 0 {
		return uint(n)
	}
	return 0
}

func getBoolField(body map[string]interface{}, key string) bool {
	switch t := body[key].(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	case float64:
		return t != 0
	}
	return false
}
