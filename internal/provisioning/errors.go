package provisioning

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountSwitched is returned for operations on a record superseded by a migration.
	ErrAccountSwitched = errors.New("account was migrated and is read-only")
	// ErrRenewRequired is returned when enabling an account that is expired or out of traffic.
	ErrRenewRequired = errors.New("account must be renewed before it can be enabled")
	// ErrPlanUnavailable is returned for unknown or inactive plans.
	ErrPlanUnavailable = errors.New("plan is not available")
)

// ProvisioningError reports a remote operation that needs manual attention,
// such as a failed rollback or a client missing on its panel.
type ProvisioningError struct {
	Op       string
	PanelID  uint
	RemoteID string
	UserID   string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s failed (panel %d, remote %s, user %s): %v", e.Op, e.PanelID, e.RemoteID, e.UserID, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}
