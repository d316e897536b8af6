package models

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// AccountStatus is the lifecycle state of a ClientAccount.
type AccountStatus string

const (
	AccountPending         AccountStatus = "pending"
	AccountActive          AccountStatus = "active"
	AccountExpired         AccountStatus = "expired"
	AccountTrafficExceeded AccountStatus = "traffic_exceeded"
	AccountDisabled        AccountStatus = "disabled"
	AccountSwitched        AccountStatus = "switched"
)

// ErrInvalidTransition is returned when a status change is not an allowed edge.
var ErrInvalidTransition = errors.New("invalid account status transition")

var accountTransitions = map[AccountStatus][]AccountStatus{
	AccountPending:         {AccountActive, AccountDisabled},
	AccountActive:          {AccountActive, AccountExpired, AccountTrafficExceeded, AccountDisabled, AccountSwitched},
	AccountExpired:         {AccountActive, AccountTrafficExceeded, AccountDisabled, AccountSwitched},
	AccountTrafficExceeded: {AccountActive, AccountExpired, AccountDisabled, AccountSwitched},
	AccountDisabled:        {AccountActive, AccountSwitched},
	AccountSwitched:        nil,
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to AccountStatus) bool {
	for _, s := range accountTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Live reports whether the status counts toward the one-live-account-per-subscription rule.
func (s AccountStatus) Live() bool {
	return s == AccountActive || s == AccountPending
}

// ClientAccount maps to the `client_accounts` table.
type ClientAccount struct {
	ID              uint           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID          string         `gorm:"column:user_id;size:100;not null;index:idx_accounts_subscription,priority:1" json:"user_id"`
	SubscriptionRef string         `gorm:"column:subscription_ref;size:100;not null;index:idx_accounts_subscription,priority:2" json:"subscription_ref"`
	PlanCode        string         `gorm:"column:plan_code;size:100" json:"plan_code"`
	PanelID         uint           `gorm:"column:panel_id;not null;index:idx_accounts_panel_status,priority:1" json:"panel_id"`
	InboundID       uint           `gorm:"column:inbound_id;not null" json:"inbound_id"`
	RemoteID        string         `gorm:"column:remote_id;size:64;not null;index" json:"remote_id"`
	Email           string         `gorm:"column:email;size:200;index" json:"email"`
	SubID           string         `gorm:"column:sub_id;size:64" json:"sub_id"`
	TrafficQuota    int64          `gorm:"column:traffic_quota;default:0" json:"traffic_quota"`
	TrafficUsed     int64          `gorm:"column:traffic_used;default:0" json:"traffic_used"`
	ExpiresAt       time.Time      `gorm:"column:expires_at" json:"expires_at"`
	Status          AccountStatus  `gorm:"column:status;size:30;not null;index:idx_accounts_panel_status,priority:2" json:"status"`
	ConnectionURI   string         `gorm:"column:connection_uri;type:text" json:"connection_uri"`
	QRCode          string         `gorm:"column:qr_code;type:text" json:"qr_code,omitempty"`
	PredecessorID   *uint          `gorm:"column:predecessor_id" json:"predecessor_id,omitempty"`
	ReviewReason    string         `gorm:"column:review_reason;size:500" json:"review_reason,omitempty"`
	LastSyncedAt    *time.Time     `gorm:"column:last_synced_at" json:"last_synced_at"`
	LastSyncError   string         `gorm:"column:last_sync_error;size:500" json:"last_sync_error,omitempty"`
	CreatedAt       time.Time      `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
	DeletedAt       gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`

	Panel   *Panel   `gorm:"foreignKey:PanelID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	Inbound *Inbound `gorm:"foreignKey:InboundID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
}

func (ClientAccount) TableName() string {
	return "client_accounts"
}

// Transition is the only writer of Status.
func (a *ClientAccount) Transition(to AccountStatus) error {
	if !CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	return nil
}

// RemainingTraffic returns quota minus used, never below zero. Zero quota means unlimited.
func (a *ClientAccount) RemainingTraffic() int64 {
	if a.TrafficQuota <= 0 {
		return 0
	}
	if rem := a.TrafficQuota - a.TrafficUsed; rem > 0 {
		return rem
	}
	return 0
}

// TrafficExhausted reports used >= quota for a limited account.
func (a *ClientAccount) TrafficExhausted() bool {
	return a.TrafficQuota > 0 && a.TrafficUsed >= a.TrafficQuota
}

// Expired reports whether the account expiry is at or before now.
func (a *ClientAccount) Expired(now time.Time) bool {
	return !a.ExpiresAt.IsZero() && !now.Before(a.ExpiresAt)
}
