package models

import "time"

const (
	OrphanPending   = "pending"
	OrphanDone      = "done"
	OrphanAbandoned = "abandoned"
	// OrphanSuperseded marks a queued client that a live account owns again.
	OrphanSuperseded = "superseded"
)

// OrphanCleanup records a remote client known to be left behind on a panel,
// either by a failed rollback or a failed post-migration source delete.
type OrphanCleanup struct {
	ID              uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PanelID         uint      `gorm:"column:panel_id;not null;index" json:"panel_id"`
	InboundRemoteID int       `gorm:"column:inbound_remote_id" json:"inbound_remote_id"`
	RemoteID        string    `gorm:"column:remote_id;size:64" json:"remote_id"`
	Email           string    `gorm:"column:email;size:200" json:"email"`
	UserID          string    `gorm:"column:user_id;size:100" json:"user_id"`
	LockKey         string    `gorm:"column:lock_key;size:200" json:"lock_key"`
	Reason          string    `gorm:"column:reason;size:200" json:"reason"`
	Status          string    `gorm:"column:status;size:20;not null;index" json:"status"`
	Attempts        int       `gorm:"column:attempts;default:0" json:"attempts"`
	LastError       string    `gorm:"column:last_error;type:text" json:"last_error"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (OrphanCleanup) TableName() string {
	return "orphan_cleanups"
}
