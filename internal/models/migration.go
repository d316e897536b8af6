package models

import "time"

type MigrationStatus string

const (
	MigrationPending   MigrationStatus = "pending"
	MigrationCompleted MigrationStatus = "completed"
	MigrationFailed    MigrationStatus = "failed"
)

// Source cleanup states recorded after the destination account became authoritative.
const (
	CleanupPending = "pending"
	CleanupDone    = "done"
	CleanupFailed  = "failed"
)

// Migration maps to the `migrations` table. Only the migration coordinator writes it.
type Migration struct {
	ID            uint            `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AccountID     uint            `gorm:"column:account_id;not null;index" json:"account_id"`
	NewAccountID  *uint           `gorm:"column:new_account_id" json:"new_account_id,omitempty"`
	SourcePanelID uint            `gorm:"column:source_panel_id;not null" json:"source_panel_id"`
	DestPanelID   *uint           `gorm:"column:dest_panel_id" json:"dest_panel_id,omitempty"`
	Status        MigrationStatus `gorm:"column:status;size:20;not null;index" json:"status"`
	Reason        string          `gorm:"column:reason;size:200" json:"reason"`
	Error         string          `gorm:"column:error;type:text" json:"error,omitempty"`
	SourceCleanup string          `gorm:"column:source_cleanup;size:20" json:"source_cleanup,omitempty"`
	StartedAt     time.Time       `gorm:"column:started_at" json:"started_at"`
	FinishedAt    *time.Time      `gorm:"column:finished_at" json:"finished_at,omitempty"`

	Account     *ClientAccount `gorm:"foreignKey:AccountID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	SourcePanel *Panel         `gorm:"foreignKey:SourcePanelID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
	DestPanel   *Panel         `gorm:"foreignKey:DestPanelID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"-"`
}

func (Migration) TableName() string {
	return "migrations"
}
