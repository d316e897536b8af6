package models

import "time"

// Inbound is a local cache of one listener configured on a panel.
// RemoteID is the panel-side id; the row is not authoritative and may drift.
type Inbound struct {
	ID           uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PanelID      uint       `gorm:"column:panel_id;not null;uniqueIndex:idx_inbounds_panel_remote,priority:1" json:"panel_id"`
	RemoteID     int        `gorm:"column:remote_id;not null;uniqueIndex:idx_inbounds_panel_remote,priority:2" json:"remote_id"`
	Tag          string     `gorm:"column:tag;size:200" json:"tag"`
	Protocol     string     `gorm:"column:protocol;size:50;index" json:"protocol"`
	Port         int        `gorm:"column:port" json:"port"`
	Remark       string     `gorm:"column:remark;size:200" json:"remark"`
	Network      string     `gorm:"column:network;size:50" json:"network"`
	Security     string     `gorm:"column:security;size:50" json:"security"`
	MaxClients   int64      `gorm:"column:max_clients;default:0" json:"max_clients"`
	Clients      int64      `gorm:"column:clients;default:0" json:"clients"`
	Enabled      bool       `gorm:"column:enabled" json:"enabled"`
	LastSyncedAt *time.Time `gorm:"column:last_synced_at" json:"last_synced_at"`
	CreatedAt    time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Inbound) TableName() string {
	return "inbounds"
}

// HasRoom reports whether the inbound accepts another client. Zero max means unlimited.
func (i *Inbound) HasRoom() bool {
	return i.Enabled && (i.MaxClients <= 0 || i.Clients < i.MaxClients)
}
