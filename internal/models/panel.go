package models

import (
	"fmt"
	"strings"
	"time"
)

// Panel types supported by the panel package.
const (
	PanelTypeXUI     = "x-ui"
	PanelTypeMarzban = "marzban"
)

// Panel lifecycle states. Retired panels are kept for history and never selected.
const (
	PanelStatusActive   = "active"
	PanelStatusDisabled = "disabled"
	PanelStatusRetired  = "retired"
)

// Panel maps to the `panels` table.
type Panel struct {
	ID               uint       `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Code             string     `gorm:"column:code;size:100;uniqueIndex" json:"code"`
	Name             string     `gorm:"column:name;size:200" json:"name"`
	Type             string     `gorm:"column:type;size:50" json:"type"`
	Scheme           string     `gorm:"column:scheme;size:10;default:https" json:"scheme"`
	Host             string     `gorm:"column:host;size:255" json:"host"`
	Port             int        `gorm:"column:port" json:"port"`
	BasePath         string     `gorm:"column:base_path;size:255" json:"base_path"`
	Username         string     `gorm:"column:username;size:200" json:"username"`
	Password         string     `gorm:"column:password;size:200" json:"-"`
	SessionToken     string     `gorm:"column:session_token;type:text" json:"-"`
	SessionExpiresAt *time.Time `gorm:"column:session_expires_at" json:"-"`
	SubBaseURL       string     `gorm:"column:sub_base_url;size:500" json:"sub_base_url"`
	Location         string     `gorm:"column:location;size:100;index" json:"location"`
	Priority         int        `gorm:"column:priority;default:0" json:"priority"`
	MaxClients       int64      `gorm:"column:max_clients;default:0" json:"max_clients"`
	CurrentClients   int64      `gorm:"column:current_clients;default:0" json:"current_clients"`
	LoadFactor       float64    `gorm:"column:load_factor;default:0" json:"load_factor"`
	Status           string     `gorm:"column:status;size:20;default:active;index" json:"status"`
	Healthy          bool       `gorm:"column:healthy" json:"healthy"`
	HealthReason     string     `gorm:"column:health_reason;size:500" json:"health_reason"`
	HealthCheckedAt  *time.Time `gorm:"column:health_checked_at" json:"health_checked_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Inbounds []Inbound `gorm:"foreignKey:PanelID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT" json:"inbounds,omitempty"`
}

func (Panel) TableName() string {
	return "panels"
}

// BaseURL returns scheme://host:port/base_path without a trailing slash.
func (p *Panel) BaseURL() string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "https"
	}
	host := p.Host
	if p.Port > 0 {
		host = fmt.Sprintf("%s:%d", p.Host, p.Port)
	}
	base := strings.Trim(p.BasePath, "/")
	if base == "" {
		return scheme + "://" + host
	}
	return scheme + "://" + host + "/" + base
}

// ComputeLoad returns current/max, or 1 when the panel has no capacity configured.
func ComputeLoad(current, max int64) float64 {
	if max <= 0 {
		return 1
	}
	return float64(current) / float64(max)
}

// Selectable reports whether the panel may receive new clients.
func (p *Panel) Selectable() bool {
	return p.Status == PanelStatusActive && p.Healthy && p.MaxClients > 0 && p.CurrentClients < p.MaxClients
}
