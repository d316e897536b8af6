package models

import "time"

// Plan maps to the `plans` table. TrafficBytes of zero means unlimited.
type Plan struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Code         string    `gorm:"column:code;size:100;uniqueIndex" json:"code"`
	Name         string    `gorm:"column:name;size:200" json:"name"`
	TrafficBytes int64     `gorm:"column:traffic_bytes;default:0" json:"traffic_bytes"`
	DurationDays int       `gorm:"column:duration_days;default:30" json:"duration_days"`
	Location     string    `gorm:"column:location;size:100" json:"location"`
	Protocol     string    `gorm:"column:protocol;size:50" json:"protocol"`
	Price        int64     `gorm:"column:price;default:0" json:"price"`
	Status       string    `gorm:"column:status;size:20;default:active" json:"status"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

func (Plan) TableName() string {
	return "plans"
}

// Duration returns the plan length.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
