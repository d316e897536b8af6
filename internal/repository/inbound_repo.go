package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"moonvpn/internal/models"
)

// InboundRepository handles the local inbound cache.
type InboundRepository struct {
	db *gorm.DB
}

func NewInboundRepository(db *gorm.DB) *InboundRepository {
	return &InboundRepository{db: db}
}

func (r *InboundRepository) FindByID(ctx context.Context, id uint) (*models.Inbound, error) {
	var in models.Inbound
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&in).Error; err != nil {
		return nil, err
	}
	return &in, nil
}

func (r *InboundRepository) FindByPanel(ctx context.Context, panelID uint) ([]models.Inbound, error) {
	var list []models.Inbound
	err := r.db.WithContext(ctx).Where("panel_id = ?", panelID).Order("id ASC").Find(&list).Error
	return list, err
}

// Upsert inserts or refreshes a cached inbound keyed by (panel_id, remote_id).
// Admin-set max_clients and the locally counted clients are preserved on refresh.
func (r *InboundRepository) Upsert(ctx context.Context, in *models.Inbound) error {
	now := time.Now()
	in.LastSyncedAt = &now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "panel_id"}, {Name: "remote_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"tag", "protocol", "port", "remark", "network", "security", "enabled", "last_synced_at", "updated_at",
		}),
	}).Create(in).Error
}

// DisableMissing disables cached inbounds of a panel whose remote id was not seen in the last sync.
func (r *InboundRepository) DisableMissing(ctx context.Context, panelID uint, seen []int) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Inbound{}).Where("panel_id = ? AND enabled = ?", panelID, true)
	if len(seen) > 0 {
		q = q.Where("remote_id NOT IN ?", seen)
	}
	res := q.Update("enabled", false)
	return res.RowsAffected, res.Error
}

func (r *InboundRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Inbound{}).Where("id = ?", id).Updates(updates).Error
}

// AdjustClients atomically adds delta to the cached client count, never below zero.
func (r *InboundRepository) AdjustClients(ctx context.Context, id uint, delta int64) error {
	q := r.db.WithContext(ctx).Model(&models.Inbound{}).Where("id = ?", id)
	if delta < 0 {
		q = q.Where("clients >= ?", -delta)
	}
	return q.UpdateColumn("clients", gorm.Expr("clients + ?", delta)).Error
}

func (r *InboundRepository) SetClients(ctx context.Context, id uint, count int64) error {
	return r.db.WithContext(ctx).Model(&models.Inbound{}).Where("id = ?", id).
		UpdateColumn("clients", count).Error
}
