package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

// OrphanRepository queues remote clients that still need deleting.
type OrphanRepository struct {
	db *gorm.DB
}

func NewOrphanRepository(db *gorm.DB) *OrphanRepository {
	return &OrphanRepository{db: db}
}

// Enqueue records an orphan. An existing pending row for the same panel and remote id is reused.
func (r *OrphanRepository) Enqueue(ctx context.Context, o *models.OrphanCleanup) error {
	var existing models.OrphanCleanup
	err := r.db.WithContext(ctx).
		Where("panel_id = ? AND remote_id = ? AND status = ?", o.PanelID, o.RemoteID, models.OrphanPending).
		First(&existing).Error
	if err == nil {
		*o = existing
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}
	o.Status = models.OrphanPending
	return r.db.WithContext(ctx).Create(o).Error
}

func (r *OrphanRepository) ListPending(ctx context.Context, limit int) ([]models.OrphanCleanup, error) {
	var items []models.OrphanCleanup
	q := r.db.WithContext(ctx).Where("status = ?", models.OrphanPending).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// MarkDone marks an orphan as removed from its panel.
func (r *OrphanRepository) MarkDone(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.OrphanCleanup{}).
		Where("id = ? AND status = ?", id, models.OrphanPending).
		Updates(map[string]interface{}{
			"status":     models.OrphanDone,
			"attempts":   gorm.Expr("attempts + 1"),
			"last_error": "",
		}).Error
}

// MarkSuperseded closes an orphan whose client belongs to a live account.
func (r *OrphanRepository) MarkSuperseded(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.OrphanCleanup{}).
		Where("id = ? AND status = ?", id, models.OrphanPending).
		Update("status", models.OrphanSuperseded).Error
}

// SupersedeClient closes the pending orphans of a panel that match a client
// just created for a live account. It returns how many rows were closed.
func (r *OrphanRepository) SupersedeClient(ctx context.Context, panelID uint, remoteID, email string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.OrphanCleanup{}).
		Where("panel_id = ? AND status = ?", panelID, models.OrphanPending)
	if email != "" {
		q = q.Where("(remote_id = ? OR email = ?)", remoteID, email)
	} else {
		q = q.Where("remote_id = ?", remoteID)
	}
	res := q.Update("status", models.OrphanSuperseded)
	return res.RowsAffected, res.Error
}

// MarkFailed records a failed attempt and abandons the row once maxAttempts is reached.
func (r *OrphanRepository) MarkFailed(ctx context.Context, id uint, errMsg string, maxAttempts int) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.OrphanCleanup{}).
			Where("id = ? AND status = ?", id, models.OrphanPending).
			Updates(map[string]interface{}{
				"attempts":   gorm.Expr("attempts + 1"),
				"last_error": errMsg,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 || maxAttempts <= 0 {
			return nil
		}

		return tx.Model(&models.OrphanCleanup{}).
			Where("id = ? AND attempts >= ?", id, maxAttempts).
			Update("status", models.OrphanAbandoned).Error
	})
}
