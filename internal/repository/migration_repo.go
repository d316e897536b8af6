package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

// MigrationRepository handles migration audit records.
type MigrationRepository struct {
	db *gorm.DB
}

func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

func (r *MigrationRepository) Create(ctx context.Context, m *models.Migration) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *MigrationRepository) FindByID(ctx context.Context, id uint) (*models.Migration, error) {
	var m models.Migration
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MigrationRepository) FindByAccount(ctx context.Context, accountID uint) ([]models.Migration, error) {
	var list []models.Migration
	err := r.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id ASC").Find(&list).Error
	return list, err
}

// Finalize closes a pending migration. It is a no-op for already finalized records.
func (r *MigrationRepository) Finalize(ctx context.Context, id uint, status models.MigrationStatus, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&models.Migration{}).
		Where("id = ? AND status = ?", id, models.MigrationPending).
		Updates(map[string]interface{}{
			"status":      status,
			"error":       errMsg,
			"finished_at": now,
		}).Error
}

// Complete closes a pending migration as completed.
func (r *MigrationRepository) Complete(ctx context.Context, id, newAccountID uint, sourceCleanup string) error {
	return r.db.WithContext(ctx).Model(&models.Migration{}).
		Where("id = ? AND status = ?", id, models.MigrationPending).
		Updates(map[string]interface{}{
			"status":         models.MigrationCompleted,
			"new_account_id": newAccountID,
			"source_cleanup": sourceCleanup,
			"finished_at":    time.Now(),
		}).Error
}

// FindStalePending returns pending migrations started before cutoff.
func (r *MigrationRepository) FindStalePending(ctx context.Context, cutoff time.Time) ([]models.Migration, error) {
	var list []models.Migration
	err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", models.MigrationPending, cutoff).
		Order("id ASC").Find(&list).Error
	return list, err
}
