package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

// AccountRepository handles client account rows.
type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, acc *models.ClientAccount) error {
	return r.db.WithContext(ctx).Create(acc).Error
}

func (r *AccountRepository) FindByID(ctx context.Context, id uint) (*models.ClientAccount, error) {
	var acc models.ClientAccount
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindByIDUnscoped also returns soft-deleted rows.
func (r *AccountRepository) FindByIDUnscoped(ctx context.Context, id uint) (*models.ClientAccount, error) {
	var acc models.ClientAccount
	if err := r.db.WithContext(ctx).Unscoped().Where("id = ?", id).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// FindCurrent returns the newest non-switched account of a subscription.
func (r *AccountRepository) FindCurrent(ctx context.Context, userID, subscriptionRef string) (*models.ClientAccount, error) {
	var acc models.ClientAccount
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND subscription_ref = ? AND status <> ?", userID, subscriptionRef, models.AccountSwitched).
		Order("id DESC").
		First(&acc).Error
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

func (r *AccountRepository) FindByUser(ctx context.Context, userID string) ([]models.ClientAccount, error) {
	var list []models.ClientAccount
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Order("id ASC").Find(&list).Error
	return list, err
}

// FindActive returns every active account ordered by panel.
func (r *AccountRepository) FindActive(ctx context.Context) ([]models.ClientAccount, error) {
	var list []models.ClientAccount
	err := r.db.WithContext(ctx).Where("status = ?", models.AccountActive).
		Order("panel_id ASC, id ASC").Find(&list).Error
	return list, err
}

// FindActiveByPanel returns up to limit active accounts of a panel. limit <= 0 means all.
func (r *AccountRepository) FindActiveByPanel(ctx context.Context, panelID uint, limit int) ([]models.ClientAccount, error) {
	var list []models.ClientAccount
	q := r.db.WithContext(ctx).Where("panel_id = ? AND status = ?", panelID, models.AccountActive).Order("id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&list).Error
	return list, err
}

// RemoteIDInUse reports whether a live (non-switched) row on the panel already uses remoteID.
func (r *AccountRepository) RemoteIDInUse(ctx context.Context, panelID uint, remoteID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("panel_id = ? AND remote_id = ? AND status <> ?", panelID, remoteID, models.AccountSwitched).
		Count(&count).Error
	return count > 0, err
}

// ClientInUse reports whether a non-switched row on the panel owns the remote
// client, matched by remote id or email.
func (r *AccountRepository) ClientInUse(ctx context.Context, panelID uint, remoteID, email string) (bool, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("panel_id = ? AND status <> ?", panelID, models.AccountSwitched)
	if email != "" {
		q = q.Where("(remote_id = ? OR email = ?)", remoteID, email)
	} else {
		q = q.Where("remote_id = ?", remoteID)
	}
	err := q.Count(&count).Error
	return count > 0, err
}

type activeCount struct {
	GroupKey uint
	Total    int64
}

// CountActiveByPanel returns active row counts keyed by panel id.
func (r *AccountRepository) CountActiveByPanel(ctx context.Context) (map[uint]int64, error) {
	return r.countActiveBy(ctx, "panel_id")
}

// CountActiveByInbound returns active row counts keyed by inbound id.
func (r *AccountRepository) CountActiveByInbound(ctx context.Context) (map[uint]int64, error) {
	return r.countActiveBy(ctx, "inbound_id")
}

func (r *AccountRepository) countActiveBy(ctx context.Context, column string) (map[uint]int64, error) {
	var rows []activeCount
	err := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Select(column + " AS group_key, COUNT(*) AS total").
		Where("status = ?", models.AccountActive).
		Group(column).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[uint]int64, len(rows))
	for _, row := range rows {
		out[row.GroupKey] = row.Total
	}
	return out, nil
}

func (r *AccountRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.ClientAccount{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateIfStatus applies updates only while the row still has the expected status.
// It returns false when the row changed underneath the caller.
func (r *AccountRepository) UpdateIfStatus(ctx context.Context, id uint, expected models.AccountStatus, updates map[string]interface{}) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("id = ? AND status = ?", id, expected).
		Updates(updates)
	return res.RowsAffected > 0, res.Error
}

// MarkSyncError records a sync failure on every active account of a panel.
func (r *AccountRepository) MarkSyncError(ctx context.Context, panelID uint, msg string) error {
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("panel_id = ? AND status = ?", panelID, models.AccountActive).
		UpdateColumn("last_sync_error", msg).Error
}

// FindSuccessor returns the account created from predecessorID by a migration.
func (r *AccountRepository) FindSuccessor(ctx context.Context, predecessorID uint) (*models.ClientAccount, error) {
	var acc models.ClientAccount
	if err := r.db.WithContext(ctx).Unscoped().Where("predecessor_id = ?", predecessorID).First(&acc).Error; err != nil {
		return nil, err
	}
	return &acc, nil
}

// SoftDelete hides the row while keeping it as an audit trail.
func (r *AccountRepository) SoftDelete(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Delete(&models.ClientAccount{}, id).Error
}

// Purge removes the row permanently.
func (r *AccountRepository) Purge(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Unscoped().Delete(&models.ClientAccount{}, id).Error
}

// Touch records a successful sync.
func (r *AccountRepository) Touch(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.ClientAccount{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{"last_synced_at": at, "last_sync_error": ""}).Error
}

// ErrStatusChanged is returned when a conditional write finds the row in another state.
var ErrStatusChanged = errors.New("account status changed concurrently")

// Supersede marks old as switched and inserts its successor in one transaction.
// It fails with ErrStatusChanged when old is no longer active.
func (r *AccountRepository) Supersede(ctx context.Context, oldID uint, successor *models.ClientAccount) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.ClientAccount{}).
			Where("id = ? AND status = ?", oldID, models.AccountActive).
			Update("status", models.AccountSwitched)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("account %d: %w", oldID, ErrStatusChanged)
		}
		return tx.Create(successor).Error
	})
}

// RecordUsage stores panel-reported usage on an account that is still active.
// It returns false when the row left active since it was read.
func (r *AccountRepository) RecordUsage(ctx context.Context, id uint, used int64, at time.Time) (bool, error) {
	return r.UpdateIfStatus(ctx, id, models.AccountActive, map[string]interface{}{
		"traffic_used":    used,
		"last_synced_at":  at,
		"last_sync_error": "",
		"review_reason":   "",
	})
}

// ExceedIfActive moves an active account whose limited quota is used up to traffic_exceeded.
func (r *AccountRepository) ExceedIfActive(ctx context.Context, id uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("id = ? AND status = ? AND traffic_quota > 0 AND traffic_used >= traffic_quota", id, models.AccountActive).
		Update("status", models.AccountTrafficExceeded)
	return res.RowsAffected > 0, res.Error
}

// ExpireIfDue moves an active or exhausted account past its expiry to expired.
func (r *AccountRepository) ExpireIfDue(ctx context.Context, id uint, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.ClientAccount{}).
		Where("id = ? AND status IN ? AND expires_at <= ?", id,
			[]models.AccountStatus{models.AccountActive, models.AccountTrafficExceeded}, now).
		Update("status", models.AccountExpired)
	return res.RowsAffected > 0, res.Error
}

// FlagForReview records why an active account needs an operator's attention.
func (r *AccountRepository) FlagForReview(ctx context.Context, id uint, reason string, at time.Time) (bool, error) {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	return r.UpdateIfStatus(ctx, id, models.AccountActive, map[string]interface{}{
		"review_reason":  reason,
		"last_synced_at": at,
	})
}
