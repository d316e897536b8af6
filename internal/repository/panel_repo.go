package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

const loadFactorExpr = "CASE WHEN max_clients > 0 THEN current_clients * 1.0 / max_clients ELSE 1 END"

// PanelRepository handles panel database operations.
type PanelRepository struct {
	db *gorm.DB
}

func NewPanelRepository(db *gorm.DB) *PanelRepository {
	return &PanelRepository{db: db}
}

// FindAll returns panels with pagination and search.
func (r *PanelRepository) FindAll(ctx context.Context, limit, page int, query string) ([]models.Panel, int64, error) {
	var panels []models.Panel
	var total int64

	db := r.db.WithContext(ctx).Model(&models.Panel{})

	if query != "" {
		search := "%" + query + "%"
		db = db.Where("name LIKE ? OR code LIKE ? OR host LIKE ? OR location LIKE ?",
			search, search, search, search)
	}

	if err := db.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	if err := db.Order("id ASC").Limit(limit).Offset(offset).Find(&panels).Error; err != nil {
		return nil, 0, err
	}
	return panels, total, nil
}

// FindByID returns a panel by ID.
func (r *PanelRepository) FindByID(ctx context.Context, id uint) (*models.Panel, error) {
	var panel models.Panel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&panel).Error; err != nil {
		return nil, err
	}
	return &panel, nil
}

// FindWithInbounds returns a panel with its inbound cache.
func (r *PanelRepository) FindWithInbounds(ctx context.Context, id uint) (*models.Panel, error) {
	var panel models.Panel
	err := r.db.WithContext(ctx).
		Preload("Inbounds", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("id = ?", id).
		First(&panel).Error
	if err != nil {
		return nil, err
	}
	return &panel, nil
}

// FindByCode returns a panel by code.
func (r *PanelRepository) FindByCode(ctx context.Context, code string) (*models.Panel, error) {
	var panel models.Panel
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&panel).Error; err != nil {
		return nil, err
	}
	return &panel, nil
}

// FindActive returns all panels in the active state, healthy or not.
func (r *PanelRepository) FindActive(ctx context.Context) ([]models.Panel, error) {
	var panels []models.Panel
	err := r.db.WithContext(ctx).Where("status = ?", models.PanelStatusActive).Order("id ASC").Find(&panels).Error
	return panels, err
}

// FindLiveWithInbounds returns every non-retired panel with its inbound cache.
func (r *PanelRepository) FindLiveWithInbounds(ctx context.Context) ([]models.Panel, error) {
	var panels []models.Panel
	err := r.db.WithContext(ctx).
		Preload("Inbounds", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		Where("status <> ?", models.PanelStatusRetired).
		Order("id ASC").
		Find(&panels).Error
	return panels, err
}

func (r *PanelRepository) Create(ctx context.Context, panel *models.Panel) error {
	panel.LoadFactor = models.ComputeLoad(panel.CurrentClients, panel.MaxClients)
	return r.db.WithContext(ctx).Create(panel).Error
}

func (r *PanelRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Panel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateSession persists the session token obtained by the panel session client.
func (r *PanelRepository) UpdateSession(ctx context.Context, id uint, token string, expiresAt time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Panel{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"session_token":      token,
			"session_expires_at": expiresAt,
		}).Error
}

// AdjustClients atomically adds delta to current_clients (never below zero) and refreshes load_factor.
func (r *PanelRepository) AdjustClients(ctx context.Context, id uint, delta int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Model(&models.Panel{}).Where("id = ?", id)
		if delta < 0 {
			q = q.Where("current_clients >= ?", -delta)
		}
		if err := q.UpdateColumn("current_clients", gorm.Expr("current_clients + ?", delta)).Error; err != nil {
			return err
		}
		return tx.Model(&models.Panel{}).Where("id = ?", id).
			UpdateColumn("load_factor", gorm.Expr(loadFactorExpr)).Error
	})
}

// SetClients overwrites current_clients with an authoritative count.
func (r *PanelRepository) SetClients(ctx context.Context, id uint, count int64) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Panel{}).Where("id = ?", id).
			UpdateColumn("current_clients", count).Error; err != nil {
			return err
		}
		return tx.Model(&models.Panel{}).Where("id = ?", id).
			UpdateColumn("load_factor", gorm.Expr(loadFactorExpr)).Error
	})
}

func (r *PanelRepository) SetHealth(ctx context.Context, id uint, healthy bool, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.Panel{}).Where("id = ?", id).
		UpdateColumns(map[string]interface{}{
			"healthy":           healthy,
			"health_reason":     reason,
			"health_checked_at": at,
		}).Error
}

func (r *PanelRepository) SetStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.Panel{}).Where("id = ?", id).
		Update("status", status).Error
}
