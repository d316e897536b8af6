package repository

import (
	"context"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

// PlanRepository handles plan lookups for the order flow.
type PlanRepository struct {
	db *gorm.DB
}

func NewPlanRepository(db *gorm.DB) *PlanRepository {
	return &PlanRepository{db: db}
}

// FindAll returns plans with pagination and search.
func (r *PlanRepository) FindAll(ctx context.Context, limit, page int, query string) ([]models.Plan, int64, error) {
	var plans []models.Plan
	var total int64

	db := r.db.WithContext(ctx).Model(&models.Plan{})
	if query != "" {
		search := "%" + query + "%"
		db = db.Where("name LIKE ? OR code LIKE ? OR location LIKE ?", search, search, search)
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
	if err := db.Order("id ASC").Limit(limit).Offset((page - 1) * limit).Find(&plans).Error; err != nil {
		return nil, 0, err
	}
	return plans, total, nil
}

func (r *PlanRepository) FindByCode(ctx context.Context, code string) (*models.Plan, error) {
	var plan models.Plan
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&plan).Error; err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *PlanRepository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *PlanRepository) Update(ctx context.Context, id uint, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", id).Updates(updates).Error
}
