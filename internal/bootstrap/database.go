package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"moonvpn/internal/models"
)

const gib = int64(1) << 30

// MigrateAndSeed ensures required tables exist and inserts baseline plans.
func MigrateAndSeed(db *gorm.DB) error {
	if err := db.AutoMigrate(allModels()...); err != nil {
		return fmt.Errorf("auto migrate failed: %w", err)
	}
	if err := seedDefaults(db); err != nil {
		return fmt.Errorf("seed defaults failed: %w", err)
	}
	return nil
}

// allModels is ordered parents first so foreign keys can be created.
func allModels() []interface{} {
	return []interface{}{
		&models.Panel{},
		&models.Inbound{},
		&models.ClientAccount{},
		&models.Migration{},
		&models.Plan{},
		&models.OrphanCleanup{},
	}
}

func seedDefaults(db *gorm.DB) error {
	return db.Transaction(func(tx *gorm.DB) error {
		return ensureDefaultPlans(tx)
	})
}

func ensureDefaultPlans(tx *gorm.DB) error {
	defaults := []models.Plan{
		{Code: "m1-50g", Name: "1 month / 50 GB", TrafficBytes: 50 * gib, DurationDays: 30, Protocol: "vless", Status: "active"},
		{Code: "m3-150g", Name: "3 months / 150 GB", TrafficBytes: 150 * gib, DurationDays: 90, Protocol: "vless", Status: "active"},
		{Code: "trial", Name: "Trial / 1 GB", TrafficBytes: 1 * gib, DurationDays: 1, Protocol: "vless", Status: "active"},
	}

	for _, plan := range defaults {
		var count int64
		if err := tx.Model(&models.Plan{}).Where("code = ?", plan.Code).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			continue
		}
		row := plan
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
	}
	return nil
}
