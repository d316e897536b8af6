// Package testutil holds fixtures shared by package tests.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"moonvpn/internal/bootstrap"
	"moonvpn/internal/models"
)

var dbSeq atomic.Int64

// NewDB opens a private in-memory sqlite database with the full schema.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared&_foreign_keys=on", name, dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, bootstrap.MigrateAndSeed(db))
	return db
}

// PanelFixture describes a panel row with one vless inbound.
type PanelFixture struct {
	Code       string
	Location   string
	Priority   int
	MaxClients int64
	Current    int64
	Unhealthy  bool
	Status     string
}

// SeedPanel inserts a panel and one enabled vless inbound (remote id 1).
func SeedPanel(t *testing.T, db *gorm.DB, f PanelFixture) (*models.Panel, *models.Inbound) {
	t.Helper()
	status := f.Status
	if status == "" {
		status = models.PanelStatusActive
	}
	p := &models.Panel{
		Code:           f.Code,
		Name:           f.Code,
		Type:           models.PanelTypeXUI,
		Scheme:         "https",
		Host:           f.Code + ".example.net",
		Port:           2053,
		Username:       "admin",
		Password:       "secret",
		SubBaseURL:     "https://" + f.Code + ".example.net/sub",
		Location:       f.Location,
		Priority:       f.Priority,
		MaxClients:     f.MaxClients,
		CurrentClients: f.Current,
		LoadFactor:     models.ComputeLoad(f.Current, f.MaxClients),
		Status:         status,
		Healthy:        !f.Unhealthy,
	}
	require.NoError(t, db.Create(p).Error)

	now := time.Now()
	in := &models.Inbound{
		PanelID:      p.ID,
		RemoteID:     1,
		Tag:          "inbound-443",
		Protocol:     "vless",
		Port:         443,
		Remark:       "main",
		Network:      "tcp",
		Security:     "reality",
		Clients:      f.Current,
		Enabled:      true,
		LastSyncedAt: &now,
	}
	require.NoError(t, db.Create(in).Error)
	return p, in
}

// SeedAccount inserts an account row as-is.
func SeedAccount(t *testing.T, db *gorm.DB, acc *models.ClientAccount) *models.ClientAccount {
	t.Helper()
	if acc.Status == "" {
		acc.Status = models.AccountActive
	}
	require.NoError(t, db.Create(acc).Error)
	return acc
}
