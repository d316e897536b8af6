package migration

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"moonvpn/internal/lock"
	"moonvpn/internal/models"
	"moonvpn/internal/panel"
	"moonvpn/internal/provisioning"
	"moonvpn/internal/reconcile"
	"moonvpn/internal/registry"
	"moonvpn/internal/repository"
	"moonvpn/internal/testutil"
)

const gib = int64(1) << 30

type env struct {
	db       *gorm.DB
	coord    *Coordinator
	registry *registry.Registry
	accounts *repository.AccountRepository
	panels   map[string]*models.Panel
	inbounds map[string]*models.Inbound
	fakes    map[string]*testutil.FakePanel
	clients  testutil.FakePanels
	locker   *lock.Memory
	notes    *testutil.Notifications
}

func newEnv(t *testing.T, fixtures ...testutil.PanelFixture) *env {
	t.Helper()
	db := testutil.NewDB(t)
	e := &env{
		db:       db,
		accounts: repository.NewAccountRepository(db),
		panels:   map[string]*models.Panel{},
		inbounds: map[string]*models.Inbound{},
		fakes:    map[string]*testutil.FakePanel{},
		notes:    &testutil.Notifications{},
	}
	clients := testutil.FakePanels{}
	for _, f := range fixtures {
		p, in := testutil.SeedPanel(t, db, f)
		e.panels[f.Code], e.inbounds[f.Code] = p, in
		e.fakes[f.Code] = testutil.NewFakePanel(p.ID)
		clients[p.ID] = e.fakes[f.Code]
	}

	e.registry = registry.New(repository.NewPanelRepository(db), repository.NewInboundRepository(db), nil)
	require.NoError(t, e.registry.Load(context.Background()))

	locker := lock.NewMemory()
	e.clients, e.locker = clients, locker
	inbounds := repository.NewInboundRepository(db)
	eng := provisioning.New(provisioning.Repos{
		Accounts: e.accounts,
		Plans:    repository.NewPlanRepository(db),
		Inbounds: inbounds,
		Orphans:  repository.NewOrphanRepository(db),
	}, e.registry, clients, locker, provisioning.Options{}, nil)

	e.coord = New(Repos{
		Accounts:   e.accounts,
		Migrations: repository.NewMigrationRepository(db),
		Inbounds:   inbounds,
	}, e.registry, clients, eng, locker, e.notes, Options{OverloadThreshold: 0.85, RebalanceBatch: 10}, nil)
	return e
}

// seed creates an active account on panel code and the matching remote client.
func (e *env) seed(t *testing.T, code string, n int, quota, localUsed int64, expires time.Time) *models.ClientAccount {
	t.Helper()
	p, in := e.panels[code], e.inbounds[code]
	acc := testutil.SeedAccount(t, e.db, &models.ClientAccount{
		UserID:          "1001",
		SubscriptionRef: fmt.Sprintf("order-%s-%d", code, n),
		PlanCode:        "m1-50g",
		PanelID:         p.ID,
		InboundID:       in.ID,
		RemoteID:        fmt.Sprintf("uuid-%s-%d", code, n),
		Email:           fmt.Sprintf("1001_%s_%d", code, n),
		SubID:           fmt.Sprintf("sub%s%d", code, n),
		TrafficQuota:    quota,
		TrafficUsed:     localUsed,
		ExpiresAt:       expires,
	})
	e.fakes[code].Put(provisioning.SpecFor(acc, *in, true))
	return acc
}

func (e *env) account(t *testing.T, id uint) models.ClientAccount {
	t.Helper()
	var acc models.ClientAccount
	require.NoError(t, e.db.Unscoped().First(&acc, id).Error)
	return acc
}

func (e *env) migrations(t *testing.T) []models.Migration {
	t.Helper()
	var list []models.Migration
	require.NoError(t, e.db.Order("id ASC").Find(&list).Error)
	return list
}

func (e *env) current(t *testing.T, code string) int64 {
	t.Helper()
	var p models.Panel
	require.NoError(t, e.db.First(&p, e.panels[code].ID).Error)
	return p.CurrentClients
}

func TestMigrateMovesRemainingQuotaToLeastLoadedPanel(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	expires := time.Now().Add(12 * 24 * time.Hour).Truncate(time.Second)
	src := e.seed(t, "a", 1, 50*gib, 10*gib, expires)
	e.fakes["a"].SetUsage(src.Email, 5*gib, 10*gib)

	res, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.NoError(t, err)

	dst := res.Account
	assert.Equal(t, e.panels["b"].ID, dst.PanelID)
	assert.Equal(t, src.RemoteID, dst.RemoteID)
	assert.Equal(t, 35*gib, dst.TrafficQuota)
	assert.Zero(t, dst.TrafficUsed)
	assert.WithinDuration(t, expires, dst.ExpiresAt, time.Second)
	assert.Equal(t, models.AccountActive, dst.Status)
	require.NotNil(t, dst.PredecessorID)
	assert.Equal(t, src.ID, *dst.PredecessorID)
	assert.Equal(t, "https://b.example.net/sub/"+src.SubID, dst.ConnectionURI)

	assert.Equal(t, models.AccountSwitched, e.account(t, src.ID).Status)
	assert.Equal(t, models.AccountActive, e.account(t, dst.ID).Status)

	_, onA := e.fakes["a"].Remote(src.Email)
	assert.False(t, onA)
	remote, onB := e.fakes["b"].Remote(src.Email)
	require.True(t, onB)
	assert.Equal(t, src.RemoteID, remote.Spec.UUID)
	assert.Equal(t, 35*gib, remote.Spec.TotalBytes)

	migs := e.migrations(t)
	require.Len(t, migs, 1)
	assert.Equal(t, models.MigrationCompleted, migs[0].Status)
	assert.Equal(t, models.CleanupDone, migs[0].SourceCleanup)
	require.NotNil(t, migs[0].NewAccountID)
	assert.Equal(t, dst.ID, *migs[0].NewAccountID)
	assert.NotNil(t, migs[0].FinishedAt)

	assert.Equal(t, int64(8), e.current(t, "a"))
	assert.Equal(t, int64(4), e.current(t, "b"))

	live, err := e.accounts.FindCurrent(context.Background(), src.UserID, src.SubscriptionRef)
	require.NoError(t, err)
	assert.Equal(t, dst.ID, live.ID)
}

func TestMigrateDestinationFailureLeavesSourceUntouched(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	src := e.seed(t, "a", 1, 50*gib, 0, time.Now().Add(24*time.Hour))
	e.fakes["b"].AddErr = &panel.RemoteError{PanelID: e.panels["b"].ID, Msg: "inbound full"}

	_, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.ErrorIs(t, err, ErrDestinationFailed)

	stored := e.account(t, src.ID)
	assert.Equal(t, models.AccountActive, stored.Status)
	assert.Equal(t, e.panels["a"].ID, stored.PanelID)
	_, onA := e.fakes["a"].Remote(src.Email)
	assert.True(t, onA)

	migs := e.migrations(t)
	require.Len(t, migs, 1)
	assert.Equal(t, models.MigrationFailed, migs[0].Status)
	assert.Contains(t, migs[0].Error, "inbound full")
	assert.Nil(t, migs[0].NewAccountID)

	assert.Equal(t, int64(9), e.current(t, "a"))
	assert.Equal(t, int64(3), e.current(t, "b"))
	_, _, failed, _ := e.notes.Snapshot()
	assert.Equal(t, []uint{src.ID}, failed)
}

func TestMigrateDestinationTimeoutRemovesMaybeCreatedClient(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	src := e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))
	e.fakes["b"].AddErr = testutil.Unreachable(e.panels["b"].ID)
	e.fakes["b"].AddThenFail = true

	_, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.Error(t, err)

	assert.Zero(t, e.fakes["b"].Len())
	p, _ := e.registry.Panel(e.panels["b"].ID)
	assert.False(t, p.Healthy)
	assert.Equal(t, models.AccountActive, e.account(t, src.ID).Status)
	assert.Equal(t, models.MigrationFailed, e.migrations(t)[0].Status)
}

func TestMigrateSourceDeleteFailureStillCompletes(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	src := e.seed(t, "a", 1, 50*gib, 0, time.Now().Add(24*time.Hour))
	e.fakes["a"].DeleteErr = errors.New("panel busy")

	res, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.NoError(t, err)
	assert.Equal(t, models.MigrationCompleted, res.Migration.Status)
	assert.Equal(t, models.CleanupFailed, res.Migration.SourceCleanup)

	migs := e.migrations(t)
	assert.Equal(t, models.MigrationCompleted, migs[0].Status)
	assert.Equal(t, models.CleanupFailed, migs[0].SourceCleanup)

	var orphans []models.OrphanCleanup
	require.NoError(t, e.db.Find(&orphans).Error)
	require.Len(t, orphans, 1)
	assert.Equal(t, e.panels["a"].ID, orphans[0].PanelID)
	assert.Equal(t, src.RemoteID, orphans[0].RemoteID)
	assert.Equal(t, models.OrphanPending, orphans[0].Status)
}

func TestRetriedMigrationKeepsClientQueuedByFailedRollback(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	ctx := context.Background()
	src := e.seed(t, "a", 1, 50*gib, 0, time.Now().Add(24*time.Hour))
	fakeB := e.fakes["b"]
	fakeB.AddErr = testutil.Unreachable(e.panels["b"].ID)
	fakeB.DeleteErr = testutil.Unreachable(e.panels["b"].ID)

	_, err := e.coord.Migrate(ctx, src.ID, nil, "overload")
	require.ErrorIs(t, err, ErrDestinationFailed)

	var queued models.OrphanCleanup
	require.NoError(t, e.db.Where("panel_id = ?", e.panels["b"].ID).First(&queued).Error)
	assert.Equal(t, src.RemoteID, queued.RemoteID)
	assert.Equal(t, provisioning.AccountKey(src.ID), queued.LockKey)

	fakeB.AddErr, fakeB.DeleteErr = nil, nil
	require.NoError(t, e.registry.MarkHealthy(ctx, e.panels["b"].ID))
	res, err := e.coord.Migrate(ctx, src.ID, nil, "overload")
	require.NoError(t, err)
	require.Equal(t, e.panels["b"].ID, res.Account.PanelID)

	rec := reconcile.New(reconcile.Repos{
		Accounts:   e.accounts,
		Panels:     repository.NewPanelRepository(e.db),
		Inbounds:   repository.NewInboundRepository(e.db),
		Orphans:    repository.NewOrphanRepository(e.db),
		Migrations: repository.NewMigrationRepository(e.db),
	}, e.registry, e.clients, e.locker, e.notes, reconcile.Options{}, nil)
	_, err = rec.CleanupOrphans(ctx)
	require.NoError(t, err)

	remote, onB := fakeB.Remote(src.Email)
	require.True(t, onB, "successor client still on destination")
	assert.Equal(t, src.RemoteID, remote.Spec.UUID)
	assert.Equal(t, models.AccountActive, e.account(t, res.Account.ID).Status)
	require.NoError(t, e.db.First(&queued, queued.ID).Error)
	assert.Equal(t, models.OrphanSuperseded, queued.Status)
}

func TestMigrateUnreachableSourceUsesLocalRecord(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 3},
	)
	src := e.seed(t, "a", 1, 50*gib, 10*gib, time.Now().Add(5*24*time.Hour))
	down := testutil.Unreachable(e.panels["a"].ID)
	e.fakes["a"].GetErr = down
	e.fakes["a"].DeleteErr = down

	res, err := e.coord.Migrate(context.Background(), src.ID, nil, "evacuate")
	require.NoError(t, err)
	assert.Equal(t, 40*gib, res.Account.TrafficQuota)
	assert.Equal(t, models.CleanupFailed, res.Migration.SourceCleanup)
	assert.Equal(t, models.AccountSwitched, e.account(t, src.ID).Status)
}

func TestMigratePrefersSameLocation(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", Location: "de", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", Location: "nl", MaxClients: 10, Current: 1},
		testutil.PanelFixture{Code: "c", Location: "de", MaxClients: 10, Current: 6},
	)
	src := e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))

	res, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.NoError(t, err)
	assert.Equal(t, e.panels["c"].ID, res.Account.PanelID)
}

func TestMigrateToExplicitTarget(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 5},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 1},
		testutil.PanelFixture{Code: "c", MaxClients: 10, Current: 6},
	)
	src := e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))
	target := e.panels["c"].ID

	res, err := e.coord.Migrate(context.Background(), src.ID, &target, "manual")
	require.NoError(t, err)
	assert.Equal(t, target, res.Account.PanelID)

	same := res.Account.PanelID
	_, err = e.coord.Migrate(context.Background(), res.Account.ID, &same, "manual")
	assert.ErrorIs(t, err, ErrNotMigratable)
}

func TestMigrateWithoutDestination(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 9},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 10},
	)
	src := e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))

	_, err := e.coord.Migrate(context.Background(), src.ID, nil, "overload")
	require.ErrorIs(t, err, registry.ErrNoCapacity)
	assert.Empty(t, e.migrations(t))
	assert.Equal(t, models.AccountActive, e.account(t, src.ID).Status)
	_, _, failed, _ := e.notes.Snapshot()
	assert.Equal(t, []uint{src.ID}, failed)
}

func TestMigrateRejectsUnusableAccounts(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 5},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 1},
	)
	ctx := context.Background()

	disabled := e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))
	require.NoError(t, e.db.Model(disabled).Update("status", models.AccountDisabled).Error)
	_, err := e.coord.Migrate(ctx, disabled.ID, nil, "manual")
	assert.ErrorIs(t, err, ErrNotMigratable)

	exhausted := e.seed(t, "a", 2, 10*gib, 0, time.Now().Add(24*time.Hour))
	e.fakes["a"].SetUsage(exhausted.Email, 0, 10*gib)
	_, err = e.coord.Migrate(ctx, exhausted.ID, nil, "manual")
	assert.ErrorIs(t, err, ErrNotMigratable)

	assert.Empty(t, e.migrations(t))
	assert.Zero(t, e.fakes["b"].Len())
}

func TestRebalanceBringsPanelUnderThreshold(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 10},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 0},
	)
	for i := 0; i < 3; i++ {
		e.seed(t, "a", i, 0, 0, time.Now().Add(24*time.Hour))
	}

	moved, err := e.coord.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.Equal(t, int64(8), e.current(t, "a"))
	assert.Equal(t, int64(2), e.current(t, "b"))
	assert.Equal(t, 2, e.fakes["b"].Len())
	assert.Empty(t, e.registry.Overloaded(0.85))

	moved, err = e.coord.Rebalance(context.Background())
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestRebalanceStopsWithoutCapacity(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 10},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 10},
	)
	e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))

	moved, err := e.coord.Rebalance(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, moved)
}

func TestEvacuateMovesEveryActiveAccount(t *testing.T) {
	e := newEnv(t,
		testutil.PanelFixture{Code: "a", MaxClients: 10, Current: 2},
		testutil.PanelFixture{Code: "b", MaxClients: 10, Current: 0},
	)
	e.seed(t, "a", 1, 0, 0, time.Now().Add(24*time.Hour))
	e.seed(t, "a", 2, 0, 0, time.Now().Add(24*time.Hour))

	moved, err := e.coord.Evacuate(context.Background(), e.panels["a"].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	left, err := e.accounts.FindActiveByPanel(context.Background(), e.panels["a"].ID, 0)
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.Zero(t, e.fakes["a"].Len())
	assert.Equal(t, int64(0), e.current(t, "a"))
	assert.Equal(t, int64(2), e.current(t, "b"))
}
