package reconcile

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
	"moonvpn/internal/registry"
	"moonvpn/internal/repository"
	"moonvpn/internal/testutil"
)

const gib = int64(1) << 30

type env struct {
	db       *gorm.DB
	rec      *Reconciler
	registry *registry.Registry
	a, b     *models.Panel
	inA, inB *models.Inbound
	fakeA    *testutil.FakePanel
	fakeB    *testutil.FakePanel
	locker   *lock.Memory
	notes    *testutil.Notifications
}

func newEnv(t *testing.T, currentA, currentB int64, wrap func(*repository.AccountRepository) AccountStore) *env {
	t.Helper()
	db := testutil.NewDB(t)
	a, inA := testutil.SeedPanel(t, db, testutil.PanelFixture{Code: "a", MaxClients: 10, Current: currentA})
	b, inB := testutil.SeedPanel(t, db, testutil.PanelFixture{Code: "b", MaxClients: 10, Current: currentB})

	inbounds := repository.NewInboundRepository(db)
	reg := registry.New(repository.NewPanelRepository(db), inbounds, nil)
	require.NoError(t, reg.Load(context.Background()))

	accounts := repository.NewAccountRepository(db)
	var store AccountStore = accounts
	if wrap != nil {
		store = wrap(accounts)
	}
	fakeA, fakeB := testutil.NewFakePanel(a.ID), testutil.NewFakePanel(b.ID)
	notes := &testutil.Notifications{}
	locker := lock.NewMemory()
	rec := New(Repos{
		Accounts:   store,
		Panels:     repository.NewPanelRepository(db),
		Inbounds:   inbounds,
		Orphans:    repository.NewOrphanRepository(db),
		Migrations: repository.NewMigrationRepository(db),
	}, reg, testutil.FakePanels{a.ID: fakeA, b.ID: fakeB}, locker, notes, Options{Concurrency: 2, OrphanMaxAttempts: 2}, nil)

	return &env{db: db, rec: rec, registry: reg, a: a, b: b, inA: inA, inB: inB, fakeA: fakeA, fakeB: fakeB, locker: locker, notes: notes}
}

var seq int

// seed inserts an active account and, when remote is set, its panel client.
func (e *env) seed(t *testing.T, p *models.Panel, in *models.Inbound, fake *testutil.FakePanel, quota int64, expires time.Time, remote bool) *models.ClientAccount {
	t.Helper()
	seq++
	acc := testutil.SeedAccount(t, e.db, &models.ClientAccount{
		UserID:          "1001",
		SubscriptionRef: fmt.Sprintf("order-%d", seq),
		PanelID:         p.ID,
		InboundID:       in.ID,
		RemoteID:        fmt.Sprintf("uuid-%d", seq),
		Email:           fmt.Sprintf("1001_%d", seq),
		TrafficQuota:    quota,
		ExpiresAt:       expires,
	})
	if remote {
		fake.Put(provisioning.SpecFor(acc, *in, true))
	}
	return acc
}

func (e *env) account(t *testing.T, id uint) models.ClientAccount {
	t.Helper()
	var acc models.ClientAccount
	require.NoError(t, e.db.Unscoped().First(&acc, id).Error)
	return acc
}

func (e *env) current(t *testing.T, id uint) int64 {
	t.Helper()
	var p models.Panel
	require.NoError(t, e.db.First(&p, id).Error)
	return p.CurrentClients
}

func TestSweepMarksTrafficExceeded(t *testing.T) {
	e := newEnv(t, 1, 0, nil)
	acc := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(24*time.Hour), true)
	e.fakeA.SetUsage(acc.Email, 4*gib, 6*gib)

	report, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Exceeded)
	assert.Zero(t, report.Expired)

	stored := e.account(t, acc.ID)
	assert.Equal(t, models.AccountTrafficExceeded, stored.Status)
	assert.Equal(t, 10*gib, stored.TrafficUsed)
	assert.NotNil(t, stored.LastSyncedAt)
	assert.Equal(t, int64(0), e.current(t, e.a.ID))

	_, exceeded, _, _ := e.notes.Snapshot()
	assert.Equal(t, []uint{acc.ID}, exceeded)
}

func TestSweepExpiryWinsOverTraffic(t *testing.T) {
	e := newEnv(t, 2, 0, nil)
	both := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(-time.Hour), true)
	e.fakeA.SetUsage(both.Email, 0, 12*gib)
	fine := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(time.Hour), true)
	e.fakeA.SetUsage(fine.Email, 0, gib)

	report, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 2, report.Synced)

	assert.Equal(t, models.AccountExpired, e.account(t, both.ID).Status)
	stillActive := e.account(t, fine.ID)
	assert.Equal(t, models.AccountActive, stillActive.Status)
	assert.Equal(t, gib, stillActive.TrafficUsed)
	assert.Equal(t, int64(1), e.current(t, e.a.ID))

	expired, exceeded, _, _ := e.notes.Snapshot()
	assert.Equal(t, []uint{both.ID}, expired)
	assert.Empty(t, exceeded)
}

func TestSweepExpiresRegardlessOfTraffic(t *testing.T) {
	e := newEnv(t, 1, 0, nil)
	acc := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(-time.Minute), true)

	_, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.AccountExpired, e.account(t, acc.ID).Status)
}

func TestSweepPanelOutageDoesNotStopOtherPanels(t *testing.T) {
	e := newEnv(t, 1, 1, nil)
	onA := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(time.Hour), true)
	onB := e.seed(t, e.b, e.inB, e.fakeB, 10*gib, time.Now().Add(time.Hour), true)
	e.fakeA.TrafficsErr = testutil.Unreachable(e.a.ID)
	e.fakeB.SetUsage(onB.Email, 0, 10*gib)

	report, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []uint{e.a.ID}, report.FailedPanels)
	assert.Equal(t, 1, report.Exceeded)

	storedA := e.account(t, onA.ID)
	assert.Equal(t, models.AccountActive, storedA.Status)
	assert.NotEmpty(t, storedA.LastSyncError)
	assert.Equal(t, models.AccountTrafficExceeded, e.account(t, onB.ID).Status)

	p, _ := e.registry.Panel(e.a.ID)
	assert.False(t, p.Healthy)
	_, err = e.registry.SelectTarget(context.Background(), registry.Criteria{Panel: e.a.ID})
	assert.ErrorIs(t, err, registry.ErrNoCapacity)

	_, _, _, unhealthy := e.notes.Snapshot()
	assert.Equal(t, []uint{e.a.ID}, unhealthy)
}

func TestSweepFlagsMissingClients(t *testing.T) {
	e := newEnv(t, 1, 0, nil)
	acc := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(time.Hour), false)

	report, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Missing)

	stored := e.account(t, acc.ID)
	assert.Equal(t, models.AccountActive, stored.Status)
	assert.Equal(t, "client missing on panel", stored.ReviewReason)

	e.fakeA.Put(provisioning.SpecFor(acc, *e.inA, true))
	_, err = e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, e.account(t, acc.ID).ReviewReason)
}

// switchingStore switches every account right after the sweep reads it.
type switchingStore struct {
	*repository.AccountRepository
	db *gorm.DB
}

func (s *switchingStore) FindActive(ctx context.Context) ([]models.ClientAccount, error) {
	list, err := s.AccountRepository.FindActive(ctx)
	if err != nil {
		return nil, err
	}
	err = s.db.Model(&models.ClientAccount{}).Where("status = ?", models.AccountActive).
		Update("status", models.AccountSwitched).Error
	return list, err
}

func TestSweepSkipsAccountsSwitchedMidRead(t *testing.T) {
	var store *switchingStore
	e := newEnv(t, 1, 0, func(r *repository.AccountRepository) AccountStore {
		store = &switchingStore{AccountRepository: r}
		return store
	})
	store.db = e.db
	acc := e.seed(t, e.a, e.inA, e.fakeA, 10*gib, time.Now().Add(-time.Hour), true)
	e.fakeA.SetUsage(acc.Email, 0, 20*gib)

	report, err := e.rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Exceeded)

	stored := e.account(t, acc.ID)
	assert.Equal(t, models.AccountSwitched, stored.Status)
	assert.Zero(t, stored.TrafficUsed)
}

func TestRecountLoadCorrectsDrift(t *testing.T) {
	e := newEnv(t, 7, 3, nil)
	e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)
	e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)
	off := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)
	require.NoError(t, e.db.Model(off).Update("status", models.AccountDisabled).Error)

	require.NoError(t, e.rec.RecountLoad(context.Background()))

	assert.Equal(t, int64(2), e.current(t, e.a.ID))
	assert.Equal(t, int64(0), e.current(t, e.b.ID))
	p, _ := e.registry.Panel(e.a.ID)
	assert.Equal(t, int64(2), p.CurrentClients)
	assert.InDelta(t, 0.2, p.LoadFactor, 1e-9)

	var in models.Inbound
	require.NoError(t, e.db.First(&in, e.inA.ID).Error)
	assert.Equal(t, int64(2), in.Clients)
}

func TestProbeHealthFlipsPanels(t *testing.T) {
	e := newEnv(t, 0, 0, nil)
	e.fakeB.PingErr = testutil.Unreachable(e.b.ID)

	healthy, unhealthy, err := e.rec.ProbeHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, healthy)
	assert.Equal(t, 1, unhealthy)
	pb, _ := e.registry.Panel(e.b.ID)
	assert.False(t, pb.Healthy)

	var row models.Panel
	require.NoError(t, e.db.First(&row, e.b.ID).Error)
	assert.False(t, row.Healthy)
	assert.NotEmpty(t, row.HealthReason)

	e.fakeB.PingErr = nil
	_, unhealthy, err = e.rec.ProbeHealth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, unhealthy)
	pb, _ = e.registry.Panel(e.b.ID)
	assert.True(t, pb.Healthy)

	_, _, _, notified := e.notes.Snapshot()
	assert.Equal(t, []uint{e.b.ID}, notified)
}

func TestSyncInboundsRefreshesCache(t *testing.T) {
	e := newEnv(t, 0, 0, nil)
	ctx := context.Background()
	e.fakeA.SetInbounds([]panel.Inbound{
		{RemoteID: 1, Tag: "inbound-443", Protocol: "vless", Port: 443, Network: "tcp", Security: "reality", Enable: true},
		{RemoteID: 2, Tag: "inbound-8443", Protocol: "trojan", Port: 8443, Network: "tcp", Security: "tls", Enable: true},
	})

	n, err := e.rec.SyncInbounds(ctx, e.a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	target, err := e.registry.SelectTarget(ctx, registry.Criteria{Panel: e.a.ID, Protocol: "trojan"})
	require.NoError(t, err)
	assert.Equal(t, 2, target.Inbound.RemoteID)

	e.fakeA.SetInbounds([]panel.Inbound{
		{RemoteID: 2, Tag: "inbound-8443", Protocol: "trojan", Port: 8443, Network: "tcp", Security: "tls", Enable: true},
	})
	_, err = e.rec.SyncInbounds(ctx, e.a.ID)
	require.NoError(t, err)

	var first models.Inbound
	require.NoError(t, e.db.First(&first, e.inA.ID).Error)
	assert.False(t, first.Enabled)
	_, err = e.registry.SelectTarget(ctx, registry.Criteria{Panel: e.a.ID, Protocol: "vless"})
	assert.ErrorIs(t, err, registry.ErrNoCapacity)
}

func TestSyncAllInboundsReportsFailures(t *testing.T) {
	e := newEnv(t, 0, 0, nil)
	e.fakeB.ListErr = testutil.Unreachable(e.b.ID)

	err := e.rec.SyncAllInbounds(context.Background())
	require.Error(t, err)
	assert.True(t, panel.IsConnectivity(err))
	p, _ := e.registry.Panel(e.b.ID)
	assert.False(t, p.Healthy)
}

func TestCleanupOrphans(t *testing.T) {
	e := newEnv(t, 0, 0, nil)
	ctx := context.Background()
	orphans := repository.NewOrphanRepository(e.db)

	e.fakeA.Put(panel.ClientSpec{InboundID: 1, UUID: "left-1", Email: "left_1"})
	e.fakeA.Put(panel.ClientSpec{InboundID: 1, UUID: "left-2", Email: "left_2"})
	require.NoError(t, orphans.Enqueue(ctx, &models.OrphanCleanup{PanelID: e.a.ID, InboundRemoteID: 1, RemoteID: "left-1", Email: "left_1"}))
	require.NoError(t, orphans.Enqueue(ctx, &models.OrphanCleanup{PanelID: e.a.ID, RemoteID: "left-2", Email: "left_2"}))
	require.NoError(t, orphans.Enqueue(ctx, &models.OrphanCleanup{PanelID: e.a.ID, InboundRemoteID: 1, RemoteID: "gone", Email: "gone"}))
	require.NoError(t, orphans.Enqueue(ctx, &models.OrphanCleanup{PanelID: e.b.ID, InboundRemoteID: 1, RemoteID: "stuck", Email: "stuck"}))
	e.fakeB.DeleteErr = errors.New("panel busy")

	done, err := e.rec.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, done)
	assert.Zero(t, e.fakeA.Len())

	_, err = e.rec.CleanupOrphans(ctx)
	require.NoError(t, err)

	var stuck models.OrphanCleanup
	require.NoError(t, e.db.Where("remote_id = ?", "stuck").First(&stuck).Error)
	assert.Equal(t, models.OrphanAbandoned, stuck.Status)
	assert.Equal(t, 2, stuck.Attempts)
	assert.Equal(t, "panel busy", stuck.LastError)

	pending, err := orphans.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFinalizeStaleMigrations(t *testing.T) {
	e := newEnv(t, 1, 1, nil)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)

	swapped := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)
	require.NoError(t, e.db.Model(swapped).Update("status", models.AccountSwitched).Error)
	successor := testutil.SeedAccount(t, e.db, &models.ClientAccount{
		UserID: swapped.UserID, SubscriptionRef: swapped.SubscriptionRef,
		PanelID: e.b.ID, InboundID: e.inB.ID, RemoteID: swapped.RemoteID, Email: swapped.Email,
		ExpiresAt: swapped.ExpiresAt, PredecessorID: &swapped.ID,
	})
	interrupted := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)

	migs := []*models.Migration{
		{AccountID: swapped.ID, SourcePanelID: e.a.ID, DestPanelID: &e.b.ID, Status: models.MigrationPending, StartedAt: old},
		{AccountID: interrupted.ID, SourcePanelID: e.a.ID, DestPanelID: &e.b.ID, Status: models.MigrationPending, StartedAt: old},
		{AccountID: interrupted.ID, SourcePanelID: e.a.ID, Status: models.MigrationPending, StartedAt: time.Now()},
	}
	for _, m := range migs {
		require.NoError(t, e.db.Create(m).Error)
	}

	n, err := e.rec.FinalizeStaleMigrations(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var got []models.Migration
	require.NoError(t, e.db.Order("id ASC").Find(&got).Error)
	assert.Equal(t, models.MigrationCompleted, got[0].Status)
	require.NotNil(t, got[0].NewAccountID)
	assert.Equal(t, successor.ID, *got[0].NewAccountID)
	assert.Equal(t, models.MigrationFailed, got[1].Status)
	assert.Equal(t, models.MigrationPending, got[2].Status)

	var orphans []models.OrphanCleanup
	require.NoError(t, e.db.Order("id ASC").Find(&orphans).Error)
	require.Len(t, orphans, 2)
	assert.Equal(t, e.a.ID, orphans[0].PanelID)
	assert.Equal(t, swapped.RemoteID, orphans[0].RemoteID)
	assert.Equal(t, 1, orphans[0].InboundRemoteID)
	assert.Equal(t, e.b.ID, orphans[1].PanelID)
	assert.Equal(t, interrupted.RemoteID, orphans[1].RemoteID)

	assert.Equal(t, models.AccountActive, e.account(t, interrupted.ID).Status)
}

func TestCleanupOrphansKeepsClientsOwnedByLiveAccounts(t *testing.T) {
	e := newEnv(t, 1, 0, nil)
	ctx := context.Background()
	orphans := repository.NewOrphanRepository(e.db)
	acc := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)

	sameID := &models.OrphanCleanup{PanelID: e.a.ID, InboundRemoteID: 1, RemoteID: acc.RemoteID, Email: acc.Email,
		LockKey: provisioning.AccountKey(acc.ID)}
	sameEmail := &models.OrphanCleanup{PanelID: e.a.ID, RemoteID: "earlier-attempt", Email: acc.Email}
	require.NoError(t, orphans.Enqueue(ctx, sameID))
	require.NoError(t, orphans.Enqueue(ctx, sameEmail))

	done, err := e.rec.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)
	assert.Zero(t, e.fakeA.Deletes)
	_, ok := e.fakeA.Remote(acc.Email)
	assert.True(t, ok)

	for _, id := range []uint{sameID.ID, sameEmail.ID} {
		var o models.OrphanCleanup
		require.NoError(t, e.db.First(&o, id).Error)
		assert.Equal(t, models.OrphanSuperseded, o.Status)
	}
}

func TestCleanupOrphansWaitsForOwner(t *testing.T) {
	e := newEnv(t, 0, 0, nil)
	orphans := repository.NewOrphanRepository(e.db)
	e.fakeB.Put(panel.ClientSpec{InboundID: 1, UUID: "left", Email: "left"})
	o := &models.OrphanCleanup{PanelID: e.b.ID, InboundRemoteID: 1, RemoteID: "left", Email: "left", LockKey: provisioning.AccountKey(7)}
	require.NoError(t, orphans.Enqueue(context.Background(), o))

	release, err := e.locker.Acquire(context.Background(), o.LockKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done, err := e.rec.CleanupOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, done)

	var stored models.OrphanCleanup
	require.NoError(t, e.db.First(&stored, o.ID).Error)
	assert.Equal(t, models.OrphanPending, stored.Status)
	assert.Zero(t, stored.Attempts)
	assert.Equal(t, 1, e.fakeB.Len())

	release()
	done, err = e.rec.CleanupOrphans(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, done)
	assert.Zero(t, e.fakeB.Len())
}

func TestFinalizeSkipsMigrationClosedWhileWaiting(t *testing.T) {
	e := newEnv(t, 1, 0, nil)
	ctx := context.Background()
	acc := e.seed(t, e.a, e.inA, e.fakeA, 0, time.Now().Add(time.Hour), true)
	stale := models.Migration{AccountID: acc.ID, SourcePanelID: e.a.ID, DestPanelID: &e.b.ID,
		Status: models.MigrationPending, StartedAt: time.Now().Add(-2 * time.Hour)}
	require.NoError(t, e.db.Create(&stale).Error)

	release, err := e.locker.Acquire(ctx, provisioning.AccountKey(acc.ID))
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- e.rec.finalizeMigration(ctx, stale) }()

	// The in-flight migration finishes while finalize waits on the lock.
	require.NoError(t, repository.NewMigrationRepository(e.db).Finalize(ctx, stale.ID, models.MigrationFailed, "destination rejected"))
	release()
	require.NoError(t, <-errc)

	var got models.Migration
	require.NoError(t, e.db.First(&got, stale.ID).Error)
	assert.Equal(t, models.MigrationFailed, got.Status)
	assert.Equal(t, "destination rejected", got.Error)

	var queued int64
	require.NoError(t, e.db.Model(&models.OrphanCleanup{}).Count(&queued).Error)
	assert.Zero(t, queued)
}
