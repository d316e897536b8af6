// Package reconcile keeps local account and panel state aligned with what the
// panels report, and runs the periodic repair jobs.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"moonvpn/internal/lock"
	"moonvpn/internal/models"
	"moonvpn/internal/notify"
	"moonvpn/internal/panel"
	"moonvpn/internal/provisioning"
	"moonvpn/internal/registry"
)

type AccountStore interface {
	FindActive(ctx context.Context) ([]models.ClientAccount, error)
	FindByID(ctx context.Context, id uint) (*models.ClientAccount, error)
	FindSuccessor(ctx context.Context, predecessorID uint) (*models.ClientAccount, error)
	RecordUsage(ctx context.Context, id uint, used int64, at time.Time) (bool, error)
	ExceedIfActive(ctx context.Context, id uint) (bool, error)
	ExpireIfDue(ctx context.Context, id uint, now time.Time) (bool, error)
	FlagForReview(ctx context.Context, id uint, reason string, at time.Time) (bool, error)
	MarkSyncError(ctx context.Context, panelID uint, msg string) error
	CountActiveByPanel(ctx context.Context) (map[uint]int64, error)
	CountActiveByInbound(ctx context.Context) (map[uint]int64, error)
	ClientInUse(ctx context.Context, panelID uint, remoteID, email string) (bool, error)
}

type PanelStore interface {
	FindWithInbounds(ctx context.Context, id uint) (*models.Panel, error)
	FindActive(ctx context.Context) ([]models.Panel, error)
}

type InboundStore interface {
	FindByID(ctx context.Context, id uint) (*models.Inbound, error)
	Upsert(ctx context.Context, in *models.Inbound) error
	DisableMissing(ctx context.Context, panelID uint, seen []int) (int64, error)
}

type OrphanStore interface {
	Enqueue(ctx context.Context, o *models.OrphanCleanup) error
	ListPending(ctx context.Context, limit int) ([]models.OrphanCleanup, error)
	MarkDone(ctx context.Context, id uint) error
	MarkSuperseded(ctx context.Context, id uint) error
	MarkFailed(ctx context.Context, id uint, errMsg string, maxAttempts int) error
}

type MigrationStore interface {
	FindByID(ctx context.Context, id uint) (*models.Migration, error)
	FindStalePending(ctx context.Context, cutoff time.Time) ([]models.Migration, error)
	Finalize(ctx context.Context, id uint, status models.MigrationStatus, errMsg string) error
	Complete(ctx context.Context, id, newAccountID uint, sourceCleanup string) error
}

type LoadModel interface {
	RecordDeprovisioned(ctx context.Context, panelID, inboundID uint) error
	MarkUnhealthy(ctx context.Context, panelID uint, reason string) error
	MarkHealthy(ctx context.Context, panelID uint) error
	SetCounts(ctx context.Context, panelCounts, inboundCounts map[uint]int64) error
	Panel(panelID uint) (models.Panel, bool)
	Upsert(p models.Panel)
}

type Clients interface {
	Client(ctx context.Context, panelID uint) (panel.Client, error)
}

type Repos struct {
	Accounts   AccountStore
	Panels     PanelStore
	Inbounds   InboundStore
	Orphans    OrphanStore
	Migrations MigrationStore
}

type Options struct {
	Concurrency       int
	OrphanBatch       int
	OrphanMaxAttempts int
}

// SweepReport summarizes one reconciliation pass.
type SweepReport struct {
	Panels       int    `json:"panels"`
	Accounts     int    `json:"accounts"`
	Synced       int    `json:"synced"`
	Exceeded     int    `json:"exceeded"`
	Expired      int    `json:"expired"`
	Missing      int    `json:"missing"`
	Skipped      int    `json:"skipped"`
	FailedPanels []uint `json:"failed_panels,omitempty"`
}

type Reconciler struct {
	repos    Repos
	load     LoadModel
	clients  Clients
	locker   lock.Locker
	notifier notify.Notifier
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func New(repos Repos, load LoadModel, clients Clients, locker lock.Locker, notifier notify.Notifier, opts Options, log *zap.Logger) *Reconciler {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.OrphanBatch <= 0 {
		opts.OrphanBatch = 50
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		repos:    repos,
		load:     load,
		clients:  clients,
		locker:   locker,
		notifier: notifier,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Sweep pulls traffic for every active account, one call per panel, and
// applies the traffic and expiry transitions. A failing panel never stops
// the others.
func (r *Reconciler) Sweep(ctx context.Context) (*SweepReport, error) {
	accounts, err := r.repos.Accounts.FindActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("load active accounts: %w", err)
	}

	byPanel := make(map[uint][]models.ClientAccount)
	for _, acc := range accounts {
		byPanel[acc.PanelID] = append(byPanel[acc.PanelID], acc)
	}

	report := &SweepReport{Panels: len(byPanel), Accounts: len(accounts)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for panelID, list := range byPanel {
		g.Go(func() error {
			res := r.sweepPanel(gctx, panelID, list)
			mu.Lock()
			report.merge(res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	r.log.Info("sweep finished",
		zap.Int("panels", report.Panels),
		zap.Int("accounts", report.Accounts),
		zap.Int("exceeded", report.Exceeded),
		zap.Int("expired", report.Expired),
		zap.Int("missing", report.Missing),
		zap.Uints("failed_panels", report.FailedPanels))
	return report, ctx.Err()
}

func (s *SweepReport) merge(o SweepReport) {
	s.Synced += o.Synced
	s.Exceeded += o.Exceeded
	s.Expired += o.Expired
	s.Missing += o.Missing
	s.Skipped += o.Skipped
	s.FailedPanels = append(s.FailedPanels, o.FailedPanels...)
}

func (r *Reconciler) sweepPanel(ctx context.Context, panelID uint, accounts []models.ClientAccount) SweepReport {
	var res SweepReport
	log := r.log.With(zap.Uint("panel_id", panelID))

	client, err := r.clients.Client(ctx, panelID)
	var traffics map[string]panel.ClientState
	if err == nil {
		traffics, err = client.ClientTraffics(ctx)
	}
	if err != nil {
		r.panelFailed(ctx, panelID, accounts, err)
		res.FailedPanels = append(res.FailedPanels, panelID)
		return res
	}

	now := r.now()
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return res
		}
		state, ok := traffics[acc.Email]
		if !ok {
			flagged, err := r.repos.Accounts.FlagForReview(ctx, acc.ID, "client missing on panel", now)
			if err != nil {
				log.Warn("review flag not saved", zap.Uint("account_id", acc.ID), zap.Error(err))
			}
			if flagged {
				res.Missing++
				log.Warn("client missing on panel", zap.Uint("account_id", acc.ID), zap.String("email", acc.Email))
			}
		} else {
			stored, err := r.repos.Accounts.RecordUsage(ctx, acc.ID, state.Used(), now)
			if err != nil {
				log.Warn("usage not saved", zap.Uint("account_id", acc.ID), zap.Error(err))
				continue
			}
			if !stored {
				// Switched or disabled since the read; the next pass sees the new row.
				res.Skipped++
				continue
			}
			acc.TrafficUsed = state.Used()
			res.Synced++
		}
		r.transition(ctx, &acc, now, &res)
	}
	return res
}

// transition applies the traffic check, then the expiry check. When both
// hold, expired wins.
func (r *Reconciler) transition(ctx context.Context, acc *models.ClientAccount, now time.Time, res *SweepReport) {
	final := models.AccountActive

	if acc.TrafficExhausted() {
		ok, err := r.repos.Accounts.ExceedIfActive(ctx, acc.ID)
		if err != nil {
			r.log.Warn("traffic transition failed", zap.Uint("account_id", acc.ID), zap.Error(err))
		} else if ok {
			final = models.AccountTrafficExceeded
			res.Exceeded++
		}
	}
	if acc.Expired(now) {
		ok, err := r.repos.Accounts.ExpireIfDue(ctx, acc.ID, now)
		if err != nil {
			r.log.Warn("expiry transition failed", zap.Uint("account_id", acc.ID), zap.Error(err))
		} else if ok {
			final = models.AccountExpired
			res.Expired++
		}
	}
	if final == models.AccountActive {
		return
	}

	acc.Status = final
	if err := r.load.RecordDeprovisioned(ctx, acc.PanelID, acc.InboundID); err != nil {
		r.log.Warn("load counter not updated", zap.Uint("panel_id", acc.PanelID), zap.Error(err))
	}
	r.log.Info("account transitioned",
		zap.Uint("account_id", acc.ID),
		zap.String("user_id", acc.UserID),
		zap.String("status", string(final)))
	if final == models.AccountExpired {
		r.notifier.AccountExpired(*acc)
	} else {
		r.notifier.TrafficExceeded(*acc)
	}
}

func (r *Reconciler) panelFailed(ctx context.Context, panelID uint, accounts []models.ClientAccount, cause error) {
	if panel.IsConnectivity(cause) || panel.IsAuthentication(cause) {
		r.markUnhealthy(ctx, panelID, cause)
	}
	if err := r.repos.Accounts.MarkSyncError(ctx, panelID, cause.Error()); err != nil {
		r.log.Warn("sync error not saved", zap.Uint("panel_id", panelID), zap.Error(err))
	}
	for _, acc := range accounts {
		r.log.Warn("account not synced",
			zap.Uint("account_id", acc.ID),
			zap.Uint("panel_id", panelID),
			zap.Error(cause))
	}
}

func (r *Reconciler) markUnhealthy(ctx context.Context, panelID uint, cause error) {
	before, _ := r.load.Panel(panelID)
	if err := r.load.MarkUnhealthy(ctx, panelID, cause.Error()); err != nil {
		r.log.Warn("could not persist panel health", zap.Uint("panel_id", panelID), zap.Error(err))
	}
	if before.Healthy {
		r.notifier.PanelUnhealthy(panelID, cause.Error())
	}
}

// RecountLoad rewrites every panel and inbound counter from the active rows.
func (r *Reconciler) RecountLoad(ctx context.Context) error {
	panels, err := r.repos.Accounts.CountActiveByPanel(ctx)
	if err != nil {
		return fmt.Errorf("count by panel: %w", err)
	}
	inbounds, err := r.repos.Accounts.CountActiveByInbound(ctx)
	if err != nil {
		return fmt.Errorf("count by inbound: %w", err)
	}
	return r.load.SetCounts(ctx, panels, inbounds)
}

// ProbeHealth pings every active panel and flips its health flag.
func (r *Reconciler) ProbeHealth(ctx context.Context) (healthy, unhealthy int, err error) {
	panels, err := r.repos.Panels.FindActive(ctx)
	if err != nil {
		return 0, 0, err
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)
	for _, p := range panels {
		g.Go(func() error {
			client, err := r.clients.Client(gctx, p.ID)
			if err == nil {
				err = client.Ping(gctx)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				unhealthy++
				r.markUnhealthy(gctx, p.ID, err)
				return nil
			}
			healthy++
			if err := r.load.MarkHealthy(gctx, p.ID); err != nil {
				r.log.Warn("could not persist panel health", zap.Uint("panel_id", p.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return healthy, unhealthy, ctx.Err()
}

// SyncInbounds pulls a panel's inbound list into the local cache and
// disables cached inbounds the panel no longer has.
func (r *Reconciler) SyncInbounds(ctx context.Context, panelID uint) (int, error) {
	client, err := r.clients.Client(ctx, panelID)
	if err != nil {
		return 0, err
	}
	remote, err := client.ListInbounds(ctx)
	if err != nil {
		if panel.IsConnectivity(err) {
			r.markUnhealthy(ctx, panelID, err)
		}
		return 0, fmt.Errorf("list inbounds of panel %d: %w", panelID, err)
	}

	seen := make([]int, 0, len(remote))
	for _, in := range remote {
		row := &models.Inbound{
			PanelID:  panelID,
			RemoteID: in.RemoteID,
			Tag:      in.Tag,
			Protocol: in.Protocol,
			Port:     in.Port,
			Remark:   in.Remark,
			Network:  in.Network,
			Security: in.Security,
			Enabled:  in.Enable,
		}
		if err := r.repos.Inbounds.Upsert(ctx, row); err != nil {
			return 0, fmt.Errorf("save inbound %d of panel %d: %w", in.RemoteID, panelID, err)
		}
		seen = append(seen, in.RemoteID)
	}
	disabled, err := r.repos.Inbounds.DisableMissing(ctx, panelID, seen)
	if err != nil {
		return 0, err
	}

	p, err := r.repos.Panels.FindWithInbounds(ctx, panelID)
	if err != nil {
		return 0, err
	}
	r.load.Upsert(*p)
	r.log.Info("inbounds synced",
		zap.Uint("panel_id", panelID),
		zap.Int("remote", len(remote)),
		zap.Int64("disabled", disabled))
	return len(remote), nil
}

// SyncAllInbounds runs SyncInbounds for every active panel.
func (r *Reconciler) SyncAllInbounds(ctx context.Context) error {
	panels, err := r.repos.Panels.FindActive(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, p := range panels {
		if _, err := r.SyncInbounds(ctx, p.ID); err != nil {
			r.log.Warn("inbound sync failed", zap.Uint("panel_id", p.ID), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// orphanLockWait bounds how long the sweep waits for the work that owns an orphan.
const orphanLockWait = 5 * time.Second

// CleanupOrphans retries deletion of remote clients left behind by failed
// rollbacks and source deletes. A client that a live account owns again is
// closed as superseded and left on its panel.
func (r *Reconciler) CleanupOrphans(ctx context.Context) (done int, err error) {
	items, err := r.repos.Orphans.ListPending(ctx, r.opts.OrphanBatch)
	if err != nil {
		return 0, err
	}
	superseded := 0
	for _, o := range items {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		owned, err := r.cleanupOrphan(ctx, o)
		switch {
		case errors.Is(err, lock.ErrNotAcquired):
			r.log.Info("orphan owner busy, retrying next run", zap.Uint("orphan_id", o.ID), zap.String("lock_key", o.LockKey))
			continue
		case err != nil:
			if merr := r.repos.Orphans.MarkFailed(ctx, o.ID, err.Error(), r.opts.OrphanMaxAttempts); merr != nil {
				r.log.Warn("orphan attempt not recorded", zap.Uint("orphan_id", o.ID), zap.Error(merr))
			}
			if r.opts.OrphanMaxAttempts > 0 && o.Attempts+1 >= r.opts.OrphanMaxAttempts {
				r.log.Error("orphan abandoned, remove it by hand",
					zap.Uint("orphan_id", o.ID),
					zap.Uint("panel_id", o.PanelID),
					zap.String("remote_id", o.RemoteID),
					zap.String("email", o.Email),
					zap.String("user_id", o.UserID),
					zap.Error(err))
			}
			continue
		case owned:
			if err := r.repos.Orphans.MarkSuperseded(ctx, o.ID); err != nil {
				r.log.Warn("orphan not marked superseded", zap.Uint("orphan_id", o.ID), zap.Error(err))
				continue
			}
			r.log.Info("orphan owned by live account, kept on panel",
				zap.Uint("orphan_id", o.ID),
				zap.Uint("panel_id", o.PanelID),
				zap.String("remote_id", o.RemoteID))
			superseded++
			continue
		}
		if err := r.repos.Orphans.MarkDone(ctx, o.ID); err != nil {
			r.log.Warn("orphan not marked done", zap.Uint("orphan_id", o.ID), zap.Error(err))
			continue
		}
		done++
	}
	if len(items) > 0 {
		r.log.Info("orphan cleanup finished",
			zap.Int("pending", len(items)),
			zap.Int("done", done),
			zap.Int("superseded", superseded))
	}
	return done, nil
}

// cleanupOrphan deletes o under its owner's lock. It reports owned, without
// deleting, when a non-switched account on the panel uses the client.
func (r *Reconciler) cleanupOrphan(ctx context.Context, o models.OrphanCleanup) (owned bool, err error) {
	if o.LockKey != "" {
		lctx, cancel := context.WithTimeout(ctx, orphanLockWait)
		release, err := r.locker.Acquire(lctx, o.LockKey)
		cancel()
		if err != nil {
			return false, err
		}
		defer release()
	}
	inUse, err := r.repos.Accounts.ClientInUse(ctx, o.PanelID, o.RemoteID, o.Email)
	if err != nil {
		return false, err
	}
	if inUse {
		return true, nil
	}
	return false, r.deleteOrphan(ctx, o)
}

func (r *Reconciler) deleteOrphan(ctx context.Context, o models.OrphanCleanup) error {
	client, err := r.clients.Client(ctx, o.PanelID)
	if err != nil {
		return err
	}
	inboundID := o.InboundRemoteID
	if inboundID == 0 {
		state, err := client.GetClient(ctx, o.Email)
		if errors.Is(err, panel.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		inboundID = state.InboundID
	}
	err = client.DeleteClient(ctx, inboundID, o.RemoteID, o.Email)
	if err == nil || errors.Is(err, panel.ErrNotFound) {
		return nil
	}
	return err
}

// FinalizeStaleMigrations closes migrations left pending by an interrupted
// process: completed when the successor row exists, failed otherwise. Remote
// clients that may have been left behind are queued for cleanup.
func (r *Reconciler) FinalizeStaleMigrations(ctx context.Context, olderThan time.Duration) (int, error) {
	stale, err := r.repos.Migrations.FindStalePending(ctx, r.now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, m := range stale {
		if err := r.finalizeMigration(ctx, m); err != nil {
			errs = append(errs, err)
		}
	}
	return len(stale), errors.Join(errs...)
}

func (r *Reconciler) finalizeMigration(ctx context.Context, m models.Migration) error {
	release, err := r.locker.Acquire(ctx, provisioning.AccountKey(m.AccountID))
	if err != nil {
		return err
	}
	defer release()

	// The migration may have finished while the lock was held elsewhere.
	cur, err := r.repos.Migrations.FindByID(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.ID, err)
	}
	if cur.Status != models.MigrationPending {
		return nil
	}
	m = *cur

	src, err := r.repos.Accounts.FindByID(ctx, m.AccountID)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.ID, err)
	}
	log := r.log.With(zap.Uint("migration_id", m.ID), zap.Uint("account_id", m.AccountID))
	owner := provisioning.AccountKey(m.AccountID)

	successor, err := r.repos.Accounts.FindSuccessor(ctx, m.AccountID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("migration %d: %w", m.ID, err)
	}
	if err == nil {
		// The swap committed; only the source delete may be missing.
		r.enqueueOrphan(ctx, *src, src.PanelID, r.inboundRemoteID(ctx, src.InboundID), owner, "stale migration: source")
		log.Warn("stale migration completed", zap.Uint("new_account_id", successor.ID))
		return r.repos.Migrations.Complete(ctx, m.ID, successor.ID, models.CleanupPending)
	}

	if m.DestPanelID != nil {
		r.enqueueOrphan(ctx, *src, *m.DestPanelID, 0, owner, "stale migration: destination")
	}
	log.Warn("stale migration failed")
	return r.repos.Migrations.Finalize(ctx, m.ID, models.MigrationFailed, "interrupted before completion")
}

func (r *Reconciler) inboundRemoteID(ctx context.Context, inboundID uint) int {
	in, err := r.repos.Inbounds.FindByID(ctx, inboundID)
	if err != nil {
		return 0
	}
	return in.RemoteID
}

func (r *Reconciler) enqueueOrphan(ctx context.Context, acc models.ClientAccount, panelID uint, inboundRemoteID int, owner, reason string) {
	err := r.repos.Orphans.Enqueue(ctx, &models.OrphanCleanup{
		PanelID:         panelID,
		InboundRemoteID: inboundRemoteID,
		RemoteID:        acc.RemoteID,
		Email:           acc.Email,
		UserID:          acc.UserID,
		LockKey:         owner,
		Reason:          reason,
	})
	if err != nil {
		r.log.Error("orphan not recorded",
			zap.Uint("panel_id", panelID),
			zap.String("remote_id", acc.RemoteID),
			zap.Error(err))
	}
}

var _ LoadModel = (*registry.Registry)(nil)
