package migration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"moonvpn/internal/lock"
	"moonvpn/internal/models"
	"moonvpn/internal/notify"
	"moonvpn/internal/panel"
	"moonvpn/internal/provisioning"
	"moonvpn/internal/registry"
)

var (
	// ErrNotMigratable is returned for accounts that are not active.
	ErrNotMigratable = errors.New("account cannot be migrated")
	// ErrDestinationFailed wraps failures to create or verify the client on the destination.
	ErrDestinationFailed = errors.New("destination panel rejected the client")
)

type AccountStore interface {
	FindByID(ctx context.Context, id uint) (*models.ClientAccount, error)
	FindActiveByPanel(ctx context.Context, panelID uint, limit int) ([]models.ClientAccount, error)
	RemoteIDInUse(ctx context.Context, panelID uint, remoteID string) (bool, error)
	Supersede(ctx context.Context, oldID uint, successor *models.ClientAccount) error
}

type MigrationStore interface {
	Create(ctx context.Context, m *models.Migration) error
	Finalize(ctx context.Context, id uint, status models.MigrationStatus, errMsg string) error
	Complete(ctx context.Context, id, newAccountID uint, sourceCleanup string) error
}

type InboundStore interface {
	FindByID(ctx context.Context, id uint) (*models.Inbound, error)
}

type LoadModel interface {
	SelectTarget(ctx context.Context, c registry.Criteria) (*registry.Target, error)
	Panel(panelID uint) (models.Panel, bool)
	RecordProvisioned(ctx context.Context, panelID, inboundID uint) error
	RecordDeprovisioned(ctx context.Context, panelID, inboundID uint) error
	MarkUnhealthy(ctx context.Context, panelID uint, reason string) error
	Overloaded(threshold float64) []registry.PanelLoad
}

type Clients interface {
	Client(ctx context.Context, panelID uint) (panel.Client, error)
}

// Engine is the provisioning surface the coordinator reuses.
type Engine interface {
	RemoteState(ctx context.Context, acc *models.ClientAccount) (*panel.ClientState, error)
	Artifacts(acc *models.ClientAccount, p models.Panel, in models.Inbound)
	LeaveOrphan(ctx context.Context, acc models.ClientAccount, inboundRemoteID int, reason string, cause error)
	ClaimClient(ctx context.Context, acc models.ClientAccount)
}

type Repos struct {
	Accounts   AccountStore
	Migrations MigrationStore
	Inbounds   InboundStore
}

type Options struct {
	OverloadThreshold float64
	RebalanceBatch    int
}

// Result is a finished migration and the account that now serves the subscription.
type Result struct {
	Migration models.Migration
	Account   *models.ClientAccount
}

// Coordinator moves accounts between panels, creating on the destination
// before deleting from the source.
type Coordinator struct {
	repos    Repos
	load     LoadModel
	clients  Clients
	engine   Engine
	locker   lock.Locker
	notifier notify.Notifier
	opts     Options
	log      *zap.Logger
	now      func() time.Time
}

func New(repos Repos, load LoadModel, clients Clients, engine Engine, locker lock.Locker, notifier notify.Notifier, opts Options, log *zap.Logger) *Coordinator {
	if opts.OverloadThreshold <= 0 {
		opts.OverloadThreshold = 0.85
	}
	if opts.RebalanceBatch <= 0 {
		opts.RebalanceBatch = 20
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		repos:    repos,
		load:     load,
		clients:  clients,
		engine:   engine,
		locker:   locker,
		notifier: notifier,
		opts:     opts,
		log:      log,
		now:      time.Now,
	}
}

// Migrate moves an active account to targetPanelID, or to the least loaded
// other panel when targetPanelID is nil.
func (c *Coordinator) Migrate(ctx context.Context, accountID uint, targetPanelID *uint, reason string) (*Result, error) {
	release, err := c.locker.Acquire(ctx, provisioning.AccountKey(accountID))
	if err != nil {
		return nil, err
	}
	defer release()

	acc, err := c.repos.Accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if acc.Status != models.AccountActive {
		return nil, fmt.Errorf("%w: account %d is %s", ErrNotMigratable, acc.ID, acc.Status)
	}
	srcIn, err := c.repos.Inbounds.FindByID(ctx, acc.InboundID)
	if err != nil {
		return nil, fmt.Errorf("load inbound %d: %w", acc.InboundID, err)
	}

	quota, expires, err := c.remaining(ctx, acc)
	if err != nil {
		return nil, err
	}

	target, err := c.destination(ctx, acc, srcIn, targetPanelID)
	if err != nil {
		c.notifier.MigrationFailed(*acc, reason, err)
		return nil, err
	}

	mig := &models.Migration{
		AccountID:     acc.ID,
		SourcePanelID: acc.PanelID,
		DestPanelID:   &target.Panel.ID,
		Status:        models.MigrationPending,
		Reason:        reason,
		SourceCleanup: models.CleanupPending,
		StartedAt:     c.now(),
	}
	if err := c.repos.Migrations.Create(ctx, mig); err != nil {
		return nil, fmt.Errorf("record migration: %w", err)
	}

	// From here on the destination may hold a client; finish regardless of the caller.
	ctx = context.WithoutCancel(ctx)
	log := c.log.With(zap.Uint("migration_id", mig.ID), zap.Uint("account_id", acc.ID),
		zap.Uint("source_panel_id", acc.PanelID), zap.Uint("dest_panel_id", target.Panel.ID))

	successor := &models.ClientAccount{
		UserID:          acc.UserID,
		SubscriptionRef: acc.SubscriptionRef,
		PlanCode:        acc.PlanCode,
		PanelID:         target.Panel.ID,
		InboundID:       target.Inbound.ID,
		RemoteID:        acc.RemoteID,
		Email:           acc.Email,
		SubID:           acc.SubID,
		TrafficQuota:    quota,
		ExpiresAt:       expires,
		Status:          models.AccountPending,
		PredecessorID:   &acc.ID,
	}
	if err := successor.Transition(models.AccountActive); err != nil {
		return nil, c.fail(ctx, mig, acc, reason, err)
	}
	c.engine.Artifacts(successor, target.Panel, target.Inbound)

	destClient, err := c.createOnDestination(ctx, successor, target.Inbound)
	if err != nil {
		if panel.IsConnectivity(err) {
			c.markUnhealthy(ctx, target.Panel.ID, err)
		}
		return nil, c.fail(ctx, mig, acc, reason, fmt.Errorf("%w: %w", ErrDestinationFailed, err))
	}

	if err := c.repos.Accounts.Supersede(ctx, acc.ID, successor); err != nil {
		c.dropFromDestination(ctx, destClient, successor, target.Inbound.RemoteID)
		return nil, c.fail(ctx, mig, acc, reason, err)
	}
	c.engine.ClaimClient(ctx, *successor)

	if err := c.load.RecordProvisioned(ctx, successor.PanelID, successor.InboundID); err != nil {
		log.Warn("load counter not updated", zap.Error(err))
	}
	if err := c.load.RecordDeprovisioned(ctx, acc.PanelID, acc.InboundID); err != nil {
		log.Warn("load counter not updated", zap.Error(err))
	}

	cleanup := c.deleteFromSource(ctx, acc, srcIn.RemoteID, log)
	if err := c.repos.Migrations.Complete(ctx, mig.ID, successor.ID, cleanup); err != nil {
		log.Error("migration completed but not recorded", zap.Error(err))
	}

	mig.Status = models.MigrationCompleted
	mig.NewAccountID = &successor.ID
	mig.SourceCleanup = cleanup
	log.Info("account migrated", zap.Uint("new_account_id", successor.ID), zap.String("source_cleanup", cleanup))
	return &Result{Migration: *mig, Account: successor}, nil
}

// remaining returns the quota and expiry to reproduce on the destination,
// preferring the source panel's view and falling back to the local row.
func (c *Coordinator) remaining(ctx context.Context, acc *models.ClientAccount) (int64, time.Time, error) {
	used, expires := acc.TrafficUsed, acc.ExpiresAt

	state, err := c.engine.RemoteState(ctx, acc)
	switch {
	case err == nil:
		used = state.Used()
		if !state.ExpiresAt.IsZero() {
			expires = state.ExpiresAt
		}
	default:
		c.log.Warn("source state unavailable, using local record",
			zap.Uint("account_id", acc.ID), zap.Uint("panel_id", acc.PanelID), zap.Error(err))
	}

	if !expires.After(c.now()) {
		return 0, time.Time{}, fmt.Errorf("%w: account %d has expired", ErrNotMigratable, acc.ID)
	}
	if acc.TrafficQuota <= 0 {
		return 0, expires, nil
	}
	left := acc.TrafficQuota - used
	if left <= 0 {
		return 0, time.Time{}, fmt.Errorf("%w: account %d has no traffic left", ErrNotMigratable, acc.ID)
	}
	return left, expires, nil
}

func (c *Coordinator) destination(ctx context.Context, acc *models.ClientAccount, srcIn *models.Inbound, targetPanelID *uint) (*registry.Target, error) {
	crit := registry.Criteria{Protocol: srcIn.Protocol, Exclude: []uint{acc.PanelID}}
	if targetPanelID != nil {
		if *targetPanelID == acc.PanelID {
			return nil, fmt.Errorf("%w: account %d is already on panel %d", ErrNotMigratable, acc.ID, acc.PanelID)
		}
		crit.Panel = *targetPanelID
		return c.load.SelectTarget(ctx, crit)
	}

	if src, ok := c.load.Panel(acc.PanelID); ok && src.Location != "" {
		local := crit
		local.Location = src.Location
		if t, err := c.load.SelectTarget(ctx, local); err == nil {
			return t, nil
		}
	}
	return c.load.SelectTarget(ctx, crit)
}

func (c *Coordinator) createOnDestination(ctx context.Context, acc *models.ClientAccount, in models.Inbound) (panel.Client, error) {
	inUse, err := c.repos.Accounts.RemoteIDInUse(ctx, acc.PanelID, acc.RemoteID)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, fmt.Errorf("client id %s already used on panel %d", acc.RemoteID, acc.PanelID)
	}

	client, err := c.clients.Client(ctx, acc.PanelID)
	if err != nil {
		return nil, err
	}
	if err := client.AddClient(ctx, provisioning.SpecFor(acc, in, true)); err != nil {
		if panel.IsConnectivity(err) {
			c.dropFromDestination(ctx, client, acc, in.RemoteID)
		}
		return nil, err
	}
	if _, err := client.GetClient(ctx, acc.Email); err != nil {
		c.dropFromDestination(ctx, client, acc, in.RemoteID)
		return nil, fmt.Errorf("verify: %w", err)
	}
	return client, nil
}

// dropFromDestination undoes a destination create that will not be used.
func (c *Coordinator) dropFromDestination(ctx context.Context, client panel.Client, acc *models.ClientAccount, inboundRemoteID int) {
	err := client.DeleteClient(ctx, inboundRemoteID, acc.RemoteID, acc.Email)
	if err == nil || errors.Is(err, panel.ErrNotFound) {
		return
	}
	c.engine.LeaveOrphan(ctx, *acc, inboundRemoteID, "migration: destination rollback", err)
}

// deleteFromSource removes the superseded client. Failure leaves an orphan
// record and never undoes the migration.
func (c *Coordinator) deleteFromSource(ctx context.Context, acc *models.ClientAccount, inboundRemoteID int, log *zap.Logger) string {
	client, err := c.clients.Client(ctx, acc.PanelID)
	if err == nil {
		err = client.DeleteClient(ctx, inboundRemoteID, acc.RemoteID, acc.Email)
	}
	if err == nil || errors.Is(err, panel.ErrNotFound) {
		return models.CleanupDone
	}
	log.Warn("source client not deleted", zap.Error(err))
	c.engine.LeaveOrphan(ctx, *acc, inboundRemoteID, "migration: source delete", err)
	return models.CleanupFailed
}

func (c *Coordinator) fail(ctx context.Context, mig *models.Migration, acc *models.ClientAccount, reason string, cause error) error {
	if err := c.repos.Migrations.Finalize(ctx, mig.ID, models.MigrationFailed, cause.Error()); err != nil {
		c.log.Error("failed migration not recorded", zap.Uint("migration_id", mig.ID), zap.Error(err))
	}
	c.log.Warn("migration failed",
		zap.Uint("migration_id", mig.ID),
		zap.Uint("account_id", acc.ID),
		zap.String("reason", reason),
		zap.Error(cause))
	c.notifier.MigrationFailed(*acc, reason, cause)
	return fmt.Errorf("migrate account %d: %w", acc.ID, cause)
}

func (c *Coordinator) markUnhealthy(ctx context.Context, panelID uint, cause error) {
	if err := c.load.MarkUnhealthy(ctx, panelID, cause.Error()); err != nil {
		c.log.Warn("could not persist panel health", zap.Uint("panel_id", panelID), zap.Error(err))
	}
}

// Rebalance moves accounts off panels above the overload threshold until
// they are back under it, at most RebalanceBatch accounts per run.
func (c *Coordinator) Rebalance(ctx context.Context) (int, error) {
	budget := c.opts.RebalanceBatch
	moved := 0
	var errs []error

	for _, p := range c.load.Overloaded(c.opts.OverloadThreshold) {
		if budget <= 0 {
			break
		}
		keep := int64(math.Floor(c.opts.OverloadThreshold * float64(p.Max)))
		excess := int(p.Current - keep)
		if excess <= 0 {
			continue
		}
		if excess > budget {
			excess = budget
		}

		accounts, err := c.repos.Accounts.FindActiveByPanel(ctx, p.PanelID, excess)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, acc := range accounts {
			if ctx.Err() != nil {
				return moved, ctx.Err()
			}
			budget--
			if _, err := c.Migrate(ctx, acc.ID, nil, "rebalance"); err != nil {
				if errors.Is(err, registry.ErrNoCapacity) {
					c.log.Warn("rebalance stopped, no destination capacity")
					return moved, errors.Join(errs...)
				}
				errs = append(errs, err)
				continue
			}
			moved++
		}
	}
	if moved > 0 {
		c.log.Info("rebalance finished", zap.Int("moved", moved))
	}
	return moved, errors.Join(errs...)
}

// Evacuate migrates every active account off a panel, e.g. before retiring it.
func (c *Coordinator) Evacuate(ctx context.Context, panelID uint) (int, error) {
	accounts, err := c.repos.Accounts.FindActiveByPanel(ctx, panelID, 0)
	if err != nil {
		return 0, err
	}
	moved := 0
	var errs []error
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return moved, ctx.Err()
		}
		if _, err := c.Migrate(ctx, acc.ID, nil, "evacuate"); err != nil {
			errs = append(errs, err)
			continue
		}
		moved++
	}
	c.log.Info("panel evacuated", zap.Uint("panel_id", panelID), zap.Int("moved", moved), zap.Int("failed", len(errs)))
	return moved, errors.Join(errs...)
}
