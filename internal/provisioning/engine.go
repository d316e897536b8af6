package provisioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"moonvpn/internal/lock"
	"moonvpn/internal/models"
	"moonvpn/internal/panel"
	"moonvpn/internal/pkg/utils"
	"moonvpn/internal/registry"
)

// Renew policies.
const (
	RenewReset = "reset"
	RenewStack = "stack"
)

// AccountStore is the subset of the account repository the engine writes through.
type AccountStore interface {
	Create(ctx context.Context, acc *models.ClientAccount) error
	FindByID(ctx context.Context, id uint) (*models.ClientAccount, error)
	FindByIDUnscoped(ctx context.Context, id uint) (*models.ClientAccount, error)
	FindCurrent(ctx context.Context, userID, subscriptionRef string) (*models.ClientAccount, error)
	RemoteIDInUse(ctx context.Context, panelID uint, remoteID string) (bool, error)
	Update(ctx context.Context, id uint, updates map[string]interface{}) error
	SoftDelete(ctx context.Context, id uint) error
	Purge(ctx context.Context, id uint) error
}

type PlanStore interface {
	FindByCode(ctx context.Context, code string) (*models.Plan, error)
}

type InboundStore interface {
	FindByID(ctx context.Context, id uint) (*models.Inbound, error)
}

type OrphanStore interface {
	Enqueue(ctx context.Context, o *models.OrphanCleanup) error
	SupersedeClient(ctx context.Context, panelID uint, remoteID, email string) (int64, error)
}

// Repos bundles the stores used by the engine.
type Repos struct {
	Accounts AccountStore
	Plans    PlanStore
	Inbounds InboundStore
	Orphans  OrphanStore
}

// LoadModel is the registry surface the engine needs.
type LoadModel interface {
	SelectTarget(ctx context.Context, c registry.Criteria) (*registry.Target, error)
	RecordProvisioned(ctx context.Context, panelID, inboundID uint) error
	RecordDeprovisioned(ctx context.Context, panelID, inboundID uint) error
	MarkUnhealthy(ctx context.Context, panelID uint, reason string) error
}

// Clients resolves the shared panel client of a panel.
type Clients interface {
	Client(ctx context.Context, panelID uint) (panel.Client, error)
}

type Options struct {
	RenewPolicy     string
	DefaultProtocol string
}

// ProvisionRequest is the "order fulfilled" contract of the order subsystem.
type ProvisionRequest struct {
	UserID          string `json:"user_id"`
	SubscriptionRef string `json:"subscription_ref"`
	PlanCode        string `json:"plan_code"`
	Location        string `json:"location,omitempty"`
	Protocol        string `json:"protocol,omitempty"`
}

// Engine owns the remote lifecycle of client accounts.
type Engine struct {
	repos   Repos
	load    LoadModel
	clients Clients
	locker  lock.Locker
	opts    Options
	log     *zap.Logger
	now     func() time.Time
}

func New(repos Repos, load LoadModel, clients Clients, locker lock.Locker, opts Options, log *zap.Logger) *Engine {
	if opts.RenewPolicy != RenewStack {
		opts.RenewPolicy = RenewReset
	}
	if opts.DefaultProtocol == "" {
		opts.DefaultProtocol = "vless"
	}
	if log == nil {
		log = zap.NewNop()
	}
	if locker == nil {
		locker = lock.NewMemory()
	}
	return &Engine{
		repos:   repos,
		load:    load,
		clients: clients,
		locker:  locker,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

// AccountKey is the lock key serializing mutations of one account.
func AccountKey(id uint) string {
	return fmt.Sprintf("account:%d", id)
}

func subscriptionKey(userID, ref string) string {
	return "subscription:" + userID + ":" + ref
}

// Provision creates a client for the subscription on the least loaded panel.
// A subscription that already has a live account gets that account back; one
// whose account expired, ran out of traffic or was disabled is renewed in
// place with the requested plan.
func (e *Engine) Provision(ctx context.Context, req ProvisionRequest) (*models.ClientAccount, error) {
	if req.UserID == "" || req.SubscriptionRef == "" || req.PlanCode == "" {
		return nil, errors.New("user_id, subscription_ref and plan_code are required")
	}
	release, err := e.locker.Acquire(ctx, subscriptionKey(req.UserID, req.SubscriptionRef))
	if err != nil {
		return nil, err
	}
	defer release()

	existing, err := e.repos.Accounts.FindCurrent(ctx, req.UserID, req.SubscriptionRef)
	switch {
	case err == nil && existing.Status.Live():
		e.log.Info("subscription already provisioned", zap.Uint("account_id", existing.ID), zap.String("user_id", req.UserID))
		return existing, nil
	case err == nil:
		e.log.Info("subscription renewed in place",
			zap.Uint("account_id", existing.ID),
			zap.String("status", string(existing.Status)),
			zap.String("user_id", req.UserID))
		return e.Renew(ctx, existing.ID, req.PlanCode)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("lookup subscription: %w", err)
	}

	plan, err := e.plan(ctx, req.PlanCode)
	if err != nil {
		return nil, err
	}
	criteria := registry.Criteria{Location: req.Location, Protocol: req.Protocol}
	if criteria.Location == "" {
		criteria.Location = plan.Location
	}
	if criteria.Protocol == "" {
		criteria.Protocol = plan.Protocol
	}
	if criteria.Protocol == "" {
		criteria.Protocol = e.opts.DefaultProtocol
	}

	target, err := e.load.SelectTarget(ctx, criteria)
	if err != nil {
		return nil, err
	}
	client, err := e.clients.Client(ctx, target.Panel.ID)
	if err != nil {
		return nil, err
	}
	remoteID, err := e.freeRemoteID(ctx, target.Panel.ID)
	if err != nil {
		return nil, err
	}

	now := e.now()
	acc := &models.ClientAccount{
		UserID:          req.UserID,
		SubscriptionRef: req.SubscriptionRef,
		PlanCode:        plan.Code,
		PanelID:         target.Panel.ID,
		InboundID:       target.Inbound.ID,
		RemoteID:        remoteID,
		Email:           utils.ClientEmail(req.UserID, req.SubscriptionRef),
		SubID:           utils.RandomCode(16),
		TrafficQuota:    plan.TrafficBytes,
		ExpiresAt:       now.Add(plan.Duration()),
		Status:          models.AccountPending,
	}
	spec := specFor(acc, target.Inbound, true)

	// The remote create cannot be taken back by cancelling the caller.
	ctx = context.WithoutCancel(ctx)

	owner := subscriptionKey(req.UserID, req.SubscriptionRef)
	if err := client.AddClient(ctx, spec); err != nil {
		if panel.IsConnectivity(err) {
			// A timed-out create may have happened remotely.
			e.rollback(ctx, client, acc, target.Inbound.RemoteID, owner, "provision: create timed out")
			e.markUnhealthy(ctx, target.Panel.ID, err)
		}
		return nil, fmt.Errorf("create client on panel %d: %w", target.Panel.ID, err)
	}

	if err := acc.Transition(models.AccountActive); err != nil {
		return nil, err
	}
	e.attachArtifacts(acc, target.Panel, target.Inbound)
	if err := e.repos.Accounts.Create(ctx, acc); err != nil {
		perr := &ProvisioningError{Op: "provision", PanelID: acc.PanelID, RemoteID: acc.RemoteID, UserID: acc.UserID, Err: err}
		if rbErr := e.rollback(ctx, client, acc, target.Inbound.RemoteID, owner, "provision: local persist failed"); rbErr != nil {
			perr.Err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return nil, perr
	}
	e.ClaimClient(ctx, *acc)

	if err := e.load.RecordProvisioned(ctx, acc.PanelID, acc.InboundID); err != nil {
		e.log.Warn("load counter not updated", zap.Uint("panel_id", acc.PanelID), zap.Error(err))
	}
	e.log.Info("client provisioned",
		zap.Uint("account_id", acc.ID),
		zap.Uint("panel_id", acc.PanelID),
		zap.String("remote_id", acc.RemoteID),
		zap.String("user_id", acc.UserID))
	return acc, nil
}

func (e *Engine) plan(ctx context.Context, code string) (*models.Plan, error) {
	plan, err := e.repos.Plans.FindByCode(ctx, code)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, code)
	}
	if err != nil {
		return nil, err
	}
	if plan.Status != "" && plan.Status != "active" {
		return nil, fmt.Errorf("%w: %s", ErrPlanUnavailable, code)
	}
	return plan, nil
}

// freeRemoteID returns a UUID no live account on the panel uses.
func (e *Engine) freeRemoteID(ctx context.Context, panelID uint) (string, error) {
	for i := 0; i < 3; i++ {
		id := utils.GenerateUUID()
		used, err := e.repos.Accounts.RemoteIDInUse(ctx, panelID, id)
		if err != nil {
			return "", err
		}
		if !used {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not allocate a free client id on panel %d", panelID)
}

// rollback deletes a just-created remote client. When that fails the client
// is queued for the orphan sweep and logged for manual follow-up.
func (e *Engine) rollback(ctx context.Context, client panel.Client, acc *models.ClientAccount, inboundRemoteID int, owner, reason string) error {
	err := client.DeleteClient(ctx, inboundRemoteID, acc.RemoteID, acc.Email)
	if err == nil || errors.Is(err, panel.ErrNotFound) {
		return nil
	}
	e.leaveOrphan(ctx, acc.PanelID, inboundRemoteID, acc.RemoteID, acc.Email, acc.UserID, owner, reason, err)
	return err
}

// leaveOrphan records a remote client that could not be removed. owner is the
// lock key of the work that created it; the orphan sweep takes it before
// deleting.
func (e *Engine) leaveOrphan(ctx context.Context, panelID uint, inboundRemoteID int, remoteID, email, userID, owner, reason string, cause error) {
	e.log.Error("remote client left on panel, manual reconciliation may be needed",
		zap.Uint("panel_id", panelID),
		zap.String("remote_id", remoteID),
		zap.String("email", email),
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Error(cause))

	o := &models.OrphanCleanup{
		PanelID:         panelID,
		InboundRemoteID: inboundRemoteID,
		RemoteID:        remoteID,
		Email:           email,
		UserID:          userID,
		LockKey:         owner,
		Reason:          reason,
		LastError:       cause.Error(),
	}
	if err := e.repos.Orphans.Enqueue(ctx, o); err != nil {
		e.log.Error("orphan record not saved",
			zap.Uint("panel_id", panelID), zap.String("remote_id", remoteID), zap.Error(err))
	}
}

// LeaveOrphan is used by the migration coordinator for clients that could not
// be deleted. A successor that was never saved is owned by its predecessor.
func (e *Engine) LeaveOrphan(ctx context.Context, acc models.ClientAccount, inboundRemoteID int, reason string, cause error) {
	e.leaveOrphan(ctx, acc.PanelID, inboundRemoteID, acc.RemoteID, acc.Email, acc.UserID, OwnerKey(acc), reason, cause)
}

// OwnerKey is the account lock key under which acc's remote client is created or removed.
func OwnerKey(acc models.ClientAccount) string {
	if acc.ID == 0 && acc.PredecessorID != nil {
		return AccountKey(*acc.PredecessorID)
	}
	return AccountKey(acc.ID)
}

// ClaimClient closes queued orphans that match the remote client of acc, a
// live account that was just saved. Deleting them would remove its client.
func (e *Engine) ClaimClient(ctx context.Context, acc models.ClientAccount) {
	n, err := e.repos.Orphans.SupersedeClient(ctx, acc.PanelID, acc.RemoteID, acc.Email)
	if err != nil {
		e.log.Warn("queued orphans not superseded",
			zap.Uint("panel_id", acc.PanelID), zap.String("remote_id", acc.RemoteID), zap.Error(err))
		return
	}
	if n > 0 {
		e.log.Info("queued orphans superseded by live client",
			zap.Uint("account_id", acc.ID), zap.Uint("panel_id", acc.PanelID), zap.Int64("orphans", n))
	}
}

func (e *Engine) markUnhealthy(ctx context.Context, panelID uint, cause error) {
	if err := e.load.MarkUnhealthy(ctx, panelID, cause.Error()); err != nil {
		e.log.Warn("could not persist panel health", zap.Uint("panel_id", panelID), zap.Error(err))
	}
}

func (e *Engine) attachArtifacts(acc *models.ClientAccount, p models.Panel, in models.Inbound) {
	acc.ConnectionURI = ConnectionURI(p, in, *acc)
	if acc.ConnectionURI == "" {
		return
	}
	qr, err := utils.QRCodeBase64(acc.ConnectionURI)
	if err != nil {
		e.log.Warn("qr code not generated", zap.String("remote_id", acc.RemoteID), zap.Error(err))
		return
	}
	acc.QRCode = qr
}

// Artifacts fills the connection link and QR code of acc for its panel and inbound.
func (e *Engine) Artifacts(acc *models.ClientAccount, p models.Panel, in models.Inbound) {
	e.attachArtifacts(acc, p, in)
}

func specFor(acc *models.ClientAccount, in models.Inbound, enable bool) panel.ClientSpec {
	return panel.ClientSpec{
		InboundID:  in.RemoteID,
		InboundTag: in.Tag,
		Protocol:   in.Protocol,
		UUID:       acc.RemoteID,
		Email:      acc.Email,
		SubID:      acc.SubID,
		TotalBytes: acc.TrafficQuota,
		ExpiresAt:  acc.ExpiresAt,
		Enable:     enable,
	}
}

// SpecFor describes acc as a remote client on inbound in.
func SpecFor(acc *models.ClientAccount, in models.Inbound, enable bool) panel.ClientSpec {
	return specFor(acc, in, enable)
}

// lockAccount loads an account under its mutation lock.
func (e *Engine) lockAccount(ctx context.Context, id uint) (*models.ClientAccount, func(), error) {
	release, err := e.locker.Acquire(ctx, AccountKey(id))
	if err != nil {
		return nil, nil, err
	}
	acc, err := e.repos.Accounts.FindByID(ctx, id)
	if err != nil {
		release()
		return nil, nil, err
	}
	if acc.Status == models.AccountSwitched {
		release()
		return nil, nil, fmt.Errorf("account %d: %w", id, ErrAccountSwitched)
	}
	return acc, release, nil
}

func (e *Engine) remoteFor(ctx context.Context, acc *models.ClientAccount) (panel.Client, *models.Inbound, error) {
	in, err := e.repos.Inbounds.FindByID(ctx, acc.InboundID)
	if err != nil {
		return nil, nil, fmt.Errorf("load inbound %d: %w", acc.InboundID, err)
	}
	client, err := e.clients.Client(ctx, acc.PanelID)
	if err != nil {
		return nil, nil, err
	}
	return client, in, nil
}

// missingOnPanel flags acc for re-provisioning review and returns the
// ProvisioningError for op.
func (e *Engine) missingOnPanel(ctx context.Context, op string, acc *models.ClientAccount) error {
	reason := fmt.Sprintf("client missing on panel during %s", op)
	if err := e.repos.Accounts.Update(ctx, acc.ID, map[string]interface{}{"review_reason": reason}); err != nil {
		e.log.Warn("review flag not saved", zap.Uint("account_id", acc.ID), zap.Error(err))
	}
	e.log.Error("client missing on panel",
		zap.String("op", op),
		zap.Uint("account_id", acc.ID),
		zap.Uint("panel_id", acc.PanelID),
		zap.String("remote_id", acc.RemoteID),
		zap.String("user_id", acc.UserID))
	return &ProvisioningError{Op: op, PanelID: acc.PanelID, RemoteID: acc.RemoteID, UserID: acc.UserID, Err: panel.ErrNotFound}
}

func (e *Engine) remoteFailure(ctx context.Context, op string, acc *models.ClientAccount, err error) error {
	if errors.Is(err, panel.ErrNotFound) {
		return e.missingOnPanel(ctx, op, acc)
	}
	if panel.IsConnectivity(err) {
		e.markUnhealthy(ctx, acc.PanelID, err)
	}
	return fmt.Errorf("%s account %d: %w", op, acc.ID, err)
}

// Renew extends an account in place with a plan, keeping its remote identity.
func (e *Engine) Renew(ctx context.Context, accountID uint, planCode string) (*models.ClientAccount, error) {
	acc, release, err := e.lockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	plan, err := e.plan(ctx, planCode)
	if err != nil {
		return nil, err
	}
	client, in, err := e.remoteFor(ctx, acc)
	if err != nil {
		return nil, err
	}

	wasActive := acc.Status == models.AccountActive
	next := *acc
	now := e.now()
	switch e.opts.RenewPolicy {
	case RenewStack:
		base := acc.ExpiresAt
		if base.Before(now) {
			base = now
		}
		next.ExpiresAt = base.Add(plan.Duration())
		if acc.TrafficQuota > 0 && plan.TrafficBytes > 0 {
			next.TrafficQuota = acc.TrafficQuota + plan.TrafficBytes
		} else {
			next.TrafficQuota = 0
		}
	default:
		next.ExpiresAt = now.Add(plan.Duration())
		next.TrafficQuota = plan.TrafficBytes
		next.TrafficUsed = 0
	}
	if err := next.Transition(models.AccountActive); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if err := client.UpdateClient(ctx, specFor(&next, *in, true)); err != nil {
		return nil, e.remoteFailure(ctx, "renew", acc, err)
	}
	if e.opts.RenewPolicy == RenewReset {
		if err := client.ResetClientTraffic(ctx, in.RemoteID, acc.Email); err != nil {
			e.log.Warn("remote traffic counter not reset", zap.Uint("account_id", acc.ID), zap.Error(err))
		}
	}

	err = e.repos.Accounts.Update(ctx, acc.ID, map[string]interface{}{
		"plan_code":     plan.Code,
		"expires_at":    next.ExpiresAt,
		"traffic_quota": next.TrafficQuota,
		"traffic_used":  next.TrafficUsed,
		"status":        next.Status,
		"review_reason": "",
	})
	if err != nil {
		return nil, &ProvisioningError{Op: "renew", PanelID: acc.PanelID, RemoteID: acc.RemoteID, UserID: acc.UserID, Err: err}
	}
	if !wasActive {
		if err := e.load.RecordProvisioned(ctx, acc.PanelID, acc.InboundID); err != nil {
			e.log.Warn("load counter not updated", zap.Uint("panel_id", acc.PanelID), zap.Error(err))
		}
	}

	next.PlanCode = plan.Code
	next.ReviewReason = ""
	e.log.Info("account renewed",
		zap.Uint("account_id", acc.ID),
		zap.String("policy", e.opts.RenewPolicy),
		zap.Time("expires_at", next.ExpiresAt))
	return &next, nil
}

// Disable turns the remote client off without deleting it.
func (e *Engine) Disable(ctx context.Context, accountID uint) (*models.ClientAccount, error) {
	acc, release, err := e.lockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	if acc.Status == models.AccountDisabled {
		return acc, nil
	}
	if !models.CanTransition(acc.Status, models.AccountDisabled) {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, acc.Status, models.AccountDisabled)
	}
	client, in, err := e.remoteFor(ctx, acc)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if err := client.UpdateClient(ctx, specFor(acc, *in, false)); err != nil {
		return nil, e.remoteFailure(ctx, "disable", acc, err)
	}
	return e.setStatus(ctx, acc, models.AccountDisabled)
}

// Enable turns a disabled account back on. Expired or exhausted accounts
// need a renewal instead.
func (e *Engine) Enable(ctx context.Context, accountID uint) (*models.ClientAccount, error) {
	acc, release, err := e.lockAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	defer release()

	if acc.Status == models.AccountActive {
		return acc, nil
	}
	if acc.Status != models.AccountDisabled {
		return nil, fmt.Errorf("%w: %s -> %s", models.ErrInvalidTransition, acc.Status, models.AccountActive)
	}
	if acc.Expired(e.now()) || acc.TrafficExhausted() {
		return nil, ErrRenewRequired
	}
	client, in, err := e.remoteFor(ctx, acc)
	if err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)
	if err := client.UpdateClient(ctx, specFor(acc, *in, true)); err != nil {
		return nil, e.remoteFailure(ctx, "enable", acc, err)
	}
	return e.setStatus(ctx, acc, models.AccountActive)
}

// setStatus moves acc to status, persists it and keeps the load counters in step.
func (e *Engine) setStatus(ctx context.Context, acc *models.ClientAccount, status models.AccountStatus) (*models.ClientAccount, error) {
	wasActive := acc.Status == models.AccountActive
	if err := acc.Transition(status); err != nil {
		return nil, err
	}
	if err := e.repos.Accounts.Update(ctx, acc.ID, map[string]interface{}{"status": acc.Status}); err != nil {
		return nil, &ProvisioningError{Op: string(status), PanelID: acc.PanelID, RemoteID: acc.RemoteID, UserID: acc.UserID, Err: err}
	}

	isActive := acc.Status == models.AccountActive
	var err error
	switch {
	case wasActive && !isActive:
		err = e.load.RecordDeprovisioned(ctx, acc.PanelID, acc.InboundID)
	case !wasActive && isActive:
		err = e.load.RecordProvisioned(ctx, acc.PanelID, acc.InboundID)
	}
	if err != nil {
		e.log.Warn("load counter not updated", zap.Uint("panel_id", acc.PanelID), zap.Error(err))
	}
	e.log.Info("account status changed", zap.Uint("account_id", acc.ID), zap.String("status", string(acc.Status)))
	return acc, nil
}

// Delete removes the remote client and hides the local row. purge removes
// the row for good. Deleting twice is a no-op.
func (e *Engine) Delete(ctx context.Context, accountID uint, purge bool) error {
	release, err := e.locker.Acquire(ctx, AccountKey(accountID))
	if err != nil {
		return err
	}
	defer release()

	acc, err := e.repos.Accounts.FindByIDUnscoped(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	ctx = context.WithoutCancel(ctx)
	if acc.DeletedAt.Valid {
		if purge {
			return e.repos.Accounts.Purge(ctx, acc.ID)
		}
		return nil
	}

	// A switched row's client now belongs to its successor; the source copy
	// is handled by the migration.
	if acc.Status != models.AccountSwitched {
		e.deleteRemote(ctx, acc)

		wasActive := acc.Status == models.AccountActive
		if acc.Status != models.AccountDisabled {
			if err := acc.Transition(models.AccountDisabled); err != nil {
				return err
			}
			if err := e.repos.Accounts.Update(ctx, acc.ID, map[string]interface{}{"status": acc.Status}); err != nil {
				return err
			}
		}
		if wasActive {
			if err := e.load.RecordDeprovisioned(ctx, acc.PanelID, acc.InboundID); err != nil {
				e.log.Warn("load counter not updated", zap.Uint("panel_id", acc.PanelID), zap.Error(err))
			}
		}
	}

	if purge {
		err = e.repos.Accounts.Purge(ctx, acc.ID)
	} else {
		err = e.repos.Accounts.SoftDelete(ctx, acc.ID)
	}
	if err != nil {
		return fmt.Errorf("remove account %d: %w", acc.ID, err)
	}
	e.log.Info("account deleted", zap.Uint("account_id", acc.ID), zap.Bool("purge", purge))
	return nil
}

// deleteRemote is best effort: failures leave an orphan record.
func (e *Engine) deleteRemote(ctx context.Context, acc *models.ClientAccount) {
	inboundRemoteID := 0
	if in, err := e.repos.Inbounds.FindByID(ctx, acc.InboundID); err == nil {
		inboundRemoteID = in.RemoteID
	}
	client, err := e.clients.Client(ctx, acc.PanelID)
	if err == nil {
		err = client.DeleteClient(ctx, inboundRemoteID, acc.RemoteID, acc.Email)
	}
	if err == nil || errors.Is(err, panel.ErrNotFound) {
		return
	}
	e.leaveOrphan(ctx, acc.PanelID, inboundRemoteID, acc.RemoteID, acc.Email, acc.UserID, AccountKey(acc.ID), "delete", err)
}

// RemoteState reads the panel's view of an account.
func (e *Engine) RemoteState(ctx context.Context, acc *models.ClientAccount) (*panel.ClientState, error) {
	client, err := e.clients.Client(ctx, acc.PanelID)
	if err != nil {
		return nil, err
	}
	return client.GetClient(ctx, acc.Email)
}

// Current returns the newest non-switched account of a subscription.
func (e *Engine) Current(ctx context.Context, userID, subscriptionRef string) (*models.ClientAccount, error) {
	return e.repos.Accounts.FindCurrent(ctx, userID, subscriptionRef)
}
