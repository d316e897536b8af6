package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"moonvpn/internal/models"
)

// ErrNoCapacity is returned when no panel qualifies for a new client.
var ErrNoCapacity = errors.New("no panel with free capacity")

// PanelStore persists panel counters and health.
type PanelStore interface {
	FindLiveWithInbounds(ctx context.Context) ([]models.Panel, error)
	AdjustClients(ctx context.Context, id uint, delta int64) error
	SetClients(ctx context.Context, id uint, count int64) error
	SetHealth(ctx context.Context, id uint, healthy bool, reason string, at time.Time) error
}

// InboundStore persists inbound client counters.
type InboundStore interface {
	AdjustClients(ctx context.Context, id uint, delta int64) error
	SetClients(ctx context.Context, id uint, count int64) error
}

// Criteria narrows target selection. Empty fields match anything.
type Criteria struct {
	Location string
	Protocol string
	Exclude  []uint
	// Panel, when set, restricts selection to that panel.
	Panel uint
}

// Target is the panel and inbound chosen for a new client.
type Target struct {
	Panel   models.Panel
	Inbound models.Inbound
}

// PanelLoad is a point-in-time view of one panel.
type PanelLoad struct {
	PanelID    uint    `json:"panel_id"`
	Code       string  `json:"code"`
	Location   string  `json:"location"`
	Priority   int     `json:"priority"`
	Status     string  `json:"status"`
	Healthy    bool    `json:"healthy"`
	Current    int64   `json:"current_clients"`
	Max        int64   `json:"max_clients"`
	LoadFactor float64 `json:"load_factor"`
}

type inboundEntry struct {
	row     models.Inbound
	clients atomic.Int64
}

type panelEntry struct {
	row      models.Panel
	current  atomic.Int64
	inbounds []*inboundEntry
}

func (e *panelEntry) load() float64 {
	return models.ComputeLoad(e.current.Load(), e.row.MaxClients)
}

func (e *panelEntry) inbound(id uint) *inboundEntry {
	for _, in := range e.inbounds {
		if in.row.ID == id {
			return in
		}
	}
	return nil
}

// Registry is the in-memory load model of every non-retired panel, backed by
// the panels and inbounds tables. Counters move atomically in memory and in
// SQL; RecountLoad style corrections go through SetCounts.
type Registry struct {
	panels   PanelStore
	inbounds InboundStore
	log      *zap.Logger
	now      func() time.Time

	mu      sync.RWMutex
	entries map[uint]*panelEntry
}

func New(panels PanelStore, inbounds InboundStore, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		panels:   panels,
		inbounds: inbounds,
		log:      log,
		now:      time.Now,
		entries:  make(map[uint]*panelEntry),
	}
}

// Load replaces the in-memory view with the stored panels and inbounds.
func (r *Registry) Load(ctx context.Context) error {
	rows, err := r.panels.FindLiveWithInbounds(ctx)
	if err != nil {
		return fmt.Errorf("load panels: %w", err)
	}
	entries := make(map[uint]*panelEntry, len(rows))
	for i := range rows {
		entries[rows[i].ID] = newEntry(rows[i])
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	r.log.Info("panel registry loaded", zap.Int("panels", len(entries)))
	return nil
}

func newEntry(p models.Panel) *panelEntry {
	e := &panelEntry{row: p}
	e.row.Inbounds = nil
	e.current.Store(p.CurrentClients)
	for _, in := range p.Inbounds {
		ie := &inboundEntry{row: in}
		ie.clients.Store(in.Clients)
		e.inbounds = append(e.inbounds, ie)
	}
	return e
}

// Upsert adds or replaces one panel, e.g. after an admin edit or inbound sync.
// Retired panels are removed.
func (r *Registry) Upsert(p models.Panel) {
	if p.Status == models.PanelStatusRetired {
		r.Remove(p.ID)
		return
	}
	e := newEntry(p)
	r.mu.Lock()
	r.entries[p.ID] = e
	r.mu.Unlock()
}

func (r *Registry) Remove(panelID uint) {
	r.mu.Lock()
	delete(r.entries, panelID)
	r.mu.Unlock()
}

// Panel returns the cached row of a panel.
func (r *Registry) Panel(panelID uint) (models.Panel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[panelID]
	if !ok {
		return models.Panel{}, false
	}
	p := e.row
	p.CurrentClients = e.current.Load()
	p.LoadFactor = e.load()
	return p, true
}

type candidate struct {
	entry   *panelEntry
	inbound *inboundEntry
	load    float64
}

// SelectTarget picks the eligible panel with the lowest load factor, then
// highest priority, then lowest id, and on it the matching inbound with the
// fewest clients.
func (r *Registry) SelectTarget(_ context.Context, c Criteria) (*Target, error) {
	excluded := make(map[uint]bool, len(c.Exclude))
	for _, id := range c.Exclude {
		excluded[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var cands []candidate
	for id, e := range r.entries {
		if excluded[id] || (c.Panel != 0 && id != c.Panel) || !r.eligible(e, c.Location) {
			continue
		}
		in := pickInbound(e, c.Protocol)
		if in == nil {
			continue
		}
		cands = append(cands, candidate{entry: e, inbound: in, load: e.load()})
	}
	if len(cands) == 0 {
		return nil, ErrNoCapacity
	}

	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.load != b.load {
			return a.load < b.load
		}
		if a.entry.row.Priority != b.entry.row.Priority {
			return a.entry.row.Priority > b.entry.row.Priority
		}
		return a.entry.row.ID < b.entry.row.ID
	})

	best := cands[0]
	t := &Target{Panel: best.entry.row, Inbound: best.inbound.row}
	t.Panel.CurrentClients = best.entry.current.Load()
	t.Panel.LoadFactor = best.load
	t.Inbound.Clients = best.inbound.clients.Load()
	return t, nil
}

func (r *Registry) eligible(e *panelEntry, location string) bool {
	p := e.row
	p.CurrentClients = e.current.Load()
	if !p.Selectable() {
		return false
	}
	return location == "" || p.Location == location
}

func pickInbound(e *panelEntry, protocol string) *inboundEntry {
	var best *inboundEntry
	for _, in := range e.inbounds {
		row := in.row
		row.Clients = in.clients.Load()
		if !row.HasRoom() {
			continue
		}
		if protocol != "" && row.Protocol != protocol {
			continue
		}
		if best == nil {
			best = in
			continue
		}
		n, bn := in.clients.Load(), best.clients.Load()
		if n < bn || (n == bn && in.row.ID < best.row.ID) {
			best = in
		}
	}
	return best
}

// RecordProvisioned counts one more active client on a panel and inbound.
func (r *Registry) RecordProvisioned(ctx context.Context, panelID, inboundID uint) error {
	return r.record(ctx, panelID, inboundID, 1)
}

// RecordDeprovisioned counts one fewer active client, never below zero.
func (r *Registry) RecordDeprovisioned(ctx context.Context, panelID, inboundID uint) error {
	return r.record(ctx, panelID, inboundID, -1)
}

func (r *Registry) record(ctx context.Context, panelID, inboundID uint, delta int64) error {
	r.mu.RLock()
	if e, ok := r.entries[panelID]; ok {
		addFloor(&e.current, delta)
		if in := e.inbound(inboundID); in != nil {
			addFloor(&in.clients, delta)
		}
	}
	r.mu.RUnlock()

	if err := r.panels.AdjustClients(ctx, panelID, delta); err != nil {
		return fmt.Errorf("adjust panel %d clients: %w", panelID, err)
	}
	if inboundID != 0 {
		if err := r.inbounds.AdjustClients(ctx, inboundID, delta); err != nil {
			return fmt.Errorf("adjust inbound %d clients: %w", inboundID, err)
		}
	}
	return nil
}

func addFloor(v *atomic.Int64, delta int64) {
	for {
		cur := v.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if v.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MarkUnhealthy excludes a panel from selection until MarkHealthy.
func (r *Registry) MarkUnhealthy(ctx context.Context, panelID uint, reason string) error {
	return r.setHealth(ctx, panelID, false, reason)
}

func (r *Registry) MarkHealthy(ctx context.Context, panelID uint) error {
	return r.setHealth(ctx, panelID, true, "")
}

func (r *Registry) setHealth(ctx context.Context, panelID uint, healthy bool, reason string) error {
	r.mu.Lock()
	changed := false
	if e, ok := r.entries[panelID]; ok {
		changed = e.row.Healthy != healthy
		e.row.Healthy = healthy
		e.row.HealthReason = reason
	}
	r.mu.Unlock()

	if changed {
		if healthy {
			r.log.Info("panel marked healthy", zap.Uint("panel_id", panelID))
		} else {
			r.log.Warn("panel marked unhealthy", zap.Uint("panel_id", panelID), zap.String("reason", reason))
		}
	}
	return r.panels.SetHealth(ctx, panelID, healthy, reason, r.now())
}

// Overloaded returns active panels whose load factor exceeds threshold,
// most loaded first.
func (r *Registry) Overloaded(threshold float64) []PanelLoad {
	var out []PanelLoad
	for _, l := range r.Snapshot() {
		if l.Status == models.PanelStatusActive && l.Max > 0 && l.LoadFactor > threshold {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadFactor != out[j].LoadFactor {
			return out[i].LoadFactor > out[j].LoadFactor
		}
		return out[i].PanelID < out[j].PanelID
	})
	return out
}

// SetCounts overwrites counters with authoritative counts. Panels and
// inbounds missing from the maps are set to zero.
func (r *Registry) SetCounts(ctx context.Context, panelCounts, inboundCounts map[uint]int64) error {
	type pending struct {
		id    uint
		count int64
	}
	var panels, inbounds []pending

	r.mu.RLock()
	for id, e := range r.entries {
		n := panelCounts[id]
		if old := e.current.Swap(n); old != n {
			r.log.Info("panel load corrected", zap.Uint("panel_id", id), zap.Int64("from", old), zap.Int64("to", n))
		}
		panels = append(panels, pending{id, n})
		for _, in := range e.inbounds {
			m := inboundCounts[in.row.ID]
			in.clients.Store(m)
			inbounds = append(inbounds, pending{in.row.ID, m})
		}
	}
	r.mu.RUnlock()

	var errs []error
	for _, p := range panels {
		if err := r.panels.SetClients(ctx, p.id, p.count); err != nil {
			errs = append(errs, fmt.Errorf("panel %d: %w", p.id, err))
		}
	}
	for _, in := range inbounds {
		if err := r.inbounds.SetClients(ctx, in.id, in.count); err != nil {
			errs = append(errs, fmt.Errorf("inbound %d: %w", in.id, err))
		}
	}
	return errors.Join(errs...)
}

// Snapshot lists every panel ordered by id.
func (r *Registry) Snapshot() []PanelLoad {
	r.mu.RLock()
	out := make([]PanelLoad, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, PanelLoad{
			PanelID:    e.row.ID,
			Code:       e.row.Code,
			Location:   e.row.Location,
			Priority:   e.row.Priority,
			Status:     e.row.Status,
			Healthy:    e.row.Healthy,
			Current:    e.current.Load(),
			Max:        e.row.MaxClients,
			LoadFactor: e.load(),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].PanelID < out[j].PanelID })
	return out
}
