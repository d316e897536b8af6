package panel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"moonvpn/internal/models"
)

// PanelStore loads panel rows and persists their session tokens.
type PanelStore interface {
	TokenStore
	FindByID(ctx context.Context, id uint) (*models.Panel, error)
}

type poolEntry struct {
	client  Client
	session *Session
}

// Pool keeps exactly one Session and Client per panel.
type Pool struct {
	store PanelStore
	opts  SessionOptions
	log   *zap.Logger

	mu      sync.Mutex
	entries map[uint]*poolEntry
}

func NewPool(store PanelStore, opts SessionOptions, log *zap.Logger) *Pool {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pool{
		store:   store,
		opts:    opts,
		log:     log,
		entries: make(map[uint]*poolEntry),
	}
}

// Client returns the shared client of a panel, building it on first use.
func (p *Pool) Client(ctx context.Context, panelID uint) (Client, error) {
	p.mu.Lock()
	if e, ok := p.entries[panelID]; ok {
		p.mu.Unlock()
		return e.client, nil
	}
	p.mu.Unlock()

	row, err := p.store.FindByID(ctx, panelID)
	if err != nil {
		return nil, fmt.Errorf("load panel %d: %w", panelID, err)
	}
	return p.ClientFor(row)
}

// ClientFor returns the shared client of row, building it from row when absent.
func (p *Pool) ClientFor(row *models.Panel) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[row.ID]; ok {
		return e.client, nil
	}
	client, session, err := New(row, p.store, p.opts, p.log)
	if err != nil {
		return nil, err
	}
	p.entries[row.ID] = &poolEntry{client: client, session: session}
	return client, nil
}

// Session returns the live session of a panel, if one has been built.
func (p *Pool) Session(panelID uint) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[panelID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Invalidate drops the cached client so edits to address or credentials take effect.
func (p *Pool) Invalidate(panelID uint) {
	p.mu.Lock()
	delete(p.entries, panelID)
	p.mu.Unlock()
}

// SessionExpiry reports when the cached session of a panel expires.
func (p *Pool) SessionExpiry(panelID uint) (time.Time, bool) {
	s, ok := p.Session(panelID)
	if !ok {
		return time.Time{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.expires, s.token != ""
}
