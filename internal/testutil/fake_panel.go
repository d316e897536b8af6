package testutil

import (
	"context"
	"fmt"
	"sync"

	"moonvpn/internal/panel"
)

// FakeRemote is what the fake panel stores per client.
type FakeRemote struct {
	Spec panel.ClientSpec
	Up   int64
	Down int64
}

// FakePanel is an in-memory panel.Client. The *Err fields inject failures;
// AddThenFail makes AddClient store the client and still return AddErr, like
// a timed-out call that took effect.
type FakePanel struct {
	ID uint

	mu       sync.Mutex
	clients  map[string]*FakeRemote
	inbounds []panel.Inbound

	AddErr      error
	AddThenFail bool
	UpdateErr   error
	DeleteErr   error
	GetErr      error
	TrafficsErr error
	PingErr     error
	ListErr     error

	Adds     int
	Updates  int
	Deletes  int
	Resets   int
	Restarts int
}

func NewFakePanel(id uint) *FakePanel {
	return &FakePanel{
		ID:      id,
		clients: make(map[string]*FakeRemote),
		inbounds: []panel.Inbound{
			{RemoteID: 1, Tag: "inbound-443", Protocol: "vless", Port: 443, Remark: "main", Network: "tcp", Security: "reality", Enable: true},
		},
	}
}

func (f *FakePanel) Type() string { return "fake" }

func (f *FakePanel) AddClient(_ context.Context, spec panel.ClientSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Adds++
	if f.AddErr != nil && !f.AddThenFail {
		return f.AddErr
	}
	if _, ok := f.clients[spec.Email]; ok {
		return &panel.RemoteError{PanelID: f.ID, Msg: "Duplicate email: " + spec.Email}
	}
	f.clients[spec.Email] = &FakeRemote{Spec: spec}
	return f.AddErr
}

func (f *FakePanel) UpdateClient(_ context.Context, spec panel.ClientSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates++
	if f.UpdateErr != nil {
		return f.UpdateErr
	}
	c, ok := f.clients[spec.Email]
	if !ok {
		return panel.ErrNotFound
	}
	c.Spec = spec
	return nil
}

func (f *FakePanel) DeleteClient(_ context.Context, _ int, uuid, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deletes++
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	c, ok := f.clients[email]
	if !ok || c.Spec.UUID != uuid {
		return panel.ErrNotFound
	}
	delete(f.clients, email)
	return nil
}

func (f *FakePanel) GetClient(_ context.Context, email string) (*panel.ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	c, ok := f.clients[email]
	if !ok {
		return nil, panel.ErrNotFound
	}
	st := c.state()
	return &st, nil
}

func (f *FakePanel) ClientTraffics(_ context.Context) (map[string]panel.ClientState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TrafficsErr != nil {
		return nil, f.TrafficsErr
	}
	out := make(map[string]panel.ClientState, len(f.clients))
	for email, c := range f.clients {
		out[email] = c.state()
	}
	return out, nil
}

func (f *FakePanel) ResetClientTraffic(_ context.Context, _ int, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Resets++
	c, ok := f.clients[email]
	if !ok {
		return panel.ErrNotFound
	}
	c.Up, c.Down = 0, 0
	return nil
}

func (f *FakePanel) ListInbounds(_ context.Context) ([]panel.Inbound, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]panel.Inbound, len(f.inbounds))
	copy(out, f.inbounds)
	return out, nil
}

func (f *FakePanel) RestartService(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Restarts++
	return nil
}

func (f *FakePanel) Ping(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

// SetInbounds replaces the inbound list reported by ListInbounds.
func (f *FakePanel) SetInbounds(list []panel.Inbound) {
	f.mu.Lock()
	f.inbounds = list
	f.mu.Unlock()
}

// SetUsage sets the traffic counters of a client.
func (f *FakePanel) SetUsage(email string, up, down int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[email]; ok {
		c.Up, c.Down = up, down
	}
}

// Put stores a client directly, bypassing AddErr.
func (f *FakePanel) Put(spec panel.ClientSpec) {
	f.mu.Lock()
	f.clients[spec.Email] = &FakeRemote{Spec: spec}
	f.mu.Unlock()
}

// Remote returns a copy of the stored client.
func (f *FakePanel) Remote(email string) (FakeRemote, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[email]
	if !ok {
		return FakeRemote{}, false
	}
	return *c, true
}

func (f *FakePanel) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients)
}

func (c *FakeRemote) state() panel.ClientState {
	return panel.ClientState{
		Email:      c.Spec.Email,
		InboundID:  c.Spec.InboundID,
		Enable:     c.Spec.Enable,
		Up:         c.Up,
		Down:       c.Down,
		TotalBytes: c.Spec.TotalBytes,
		ExpiresAt:  c.Spec.ExpiresAt,
	}
}

// FakePanels resolves panel ids to fakes, like panel.Pool does for real clients.
type FakePanels map[uint]*FakePanel

func (fp FakePanels) Client(_ context.Context, panelID uint) (panel.Client, error) {
	f, ok := fp[panelID]
	if !ok {
		return nil, fmt.Errorf("panel %d not found", panelID)
	}
	return f, nil
}

// Unreachable returns the error a panel session gives up with.
func Unreachable(panelID uint) error {
	return &panel.ConnectivityError{PanelID: panelID, Attempts: 3, Err: fmt.Errorf("dial tcp: connection refused")}
}
