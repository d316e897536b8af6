package panel

import (
	"context"
	"time"
)

// ClientSpec describes a VPN client as it should exist on a panel.
type ClientSpec struct {
	InboundID  int    // panel-side inbound id
	InboundTag string // used by panels that address inbounds by tag
	Protocol   string
	UUID       string
	Email      string
	SubID      string
	TotalBytes int64 // 0 means unlimited
	ExpiresAt  time.Time
	Enable     bool
}

// ClientState is the panel's view of one client.
type ClientState struct {
	Email      string
	InboundID  int
	Enable     bool
	Up         int64
	Down       int64
	TotalBytes int64
	ExpiresAt  time.Time
}

// Used returns total transferred bytes.
func (c ClientState) Used() int64 {
	return c.Up + c.Down
}

// Remaining returns quota left, or 0 for unlimited or exhausted clients.
func (c ClientState) Remaining() int64 {
	if c.TotalBytes <= 0 {
		return 0
	}
	if rem := c.TotalBytes - c.Used(); rem > 0 {
		return rem
	}
	return 0
}

// Inbound is a listener as reported by the panel.
type Inbound struct {
	RemoteID int
	Tag      string
	Protocol string
	Port     int
	Remark   string
	Network  string
	Security string
	Enable   bool
	Clients  int
}

// Client is the capability set every supported panel vendor provides.
// Clients are addressed by email for reads and by UUID for writes.
type Client interface {
	Type() string

	AddClient(ctx context.Context, spec ClientSpec) error
	// UpdateClient rewrites quota, expiry and enable flag in place. Returns ErrNotFound when absent.
	UpdateClient(ctx context.Context, spec ClientSpec) error
	// DeleteClient returns ErrNotFound when the client is already gone.
	DeleteClient(ctx context.Context, inboundID int, uuid, email string) error
	GetClient(ctx context.Context, email string) (*ClientState, error)
	// ClientTraffics returns every client on the panel keyed by email, in one call.
	ClientTraffics(ctx context.Context) (map[string]ClientState, error)
	ResetClientTraffic(ctx context.Context, inboundID int, email string) error

	ListInbounds(ctx context.Context) ([]Inbound, error)
	RestartService(ctx context.Context) error
	Ping(ctx context.Context) error
}
