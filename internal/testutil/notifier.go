package testutil

import (
	"sync"

	"moonvpn/internal/models"
)

// Notifications records notifier events for assertions.
type Notifications struct {
	mu        sync.Mutex
	Expired   []uint
	Exceeded  []uint
	Failed    []uint
	Unhealthy []uint
}

func (n *Notifications) AccountExpired(acc models.ClientAccount) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Expired = append(n.Expired, acc.ID)
}

func (n *Notifications) TrafficExceeded(acc models.ClientAccount) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Exceeded = append(n.Exceeded, acc.ID)
}

func (n *Notifications) MigrationFailed(acc models.ClientAccount, _ string, _ error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Failed = append(n.Failed, acc.ID)
}

func (n *Notifications) PanelUnhealthy(panelID uint, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Unhealthy = append(n.Unhealthy, panelID)
}

// Snapshot returns copies of the recorded ids.
func (n *Notifications) Snapshot() (expired, exceeded, failed, unhealthy []uint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := func(s []uint) []uint { return append([]uint(nil), s...) }
	return cp(n.Expired), cp(n.Exceeded), cp(n.Failed), cp(n.Unhealthy)
}
