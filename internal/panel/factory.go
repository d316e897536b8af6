package panel

import (
	"fmt"

	"go.uber.org/zap"

	"moonvpn/internal/models"
)

// New builds the session and vendor client for a panel.
func New(p *models.Panel, store TokenStore, opts SessionOptions, log *zap.Logger) (Client, *Session, error) {
	switch p.Type {
	case models.PanelTypeXUI, "xui", "3x-ui":
		s := NewSession(p, &xuiAuth{username: p.Username, password: p.Password}, store, opts, log)
		return newXUIClient(s), s, nil
	case models.PanelTypeMarzban:
		s := NewSession(p, &marzbanAuth{username: p.Username, password: p.Password}, store, opts, log)
		return newMarzbanClient(s), s, nil
	default:
		return nil, nil, fmt.Errorf("unsupported panel type: %s", p.Type)
	}
}

// SupportedType reports whether New can build a client for t.
func SupportedType(t string) bool {
	switch t {
	case models.PanelTypeXUI, "xui", "3x-ui", models.PanelTypeMarzban:
		return true
	}
	return false
}
