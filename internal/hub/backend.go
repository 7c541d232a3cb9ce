package hub

import (
	"fmt"

	"github.com/matheus3301/omnichat/internal/auth"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/provider/httpapi"
	"github.com/matheus3301/omnichat/internal/provider/telegram"
	"github.com/matheus3301/omnichat/internal/provider/whatsapp"
	"github.com/matheus3301/omnichat/internal/realtime"
)

// Backend is everything the hub needs from one provider implementation.
type Backend interface {
	provider.Adapter
	auth.Transport
	Channel() *realtime.Manager
}

// ProviderConfig describes one configured provider.
type ProviderConfig struct {
	ID          provider.ID
	Kind        provider.Kind
	BaseURL     string
	PushURL     string
	AutoConnect bool
}

// BackendFactory builds the backend for a provider.
type BackendFactory func(pc ProviderConfig, cfg httpapi.Config) (Backend, error)

// NewBackend selects the adapter implementation by kind.
func NewBackend(pc ProviderConfig, cfg httpapi.Config) (Backend, error) {
	switch pc.Kind {
	case provider.KindTelegram:
		return telegram.New(cfg), nil
	case provider.KindWhatsApp:
		return whatsapp.New(cfg), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", pc.ID, pc.Kind)
	}
}
