package httpapi

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/bus"
	"github.com/matheus3301/omnichat/internal/clock"
	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/realtime"
)

// Config is what every bridge adapter is built from.
type Config struct {
	Provider provider.ID
	BaseURL  string
	// PushURL is the websocket endpoint. Empty derives it from BaseURL.
	PushURL        string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	Policy         realtime.Policy
	Clock          clock.Clock
	Bus            *bus.Bus
	Logger         *zap.Logger
	OnNotice       func(realtime.Notice)
}

// Channel builds the realtime manager for an adapter's push endpoint.
func (c Config) Channel(defaultPath string, decode FrameDecoder) *realtime.Manager {
	url := c.PushURL
	if url == "" {
		url = c.BaseURL + defaultPath
	}
	return realtime.NewManager(realtime.Options{
		Provider: c.Provider,
		Dialer:   NewPushDialer(PushOptions{Provider: c.Provider, URL: url, Decode: decode, Logger: c.Log()}),
		Policy:   c.Policy,
		Clock:    c.Clock,
		Bus:      c.Bus,
		Logger:   c.Logger,
		OnNotice: c.OnNotice,
	})
}

// Client builds the request client for an adapter.
func (c Config) Client(decode ErrorDecoder) *Client {
	return NewClient(ClientOptions{
		Provider:   c.Provider,
		BaseURL:    c.BaseURL,
		Timeout:    c.RequestTimeout,
		HTTPClient: c.HTTPClient,
		Decode:     decode,
	})
}

// Log returns the configured logger, or a no-op logger.
func (c Config) Log() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}
