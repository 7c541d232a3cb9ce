package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/matheus3301/omnichat/internal/provider"
	"github.com/matheus3301/omnichat/internal/realtime"
)

// Close codes a bridge uses to say the session is no longer accepted.
const (
	CloseSessionInvalid websocket.StatusCode = 4001
	pushReadLimit                            = 1 << 20
)

// Frame is one push message: {"type": ..., "payload": {...}, "source": ...}.
type Frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Source  string          `json:"source,omitempty"`
}

// FrameDecoder turns a frame into an event. ok is false for frame types
// the adapter does not handle; those are skipped.
type FrameDecoder func(f Frame) (evt provider.Event, ok bool, err error)

// PushOptions configures a push dial.
type PushOptions struct {
	Provider provider.ID
	URL      string
	Decode   FrameDecoder
	// SessionCloseCodes are close codes meaning the session was revoked.
	// Defaults to policy violation (1008) and 4001.
	SessionCloseCodes []websocket.StatusCode
	Logger            *zap.Logger
}

// PushDialer opens push connections; it satisfies realtime.Dialer.
type PushDialer struct {
	opts PushOptions
}

// NewPushDialer returns a dialer for opts.
func NewPushDialer(opts PushOptions) *PushDialer {
	if len(opts.SessionCloseCodes) == 0 {
		opts.SessionCloseCodes = []websocket.StatusCode{websocket.StatusPolicyViolation, CloseSessionInvalid}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &PushDialer{opts: opts}
}

// Dial connects with the session token as bearer credentials.
func (d *PushDialer) Dial(ctx context.Context, s provider.Session) (realtime.Conn, error) {
	conn, resp, err := websocket.Dial(ctx, d.opts.URL, &websocket.DialOptions{ //nolint:bodyclose // websocket.Dial closes the response body internally
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.Token}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, provider.Expired(d.opts.Provider, fmt.Sprintf("HTTP_%d", resp.StatusCode), "push endpoint refused the session")
		}
		return nil, provider.Transient(d.opts.Provider, fmt.Errorf("dial push: %w", err))
	}
	conn.SetReadLimit(pushReadLimit)
	return &PushConn{conn: conn, opts: d.opts}, nil
}

// PushConn is a live websocket push channel.
type PushConn struct {
	conn *websocket.Conn
	opts PushOptions
}

// Read returns the next decodable event. Frames of unknown type and frames
// that fail to decode are skipped.
func (c *PushConn) Read(ctx context.Context) (provider.Event, error) {
	for {
		var f Frame
		if err := wsjson.Read(ctx, c.conn, &f); err != nil {
			return provider.Event{}, c.classify(ctx, err)
		}
		evt, ok, err := c.opts.Decode(f)
		if err != nil {
			// Skipped like an unknown type; the channel stays up.
			c.opts.Logger.Warn("dropping undecodable push frame",
				zap.String("provider", string(c.opts.Provider)),
				zap.String("type", f.Type),
				zap.Int("payload_bytes", len(f.Payload)),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if f.Source != "" {
			evt.Source = provider.ID(f.Source)
		}
		return evt, nil
	}
}

func (c *PushConn) classify(ctx context.Context, err error) error {
	code := websocket.CloseStatus(err)
	if code == -1 {
		if ctx.Err() != nil {
			return provider.Transient(c.opts.Provider, ctx.Err())
		}
		return provider.Transient(c.opts.Provider, fmt.Errorf("read push: %w", err))
	}
	reason := ""
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		reason = ce.Reason
	}
	if slices.Contains(c.opts.SessionCloseCodes, code) {
		return provider.Expired(c.opts.Provider, fmt.Sprintf("CLOSE_%d", int(code)), reason)
	}
	return provider.Closed(c.opts.Provider, int(code), reason)
}

// Ping round-trips a websocket ping. A concurrent Read must be running.
func (c *PushConn) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close closes the connection with a normal closure.
func (c *PushConn) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}
