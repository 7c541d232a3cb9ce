// Package httpapi is the transport shared by the HTTP bridge adapters: a
// JSON request helper with per-request timeouts and structured error
// decoding, and a websocket push connection.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/omnichat/internal/provider"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 8 << 20

// ErrorDecoder turns a non-2xx response into a classified error. It
// returns nil when the body does not carry the backend's error shape.
type ErrorDecoder func(status int, body []byte) *provider.Error

// ClientOptions configures a Client.
type ClientOptions struct {
	Provider provider.ID
	BaseURL  string
	// Timeout bounds every request. Zero means 30s.
	Timeout    time.Duration
	HTTPClient *http.Client
	Decode     ErrorDecoder
}

// Client performs JSON requests against one bridge.
type Client struct {
	id         provider.ID
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	decode     ErrorDecoder
}

// NewClient creates a Client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		id:         opts.Provider,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
		decode:     opts.Decode,
	}
}

// Request describes one call.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Token is sent as a bearer token when non-empty.
	Token string
	Body  any
}

// Do performs req and decodes a 2xx JSON body into out (which may be nil).
// Network failures and timeouts are TransientNetwork; error responses go
// through the ErrorDecoder and fall back to a classification by status.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	requestURL := c.baseURL + req.Path
	if len(req.Query) > 0 {
		requestURL += "?" + req.Query.Encode()
	}

	var bodyReader io.Reader
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("%s: encode request body: %w", c.id, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, req.Method, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", c.id, err)
	}
	request.Header.Set("Accept", "application/json")
	if req.Body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		request.Header.Set("Authorization", "Bearer "+req.Token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return provider.Transient(c.id, fmt.Errorf("%s %s: %w", req.Method, req.Path, err))
	}
	defer func() { _ = response.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return provider.Transient(c.id, fmt.Errorf("read response of %s %s: %w", req.Method, req.Path, err))
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%s: parse %s %s response: %w", c.id, req.Method, req.Path, err)
		}
		return nil
	}

	if c.decode != nil {
		if perr := c.decode(response.StatusCode, body); perr != nil {
			perr.Provider = c.id
			return perr
		}
	}
	return StatusError(c.id, response.StatusCode, body)
}

// StatusError classifies a response that carried no structured error.
func StatusError(p provider.ID, status int, body []byte) *provider.Error {
	code := "HTTP_" + strconv.Itoa(status)
	reason := strings.TrimSpace(string(body))
	if len(reason) > 200 {
		reason = reason[:200]
	}
	switch {
	case status == http.StatusUnauthorized:
		return provider.Expired(p, code, reason)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return &provider.Error{Kind: provider.KindTransientNetwork, Provider: p, Code: code, Reason: reason}
	default:
		return provider.Rejected(p, code, reason)
	}
}
