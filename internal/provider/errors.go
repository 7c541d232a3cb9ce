package provider

import (
	"errors"
	"fmt"
)

// ErrorKind is the error taxonomy shared by every provider.
type ErrorKind int

const (
	// KindInvalidCredential: the submitted identifier/code/password was wrong.
	KindInvalidCredential ErrorKind = iota + 1
	// KindSessionExpired: the session (or auth attempt) is no longer valid
	// and the user must re-authenticate.
	KindSessionExpired
	// KindTransientNetwork: timeouts, refused connections, 5xx. Retryable.
	KindTransientNetwork
	// KindBackendRejected: an application error reported by the backend,
	// surfaced verbatim.
	KindBackendRejected
	// KindChannelClosed: the push channel closed with a close code.
	KindChannelClosed
	// KindCacheCorrupt: the local cache could not be read.
	KindCacheCorrupt
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredential:
		return "invalid_credential"
	case KindSessionExpired:
		return "session_expired"
	case KindTransientNetwork:
		return "transient_network"
	case KindBackendRejected:
		return "backend_rejected"
	case KindChannelClosed:
		return "channel_closed"
	case KindCacheCorrupt:
		return "cache_corrupt"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is the structured error returned across the provider boundary.
// Use errors.As to inspect it:
//
//	var perr *provider.Error
//	if errors.As(err, &perr) && perr.Kind == provider.KindSessionExpired { ... }
type Error struct {
	Kind     ErrorKind
	Provider ID
	// Code is the backend's structured error code (e.g. "SESSION_REVOKED"),
	// or the websocket close code for KindChannelClosed.
	Code string
	// Reason is the human-readable message from the backend.
	Reason string
	// CloseCode is set for KindChannelClosed.
	CloseCode int
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the taxonomy kind of err, or 0 if err is not a *Error.
func KindOf(err error) ErrorKind {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Kind
	}
	return 0
}

// IsSessionInvalid reports whether err means the caller must re-authenticate.
func IsSessionInvalid(err error) bool {
	return KindOf(err) == KindSessionExpired
}

// IsRetryable reports whether err may be retried without user involvement.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientNetwork, KindChannelClosed:
		return true
	}
	return false
}

// Transient wraps a network-level failure.
func Transient(p ID, err error) *Error {
	return &Error{Kind: KindTransientNetwork, Provider: p, Err: err}
}

// Rejected builds a BackendRejected error.
func Rejected(p ID, code, reason string) *Error {
	return &Error{Kind: KindBackendRejected, Provider: p, Code: code, Reason: reason}
}

// Expired builds a SessionExpired error.
func Expired(p ID, code, reason string) *Error {
	return &Error{Kind: KindSessionExpired, Provider: p, Code: code, Reason: reason}
}

// Closed builds a ChannelClosed error for a websocket close code.
func Closed(p ID, closeCode int, reason string) *Error {
	return &Error{Kind: KindChannelClosed, Provider: p, CloseCode: closeCode, Code: fmt.Sprint(closeCode), Reason: reason}
}
