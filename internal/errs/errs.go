// Package errs implements the proxy's error taxonomy: a small set of
// error kinds the core can map to downstream HTTP responses, carried by
// a single structured error type rather than one Go type per kind.
package errs

import (
	"fmt"
	"net/http"
)

// UpstreamStatus is the minimal slice of an upstream response a
// KindTunnelRefused error needs to carry for diagnostics and for the
// downstream status-mapping policy in spec §7 — just enough to avoid a
// dependency on internal/wire, which itself depends on this package.
type UpstreamStatus struct {
	StatusCode        int
	Reason            string
	ProxyAuthenticate string
}

// Kind identifies one of the taxonomy's error categories.
type Kind string

const (
	// KindConfiguration covers missing/invalid config discovered at
	// first use (credentials store, pool construction).
	KindConfiguration Kind = "configuration"

	// KindMalformedRequest covers a client request head that cannot be
	// parsed within the framing rules of internal/wire.
	KindMalformedRequest Kind = "malformed_request"

	// KindUpstreamIO covers TCP/IO failure contacting the upstream
	// proxy (dial failure, reset mid-read, short write).
	KindUpstreamIO Kind = "upstream_io"

	// KindUpstreamProtocol covers a non-negotiable upstream response:
	// status < 200, or framing the negotiator can't interpret.
	KindUpstreamProtocol Kind = "upstream_protocol"

	// KindTunnelRefused covers a CONNECT that ended in a terminal
	// non-2xx status after the NTLM loop exhausted its challenges.
	KindTunnelRefused Kind = "tunnel_refused"

	// KindAuthExhausted covers an NTLM loop that ended without success
	// and without further challenge material to try.
	KindAuthExhausted Kind = "auth_exhausted"
)

// Error is the proxy's structured error type: an operation, a kind, an
// optional wrapped cause, and (only for KindTunnelRefused) the upstream
// response so callers can report it to the downstream client verbatim.
type Error struct {
	Kind     Kind
	Op       string
	Cause    error
	Response *UpstreamStatus // non-nil only for KindTunnelRefused
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("prfoom: %s: %s", e.Op, e.Kind)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errs.KindX) work by comparing kinds, so callers
// don't need a sentinel *Error value per kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && e.Kind == k
}

// Error implements the error interface for Kind itself so that
// errors.Is(err, KindX) has something concrete to compare against via
// the Is method above (Kind is never returned as the error itself).
func (k Kind) Error() string { return string(k) }

// New constructs an *Error of the given kind for operation op, wrapping
// cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Cause: cause}
}

// NewTunnelRefused constructs a KindTunnelRefused error carrying the
// upstream's terminal response for diagnostics.
func NewTunnelRefused(op string, resp UpstreamStatus) *Error {
	return &Error{Kind: KindTunnelRefused, Op: op, Response: &resp}
}

// StatusFor maps an error produced by this package to the downstream
// HTTP status the propagation policy in spec §7 requires, for use
// before any response byte has been written to the client.
func StatusFor(err error) int {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		return http.StatusBadGateway
	}
	switch e.Kind {
	case KindMalformedRequest:
		return http.StatusBadRequest
	case KindTunnelRefused:
		if e.Response != nil && e.Response.ProxyAuthenticate != "" {
			return http.StatusProxyAuthRequired
		}
		return e.statusOrDefault()
	case KindUpstreamIO, KindUpstreamProtocol, KindAuthExhausted, KindConfiguration:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}

// ReasonFor maps an error produced by this package to the reason phrase
// that belongs next to StatusFor's status code, preferring the upstream's
// own reason (spec §8 S2: a 403 Forbidden must be rendered downstream as
// "403 Forbidden", not a generic placeholder) and falling back to the
// standard phrase for the mapped status when the upstream didn't supply
// one (or isn't involved at all, e.g. a local parse failure).
func ReasonFor(err error) string {
	e, ok := err.(*Error)
	if !ok {
		return http.StatusText(http.StatusBadGateway)
	}
	if e.Kind == KindTunnelRefused {
		if e.Response != nil && e.Response.ProxyAuthenticate != "" {
			return http.StatusText(http.StatusProxyAuthRequired)
		}
		if e.Response != nil && e.Response.Reason != "" {
			return e.Response.Reason
		}
	}
	return http.StatusText(StatusFor(err))
}

func (e *Error) statusOrDefault() int {
	if e.Response != nil {
		return e.Response.StatusCode
	}
	return http.StatusBadGateway
}
