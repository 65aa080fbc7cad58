package peripheral

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure at the peripheral boundary.
type ErrorKind string

const (
	CapabilityDenied     ErrorKind = "capability_denied"
	TransportUnavailable ErrorKind = "transport_unavailable"
	ProtocolMismatch     ErrorKind = "protocol_mismatch"
	PeerUnreachable      ErrorKind = "peer_unreachable"
	InvalidState         ErrorKind = "invalid_state"
	NotConnected         ErrorKind = "not_connected"
)

// LinkError represents any peripheral-level failure. Errors compare equal
// under errors.Is when their kinds match, so wrapped instances carrying a
// message still match the sentinels below.
type LinkError struct {
	Kind ErrorKind
	Msg  string
}

// Error implements the error interface
func (e *LinkError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Is allows errors.Is to compare LinkError values by Kind
func (e *LinkError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*LinkError)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Predefined sentinel errors
var (
	ErrCapabilityDenied     = &LinkError{Kind: CapabilityDenied}
	ErrTransportUnavailable = &LinkError{Kind: TransportUnavailable}
	ErrProtocolMismatch     = &LinkError{Kind: ProtocolMismatch}
	ErrPeerUnreachable      = &LinkError{Kind: PeerUnreachable}
	ErrInvalidState         = &LinkError{Kind: InvalidState}
	ErrNotConnected         = &LinkError{Kind: NotConnected}
)

func newLinkError(kind ErrorKind, format string, args ...any) *LinkError {
	return &LinkError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a LinkError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	var lerr *LinkError
	if errors.As(err, &lerr) {
		return lerr.Kind == kind
	}
	return false
}
