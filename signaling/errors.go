package signaling

import "fmt"

// Kind is the error taxonomy from spec.md §7: every error this package
// surfaces to a caller (as opposed to ones retried silently inside the FSM)
// carries one of these.
type Kind string

const (
	KindInvalidArgument    Kind = "invalid-argument"
	KindInvalidState       Kind = "invalid-state"
	KindTimeout            Kind = "timeout"
	KindAuth               Kind = "auth"
	KindNotFound           Kind = "not-found"
	KindConflict           Kind = "conflict"
	KindTransport          Kind = "transport"
	KindProtocol           Kind = "protocol"
	KindResourceExhausted  Kind = "resource-exhausted"
	KindGoAway             Kind = "go-away"
	KindReconnectICE       Kind = "reconnect-ice"
	KindCancelled          Kind = "cancelled"
)

// ClientError carries a Kind alongside the underlying cause, so callers can
// switch on Kind without string-matching (spec.md §7).
type ClientError struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *ClientError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling: %s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("signaling: %s: %s", e.Kind, e.Reason)
}

func (e *ClientError) Unwrap() error { return e.Err }

// ProtocolError is the protocol-kind counterpart of ClientError, a separate
// type (errors.As to *ClientError does not match it), used for
// the SDP/ICE-candidate/WebSocket-envelope deserializers' specific failure
// reasons (spec.md §6: "missing-candidate / missing-sdp / invalid-type").
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("signaling: protocol: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("signaling: protocol: %s", e.Reason)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Kind() Kind { return KindProtocol }
