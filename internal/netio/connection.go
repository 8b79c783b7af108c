package netio

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// RelayShim is satisfied by internal/turn.Connection: once a SocketConnection
// is wrapped in a relayed context, sends route through a TURN send-
// indication/channel-data frame instead of hitting the network directly
// (spec.md §4.4).
type RelayShim interface {
	SendRelayed(payload []byte, peer net.Addr) error
}

// SocketConnection is a per-peer UDP/TCP endpoint: a thin send/receive
// wrapper around a net.PacketConn, optionally shimmed through a TURN
// allocation.
type SocketConnection struct {
	pc   net.PacketConn
	shim RelayShim // nil unless this connection rides a TURN allocation

	closed atomic.Bool
	mu     sync.Mutex
}

// NewSocketConnection wraps an already-bound net.PacketConn.
func NewSocketConnection(pc net.PacketConn) *SocketConnection {
	return &SocketConnection{pc: pc}
}

// SetRelayShim installs (or clears, with nil) the TURN shim used for sends.
func (s *SocketConnection) SetRelayShim(shim RelayShim) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shim = shim
}

// Send transmits payload to dst, through the TURN shim if one is installed,
// otherwise directly on the underlying socket.
func (s *SocketConnection) Send(payload []byte, dst net.Addr) error {
	if s.closed.Load() {
		return fmt.Errorf("netio: send on closed socket connection")
	}
	s.mu.Lock()
	shim := s.shim
	s.mu.Unlock()

	if shim != nil {
		return shim.SendRelayed(payload, dst)
	}
	_, err := s.pc.WriteTo(payload, dst)
	return err
}

// PacketConn exposes the underlying net.PacketConn for registration with a
// Listener.
func (s *SocketConnection) PacketConn() net.PacketConn { return s.pc }

// LocalAddr returns the bound local address.
func (s *SocketConnection) LocalAddr() net.Addr { return s.pc.LocalAddr() }

// Close is idempotent.
func (s *SocketConnection) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pc.Close()
}
