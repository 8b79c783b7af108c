package netio

import (
	"net"

	"github.com/pion/transport/v4/vnet"
)

// PacketConnFactory abstracts how a candidate gatherer opens a new UDP
// socket, so tests can swap in a deterministic virtual network instead of
// the host's real interfaces.
type PacketConnFactory func(network, address string) (net.PacketConn, error)

// StdNetFactory is the production PacketConnFactory: plain net.ListenPacket.
func StdNetFactory(network, address string) (net.PacketConn, error) {
	return net.ListenPacket(network, address)
}

// TCPListenerFactory abstracts how a candidate gatherer opens a TCP
// listening socket for a host candidate (RFC 6544 "passive" tcptype),
// mirroring PacketConnFactory's swappable-factory shape for tests.
type TCPListenerFactory func(network, address string) (net.Listener, error)

// StdNetTCPFactory is the production TCPListenerFactory: plain net.Listen.
func StdNetTCPFactory(network, address string) (net.Listener, error) {
	return net.Listen(network, address)
}

// VNetFactory adapts a pion/transport/v4/vnet.Net into a PacketConnFactory,
// letting ICE gathering/connectivity-check tests run against a simulated
// network (NAT behavior, packet loss, latency) instead of the loopback
// interface. Grounded on the same vnet-based test harness the teacher's own
// ICE/SCTP/DTLS test suites use.
func VNetFactory(n *vnet.Net) PacketConnFactory {
	return func(network, address string) (net.PacketConn, error) {
		return n.ListenPacket(network, address)
	}
}
