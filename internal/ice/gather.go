package ice

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/driftloop/kvsrtc/internal/netio"
	"github.com/driftloop/kvsrtc/internal/stunmsg"
)

// GatherTimeout bounds candidate gathering (spec.md §4.5 "Gathering ends
// when either all probes resolve or a 10 s timeout elapses").
const GatherTimeout = 10 * time.Second

// ReportBatchSize caps how many new local candidates are surfaced per
// upstream dispatch (spec.md §4.5).
const ReportBatchSize = 10

// StunServer is a configured STUN server used for server-reflexive
// gathering.
type StunServer struct {
	Addr *net.UDPAddr
}

// hostInterfaceAddrs enumerates local, non-loopback IPv4/IPv6 addresses,
// grounded on the interface enumeration the lanikai/alohartc from-scratch
// agent performs before opening host sockets.
func hostInterfaceAddrs() ([]net.IP, error) {
	ifaces, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("ice: enumerate interfaces: %w", err)
	}
	var out []net.IP
	for _, addr := range ifaces {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipNet.IP)
	}
	return out, nil
}

// GatherHostCandidates enumerates local interfaces and emits a host
// candidate per (interface, UDP) and per (interface, TCP) (spec.md §4.5).
// tcpFactory may be nil to skip TCP gathering (e.g. a test harness with no
// TCP-capable vnet). TCP host candidates are address-discovery only here:
// the listener is kept open and tracked for Close, but no ICE-TCP (RFC
// 6544) connectivity-check datapath runs over it — connectivity checks and
// the selected-pair send path are still driven over the agent's single UDP
// socket, same as before.
func (a *Agent) GatherHostCandidates(factory netio.PacketConnFactory, tcpFactory netio.TCPListenerFactory) ([]*Candidate, error) {
	addrs, err := hostInterfaceAddrs()
	if err != nil {
		return nil, err
	}

	var out []*Candidate
	for i, ip := range addrs {
		localPref := uint32(len(addrs) - i)

		if cand := a.gatherHostUDPCandidate(factory, ip, localPref); cand != nil {
			out = append(out, cand)
		}
		if tcpFactory == nil {
			continue
		}
		if cand := a.gatherHostTCPCandidate(tcpFactory, ip, localPref); cand != nil {
			out = append(out, cand)
		}
	}
	return out, nil
}

func (a *Agent) gatherHostUDPCandidate(factory netio.PacketConnFactory, ip net.IP, localPref uint32) *Candidate {
	pc, err := factory("udp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		a.log.Warnf("ice: open host udp socket on %s: %v", ip, err)
		return nil
	}
	udpAddr, ok := pc.LocalAddr().(*net.UDPAddr)
	if !ok {
		_ = pc.Close()
		return nil
	}
	cand, err := NewCandidate(KindHost, TransportUDP, udpAddr.IP, uint16(udpAddr.Port), localPref)
	if err != nil {
		_ = pc.Close()
		a.log.Warnf("ice: build host udp candidate: %v", err)
		return nil
	}
	if err := a.AddLocalCandidate(cand); err != nil {
		a.log.Warnf("ice: add host udp candidate: %v", err)
		_ = pc.Close()
		return nil
	}
	return cand
}

func (a *Agent) gatherHostTCPCandidate(tcpFactory netio.TCPListenerFactory, ip net.IP, localPref uint32) *Candidate {
	ln, err := tcpFactory("tcp", net.JoinHostPort(ip.String(), "0"))
	if err != nil {
		a.log.Warnf("ice: open host tcp listener on %s: %v", ip, err)
		return nil
	}
	tcpAddr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		_ = ln.Close()
		return nil
	}
	cand, err := NewCandidate(KindHost, TransportTCP, tcpAddr.IP, uint16(tcpAddr.Port), localPref)
	if err != nil {
		_ = ln.Close()
		a.log.Warnf("ice: build host tcp candidate: %v", err)
		return nil
	}
	if err := a.AddLocalCandidate(cand); err != nil {
		a.log.Warnf("ice: add host tcp candidate: %v", err)
		_ = ln.Close()
		return nil
	}
	a.trackTCPListener(ln)
	return cand
}

// GatherServerReflexiveCandidate issues a STUN binding request to server
// from the given host socket and, on success, emits a server-reflexive
// candidate whose raddr/rport point at the host (spec.md §4.5).
func (a *Agent) GatherServerReflexiveCandidate(ctx context.Context, sock *netio.SocketConnection, host *Candidate, server *StunServer) (*Candidate, error) {
	req, err := stunmsg.NewRequest(stunmsg.MethodBinding)
	if err != nil {
		return nil, err
	}
	raw, err := req.Encode(nil, false)
	if err != nil {
		return nil, err
	}
	if err := sock.Send(raw, server.Addr); err != nil {
		return nil, fmt.Errorf("ice: send srflx binding request: %w", err)
	}

	resp, err := a.waitForTransaction(ctx, req.TransactionID())
	if err != nil {
		return nil, err
	}

	mapped, ok := resp.Get(stunmsg.AttrXORMappedAddress)
	if !ok {
		return nil, fmt.Errorf("ice: srflx response missing XOR-MAPPED-ADDRESS")
	}
	_, ip, port, err := stunmsg.DecodeXORAddress(resp.TransactionID, mapped.Value)
	if err != nil {
		return nil, err
	}

	cand, err := NewCandidate(KindServerReflexive, TransportUDP, net.IP(ip), port, 100)
	if err != nil {
		return nil, err
	}
	cand.RelatedAddress = host.IP
	cand.RelatedPort = host.Port
	if err := a.AddLocalCandidate(cand); err != nil {
		return nil, err
	}
	return cand, nil
}

// ReportNewCandidates invokes the upstream handler once with at most
// ReportBatchSize new, unreported local candidates, marking them reported
// (spec.md §4.5); candidates beyond that wait for the next call. It never
// passes a nil batch: SignalGatherEnd signals completion.
func (a *Agent) ReportNewCandidates() {
	a.mu.Lock()
	var batch []*Candidate
	for _, c := range a.localCandidates {
		if c.Reported {
			continue
		}
		c.Reported = true
		batch = append(batch, c)
		if len(batch) == ReportBatchSize {
			break
		}
	}
	handler := a.onNewLocalCand
	a.mu.Unlock()

	if handler != nil && len(batch) > 0 {
		handler(batch)
	}
}

// SignalGatherEnd notifies the upstream handler that gathering has ended
// (spec.md §4.5: "after end, new-local-candidate(null) is signaled").
func (a *Agent) SignalGatherEnd() {
	a.mu.Lock()
	handler := a.onNewLocalCand
	a.mu.Unlock()
	if handler != nil {
		handler(nil)
	}
}
