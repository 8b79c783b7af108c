package ice

import (
	"net"

	"github.com/driftloop/kvsrtc/internal/stunmsg"
)

// pairByRemote finds the pair whose remote candidate's address matches src;
// used to correlate inbound STUN traffic that isn't a gathering-time
// response (which instead resolves through the agent's transactionTable).
func (a *Agent) pairByRemote(src net.Addr) *CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.pairs.pairs {
		if sameHostPort(p.Remote.NetworkAddr(), src) {
			return p
		}
	}
	return nil
}

func sameHostPort(a, b net.Addr) bool {
	return a.String() == b.String()
}

// ReceivePacket is the netio.ReceiveHandler the agent registers with its
// ConnectionListener. Non-STUN packets (RTP/RTCP/DTLS) are handed to
// onMediaPacket for the upper bearer layer; spec.md §6 detection uses the
// magic-cookie offset.
func (a *Agent) ReceivePacket(packet []byte, src, _ net.Addr) {
	if !stunmsg.IsStunMessage(packet) {
		a.RecordInboundActivity()
		if a.onMediaPacket != nil {
			a.onMediaPacket(packet, src)
		}
		return
	}

	msg, err := stunmsg.Parse(packet)
	if err != nil {
		a.log.Debugf("ice: drop malformed stun packet from %s: %v", src, err)
		return
	}

	switch msg.Class {
	case stunmsg.ClassSuccessResponse, stunmsg.ClassErrorResponse:
		if pair := a.pairByRemote(src); pair != nil {
			a.HandleBindingResponse(pair, msg)
			return
		}
		a.transactions.Resolve(msg)
	case stunmsg.ClassRequest:
		pair := a.pairByRemote(src)
		if pair == nil {
			return // peer-reflexive discovery via unknown-source requests is out of scope for this pass
		}
		_, useCandidate := msg.Get(stunmsg.AttrUseCandidate)
		if err := a.HandleBindingRequest(pair, msg, useCandidate); err != nil {
			a.log.Warnf("ice: handle binding request: %v", err)
		}
	case stunmsg.ClassIndication:
		a.RecordInboundActivity()
	}
}

// MediaPacketHandler receives non-STUN packets arriving on the agent's
// socket, handing media/data off to the upper bearer layer (DTLS/SRTP/
// SCTP), which is an external collaborator per spec.md §1.
type MediaPacketHandler func(packet []byte, src net.Addr)
