// Package bearer describes, as plain Go interfaces, the external
// collaborators spec.md §1 deliberately keeps out of this module's
// implementation scope: DTLS key agreement, SRTP/SRTCP media encryption,
// and SCTP/DCEP data channels. Once the ICE agent selects a pair, it hands
// a send/receive bearer down to these layers; this package names the
// contract so the rest of the tree has a concrete type to compile against
// without owning any of the cryptography or reliable-delivery logic
// itself.
package bearer

import (
	"context"
	"net"

	"github.com/pion/datachannel"
	"github.com/pion/dtls/v3"
	"github.com/pion/sctp"
	"github.com/pion/srtp/v3"
)

// PacketBearer is what the ICE agent hands to every upper layer: a
// connected, unreliable, ordered-within-pair datagram path over the
// selected CandidatePair. It is satisfied by internal/ice.Agent's
// Send/ReceivePacket pairing via a small net.Conn-shaped adapter the
// signaling/cmd wiring layer constructs; this package only names the shape.
type PacketBearer interface {
	net.Conn
}

// SecureTransport is the DTLS handshake contract: given the bearer produced
// once ICE nominates a pair, perform (or resume) a DTLS handshake and
// return the resulting *dtls.Conn, from which SRTP/SRTCP keying material is
// exported per RFC 5764.
type SecureTransport interface {
	// Handshake runs the DTLS handshake as either client or server,
	// determined by the ICE controlling/controlled role (spec.md §4.5),
	// over conn.
	Handshake(ctx context.Context, conn PacketBearer, cfg *dtls.Config, isClient bool) (*dtls.Conn, error)
}

// MediaBearer is the SRTP/SRTCP contract: once DTLS-SRTP keying material is
// exported, wrap the secured connection in SRTP encrypt/decrypt contexts
// for RTP media and RTCP feedback (NACK, PLI, REMB), which
// internal/rtcpbuffer answers against.
type MediaBearer interface {
	NewSessionSRTP(conn net.Conn, config *srtp.Config) (*srtp.SessionSRTP, error)
	NewSessionSRTCP(conn net.Conn, config *srtp.Config) (*srtp.SessionSRTCP, error)
}

// DataBearer is the SCTP/DCEP contract for reliable data channels
// negotiated per RFC 8831/8832 over the same DTLS-secured connection. SCTP
// SO (simultaneous open, RFC 4960 §5) means both sides dial sctp.Client;
// there is no listener role at this layer.
type DataBearer interface {
	Associate(conn net.Conn) (*sctp.Association, error)
	OpenChannel(assoc *sctp.Association, streamID uint16, cfg *datachannel.Config) (*datachannel.DataChannel, error)
	AcceptChannel(assoc *sctp.Association) (*datachannel.DataChannel, error)
}
