// Package ice implements the connectivity engine from spec.md §3/§4.5/§8:
// candidate gathering, pair formation, connectivity checks, nomination,
// keepalive and restart, built on internal/statemachine for the agent-level
// FSM and internal/stunmsg for the wire codec. Grounded primarily on
// other_examples' vendored pion/ice v2 agent (candidate/pair/priority
// model) and the from-scratch lanikai/alohartc agent (gathering/checklist
// shape), since the teacher's own internal/ice is a thin converter around
// the external github.com/pion/ice module rather than a real engine.
package ice

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/pion/randutil"
)

// Caps from spec.md §3/§8 invariant 2.
const (
	MaxLocalCandidates  = 100
	MaxRemoteCandidates = 100
	MaxRelayedCandidates = 4
	MaxPairs            = 1024
)

// Kind is the candidate type, RFC 8445 §4.
type Kind uint8

const (
	KindHost Kind = iota
	KindServerReflexive
	KindPeerReflexive
	KindRelayed
)

func (k Kind) String() string {
	switch k {
	case KindHost:
		return "host"
	case KindServerReflexive:
		return "srflx"
	case KindPeerReflexive:
		return "prflx"
	case KindRelayed:
		return "relay"
	default:
		return "unknown"
	}
}

// typePreference implements RFC 8445 §5.1.2.1's recommended type
// preferences.
func (k Kind) typePreference() uint32 {
	switch k {
	case KindHost:
		return 126
	case KindPeerReflexive:
		return 110
	case KindServerReflexive:
		return 100
	case KindRelayed:
		return 0
	default:
		return 0
	}
}

// Transport is the candidate's transport protocol.
type Transport uint8

const (
	TransportUDP Transport = iota
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// State is the per-candidate lifecycle state (spec.md §3 Candidate).
type State uint8

const (
	StateNewCandidate State = iota
	StateValid
	StateInvalid
)

// Candidate is a network endpoint offered by either side (spec.md §3).
type Candidate struct {
	ID        string
	Kind      Kind
	Transport Transport
	IP        net.IP
	Port      uint16
	Foundation string
	Component  uint16 // always 1: RTP only (spec.md §3)
	Priority   uint32
	State      State

	// RelatedAddress/RelatedPort are raddr/rport: the base for srflx, the
	// allocation's mapped address for relayed.
	RelatedAddress net.IP
	RelatedPort    uint16

	// TurnServer identifies the owning TurnConnection for relayed
	// candidates, by server address string rather than a direct pointer.
	// The agent keeps no table of turn connections, so nothing in this
	// package resolves it.
	TurnServer string

	// Reported marks whether this local candidate has already been
	// surfaced upstream via the batched new-local-candidate dispatch
	// (spec.md §4.5).
	Reported bool

	// localPreference is this candidate's rank among same-kind candidates,
	// used by Priority; interfaces enumerated first get a higher value.
	localPreference uint32
}

// Priority computes the 32-bit candidate priority per RFC 8445 §5.1.2.1:
// (2^24)*type-pref + (2^8)*local-pref + (256 - component-id).
func computePriority(typePref, localPref uint32, component uint16) uint32 {
	return typePref<<24 | (localPref&0xFFFF)<<8 | uint32(256-component)
}

var candidateSeq atomic.Uint64

// NewCandidate builds a Candidate with a computed priority and a random
// short id, grounded on the pion/ice candidate constructor pattern.
func NewCandidate(kind Kind, transport Transport, ip net.IP, port uint16, localPref uint32) (*Candidate, error) {
	id, err := randutil.GenerateCryptoRandomString(8, randutil.CharsetAlphaNumeric)
	if err != nil {
		return nil, fmt.Errorf("ice: generate candidate id: %w", err)
	}
	c := &Candidate{
		ID:              id,
		Kind:            kind,
		Transport:       transport,
		IP:              ip,
		Port:            port,
		Component:       1,
		State:           StateNewCandidate,
		localPreference: localPref,
	}
	c.Foundation = computeFoundation(kind, transport, ip)
	c.Priority = computePriority(kind.typePreference(), localPref, c.Component)
	return c, nil
}

// computeFoundation derives a stable equivalence-class string: candidates
// that share kind, base IP and transport are redundant for checklist
// purposes (RFC 8445 §5.1.1.3).
func computeFoundation(kind Kind, transport Transport, baseIP net.IP) string {
	return fmt.Sprintf("%s-%s-%s", kind, transport, baseIP.String())
}

// NetworkAddr renders the candidate's bound address as a *net.UDPAddr/TCPAddr
// pair-agnostic net.Addr for transport-layer sends.
func (c *Candidate) NetworkAddr() net.Addr {
	if c.Transport == TransportTCP {
		return &net.TCPAddr{IP: c.IP, Port: int(c.Port)}
	}
	return &net.UDPAddr{IP: c.IP, Port: int(c.Port)}
}

// SameFamily reports whether two candidates share an address family,
// required before forming a pair (spec.md §4.5 "Pair formation").
func (c *Candidate) SameFamily(other *Candidate) bool {
	return (c.IP.To4() != nil) == (other.IP.To4() != nil)
}
