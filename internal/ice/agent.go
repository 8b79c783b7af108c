package ice

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/randutil"

	"github.com/driftloop/kvsrtc/internal/netio"
	"github.com/driftloop/kvsrtc/internal/statemachine"
	"github.com/driftloop/kvsrtc/internal/stunmsg"
)

// Agent-level FSM states (spec.md §4.5 "State machine (agent-level)").
const (
	StateNew statemachine.StateID = iota
	StateCheckingConnection
	StateNominating
	StateConnected
	StateReady
	StateDisconnected
	StateFailed
)

// Ta is the ICE pacing interval between check transmissions (spec.md §4.5,
// RFC 8445 §6.1.4).
const Ta = 50 * time.Millisecond

// Keepalive/failure thresholds (spec.md §4.5 "Keepalive").
const (
	KeepaliveInterval     = 15 * time.Second
	DisconnectedThreshold = 30 * time.Second
	FailedThreshold       = 45 * time.Second
)

// CheckRetryBudget and CheckRetryBase implement the 7-attempt, 50->1600ms
// binding-request retry policy (spec.md §4.5 "Failure policy").
const (
	CheckRetryBudget = 7
	CheckRetryBase   = 50 * time.Millisecond
)

// ConnectionStateHandler is invoked whenever the agent-level FSM changes
// state, mirroring the original C SDK's connection-state-change callback.
type ConnectionStateHandler func(state statemachine.StateID)

// NewLocalCandidateHandler receives batches of newly-gathered local
// candidates (spec.md §4.5: "reported upstream in batches, ≤10 per
// dispatch"); a nil slice signals gathering end.
type NewLocalCandidateHandler func(batch []*Candidate)

// TurnConnection is the subset of internal/turn.Connection the agent needs,
// kept as an interface so ice doesn't import turn directly.
type TurnConnection interface {
	IsAllocated() bool
	RelayedAddress() net.Addr
	CreatePermission(peer net.Addr)
}

// Agent is the IceAgent from spec.md §3: owns candidate/pair lists, the
// triggered-check queue, STUN templates, role/credential state and the
// agent-level FSM.
type Agent struct {
	log logging.LeveledLogger

	// mu covers candidate/pair lists, the selected pair and FSM context; it
	// must never be held across socket I/O (spec.md §9 "Shared resources"):
	// callers snapshot pointers, release, then send.
	mu sync.Mutex

	localCandidates  []*Candidate
	remoteCandidates []*Candidate
	relayedCount     int
	pairs            pairList
	selected         *CandidatePair

	triggered []*CandidatePair // push-front on inbound (LIFO), pop-front on service

	controlling bool
	tieBreaker  uint64
	localUfrag  string
	localPwd    string
	remoteUfrag string
	remotePwd   string

	fsm *statemachine.Machine

	lastRecv time.Time

	socket *netio.SocketConnection

	// tcpListeners holds the passive TCP host-candidate listeners opened by
	// GatherHostCandidates, so Close can release them.
	tcpListeners []net.Listener

	transactions *transactionTable

	onConnectionState ConnectionStateHandler
	onNewLocalCand    NewLocalCandidateHandler
	onMediaPacket     MediaPacketHandler

	closed   bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// Config carries the construction-time parameters an Agent needs.
type Config struct {
	Controlling bool
	Socket      *netio.SocketConnection
	LoggerFactory logging.LoggerFactory
	OnConnectionStateChange ConnectionStateHandler
	OnNewLocalCandidate     NewLocalCandidateHandler
	OnMediaPacket           MediaPacketHandler
}

// NewAgent constructs an Agent in state New with freshly generated
// ufrag/password, per spec.md §3.
func NewAgent(cfg Config) (*Agent, error) {
	ufrag, err := randutil.GenerateCryptoRandomString(4, randutil.CharsetAlphaNumeric)
	if err != nil {
		return nil, fmt.Errorf("ice: generate ufrag: %w", err)
	}
	pwd, err := randutil.GenerateCryptoRandomString(22, randutil.CharsetAlphaNumeric)
	if err != nil {
		return nil, fmt.Errorf("ice: generate password: %w", err)
	}

	factory := cfg.LoggerFactory
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}

	a := &Agent{
		log:               factory.NewLogger("ice"),
		controlling:       cfg.Controlling,
		tieBreaker:        rand.Uint64(),
		localUfrag:        ufrag,
		localPwd:          pwd,
		socket:            cfg.Socket,
		transactions:      newTransactionTable(),
		onConnectionState: cfg.OnConnectionStateChange,
		onNewLocalCand:    cfg.OnNewLocalCandidate,
		onMediaPacket:     cfg.OnMediaPacket,
		stopCh:            make(chan struct{}),
	}

	table := a.buildFSMTable()
	fsm, err := statemachine.New(table, StateNew)
	if err != nil {
		return nil, err
	}
	a.fsm = fsm
	return a, nil
}

func (a *Agent) buildFSMTable() []*statemachine.State {
	notify := func(id statemachine.StateID) statemachine.ExecuteFunc {
		return func(_ context.Context, _ interface{}, _ time.Time) error {
			if a.onConnectionState != nil {
				a.onConnectionState(id)
			}
			return nil
		}
	}
	return []*statemachine.State{
		{ID: StateNew, AcceptMask: statemachine.AcceptMask(StateNew), NextState: fixedNext(StateNew), Execute: notify(StateNew)},
		{
			ID:         StateCheckingConnection,
			AcceptMask: statemachine.AcceptMask(StateNew, StateDisconnected, StateCheckingConnection),
			NextState:  fixedNext(StateCheckingConnection),
			Execute:    notify(StateCheckingConnection),
		},
		{
			ID:         StateNominating,
			AcceptMask: statemachine.AcceptMask(StateCheckingConnection, StateNominating),
			NextState:  fixedNext(StateNominating),
			Execute:    notify(StateNominating),
		},
		{
			ID:         StateConnected,
			AcceptMask: statemachine.AcceptMask(StateNominating, StateDisconnected, StateConnected),
			NextState:  fixedNext(StateConnected),
			Execute:    notify(StateConnected),
		},
		{
			ID:         StateReady,
			AcceptMask: statemachine.AcceptMask(StateConnected, StateReady),
			NextState:  fixedNext(StateReady),
			Execute:    notify(StateReady),
		},
		{
			ID:          StateDisconnected,
			AcceptMask:  statemachine.AcceptMask(StateConnected, StateReady, StateDisconnected),
			NextState:   fixedNext(StateDisconnected),
			Execute:     notify(StateDisconnected),
			RetryBudget: statemachine.InfiniteRetries,
		},
		{
			ID:         StateFailed,
			AcceptMask: statemachine.AcceptMask(StateDisconnected, StateCheckingConnection, StateFailed),
			NextState:  fixedNext(StateFailed),
			Execute:    notify(StateFailed),
		},
	}
}

// fixedNext builds a NextStateFunc that stays put until ForceState moves the
// machine; the agent drives its own FSM by calling ForceState directly from
// the check/keepalive loop rather than via repeated Step calls, since
// transitions here are event-triggered, not poll-driven.
func fixedNext(id statemachine.StateID) statemachine.NextStateFunc {
	return func(interface{}) (statemachine.StateID, error) { return id, nil }
}

// CurrentState returns the agent-level FSM's current state.
func (a *Agent) CurrentState() statemachine.StateID {
	return a.fsm.CurrentState()
}

// transition moves the FSM to next and invokes the connection-state
// callback, holding no lock across the callback invocation.
func (a *Agent) transition(next statemachine.StateID) {
	if err := a.fsm.ForceState(next); err != nil {
		a.log.Warnf("ice: force state %d: %v", next, err)
		return
	}
	if a.onConnectionState != nil {
		a.onConnectionState(next)
	}
}

// SetRemoteCredentials installs the remote ufrag/password learned from SDP.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

// LocalCredentials returns this agent's ufrag/password for SDP attribute
// construction.
func (a *Agent) LocalCredentials() (ufrag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localUfrag, a.localPwd
}

// AddLocalCandidate inserts c, enforcing the caps from spec.md §8 invariant
// 2, re-forms pairs against every remote candidate, and queues c for batched
// reporting.
func (a *Agent) AddLocalCandidate(c *Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.Kind == KindRelayed && a.relayedCount >= MaxRelayedCandidates {
		return fmt.Errorf("ice: relayed candidate cap (%d) reached", MaxRelayedCandidates)
	}
	if len(a.localCandidates) >= MaxLocalCandidates {
		return fmt.Errorf("ice: local candidate cap (%d) reached", MaxLocalCandidates)
	}

	a.localCandidates = append(a.localCandidates, c)
	if c.Kind == KindRelayed {
		a.relayedCount++
	}
	a.formPairsLocked(c, nil)
	return nil
}

// AddRemoteCandidate inserts a remote candidate, which is immutable after
// insertion (spec.md §3), enforcing the cap and re-forming pairs.
func (a *Agent) AddRemoteCandidate(c *Candidate) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.remoteCandidates) >= MaxRemoteCandidates {
		return fmt.Errorf("ice: remote candidate cap (%d) reached", MaxRemoteCandidates)
	}
	a.remoteCandidates = append(a.remoteCandidates, c)
	a.formPairsLocked(nil, c)
	return nil
}

// formPairsLocked forms every new pair implied by adding newLocal or
// newRemote; exactly one of the two is non-nil (spec.md §4.5 "Pair formation": cartesian product filtered by
// matching family and transport). Caller holds a.mu.
func (a *Agent) formPairsLocked(newLocal, newRemote *Candidate) {
	pairWith := func(l, r *Candidate) {
		if l.Transport != r.Transport || !l.SameFamily(r) {
			return
		}
		p := newPair(l, r, a.controlling)
		// the full foundation-grouped freeze/unfreeze algorithm (RFC 8445
		// §6.1.2.6) is not implemented at this budget; every new pair is
		// immediately eligible for checking instead of waiting on its
		// foundation group's first pair to succeed.
		p.State = PairWaiting
		a.pairs.insert(p)
	}

	switch {
	case newLocal != nil && newRemote == nil:
		for _, r := range a.remoteCandidates {
			pairWith(newLocal, r)
		}
	case newRemote != nil && newLocal == nil:
		for _, l := range a.localCandidates {
			pairWith(l, newRemote)
		}
	}
}

// RemoveLocalCandidate drops c and cascades removal to every pair
// referencing it (spec.md §3 invariant).
func (a *Agent) RemoveLocalCandidate(c *Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pairs.removeByCandidate(c)
	for i, lc := range a.localCandidates {
		if lc == c {
			a.localCandidates = append(a.localCandidates[:i], a.localCandidates[i+1:]...)
			if c.Kind == KindRelayed {
				a.relayedCount--
			}
			break
		}
	}
}

// SelectedPair returns the currently selected pair, or nil.
func (a *Agent) SelectedPair() *CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.selected
}

// Send forwards payload over the selected pair; requires the agent-level
// FSM to be in Connected or Ready (spec.md §4.1 "send(bytes) — requires
// state connected").
func (a *Agent) Send(payload []byte) error {
	a.mu.Lock()
	state := a.fsm.CurrentState()
	selected := a.selected
	socket := a.socket
	a.mu.Unlock()

	if state != StateConnected && state != StateReady {
		return fmt.Errorf("ice: send requires connected state, agent is in state %d", state)
	}
	if selected == nil {
		return fmt.Errorf("ice: no selected pair")
	}
	return socket.Send(payload, selected.Remote.NetworkAddr())
}

// Restart rotates ufrag/pwd atomically, zeroes retry counters, and
// regenerates the pair list against current candidates, while the existing
// selected pair continues to carry data until a replacement is chosen
// (spec.md §4.1 "restart", §4.5 "Restart").
func (a *Agent) Restart(newUfrag, newPwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.localUfrag = newUfrag
	a.localPwd = newPwd
	a.pairs = pairList{}
	for _, l := range a.localCandidates {
		for _, r := range a.remoteCandidates {
			if l.Transport == r.Transport && l.SameFamily(r) {
				p := newPair(l, r, a.controlling)
				p.State = PairWaiting
				a.pairs.insert(p)
			}
		}
	}
	// the previously selected pair is intentionally left in place: it keeps
	// carrying data until nomination picks a replacement.
	a.fsm.ResetRetryCount()
}

// Close tears the agent down: stops background loops and releases the
// underlying socket and any gathered TCP host-candidate listeners.
func (a *Agent) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	listeners := a.tcpListeners
	a.tcpListeners = nil
	a.mu.Unlock()
	a.stopOnce.Do(func() { close(a.stopCh) })
	for _, ln := range listeners {
		_ = ln.Close()
	}
	return nil
}

// trackTCPListener records a passive TCP host-candidate listener so Close
// releases it.
func (a *Agent) trackTCPListener(ln net.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tcpListeners = append(a.tcpListeners, ln)
}

// buildBindingRequest assembles the STUN binding request template described
// in spec.md §6 ("Required attributes on binding requests: USERNAME,
// PRIORITY, ICE-CONTROLLING/ICE-CONTROLLED, optional USE-CANDIDATE,
// MESSAGE-INTEGRITY, FINGERPRINT").
func (a *Agent) buildBindingRequest(pair *CandidatePair, useCandidate bool) (*stunmsg.Builder, []byte, error) {
	a.mu.Lock()
	username := a.remoteUfrag + ":" + a.localUfrag
	remotePwd := a.remotePwd
	controlling := a.controlling
	tieBreaker := a.tieBreaker
	a.mu.Unlock()

	req, err := stunmsg.NewRequest(stunmsg.MethodBinding)
	if err != nil {
		return nil, nil, err
	}
	req.AddString(stunmsg.AttrUsername, username)
	req.AddUint32(stunmsg.AttrPriority, pair.Local.Priority)
	if controlling {
		req.AddUint64(stunmsg.AttrICEControlling, tieBreaker)
		if useCandidate {
			req.AddFlag(stunmsg.AttrUseCandidate)
		}
	} else {
		req.AddUint64(stunmsg.AttrICEControlled, tieBreaker)
	}
	return req, []byte(remotePwd), nil
}
