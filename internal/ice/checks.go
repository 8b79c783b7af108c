package ice

import (
	"fmt"
	"time"

	"github.com/driftloop/kvsrtc/internal/stunmsg"
)

// pushTriggered inserts pair at the front of the triggered-check queue
// (spec.md §4.5: "Binding requests received from the peer go into the
// triggered-check queue at the front (LIFO for freshness)").
func (a *Agent) pushTriggered(pair *CandidatePair) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.triggered {
		if p == pair {
			return // already queued
		}
	}
	a.triggered = append([]*CandidatePair{pair}, a.triggered...)
}

// popTriggered pops the pair most recently pushed (spec.md §4.5: "pop one
// pair" from a queue that is pushed LIFO; consumption happens from the same
// front so the freshest trigger wins).
func (a *Agent) popTriggered() *CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.triggered) == 0 {
		return nil
	}
	p := a.triggered[0]
	a.triggered = a.triggered[1:]
	return p
}

// nextWaitingPair promotes the highest-priority Waiting pair to InProgress
// (spec.md §4.5 "Connectivity checks"). Foundations play no part in the
// choice: every Waiting pair competes on priority alone.
func (a *Agent) nextWaitingPair() *CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()

	var best *CandidatePair
	for _, p := range a.pairs.pairs {
		if p.getState() != PairWaiting {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	if best != nil {
		best.setState(PairInProgress)
	}
	return best
}

// tick runs one Ta-paced connectivity-check iteration (spec.md §4.5). It
// returns the pair a request was sent on, or nil if nothing was ready.
func (a *Agent) tick() *CandidatePair {
	pair := a.popTriggered()
	if pair == nil {
		pair = a.nextWaitingPair()
	}
	if pair != nil {
		nominate := a.shouldNominate(pair)
		if err := a.sendBindingRequest(pair, nominate); err != nil {
			a.log.Warnf("ice: send binding request: %v", err)
		}
		return pair
	}

	// Nothing queued or waiting: proactively scan for the highest-priority
	// Succeeded pair this controlling agent can nominate. Without this, a
	// pair only ever gets re-sent with USE-CANDIDATE as a side effect of
	// processing whatever the triggered/waiting dispatch happens to pop,
	// which isn't guaranteed to ever revisit an already-succeeded pair
	// (spec.md §4.5 "Nomination").
	if nominee := a.nextNominationCandidate(); nominee != nil {
		if err := a.sendBindingRequest(nominee, true); err != nil {
			a.log.Warnf("ice: send nomination binding request: %v", err)
		}
		return nominee
	}
	return nil
}

// nextNominationCandidate finds the highest-priority Succeeded pair that
// hasn't been nominated yet and whose last binding request went out at
// least one Ta interval ago, independent of the triggered/waiting dispatch
// (spec.md §4.5 "Nomination"). The Ta wait is measured from that last
// request, not from the moment the pair became Succeeded. Only the
// controlling agent nominates.
func (a *Agent) nextNominationCandidate() *CandidatePair {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.controlling {
		return nil
	}

	var best *CandidatePair
	for _, p := range a.pairs.pairs {
		if p.getState() != PairSucceeded || p.Nominated {
			continue
		}
		p.mu.Lock()
		elapsed := time.Since(p.lastSendAt)
		p.mu.Unlock()
		if elapsed < Ta {
			continue
		}
		if best == nil || p.Priority > best.Priority {
			best = p
		}
	}
	return best
}

// shouldNominate decides whether this send should carry USE-CANDIDATE: only
// the controlling role nominates, and only on a Succeeded pair whose last
// binding request went out at least one Ta interval ago (spec.md §4.5
// "Nomination").
func (a *Agent) shouldNominate(pair *CandidatePair) bool {
	a.mu.Lock()
	controlling := a.controlling
	a.mu.Unlock()
	if !controlling {
		return false
	}
	if pair.getState() != PairSucceeded {
		return false
	}
	pair.mu.Lock()
	elapsed := time.Since(pair.lastSendAt)
	pair.mu.Unlock()
	return elapsed >= Ta
}

func (a *Agent) sendBindingRequest(pair *CandidatePair, useCandidate bool) error {
	req, key, err := a.buildBindingRequest(pair, useCandidate)
	if err != nil {
		return err
	}
	raw, err := req.Encode(key, true)
	if err != nil {
		return fmt.Errorf("ice: encode binding request: %w", err)
	}
	if useCandidate {
		// Mark nominated from the controlling side too, so the success
		// response (handled by whichever role receives it) selects the pair
		// rather than only the controlled side ever doing so via
		// HandleBindingRequest.
		pair.Nominated = true
	}
	pair.recordOutstanding(txKey(req.TransactionID()))
	a.mu.Lock()
	socket := a.socket
	a.mu.Unlock()
	return socket.Send(raw, pair.Remote.NetworkAddr())
}

func txKey(id stunmsg.TransactionID) string { return string(id[:]) }

// HandleBindingResponse correlates an inbound response against pair's
// outstanding transaction set and (per spec.md §8 invariant 4) silently
// discards responses whose transaction id is not outstanding on this pair.
// A success response updates RTT and marks the pair Succeeded; an error
// response only clears its transaction id.
func (a *Agent) HandleBindingResponse(pair *CandidatePair, msg *stunmsg.Message) {
	sentAt, ok := pair.resolveOutstanding(txKey(msg.TransactionID))
	if !ok {
		return
	}
	if msg.Class != stunmsg.ClassSuccessResponse {
		return
	}
	pair.recordRTT(time.Since(sentAt))
	pair.setState(PairSucceeded)

	if pair.Nominated {
		a.selectPair(pair)
	}
}

// HandleBindingRequest answers an inbound binding request with a success
// response and queues the pair for a triggered check; if the request
// carries USE-CANDIDATE and this agent is controlled, the pair is
// nominated (spec.md §4.5).
func (a *Agent) HandleBindingRequest(pair *CandidatePair, msg *stunmsg.Message, useCandidate bool) error {
	a.pushTriggered(pair)

	a.mu.Lock()
	controlling := a.controlling
	localPwd := a.localPwd
	socket := a.socket
	a.mu.Unlock()

	resp := stunmsg.NewResponse(msg, stunmsg.ClassSuccessResponse)
	raw, err := resp.Encode([]byte(localPwd), true)
	if err != nil {
		return fmt.Errorf("ice: encode binding response: %w", err)
	}
	if err := socket.Send(raw, pair.Remote.NetworkAddr()); err != nil {
		return err
	}

	if useCandidate && !controlling {
		pair.Nominated = true
		pair.setState(PairNominated)
		a.selectPair(pair)
	}
	return nil
}

// selectPair installs pair as the selected pair and moves the agent-level
// FSM through nominating -> connected (spec.md §4.5 "On nomination both
// roles transition to connected").
func (a *Agent) selectPair(pair *CandidatePair) {
	a.mu.Lock()
	a.selected = pair
	a.lastRecv = time.Now()
	a.mu.Unlock()

	if a.fsm.CurrentState() != StateConnected {
		a.transition(StateNominating)
		a.transition(StateConnected)
	}
}

// RecordInboundActivity marks that traffic was just received on the
// selected pair, used by the keepalive/disconnect-detection loop.
func (a *Agent) RecordInboundActivity() {
	a.mu.Lock()
	a.lastRecv = time.Now()
	a.mu.Unlock()
}

// checkKeepalive implements spec.md §4.5 "Keepalive": sends a binding
// indication on the selected pair every KeepaliveInterval while connected,
// and demotes the agent to Disconnected/Failed based on inbound silence.
func (a *Agent) checkKeepalive(now time.Time) {
	a.mu.Lock()
	state := a.fsm.CurrentState()
	selected := a.selected
	lastRecv := a.lastRecv
	socket := a.socket
	a.mu.Unlock()

	if selected == nil {
		return
	}

	silence := now.Sub(lastRecv)
	switch state {
	case StateConnected, StateReady:
		if silence > FailedThreshold {
			a.transition(StateFailed)
			return
		}
		if silence > DisconnectedThreshold {
			a.transition(StateDisconnected)
			return
		}
		selected.mu.Lock()
		lastSent := selected.LastDataSent
		selected.mu.Unlock()
		if now.Sub(lastSent) < KeepaliveInterval {
			return
		}
		ind, err := stunmsg.NewIndication(stunmsg.MethodBinding)
		if err == nil {
			if raw, err := ind.Encode(nil, false); err == nil {
				if socket.Send(raw, selected.Remote.NetworkAddr()) == nil {
					selected.mu.Lock()
					selected.LastDataSent = now
					selected.mu.Unlock()
				}
			}
		}
	case StateDisconnected:
		if silence > FailedThreshold {
			a.transition(StateFailed)
			return
		}
		if silence < DisconnectedThreshold {
			// traffic resumed: recover without a restart (spec.md §4.5).
			a.transition(StateConnected)
		}
	}
}
