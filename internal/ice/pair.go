package ice

import (
	"sort"
	"sync"
	"time"
)

// PairState is the per-pair lifecycle state (spec.md §3 CandidatePair).
type PairState uint8

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
	PairNominated
)

// CandidatePair is an ordered (local, remote) pair of the same family
// (spec.md §3).
type CandidatePair struct {
	mu sync.Mutex

	Local  *Candidate
	Remote *Candidate

	Priority   uint64
	State      PairState
	Nominated  bool
	FirstRequest bool

	LastDataSent time.Time

	// outstanding maps a STUN transaction id (stringified) to the time the
	// binding request carrying it was sent, so RTT can be computed and
	// unsolicited responses discarded (spec.md §8 invariant 4).
	outstanding map[string]time.Time

	CumulativeRTT  time.Duration
	rttSamples     int
	retryCount     int
	lastSendAt     time.Time
}

// newPair constructs a CandidatePair in state Frozen with priority computed
// for the given role (spec.md §4.5 "Pair formation").
func newPair(local, remote *Candidate, controlling bool) *CandidatePair {
	p := &CandidatePair{
		Local:        local,
		Remote:       remote,
		State:        PairFrozen,
		FirstRequest: true,
		outstanding:  make(map[string]time.Time),
	}
	p.Priority = pairPriority(local.Priority, remote.Priority, controlling)
	return p
}

// pairPriority implements RFC 8445 §6.1.2.3: 2^32*min(G,D) + 2*max(G,D) +
// (G>D ? 1 : 0), where G is the controlling agent's candidate priority and D
// the controlled agent's.
func pairPriority(localPriority, remotePriority uint32, localIsControlling bool) uint64 {
	var g, d uint32
	if localIsControlling {
		g, d = localPriority, remotePriority
	} else {
		g, d = remotePriority, localPriority
	}
	min, max := uint64(g), uint64(d)
	if min > max {
		min, max = max, min
	}
	result := (min << 32) + 2*max
	if g > d {
		result++
	}
	return result
}

// recordOutstanding registers a just-sent binding request's transaction id
// for later correlation.
func (p *CandidatePair) recordOutstanding(txKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outstanding[txKey] = time.Now()
	p.lastSendAt = time.Now()
}

// resolveOutstanding looks up and clears a transaction id, returning the
// send time and whether it was actually outstanding on this pair (spec.md
// §8 invariant 4: "unknown ids are discarded silently").
func (p *CandidatePair) resolveOutstanding(txKey string) (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sentAt, ok := p.outstanding[txKey]
	if ok {
		delete(p.outstanding, txKey)
	}
	return sentAt, ok
}

// recordRTT folds a new round-trip sample into the pair's cumulative RTT
// (simple running mean; the original C SDK keeps only a sum/count pair
// rather than a weighted filter).
func (p *CandidatePair) recordRTT(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rttSamples++
	p.CumulativeRTT += rtt
}

func (p *CandidatePair) setState(s PairState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = s
}

func (p *CandidatePair) getState() PairState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.State
}

// pairList is the agent's priority-ordered pair set with eviction.
type pairList struct {
	pairs []*CandidatePair
}

// insert adds p in priority-descending position, evicting the
// lowest-priority pair if the cap is exceeded (spec.md §4.5, §8 invariant
// 1/2).
func (l *pairList) insert(p *CandidatePair) {
	idx := sort.Search(len(l.pairs), func(i int) bool {
		return l.pairs[i].Priority < p.Priority
	})
	l.pairs = append(l.pairs, nil)
	copy(l.pairs[idx+1:], l.pairs[idx:])
	l.pairs[idx] = p

	if len(l.pairs) > MaxPairs {
		l.pairs = l.pairs[:MaxPairs]
	}
}

// removeByCandidate drops every pair that references candidate c, cascading
// a local-candidate removal (spec.md §3 invariant).
func (l *pairList) removeByCandidate(c *Candidate) {
	out := l.pairs[:0]
	for _, p := range l.pairs {
		if p.Local == c || p.Remote == c {
			continue
		}
		out = append(out, p)
	}
	l.pairs = out
}

// isOrdered reports whether the list is non-increasing by priority (spec.md
// §8 invariant 1), exposed for tests.
func (l *pairList) isOrdered() bool {
	for i := 1; i < len(l.pairs); i++ {
		if l.pairs[i].Priority > l.pairs[i-1].Priority {
			return false
		}
	}
	return true
}
