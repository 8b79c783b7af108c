package ice

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloop/kvsrtc/internal/netio"
)

func mustCandidate(t *testing.T, kind Kind, ip string, port uint16, localPref uint32) *Candidate {
	t.Helper()
	c, err := NewCandidate(kind, TransportUDP, net.ParseIP(ip), port, localPref)
	require.NoError(t, err)
	return c
}

func newTestAgent(t *testing.T, controlling bool) *Agent {
	t.Helper()
	sock, err := netio.NewUDPSocket("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sock.Close() })

	a, err := NewAgent(Config{
		Controlling: controlling,
		Socket:      netio.NewSocketConnection(sock),
	})
	require.NoError(t, err)
	return a
}

func TestPairPriorityOrderingInvariant(t *testing.T) {
	a := newTestAgent(t, true)

	local := mustCandidate(t, KindHost, "10.0.0.1", 1000, 5)
	remotes := []*Candidate{
		mustCandidate(t, KindHost, "10.0.0.2", 2000, 1),
		mustCandidate(t, KindServerReflexive, "10.0.0.3", 3000, 1),
		mustCandidate(t, KindHost, "10.0.0.4", 4000, 9),
	}

	require.NoError(t, a.AddLocalCandidate(local))
	for _, r := range remotes {
		require.NoError(t, a.AddRemoteCandidate(r))
	}

	assert.True(t, a.pairs.isOrdered(), "pair list must be non-increasing by priority")
	assert.Len(t, a.pairs.pairs, len(remotes))
}

func TestLocalCandidateCapEnforced(t *testing.T) {
	a := newTestAgent(t, true)
	for i := 0; i < MaxLocalCandidates; i++ {
		c := mustCandidate(t, KindHost, "10.0.0.1", uint16(1000+i), uint32(i))
		require.NoError(t, a.AddLocalCandidate(c))
	}
	over := mustCandidate(t, KindHost, "10.0.0.1", 9999, 0)
	assert.Error(t, a.AddLocalCandidate(over))
}

func TestRelayedCandidateCapEnforced(t *testing.T) {
	a := newTestAgent(t, true)
	for i := 0; i < MaxRelayedCandidates; i++ {
		c := mustCandidate(t, KindRelayed, "10.0.0.1", uint16(3000+i), 0)
		require.NoError(t, a.AddLocalCandidate(c))
	}
	over := mustCandidate(t, KindRelayed, "10.0.0.1", 4000, 0)
	assert.Error(t, a.AddLocalCandidate(over))
}

func TestPairCapEvictsLowestPriority(t *testing.T) {
	a := newTestAgent(t, true)
	// MaxRemoteCandidates caps a single local candidate below MaxPairs, so
	// enough locals are added for the cartesian product to exceed the cap.
	for i := 0; i < MaxPairs/MaxRemoteCandidates+1; i++ {
		local := mustCandidate(t, KindHost, "10.0.0.1", uint16(1000+i), uint32(i))
		require.NoError(t, a.AddLocalCandidate(local))
	}

	for i := 0; i < MaxRemoteCandidates; i++ {
		r := mustCandidate(t, KindHost, "10.0.0.2", uint16(2000+i), uint32(i))
		require.NoError(t, a.AddRemoteCandidate(r))
	}
	assert.LessOrEqual(t, len(a.pairs.pairs), MaxPairs)
	assert.True(t, a.pairs.isOrdered())
}

func TestRemoveLocalCandidateCascadesToPairs(t *testing.T) {
	a := newTestAgent(t, true)
	local := mustCandidate(t, KindHost, "10.0.0.1", 1000, 1)
	remote := mustCandidate(t, KindHost, "10.0.0.2", 2000, 1)
	require.NoError(t, a.AddLocalCandidate(local))
	require.NoError(t, a.AddRemoteCandidate(remote))
	require.Len(t, a.pairs.pairs, 1)

	a.RemoveLocalCandidate(local)
	assert.Empty(t, a.pairs.pairs)
}

func TestPairResolveOutstandingRejectsUnknownTransaction(t *testing.T) {
	local := mustCandidate(t, KindHost, "10.0.0.1", 1000, 1)
	remote := mustCandidate(t, KindHost, "10.0.0.2", 2000, 1)
	p := newPair(local, remote, true)

	p.recordOutstanding("known")
	_, ok := p.resolveOutstanding("unknown")
	assert.False(t, ok, "invariant 4: unknown transaction ids must be discarded silently")

	_, ok = p.resolveOutstanding("known")
	assert.True(t, ok)
}

func TestSelectedPairUniqueness(t *testing.T) {
	a := newTestAgent(t, false)
	local := mustCandidate(t, KindHost, "10.0.0.1", 1000, 1)
	r1 := mustCandidate(t, KindHost, "10.0.0.2", 2000, 1)
	r2 := mustCandidate(t, KindHost, "10.0.0.3", 3000, 2)
	require.NoError(t, a.AddLocalCandidate(local))
	require.NoError(t, a.AddRemoteCandidate(r1))
	require.NoError(t, a.AddRemoteCandidate(r2))

	a.selectPair(a.pairs.pairs[0])
	a.selectPair(a.pairs.pairs[1])

	nominatedCount := 0
	for _, p := range a.pairs.pairs {
		if p == a.SelectedPair() {
			nominatedCount++
		}
	}
	assert.Equal(t, 1, nominatedCount, "invariant 3: at most one selected pair at a time")
}

func TestSendRequiresConnectedState(t *testing.T) {
	a := newTestAgent(t, true)
	err := a.Send([]byte("hello"))
	assert.Error(t, err)
}

func TestRestartPreservesSelectedPairUntilReplacement(t *testing.T) {
	a := newTestAgent(t, true)
	local := mustCandidate(t, KindHost, "10.0.0.1", 1000, 1)
	remote := mustCandidate(t, KindHost, "10.0.0.2", 2000, 1)
	require.NoError(t, a.AddLocalCandidate(local))
	require.NoError(t, a.AddRemoteCandidate(remote))
	a.selectPair(a.pairs.pairs[0])

	before := a.SelectedPair()
	a.Restart("newufrag", "newpwd0123456789012345")
	assert.Same(t, before, a.SelectedPair(), "selected pair must survive until a replacement is chosen")

	ufrag, pwd := a.LocalCredentials()
	assert.Equal(t, "newufrag", ufrag)
	assert.Equal(t, "newpwd0123456789012345", pwd)
}
