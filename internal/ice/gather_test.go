package ice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftloop/kvsrtc/internal/netio"
)

// TestGatherHostCandidatesEmitsUDPAndTCP is spec.md §4.5's "emit a host
// candidate per (interface, UDP) and per (interface, TCP)".
func TestGatherHostCandidatesEmitsUDPAndTCP(t *testing.T) {
	a := newTestAgent(t, true)

	cands, err := a.GatherHostCandidates(netio.StdNetFactory, netio.StdNetTCPFactory)
	require.NoError(t, err)
	require.NotEmpty(t, cands)

	var sawUDP, sawTCP bool
	for _, c := range cands {
		assert.Equal(t, KindHost, c.Kind)
		switch c.Transport {
		case TransportUDP:
			sawUDP = true
		case TransportTCP:
			sawTCP = true
		}
	}
	assert.True(t, sawUDP, "expected at least one UDP host candidate")
	assert.True(t, sawTCP, "expected at least one TCP host candidate")
}

// TestGatherHostCandidatesSkipsTCPWhenFactoryNil confirms a nil tcpFactory
// degrades to UDP-only gathering instead of panicking, for harnesses (e.g. a
// UDP-only vnet) with no TCP-capable factory.
func TestGatherHostCandidatesSkipsTCPWhenFactoryNil(t *testing.T) {
	a := newTestAgent(t, true)

	cands, err := a.GatherHostCandidates(netio.StdNetFactory, nil)
	require.NoError(t, err)
	for _, c := range cands {
		assert.Equal(t, TransportUDP, c.Transport)
	}
}
