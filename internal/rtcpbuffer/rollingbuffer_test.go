package rtcpbuffer

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRollingBufferEvictionScenario is spec.md §8 scenario S6: capacity 4,
// append p0..p6, free-hook invoked exactly three times for p0..p2.
func TestRollingBufferEvictionScenario(t *testing.T) {
	var evicted []uint64
	buf := NewRollingBuffer(4, func(seq uint64, _ []byte) {
		evicted = append(evicted, seq)
	})

	payloads := [][]byte{[]byte("p0"), []byte("p1"), []byte("p2"), []byte("p3"), []byte("p4"), []byte("p5"), []byte("p6")}
	for i, p := range payloads {
		seq := buf.Append(p)
		assert.Equal(t, uint64(i), seq)
	}

	_, ok := buf.Get(0)
	assert.False(t, ok)
	_, ok = buf.Get(2)
	assert.False(t, ok)

	got, ok := buf.Get(3)
	require.True(t, ok)
	assert.Equal(t, []byte("p3"), got)

	got, ok = buf.Get(6)
	require.True(t, ok)
	assert.Equal(t, []byte("p6"), got)

	require.Equal(t, []uint64{0, 1, 2}, evicted)
}

func TestRollingBufferSizeAndIsEmpty(t *testing.T) {
	buf := NewRollingBuffer(2, nil)
	assert.True(t, buf.IsEmpty())
	buf.Append([]byte("a"))
	assert.Equal(t, 1, buf.Size())
	buf.Append([]byte("b"))
	buf.Append([]byte("c"))
	assert.Equal(t, 2, buf.Size())
	assert.False(t, buf.IsEmpty())
}

func TestRollingBufferGetMissingSequenceReturnsFalse(t *testing.T) {
	buf := NewRollingBuffer(1, nil)
	_, ok := buf.Get(123)
	assert.False(t, ok)
}

func TestNackCacheResolveNACKReturnsResidentPackets(t *testing.T) {
	cache := NewNackCache(42, 512)
	for seq := uint16(0); seq < 5; seq++ {
		pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, SSRC: 42}, Payload: []byte{byte(seq)}}
		require.NoError(t, cache.Push(pkt))
	}

	nack := &rtcp.TransportLayerNack{MediaSSRC: 42, Nacks: []rtcp.NackPair{{PacketID: 0, LostPackets: 0b11}}}
	got := cache.ResolveNACK(nack)
	assert.NotEmpty(t, got)
}

func TestNackCacheResolveNACKIgnoresOtherSSRC(t *testing.T) {
	cache := NewNackCache(42, 512)
	pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: 1, SSRC: 42}, Payload: []byte{1}}
	require.NoError(t, cache.Push(pkt))

	nack := &rtcp.TransportLayerNack{MediaSSRC: 99, Nacks: []rtcp.NackPair{{PacketID: 1}}}
	assert.Empty(t, cache.ResolveNACK(nack))
}

func TestNackCacheEvictsOldestOnOverflow(t *testing.T) {
	cache := NewNackCache(7, 4)
	for seq := uint16(0); seq < 6; seq++ {
		pkt := &rtp.Packet{Header: rtp.Header{SequenceNumber: seq, SSRC: 7}, Payload: []byte{byte(seq)}}
		require.NoError(t, cache.Push(pkt))
	}

	_, ok := cache.Get(0)
	assert.False(t, ok, "sequence 0 should have been evicted once capacity 4 was exceeded")
	_, ok = cache.Get(5)
	assert.True(t, ok, "most recently pushed sequence should still be resident")
}
