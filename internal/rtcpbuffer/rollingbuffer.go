// Package rtcpbuffer implements RollingBuffer, spec.md §4.7: a fixed-
// capacity ring of owned payloads keyed by a monotonically increasing
// 64-bit sequence, with a free-hook invoked exactly once per evicted
// element (spec.md §3, §8 invariant 6). NackCache adapts it to answer RTCP
// Generic NACK (RFC 4585 §6.2.1) retransmit requests for one SSRC, using
// github.com/pion/rtp for packet framing and github.com/pion/rtcp to decode
// inbound NACK feedback. Grounded on the teacher's own
// pkg/rtcp/transport_layer_nack.go for the NACK wire shape, reimplemented
// here as a sender-side retransmit cache rather than the teacher's
// interceptor-chain consumer.
package rtcpbuffer

import (
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// OnEvict is invoked exactly once for every element the ring overwrites,
// with the sequence and payload that were evicted (spec.md §4.7).
type OnEvict func(seq uint64, payload []byte)

// RollingBuffer is the fixed-capacity ring from spec.md §4.7: `head` is the
// next write slot's sequence, `tail` the oldest still-live sequence.
// Appending past capacity evicts the element at `tail`, invoking onEvict
// once, before advancing tail.
type RollingBuffer struct {
	mu       sync.Mutex
	capacity uint64
	head     uint64
	tail     uint64
	slots    [][]byte
	onEvict  OnEvict
}

// NewRollingBuffer constructs an empty ring of the given capacity. onEvict
// may be nil if the caller has nothing to free on eviction.
func NewRollingBuffer(capacity int, onEvict OnEvict) *RollingBuffer {
	return &RollingBuffer{
		capacity: uint64(capacity),
		slots:    make([][]byte, capacity),
		onEvict:  onEvict,
	}
}

// Append writes payload at `head % capacity` and returns the sequence
// assigned to it. Once the ring is full, this evicts the element at `tail`
// first, invoking onEvict on it, and advances tail (spec.md §4.7).
func (b *RollingBuffer) Append(payload []byte) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	seq := b.head
	idx := seq % b.capacity
	if b.head-b.tail == b.capacity {
		if b.onEvict != nil {
			b.onEvict(b.tail, b.slots[idx])
		}
		b.tail++
	}
	b.slots[idx] = payload
	b.head++
	return seq
}

// Get returns the payload appended under seq, iff it is still live: spec.md
// §8 invariant 6 — "s >= head - capacity and s < head".
func (b *RollingBuffer) Get(seq uint64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq < b.tail || seq >= b.head {
		return nil, false
	}
	return b.slots[seq%b.capacity], true
}

// Size reports the number of live elements currently held.
func (b *RollingBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.head - b.tail)
}

// IsEmpty reports whether the ring currently holds no live elements.
func (b *RollingBuffer) IsEmpty() bool { return b.Size() == 0 }

// NackCache adapts a RollingBuffer to RTP's wrapping 16-bit sequence
// numbers for one SSRC: each pushed packet gets a RollingBuffer-assigned
// monotonic sequence, indexed back by its wire sequence number so a NACK's
// 16-bit PacketList can resolve straight to cached bytes. The index entry
// is freed by the ring's own eviction hook, so it never outlives the
// payload it points at.
type NackCache struct {
	ssrc uint32
	ring *RollingBuffer

	mu      sync.Mutex
	bySeq16 map[uint16]uint64 // RTP wire sequence -> ring sequence
	seq16Of map[uint64]uint16 // ring sequence -> RTP wire sequence, for eviction cleanup
}

// NewNackCache constructs a cache retaining the most recent capacity
// packets sent for ssrc.
func NewNackCache(ssrc uint32, capacity int) *NackCache {
	c := &NackCache{
		ssrc:    ssrc,
		bySeq16: make(map[uint16]uint64),
		seq16Of: make(map[uint64]uint16),
	}
	c.ring = NewRollingBuffer(capacity, c.onEvict)
	return c
}

func (c *NackCache) onEvict(seq uint64, _ []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq16, ok := c.seq16Of[seq]; ok {
		delete(c.bySeq16, seq16)
		delete(c.seq16Of, seq)
	}
}

// Push records a just-sent packet.
func (c *NackCache) Push(pkt *rtp.Packet) error {
	raw, err := pkt.Marshal()
	if err != nil {
		return err
	}
	seq := c.ring.Append(raw)
	c.mu.Lock()
	c.bySeq16[pkt.SequenceNumber] = seq
	c.seq16Of[seq] = pkt.SequenceNumber
	c.mu.Unlock()
	return nil
}

// Get returns the raw packet bytes for wire sequence seq16, if still
// resident.
func (c *NackCache) Get(seq16 uint16) ([]byte, bool) {
	c.mu.Lock()
	seq, ok := c.bySeq16[seq16]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c.ring.Get(seq)
}

// ResolveNACK decodes a Generic NACK RTCP packet and returns every
// retransmittable packet this cache still holds, for the caller to re-send
// over the selected ICE pair.
func (c *NackCache) ResolveNACK(nack *rtcp.TransportLayerNack) [][]byte {
	if nack.MediaSSRC != c.ssrc {
		return nil
	}
	var out [][]byte
	for _, pair := range nack.Nacks {
		for _, seq := range pair.PacketList() {
			if raw, ok := c.Get(seq); ok {
				out = append(out, raw)
			}
		}
	}
	return out
}
