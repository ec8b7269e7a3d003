// Package dedupe tracks recently seen mesh packets.
//
// A packet is identified by its (from, id) pair, which the originating node
// keeps unique. The table is a fixed-size circular buffer, so the oldest
// entries are forgotten once it wraps.
package dedupe

import (
	"sync"

	"github.com/kabili207/meshradio-go/core/codec"
)

const (
	// DefaultMaxPackets is the default capacity of the seen table.
	DefaultMaxPackets = 128
)

// Key identifies a packet on the mesh.
type Key struct {
	From uint32
	ID   uint32
}

// KeyOf returns the dedup key for a packet.
func KeyOf(pkt *codec.MeshPacket) Key {
	return Key{From: pkt.From, ID: pkt.ID}
}

// PacketDeduplicator remembers the last N packet keys. It is safe for
// concurrent use.
type PacketDeduplicator struct {
	mu    sync.Mutex
	keys  []Key
	index map[Key]int // key -> slot
	next  int
	count int
}

// New creates a PacketDeduplicator with the default capacity.
func New() *PacketDeduplicator {
	return NewWithCapacity(DefaultMaxPackets)
}

// NewWithCapacity creates a PacketDeduplicator remembering max keys.
func NewWithCapacity(max int) *PacketDeduplicator {
	if max <= 0 {
		max = DefaultMaxPackets
	}
	return &PacketDeduplicator{
		keys:  make([]Key, max),
		index: make(map[Key]int, max),
	}
}

// HasSeen checks if a packet has been seen before. If not, it records the
// packet and returns false. If it has been seen, it returns true.
func (d *PacketDeduplicator) HasSeen(pkt *codec.MeshPacket) bool {
	return d.HasSeenKey(KeyOf(pkt))
}

// HasSeenKey is HasSeen for a raw key.
func (d *PacketDeduplicator) HasSeenKey(k Key) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[k]; ok {
		return true
	}

	if d.count == len(d.keys) {
		old := d.keys[d.next]
		if slot, ok := d.index[old]; ok && slot == d.next {
			delete(d.index, old)
		}
	} else {
		d.count++
	}
	d.keys[d.next] = k
	d.index[k] = d.next
	d.next = (d.next + 1) % len(d.keys)
	return false
}

// Len returns the number of remembered keys.
func (d *PacketDeduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// Clear resets the deduplicator, forgetting all previously seen packets.
func (d *PacketDeduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.keys)
	clear(d.index)
	d.next = 0
	d.count = 0
}
