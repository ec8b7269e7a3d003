// Package pool provides a fixed-size pool of mesh packets.
//
// Packets are allocated without blocking: when every packet is in use the
// allocation fails with ErrPoolExhausted instead of waiting, so the pool can be
// used from a receive handler that must never stall the radio.
package pool

import (
	"errors"
	"fmt"

	"github.com/kabili207/meshradio-go/core/codec"
)

const (
	// DefaultCapacity is the number of packets a node keeps in flight.
	DefaultCapacity = 16
)

var (
	ErrPoolExhausted = errors.New("packet pool exhausted")
)

// PacketPool is a bounded free list of MeshPackets.
type PacketPool struct {
	packets []codec.MeshPacket
	free    chan *codec.MeshPacket
}

// New creates a pool holding capacity packets. A capacity of zero or less uses
// DefaultCapacity.
func New(capacity int) *PacketPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &PacketPool{
		packets: make([]codec.MeshPacket, capacity),
		free:    make(chan *codec.MeshPacket, capacity),
	}
	for i := range p.packets {
		pkt := &p.packets[i]
		pkt.MarkPooled()
		p.free <- pkt
	}
	return p
}

// AllocZeroed returns a zero-initialised packet, or ErrPoolExhausted if none is
// free.
func (p *PacketPool) AllocZeroed() (*codec.MeshPacket, error) {
	select {
	case pkt := <-p.free:
		pkt.Reset()
		pkt.SetInUse(true)
		return pkt, nil
	default:
		return nil, fmt.Errorf("%w: %d in use", ErrPoolExhausted, cap(p.free))
	}
}

// Release returns a packet to the pool. Releasing a packet that did not come
// from this pool, or releasing it twice, is a programming error and panics.
func (p *PacketPool) Release(pkt *codec.MeshPacket) {
	if pkt == nil {
		return
	}
	if !p.owns(pkt) {
		panic("pool: release of packet not owned by this pool")
	}
	if !pkt.SetInUse(false) {
		panic("pool: double release")
	}
	p.free <- pkt
}

// Available returns the number of free packets.
func (p *PacketPool) Available() int {
	return len(p.free)
}

// Capacity returns the total number of packets managed by the pool.
func (p *PacketPool) Capacity() int {
	return cap(p.free)
}

func (p *PacketPool) owns(pkt *codec.MeshPacket) bool {
	if !pkt.Pooled() || len(p.packets) == 0 {
		return false
	}
	for i := range p.packets {
		if &p.packets[i] == pkt {
			return true
		}
	}
	return false
}
