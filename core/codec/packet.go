package codec

import (
	"fmt"
	"time"
)

// PayloadVariant tags what the packet's payload currently holds.
type PayloadVariant uint8

const (
	// PayloadNone marks a zeroed packet with no payload assigned yet.
	PayloadNone PayloadVariant = iota
	// PayloadEncrypted marks a payload that is still encrypted as received.
	PayloadEncrypted
	// PayloadDecoded marks a payload decrypted by a higher layer.
	PayloadDecoded
)

func (v PayloadVariant) String() string {
	switch v {
	case PayloadNone:
		return "none"
	case PayloadEncrypted:
		return "encrypted"
	case PayloadDecoded:
		return "decoded"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(v))
	}
}

// MeshPacket is a mesh packet as seen by the radio layer. The payload is
// opaque: this layer never decrypts it.
type MeshPacket struct {
	From     uint32
	To       uint32
	ID       uint32
	Channel  uint8
	HopLimit uint8
	HopStart uint8
	WantAck  bool
	ViaMQTT  bool

	PayloadVariant PayloadVariant
	Encrypted      []byte // backed by a PayloadCapacity-sized array when pooled

	// Receive metadata, zero for locally originated packets.
	RxRSSI int16
	RxSNR  float32
	RxTime time.Time

	buf    [PayloadCapacity]byte
	pooled bool
	inUse  bool
}

// Reset zeroes every field while keeping the packet's pool bookkeeping.
func (p *MeshPacket) Reset() {
	pooled, inUse := p.pooled, p.inUse
	*p = MeshPacket{}
	p.pooled, p.inUse = pooled, inUse
	p.Encrypted = p.buf[:0]
}

// SetPayload copies data into the packet's own payload storage.
func (p *MeshPacket) SetPayload(data []byte) error {
	if len(data) > PayloadCapacity {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(data))
	}
	n := copy(p.buf[:], data)
	p.Encrypted = p.buf[:n]
	return nil
}

// Header returns the wire header describing this packet.
func (p *MeshPacket) Header() WireHeader {
	return WireHeader{
		From:    p.From,
		To:      p.To,
		ID:      p.ID,
		Channel: p.Channel,
		Flags:   PackFlags(p.HopLimit, p.HopStart, p.WantAck, p.ViaMQTT),
	}
}

// ApplyHeader copies the decoded header fields into the packet.
func (p *MeshPacket) ApplyHeader(h WireHeader) {
	p.From = h.From
	p.To = h.To
	p.ID = h.ID
	p.Channel = h.Channel
	p.HopLimit = h.HopLimit()
	p.HopStart = h.HopStart()
	p.WantAck = h.WantAck()
	p.ViaMQTT = h.ViaMQTT()
}

// IsBroadcast reports whether the packet is addressed to every node.
func (p *MeshPacket) IsBroadcast() bool {
	return p.To == BroadcastAddr
}

// Pooled reports whether the packet belongs to a packet pool.
func (p *MeshPacket) Pooled() bool {
	return p.pooled
}

// MarkPooled is used by packet pools to tag the packets they own.
func (p *MeshPacket) MarkPooled() {
	p.pooled = true
	p.Encrypted = p.buf[:0]
}

// SetInUse is used by packet pools to track allocation state. It returns the
// previous value.
func (p *MeshPacket) SetInUse(v bool) bool {
	prev := p.inUse
	p.inUse = v
	return prev
}

// Clone returns an unpooled deep copy of the packet, safe to retain after
// the original is released.
func (p *MeshPacket) Clone() *MeshPacket {
	clone := &MeshPacket{
		From:           p.From,
		To:             p.To,
		ID:             p.ID,
		Channel:        p.Channel,
		HopLimit:       p.HopLimit,
		HopStart:       p.HopStart,
		WantAck:        p.WantAck,
		ViaMQTT:        p.ViaMQTT,
		PayloadVariant: p.PayloadVariant,
		RxRSSI:         p.RxRSSI,
		RxSNR:          p.RxSNR,
		RxTime:         p.RxTime,
	}
	n := copy(clone.buf[:], p.Encrypted)
	clone.Encrypted = clone.buf[:n]
	return clone
}

// FrameLen returns the number of bytes the packet occupies on air.
func (p *MeshPacket) FrameLen() int {
	return HeaderSize + len(p.Encrypted)
}

// RenderFrame writes the packet's header and payload into dst and returns
// the frame length.
func RenderFrame(dst []byte, p *MeshPacket) (int, error) {
	if len(p.Encrypted) > PayloadCapacity {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(p.Encrypted))
	}
	if err := ValidateHops(p.HopLimit, p.HopStart); err != nil {
		return 0, err
	}
	n := p.FrameLen()
	if len(dst) < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrBufferTooSmall, n, len(dst))
	}
	h := p.Header()
	h.Encode(dst)
	copy(dst[HeaderSize:], p.Encrypted)
	return n, nil
}

// ParseFrame decodes a complete frame into p. The payload is copied.
func ParseFrame(data []byte, p *MeshPacket) error {
	h, err := ParseHeader(data)
	if err != nil {
		return err
	}
	if err := p.SetPayload(data[HeaderSize:]); err != nil {
		return err
	}
	p.ApplyHeader(h)
	p.PayloadVariant = PayloadEncrypted
	return nil
}

// NodeName formats a node number the way mesh clients display it.
func NodeName(num uint32) string {
	if num == BroadcastAddr {
		return "^all"
	}
	return fmt.Sprintf("!%08x", num)
}
