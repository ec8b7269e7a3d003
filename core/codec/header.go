package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the size of the on-air header: from(4) to(4) id(4) channel(1) flags(1).
	HeaderSize = 14

	// MaxFrameSize is the largest frame the transceiver can deliver or send.
	MaxFrameSize = 255

	// PayloadCapacity is the largest encrypted payload that fits behind a header.
	PayloadCapacity = MaxFrameSize - HeaderSize

	// Flag bit masks and shifts
	FlagsHopLimitMask  = 0x07 // bits 0..2
	FlagsHopStartShift = 3
	FlagsHopStartMask  = 0x07 << FlagsHopStartShift // bits 3..5
	FlagsWantAckMask   = 0x40                       // bit 6
	FlagsViaMQTTMask   = 0x80                       // bit 7

	// HopMax is the largest hop limit a packet may carry.
	HopMax = 7

	// BroadcastAddr is the destination used for packets sent to every node.
	BroadcastAddr uint32 = 0xFFFFFFFF
)

// If HopMax changes, the hop fields must be widened along with it.
const _ uint8 = FlagsHopLimitMask - HopMax

// Header field offsets
const (
	offFrom    = 0
	offTo      = 4
	offID      = 8
	offChannel = 12
	offFlags   = 13
)

var (
	ErrFrameTooShort  = errors.New("frame shorter than header")
	ErrPayloadTooLong = errors.New("payload length exceeds capacity")
	ErrHopLimitRange  = errors.New("hop limit out of range")
	ErrHopStartRange  = errors.New("hop start out of range")
	ErrBufferTooSmall = errors.New("destination buffer too small")
)

// WireHeader is the fixed-size header that starts every LoRa frame.
type WireHeader struct {
	From    uint32
	To      uint32
	ID      uint32
	Channel uint8 // channel hash, not an index
	Flags   uint8
}

// HopLimit returns the remaining hop count (3-bit field).
func (h *WireHeader) HopLimit() uint8 {
	return h.Flags & FlagsHopLimitMask
}

// HopStart returns the hop limit the originator used (3-bit field).
func (h *WireHeader) HopStart() uint8 {
	return (h.Flags & FlagsHopStartMask) >> FlagsHopStartShift
}

// WantAck reports whether the sender asked for an acknowledgement.
func (h *WireHeader) WantAck() bool {
	return h.Flags&FlagsWantAckMask != 0
}

// ViaMQTT reports whether the packet was relayed through an MQTT gateway.
func (h *WireHeader) ViaMQTT() bool {
	return h.Flags&FlagsViaMQTTMask != 0
}

// PackFlags builds the flags byte. Out of range hop values are masked; use
// ValidateHops first when the values come from outside the process.
func PackFlags(hopLimit, hopStart uint8, wantAck, viaMQTT bool) uint8 {
	f := hopLimit&FlagsHopLimitMask | (hopStart<<FlagsHopStartShift)&FlagsHopStartMask
	if wantAck {
		f |= FlagsWantAckMask
	}
	if viaMQTT {
		f |= FlagsViaMQTTMask
	}
	return f
}

// ValidateHops checks that both hop counts fit their 3-bit fields.
func ValidateHops(hopLimit, hopStart uint8) error {
	if hopLimit > HopMax {
		return fmt.Errorf("%w: %d > %d", ErrHopLimitRange, hopLimit, HopMax)
	}
	if hopStart > HopMax {
		return fmt.Errorf("%w: %d > %d", ErrHopStartRange, hopStart, HopMax)
	}
	return nil
}

// Encode writes the header into the first HeaderSize bytes of dst and returns
// the number of bytes written.
func (h *WireHeader) Encode(dst []byte) int {
	_ = dst[HeaderSize-1]
	binary.LittleEndian.PutUint32(dst[offFrom:], h.From)
	binary.LittleEndian.PutUint32(dst[offTo:], h.To)
	binary.LittleEndian.PutUint32(dst[offID:], h.ID)
	dst[offChannel] = h.Channel
	dst[offFlags] = h.Flags
	return HeaderSize
}

// EncodeHeader returns the wire form of h.
func EncodeHeader(h WireHeader) [HeaderSize]byte {
	var b [HeaderSize]byte
	h.Encode(b[:])
	return b
}

// DecodeHeader reads a header from the first HeaderSize bytes of data.
// The caller must have checked len(data) >= HeaderSize.
func DecodeHeader(data []byte) WireHeader {
	_ = data[HeaderSize-1]
	return WireHeader{
		From:    binary.LittleEndian.Uint32(data[offFrom:]),
		To:      binary.LittleEndian.Uint32(data[offTo:]),
		ID:      binary.LittleEndian.Uint32(data[offID:]),
		Channel: data[offChannel],
		Flags:   data[offFlags],
	}
}

// ParseHeader is DecodeHeader with a length check.
func ParseHeader(data []byte) (WireHeader, error) {
	if len(data) < HeaderSize {
		return WireHeader{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(data))
	}
	return DecodeHeader(data), nil
}
