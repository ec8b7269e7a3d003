package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Host link framing carries raw wire frames over a serial line:
//
//	[0x94 0xC3][length:2 BE][wire frame][fletcher16:2 BE]
const (
	LinkMagic        uint16 = 0x94C3
	LinkHeaderSize          = 4
	LinkChecksumSize        = 2
	LinkOverhead            = LinkHeaderSize + LinkChecksumSize
)

var (
	ErrLinkIncomplete = errors.New("incomplete link frame")
	ErrLinkMagic      = errors.New("bad link frame magic")
	ErrLinkTooLarge   = errors.New("link frame exceeds max frame size")
	ErrLinkChecksum   = errors.New("link frame checksum mismatch")
)

// Fletcher16 computes the Fletcher-16 checksum of data.
func Fletcher16(data []byte) uint16 {
	var sum1, sum2 uint16
	for _, b := range data {
		sum1 = (sum1 + uint16(b)) % 255
		sum2 = (sum2 + sum1) % 255
	}
	return sum2<<8 | sum1
}

// AppendLinkFrame appends frame, wrapped in link framing, to dst.
func AppendLinkFrame(dst, frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrLinkTooLarge, len(frame))
	}
	dst = binary.BigEndian.AppendUint16(dst, LinkMagic)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(frame)))
	dst = append(dst, frame...)
	dst = binary.BigEndian.AppendUint16(dst, Fletcher16(frame))
	return dst, nil
}

// NextLinkFrame extracts the first link frame from data. The returned frame
// aliases data. rest holds the bytes after the frame.
//
// ErrLinkIncomplete means more bytes are needed; any other error means
// data does not start with a valid frame and the caller should resync with
// SkipToLinkMagic.
func NextLinkFrame(data []byte) (frame, rest []byte, err error) {
	if len(data) < LinkOverhead {
		return nil, data, ErrLinkIncomplete
	}
	if binary.BigEndian.Uint16(data) != LinkMagic {
		return nil, data, ErrLinkMagic
	}
	n := int(binary.BigEndian.Uint16(data[2:]))
	if n > MaxFrameSize {
		return nil, data, fmt.Errorf("%w: %d bytes", ErrLinkTooLarge, n)
	}
	total := LinkOverhead + n
	if len(data) < total {
		return nil, data, ErrLinkIncomplete
	}

	frame = data[LinkHeaderSize : LinkHeaderSize+n]
	sum := binary.BigEndian.Uint16(data[LinkHeaderSize+n:])
	if want := Fletcher16(frame); sum != want {
		return nil, data, fmt.Errorf("%w: got %04x, want %04x", ErrLinkChecksum, sum, want)
	}
	return frame, data[total:], nil
}

// SkipToLinkMagic drops bytes up to the next magic after data[0]. It returns
// nil if there is none, keeping a trailing first magic byte that may be the
// start of a frame still arriving.
func SkipToLinkMagic(data []byte) []byte {
	hi, lo := byte(LinkMagic>>8), byte(LinkMagic&0xFF)
	for i := 1; i < len(data); i++ {
		if data[i] != hi {
			continue
		}
		if i+1 == len(data) || data[i+1] == lo {
			return data[i:]
		}
	}
	return nil
}
