package mqtt

import (
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kabili207/meshradio-go/core/codec"
)

// ServiceEnvelope field numbers.
const (
	envPacket    protowire.Number = 1
	envChannelID protowire.Number = 2
	envGatewayID protowire.Number = 3
)

// MeshPacket field numbers.
const (
	pktFrom      protowire.Number = 1
	pktTo        protowire.Number = 2
	pktChannel   protowire.Number = 3
	pktEncrypted protowire.Number = 5
	pktID        protowire.Number = 6
	pktRxTime    protowire.Number = 7
	pktRxSNR     protowire.Number = 8
	pktHopLimit  protowire.Number = 9
	pktWantAck   protowire.Number = 10
	pktRxRSSI    protowire.Number = 12
	pktViaMQTT   protowire.Number = 14
	pktHopStart  protowire.Number = 15
)

var (
	ErrBadEnvelope = errors.New("malformed service envelope")
	ErrNoPacket    = errors.New("service envelope has no packet")
)

// Envelope is the message published for every packet: the packet itself,
// the channel it was heard on, and the gateway that heard it.
type Envelope struct {
	Packet    *codec.MeshPacket
	ChannelID string
	GatewayID string
}

// MarshalEnvelope encodes pkt in protobuf wire format. Zero-valued fields are
// omitted.
func MarshalEnvelope(pkt *codec.MeshPacket, channelID, gatewayID string) []byte {
	inner := marshalPacket(nil, pkt)

	var b []byte
	b = protowire.AppendTag(b, envPacket, protowire.BytesType)
	b = protowire.AppendBytes(b, inner)
	if channelID != "" {
		b = protowire.AppendTag(b, envChannelID, protowire.BytesType)
		b = protowire.AppendString(b, channelID)
	}
	if gatewayID != "" {
		b = protowire.AppendTag(b, envGatewayID, protowire.BytesType)
		b = protowire.AppendString(b, gatewayID)
	}
	return b
}

func marshalPacket(b []byte, p *codec.MeshPacket) []byte {
	fixed := func(num protowire.Number, v uint32) {
		if v != 0 {
			b = protowire.AppendTag(b, num, protowire.Fixed32Type)
			b = protowire.AppendFixed32(b, v)
		}
	}
	varint := func(num protowire.Number, v uint64) {
		if v != 0 {
			b = protowire.AppendTag(b, num, protowire.VarintType)
			b = protowire.AppendVarint(b, v)
		}
	}

	fixed(pktFrom, p.From)
	fixed(pktTo, p.To)
	varint(pktChannel, uint64(p.Channel))
	if len(p.Encrypted) > 0 {
		b = protowire.AppendTag(b, pktEncrypted, protowire.BytesType)
		b = protowire.AppendBytes(b, p.Encrypted)
	}
	fixed(pktID, p.ID)
	if !p.RxTime.IsZero() {
		fixed(pktRxTime, uint32(p.RxTime.Unix()))
	}
	fixed(pktRxSNR, math.Float32bits(p.RxSNR))
	varint(pktHopLimit, uint64(p.HopLimit))
	varint(pktWantAck, protowire.EncodeBool(p.WantAck))
	varint(pktRxRSSI, uint64(int64(p.RxRSSI)))
	varint(pktViaMQTT, protowire.EncodeBool(p.ViaMQTT))
	varint(pktHopStart, uint64(p.HopStart))
	return b
}

// UnmarshalEnvelope decodes an envelope into pkt. Unknown fields are skipped.
// Packets carrying a decoded payload instead of encrypted bytes are accepted
// with an empty payload.
func UnmarshalEnvelope(data []byte, pkt *codec.MeshPacket) (Envelope, error) {
	env := Envelope{Packet: pkt}
	sawPacket := false

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return env, fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == envPacket && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return env, fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			if err := unmarshalPacket(v, pkt); err != nil {
				return env, err
			}
			sawPacket = true
			data = data[n:]
		case (num == envChannelID || num == envGatewayID) && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return env, fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			if num == envChannelID {
				env.ChannelID = v
			} else {
				env.GatewayID = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return env, fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !sawPacket {
		return env, ErrNoPacket
	}
	return env, nil
}

func unmarshalPacket(data []byte, p *codec.MeshPacket) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(data)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case pktFrom:
				p.From = v
			case pktTo:
				p.To = v
			case pktID:
				p.ID = v
			case pktRxTime:
				p.RxTime = time.Unix(int64(v), 0)
			case pktRxSNR:
				p.RxSNR = math.Float32frombits(v)
			}
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			switch num {
			case pktChannel:
				p.Channel = uint8(v)
			case pktHopLimit:
				p.HopLimit = uint8(v)
			case pktHopStart:
				p.HopStart = uint8(v)
			case pktWantAck:
				p.WantAck = protowire.DecodeBool(v)
			case pktViaMQTT:
				p.ViaMQTT = protowire.DecodeBool(v)
			case pktRxRSSI:
				p.RxRSSI = int16(int32(v))
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
			if num == pktEncrypted {
				if err := p.SetPayload(v); err != nil {
					return err
				}
				p.PayloadVariant = codec.PayloadEncrypted
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %w", ErrBadEnvelope, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
