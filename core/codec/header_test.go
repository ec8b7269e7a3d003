package codec

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlagsBitLayout(t *testing.T) {
	tests := []struct {
		name     string
		hopLimit uint8
		hopStart uint8
		wantAck  bool
		viaMQTT  bool
		want     uint8
	}{
		{name: "zero", want: 0x00},
		{name: "hop limit only", hopLimit: 5, want: 0x05},
		{name: "hop start only", hopStart: 5, want: 0x28},
		{name: "want ack", wantAck: true, want: 0x40},
		{name: "via mqtt", viaMQTT: true, want: 0x80},
		{name: "max hops", hopLimit: HopMax, hopStart: HopMax, want: 0x3F},
		{name: "everything", hopLimit: 7, hopStart: 7, wantAck: true, viaMQTT: true, want: 0xFF},
		{name: "scenario A", hopLimit: 5, hopStart: 5, wantAck: true, want: 0x6D},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PackFlags(tt.hopLimit, tt.hopStart, tt.wantAck, tt.viaMQTT)
			if got != tt.want {
				t.Fatalf("PackFlags() = %#02x, want %#02x", got, tt.want)
			}

			h := WireHeader{Flags: got}
			if h.HopLimit() != tt.hopLimit {
				t.Errorf("HopLimit() = %d, want %d", h.HopLimit(), tt.hopLimit)
			}
			if h.HopStart() != tt.hopStart {
				t.Errorf("HopStart() = %d, want %d", h.HopStart(), tt.hopStart)
			}
			if h.WantAck() != tt.wantAck {
				t.Errorf("WantAck() = %v, want %v", h.WantAck(), tt.wantAck)
			}
			if h.ViaMQTT() != tt.viaMQTT {
				t.Errorf("ViaMQTT() = %v, want %v", h.ViaMQTT(), tt.viaMQTT)
			}
		})
	}
}

func TestHeaderEncodeLayout(t *testing.T) {
	h := WireHeader{
		From:    0x11223344,
		To:      0xAABBCCDD,
		ID:      0x01020304,
		Channel: 0x08,
		Flags:   0x6D,
	}
	want := []byte{
		0x44, 0x33, 0x22, 0x11,
		0xDD, 0xCC, 0xBB, 0xAA,
		0x04, 0x03, 0x02, 0x01,
		0x08,
		0x6D,
	}

	got := EncodeHeader(h)
	if !bytes.Equal(got[:], want) {
		t.Errorf("EncodeHeader() = %x, want %x", got, want)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		header WireHeader
	}{
		{name: "zero", header: WireHeader{}},
		{
			name: "broadcast",
			header: WireHeader{
				From: 0x1111, To: BroadcastAddr, ID: 7, Channel: 3,
				Flags: PackFlags(3, 3, false, false),
			},
		},
		{
			name: "max hop limit",
			header: WireHeader{
				From: 0xDEADBEEF, To: 0x2222, ID: 0xFFFFFFFF, Channel: 0xFF,
				Flags: PackFlags(HopMax, HopMax, true, true),
			},
		},
		{
			name: "via mqtt only",
			header: WireHeader{
				From: 1, To: 2, ID: 3, Channel: 4,
				Flags: PackFlags(0, 0, false, true),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wire := EncodeHeader(tt.header)
			got := DecodeHeader(wire[:])
			if diff := cmp.Diff(tt.header, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeHeaderIgnoresTrailingBytes(t *testing.T) {
	h := WireHeader{From: 9, To: 8, ID: 7, Channel: 6, Flags: 5}
	wire := EncodeHeader(h)
	data := append(wire[:], 0xAA, 0xBB, 0xCC)

	if got := DecodeHeader(data); got != h {
		t.Errorf("DecodeHeader() = %+v, want %+v", got, h)
	}
}

func TestParseHeaderShort(t *testing.T) {
	for n := 0; n < HeaderSize; n++ {
		_, err := ParseHeader(make([]byte, n))
		if !errors.Is(err, ErrFrameTooShort) {
			t.Errorf("ParseHeader(%d bytes) error = %v, want ErrFrameTooShort", n, err)
		}
	}
}

func TestValidateHops(t *testing.T) {
	if err := ValidateHops(HopMax, HopMax); err != nil {
		t.Errorf("ValidateHops(max, max) = %v, want nil", err)
	}
	if err := ValidateHops(HopMax+1, 0); !errors.Is(err, ErrHopLimitRange) {
		t.Errorf("ValidateHops(limit too big) = %v, want ErrHopLimitRange", err)
	}
	if err := ValidateHops(0, HopMax+1); !errors.Is(err, ErrHopStartRange) {
		t.Errorf("ValidateHops(start too big) = %v, want ErrHopStartRange", err)
	}
}

func TestChannelHash(t *testing.T) {
	// "LongFast" with the default key hashes to 8 on real networks.
	if got := ChannelHash("LongFast", DefaultPSK); got != 0x08 {
		t.Errorf("ChannelHash(LongFast) = %#02x, want 0x08", got)
	}
	if got := ChannelHash("", nil); got != 0 {
		t.Errorf("ChannelHash(empty) = %#02x, want 0", got)
	}
}
