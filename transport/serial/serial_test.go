package serial

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"

	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/transport"
)

// makeTestPacket creates a simple mesh packet for testing.
func makeTestPacket(id uint32) *codec.MeshPacket {
	p := &codec.MeshPacket{
		From: 0x1111, To: 0x2222, ID: id, Channel: 8,
		HopLimit: 3, HopStart: 3,
		PayloadVariant: codec.PayloadEncrypted,
	}
	_ = p.SetPayload([]byte{0x01, 0x02, 0x03, 0x04})
	return p
}

// framePacket renders a packet and wraps it in link framing.
func framePacket(t *testing.T, pkt *codec.MeshPacket) []byte {
	t.Helper()
	buf := make([]byte, codec.MaxFrameSize)
	n, err := codec.RenderFrame(buf, pkt)
	if err != nil {
		t.Fatalf("failed to render frame: %v", err)
	}
	data, err := codec.AppendLinkFrame(nil, buf[:n])
	if err != nil {
		t.Fatalf("failed to encode link frame: %v", err)
	}
	return data
}

func collect(tr *Transport) (*[]*codec.MeshPacket, *sync.Mutex) {
	var received []*codec.MeshPacket
	var mu sync.Mutex
	tr.packetHandler = func(p *codec.MeshPacket, source transport.PacketSource) {
		mu.Lock()
		defer mu.Unlock()
		if source == transport.PacketSourceSerial {
			received = append(received, p)
		}
	}
	return &received, &mu
}

func TestProcessFrames_SingleFrame(t *testing.T) {
	tr := New(Config{})
	received, mu := collect(tr)

	remaining := tr.processFrames(framePacket(t, makeTestPacket(7)))
	if len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(*received))
	}
	got := (*received)[0]
	if got.ID != 7 || got.From != 0x1111 || !bytes.Equal(got.Encrypted, []byte{1, 2, 3, 4}) {
		t.Errorf("packet = %+v", got)
	}
}

func TestProcessFrames_MultipleFrames(t *testing.T) {
	tr := New(Config{})
	received, mu := collect(tr)

	combined := append(framePacket(t, makeTestPacket(1)), framePacket(t, makeTestPacket(2))...)
	if remaining := tr.processFrames(combined); len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != 2 || (*received)[0].ID != 1 || (*received)[1].ID != 2 {
		t.Fatalf("received %d packets in wrong order", len(*received))
	}
}

func TestProcessFrames_IncrementalAssembly(t *testing.T) {
	tr := New(Config{})
	received, mu := collect(tr)
	frame := framePacket(t, makeTestPacket(9))

	var buf []byte
	for i := range frame {
		buf = append(buf, frame[i])
		buf = tr.processFrames(buf)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != 1 {
		t.Fatalf("expected 1 packet after byte-by-byte feed, got %d", len(*received))
	}
	if len(buf) != 0 {
		t.Errorf("expected empty buffer, got %d bytes", len(buf))
	}
}

func TestProcessFrames_GarbageBeforeFrame(t *testing.T) {
	tr := New(Config{})
	received, mu := collect(tr)

	data := append([]byte{0x00, 0x94, 0x11, 0xFF}, framePacket(t, makeTestPacket(3))...)
	tr.processFrames(data)

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != 1 {
		t.Fatalf("expected 1 packet after garbage, got %d", len(*received))
	}
}

func TestProcessFrames_ShortWireFrame(t *testing.T) {
	tr := New(Config{})
	received, mu := collect(tr)

	data, _ := codec.AppendLinkFrame(nil, []byte{1, 2, 3})
	if remaining := tr.processFrames(data); len(remaining) != 0 {
		t.Errorf("remaining = %d bytes, want 0", len(remaining))
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*received) != 0 {
		t.Error("a frame shorter than a header should not be dispatched")
	}
}

func TestProcessFrames_NoHandler(t *testing.T) {
	tr := New(Config{})
	if remaining := tr.processFrames(framePacket(t, makeTestPacket(1))); len(remaining) != 0 {
		t.Errorf("expected no remaining bytes, got %d", len(remaining))
	}
}

// fakePort serves reads from a pipe and records writes. Methods the
// transport does not use are left to the embedded nil interface.
type fakePort struct {
	serial.Port
	r *io.PipeReader
	w *io.PipeWriter

	mu      sync.Mutex
	written bytes.Buffer
}

func newFakePort() *fakePort {
	r, w := io.Pipe()
	return &fakePort{r: r, w: w}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	_ = p.w.Close()
	return p.r.Close()
}

func (p *fakePort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func TestOnPacket_WritesLinkFrame(t *testing.T) {
	tr := New(Config{})
	port := newFakePort()
	tr.attach(context.Background(), port)
	defer tr.Stop()

	pkt := makeTestPacket(5)
	tr.OnPacket(pkt)

	if got, want := port.bytes(), framePacket(t, pkt); !bytes.Equal(got, want) {
		t.Errorf("written = %x, want %x", got, want)
	}
}

func TestReadLoop_DispatchesAndDisconnects(t *testing.T) {
	tr := New(Config{})
	got := make(chan *codec.MeshPacket, 1)
	tr.SetPacketHandler(func(p *codec.MeshPacket, _ transport.PacketSource) { got <- p })
	events := make(chan transport.Event, 4)
	tr.SetStateHandler(func(_ transport.Transport, e transport.Event) { events <- e })

	port := newFakePort()
	tr.attach(context.Background(), port)
	if !tr.IsConnected() {
		t.Fatal("expected connected after attach")
	}

	frame := framePacket(t, makeTestPacket(11))
	go func() { _, _ = port.w.Write(frame) }()

	select {
	case p := <-got:
		if p.ID != 11 {
			t.Errorf("ID = %d, want 11", p.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet")
	}

	// Host hangs up.
	_ = port.w.Close()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-events:
			if e == transport.EventDisconnected {
				if tr.IsConnected() {
					t.Error("IsConnected() should be false after EOF")
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for disconnect")
		}
	}
}

func TestSendPacket_NotConnected(t *testing.T) {
	tr := New(Config{Port: "/dev/null"})
	if err := tr.SendPacket(makeTestPacket(1)); err == nil {
		t.Fatal("expected error when not connected")
	}
}

func TestStart_MissingPort(t *testing.T) {
	tr := New(Config{})
	if err := tr.Start(context.Background()); err == nil {
		t.Fatal("expected error with empty port")
	}
}

func TestNew_Defaults(t *testing.T) {
	tr := New(Config{Port: "/dev/ttyUSB1"})

	if tr.cfg.BaudRate != DefaultBaudRate {
		t.Errorf("BaudRate = %d, want %d", tr.cfg.BaudRate, DefaultBaudRate)
	}
	if tr.log == nil {
		t.Error("expected logger to be set")
	}
	if tr.IsConnected() {
		t.Error("expected not connected initially")
	}
}
