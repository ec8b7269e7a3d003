// Package serial bridges the radio to a host over a serial line.
//
// Every packet the radio hears is written to the port as a raw wire frame in
// host link framing (magic, length, frame, Fletcher-16). Frames the host
// writes back are parsed and handed to the PacketHandler for transmission.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.bug.st/serial"

	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/transport"
)

// Compile-time interface check.
var _ transport.Transport = (*Transport)(nil)

const (
	// DefaultBaudRate is the default baud rate for the host link.
	DefaultBaudRate = 115200

	// readBufSize is the size of the serial read buffer.
	readBufSize = 1024

	// maxAssembly bounds buffered bytes while waiting for a frame to complete.
	maxAssembly = 4 * (codec.MaxFrameSize + codec.LinkOverhead)
)

// Config holds the configuration for a serial host link.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB1" or "COM4").
	Port string
	// BaudRate is the serial baud rate. Defaults to 115200.
	BaudRate int
	// Logger is the logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Transport implements transport.Transport over a serial connection.
type Transport struct {
	cfg           Config
	port          serial.Port
	log           *slog.Logger
	mu            sync.RWMutex
	writeMu       sync.Mutex
	connected     bool
	cancel        context.CancelFunc
	done          chan struct{}
	packetHandler transport.PacketHandler
	stateHandler  transport.StateHandler
}

// New creates a new serial host link with the given configuration.
func New(cfg Config) *Transport {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Transport{
		cfg: cfg,
		log: cfg.Logger.WithGroup("serial"),
	}
}

// Start opens the serial port and begins reading frames from the host.
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.Port == "" {
		return errors.New("serial port is required")
	}

	port, err := serial.Open(t.cfg.Port, &serial.Mode{BaudRate: t.cfg.BaudRate})
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}

	t.attach(ctx, port)
	t.log.Info("host link open", "port", t.cfg.Port, "baud", t.cfg.BaudRate)
	return nil
}

// attach starts the read loop on an open port.
func (t *Transport) attach(ctx context.Context, port serial.Port) {
	t.mu.Lock()
	t.port = port
	t.connected = true
	t.done = make(chan struct{})
	handler := t.stateHandler
	t.mu.Unlock()

	readCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go t.readLoop(readCtx, port)

	if handler != nil {
		handler(t, transport.EventConnected)
	}
}

// Stop closes the serial port and stops the read loop.
func (t *Transport) Stop() error {
	t.mu.Lock()
	handler := t.stateHandler
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}

	t.mu.Lock()
	t.connected = false
	port := t.port
	t.port = nil
	done := t.done
	t.mu.Unlock()

	var err error
	if port != nil {
		err = port.Close()
	}

	// Wait for read loop to finish
	if done != nil {
		<-done
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}

	return err
}

// IsConnected returns true if the serial port is open.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// SetPacketHandler sets the callback for frames written by the host.
func (t *Transport) SetPacketHandler(fn transport.PacketHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.packetHandler = fn
}

// SetStateHandler sets the callback for transport state changes.
func (t *Transport) SetStateHandler(fn transport.StateHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateHandler = fn
}

// OnPacket forwards a packet heard by the radio to the host.
func (t *Transport) OnPacket(pkt *codec.MeshPacket) {
	if err := t.SendPacket(pkt); err != nil {
		t.log.Debug("not forwarding packet to host", "id", pkt.ID, "error", err)
	}
}

// SendPacket renders pkt as a wire frame and writes it to the host.
func (t *Transport) SendPacket(pkt *codec.MeshPacket) error {
	t.mu.RLock()
	port := t.port
	connected := t.connected
	t.mu.RUnlock()

	if !connected || port == nil {
		return errors.New("not connected")
	}

	var frame [codec.MaxFrameSize]byte
	n, err := codec.RenderFrame(frame[:], pkt)
	if err != nil {
		return fmt.Errorf("rendering frame: %w", err)
	}
	data, err := codec.AppendLinkFrame(make([]byte, 0, n+codec.LinkOverhead), frame[:n])
	if err != nil {
		return fmt.Errorf("encoding link frame: %w", err)
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := port.Write(data); err != nil {
		return fmt.Errorf("writing to serial port: %w", err)
	}
	return nil
}

// readLoop continuously reads from the serial port and assembles link frames.
func (t *Transport) readLoop(ctx context.Context, port serial.Port) {
	defer close(t.done)

	buf := make([]byte, readBufSize)
	var assemblyBuf []byte

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return // context cancelled, clean shutdown
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				t.log.Error("serial read error", "error", err)
			}
			t.handleDisconnect(err)
			return
		}

		if n == 0 {
			continue
		}

		assemblyBuf = append(assemblyBuf, buf[:n]...)
		assemblyBuf = t.processFrames(assemblyBuf)
		if len(assemblyBuf) > maxAssembly {
			t.log.Warn("discarding unframed host data", "len", len(assemblyBuf))
			assemblyBuf = nil
		}
	}
}

// processFrames extracts complete link frames from data and dispatches the
// packets they carry. It returns the bytes that don't yet form a frame.
func (t *Transport) processFrames(data []byte) []byte {
	for len(data) > 0 {
		frame, rest, err := codec.NextLinkFrame(data)
		if err != nil {
			if errors.Is(err, codec.ErrLinkIncomplete) {
				return data // wait for more data
			}
			t.log.Debug("bad link frame from host", "error", err)
			data = codec.SkipToLinkMagic(data)
			continue
		}
		data = rest

		pkt := &codec.MeshPacket{}
		if err := codec.ParseFrame(frame, pkt); err != nil {
			t.log.Debug("failed to parse wire frame from host", "error", err)
			continue
		}

		t.mu.RLock()
		handler := t.packetHandler
		t.mu.RUnlock()

		if handler != nil {
			handler(pkt, transport.PacketSourceSerial)
		}
	}

	return data
}

func (t *Transport) handleDisconnect(err error) {
	t.mu.Lock()
	t.connected = false
	handler := t.stateHandler
	t.mu.Unlock()

	if err != nil {
		t.log.Error("host link disconnected", "error", err)
	}

	if handler != nil {
		handler(t, transport.EventDisconnected)
	}
}
