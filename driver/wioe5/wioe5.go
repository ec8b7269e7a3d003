// Package wioe5 drives a Seeed Wio-E5 (STM32WLE5) LoRa module over its UART
// AT command interface in test mode, which exposes raw LoRa packets.
//
// The module answers each command with a "+CMD: ..." line. Received packets
// arrive unsolicited as a pair of lines:
//
//	+TEST: LEN:18, RSSI:-97, SNR:7
//	+TEST: RX "11110000222200000700000003ED"
package wioe5

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/kabili207/meshradio-go/device/radio"
)

// Compile-time interface check.
var _ radio.Transceiver = (*Driver)(nil)

const (
	// DefaultBaudRate is the module's factory UART speed.
	DefaultBaudRate = 9600

	// DefaultCommandTimeout bounds the wait for a command response.
	DefaultCommandTimeout = 2 * time.Second

	// rxQueueSize is how many received frames are buffered between polls.
	rxQueueSize = 8
)

var (
	ErrNotOpen     = errors.New("wio-e5 port not open")
	ErrCommand     = errors.New("wio-e5 command failed")
	ErrUnsupported = errors.New("setting not supported by wio-e5")
	ErrClosed      = errors.New("wio-e5 port closed")
)

var (
	lenLine = regexp.MustCompile(`^\+TEST: LEN:(\d+), RSSI:(-?\d+), SNR:(-?\d+(?:\.\d+)?)`)
	rxLine  = regexp.MustCompile(`^\+TEST: RX "([0-9A-Fa-f]*)"`)
	errLine = regexp.MustCompile(`ERROR\((-?\d+)\)`)
)

// Port is the minimal serial port the driver needs.
type Port interface {
	io.ReadWriteCloser
}

// Opener opens a serial port.
type Opener func(path string, baud int) (Port, error)

// OpenSerial opens a real serial port.
func OpenSerial(path string, baud int) (Port, error) {
	return serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
}

// Config configures a Driver.
type Config struct {
	// Port is the serial port path (e.g., "/dev/ttyUSB0").
	Port string
	// BaudRate defaults to 9600.
	BaudRate int
	// CommandTimeout bounds each command round trip. Default: 2s.
	CommandTimeout time.Duration
	// Open opens the port. Default: OpenSerial.
	Open Opener
	// Logger for driver events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

type rxFrame struct {
	info radio.RxInfo
	data []byte
}

// Driver implements radio.Transceiver for the Wio-E5.
type Driver struct {
	cfg Config
	log *slog.Logger

	cmdMu  sync.Mutex // one command in flight
	mu     sync.Mutex
	port   Port
	asleep bool
	done   chan struct{}

	resp chan string
	rx   chan rxFrame
}

// New creates a Driver. Call Open before use.
func New(cfg Config) *Driver {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = DefaultCommandTimeout
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Driver{
		cfg: cfg,
		log: cfg.Logger.WithGroup("wioe5"),
	}
}

// Open opens the serial port, checks the module responds, and switches it
// to test mode.
func (d *Driver) Open(ctx context.Context) error {
	if d.cfg.Port == "" {
		return errors.New("serial port is required")
	}
	port, err := d.cfg.Open(d.cfg.Port, d.cfg.BaudRate)
	if err != nil {
		return fmt.Errorf("opening serial port: %w", err)
	}
	d.attach(port)

	if _, err := d.command(ctx, "AT", "+AT: OK"); err != nil {
		_ = d.Close()
		return fmt.Errorf("probing module: %w", err)
	}
	if _, err := d.command(ctx, "AT+MODE=TEST", "+MODE: TEST"); err != nil {
		_ = d.Close()
		return fmt.Errorf("entering test mode: %w", err)
	}
	d.log.Info("module ready", "port", d.cfg.Port, "baud", d.cfg.BaudRate)
	return nil
}

// attach starts reading from an open port.
func (d *Driver) attach(port Port) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.port = port
	d.done = make(chan struct{})
	d.resp = make(chan string, 4)
	d.rx = make(chan rxFrame, rxQueueSize)
	go d.readLoop(port, d.done, d.resp, d.rx)
}

// Close closes the serial port.
func (d *Driver) Close() error {
	d.mu.Lock()
	port := d.port
	done := d.done
	d.port = nil
	d.mu.Unlock()

	if port == nil {
		return nil
	}
	err := port.Close()
	<-done
	return err
}

// readLoop splits module output into command responses and received frames.
func (d *Driver) readLoop(port Port, done chan struct{}, resp chan<- string, rx chan<- rxFrame) {
	defer close(done)
	defer close(resp)

	scan := bufio.NewScanner(port)
	var pending *radio.RxInfo

	for scan.Scan() {
		line := strings.TrimSpace(scan.Text())
		if line == "" {
			continue
		}

		if m := lenLine.FindStringSubmatch(line); m != nil {
			info, err := parseLenLine(m)
			if err != nil {
				d.log.Warn("bad rx header from module", "line", line, "error", err)
				pending = nil
				continue
			}
			pending = &info
			continue
		}
		if m := rxLine.FindStringSubmatch(line); m != nil {
			frame, err := hex.DecodeString(m[1])
			if err != nil || pending == nil {
				d.log.Warn("dropping unframed rx line", "line", line, "error", err)
				pending = nil
				continue
			}
			info := *pending
			pending = nil
			info.Len = len(frame)
			select {
			case rx <- rxFrame{info: info, data: frame}:
			default:
				d.log.Warn("rx queue full, dropping frame", "len", len(frame))
			}
			continue
		}

		select {
		case resp <- line:
		default:
			d.log.Debug("unsolicited module output", "line", line)
		}
	}
	if err := scan.Err(); err != nil {
		d.log.Debug("serial read ended", "error", err)
	}
}

func parseLenLine(m []string) (radio.RxInfo, error) {
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return radio.RxInfo{}, err
	}
	rssi, err := strconv.Atoi(m[2])
	if err != nil {
		return radio.RxInfo{}, err
	}
	snr, err := strconv.ParseFloat(m[3], 32)
	if err != nil {
		return radio.RxInfo{}, err
	}
	return radio.RxInfo{Len: n, RSSI: int16(rssi), SNR: float32(snr)}, nil
}

// command writes an AT command and waits for a response line starting with
// expect. Any "ERROR(n)" response fails the command.
func (d *Driver) command(ctx context.Context, cmd, expect string) (string, error) {
	d.cmdMu.Lock()
	defer d.cmdMu.Unlock()

	d.mu.Lock()
	port, resp, asleep := d.port, d.resp, d.asleep
	d.asleep = false
	d.mu.Unlock()
	if port == nil {
		return "", ErrNotOpen
	}

	// Drop stale responses from a command that timed out earlier.
	for drained := false; !drained; {
		select {
		case line := <-resp:
			d.log.Debug("discarding stale response", "line", line)
		default:
			drained = true
		}
	}

	out := cmd + "\r\n"
	if asleep {
		// Any bytes wake the module; it ignores these.
		out = "\xFF\xFF\xFF\xFF" + out
	}
	d.log.Debug("command", "cmd", cmd)
	if _, err := io.WriteString(port, out); err != nil {
		return "", fmt.Errorf("writing %q: %w", cmd, err)
	}

	tctx, cancel := context.WithTimeout(ctx, d.cfg.CommandTimeout)
	defer cancel()

	for {
		select {
		case line, ok := <-resp:
			if !ok {
				return "", ErrClosed
			}
			if m := errLine.FindStringSubmatch(line); m != nil {
				return line, fmt.Errorf("%w: %s returned error %s", ErrCommand, cmd, m[1])
			}
			if strings.HasPrefix(line, expect) {
				return line, nil
			}
			d.log.Debug("ignoring module output", "line", line)
		case <-tctx.Done():
			return "", fmt.Errorf("waiting for %q: %w", expect, tctx.Err())
		}
	}
}

// Configure applies frequency, modulation and power in one RFCFG command.
// The module always uses coding rate 4/5.
func (d *Driver) Configure(ctx context.Context, p radio.Params) error {
	switch p.Modem.BandwidthKHz {
	case 125, 250, 500:
	default:
		return fmt.Errorf("%w: bandwidth %v kHz", ErrUnsupported, p.Modem.BandwidthKHz)
	}
	if p.Modem.SpreadingFactor < 7 || p.Modem.SpreadingFactor > 12 {
		return fmt.Errorf("%w: spreading factor %d", ErrUnsupported, p.Modem.SpreadingFactor)
	}
	if p.Modem.CodingRate != 5 {
		d.log.Warn("coding rate fixed at 4/5", "requested", p.Modem.CodingRate)
	}

	cmd := fmt.Sprintf("AT+TEST=RFCFG,%s,SF%d,%d,%d,%d,%d,ON,OFF,OFF",
		strconv.FormatFloat(p.FrequencyMHz, 'f', -1, 64),
		p.Modem.SpreadingFactor,
		int(p.Modem.BandwidthKHz),
		p.Modem.PreambleLength,
		p.Modem.PreambleLength,
		p.TxPowerDBm,
	)
	_, err := d.command(ctx, cmd, "+TEST: RFCFG")
	return err
}

// InitReceiveWindow puts the module into continuous packet receive.
func (d *Driver) InitReceiveWindow(ctx context.Context) error {
	_, err := d.command(ctx, "AT+TEST=RXLRPKT", "+TEST: RXLRPKT")
	return err
}

// Receive waits for the next received frame and copies it into buf.
func (d *Driver) Receive(ctx context.Context, buf []byte) (radio.RxInfo, error) {
	d.mu.Lock()
	rx := d.rx
	d.mu.Unlock()
	if rx == nil {
		return radio.RxInfo{}, ErrNotOpen
	}

	select {
	case f := <-rx:
		n := copy(buf, f.data)
		if n < len(f.data) {
			d.log.Warn("frame truncated to buffer", "len", len(f.data), "buf", len(buf))
		}
		info := f.info
		info.Len = n
		return info, nil
	case <-ctx.Done():
		return radio.RxInfo{}, radio.ErrNoFrame
	}
}

// StandbyForSend stops receive so the module accepts a transmit command.
func (d *Driver) StandbyForSend(ctx context.Context) error {
	_, err := d.command(ctx, "AT+TEST=STOP", "+TEST: STOP")
	return err
}

// TransferFrame transmits frame and blocks until the module reports it sent
// or ctx ends.
func (d *Driver) TransferFrame(ctx context.Context, frame []byte) error {
	cmd := fmt.Sprintf(`AT+TEST=TXLRPKT,"%s"`, strings.ToUpper(hex.EncodeToString(frame)))
	if _, err := d.command(ctx, cmd, "+TEST: TXLRPKT"); err != nil {
		return err
	}
	// The echo comes first, then the completion once the frame has aired.
	if _, err := d.waitFor(ctx, "+TEST: TX DONE"); err != nil {
		return err
	}
	return nil
}

// waitFor waits for an unsolicited line beginning with prefix.
func (d *Driver) waitFor(ctx context.Context, prefix string) (string, error) {
	d.mu.Lock()
	resp := d.resp
	d.mu.Unlock()
	if resp == nil {
		return "", ErrNotOpen
	}
	for {
		select {
		case line, ok := <-resp:
			if !ok {
				return "", ErrClosed
			}
			if strings.HasPrefix(line, prefix) {
				return line, nil
			}
			if m := errLine.FindStringSubmatch(line); m != nil {
				return line, fmt.Errorf("%w: error %s", ErrCommand, m[1])
			}
		case <-ctx.Done():
			return "", fmt.Errorf("waiting for %q: %w", prefix, ctx.Err())
		}
	}
}

// SetLowPower puts the module to sleep until the next command.
func (d *Driver) SetLowPower(ctx context.Context) error {
	if _, err := d.command(ctx, "AT+LOWPOWER", "+LOWPOWER: SLEEP"); err != nil {
		return err
	}
	d.mu.Lock()
	d.asleep = true
	d.mu.Unlock()
	return nil
}
