// Package radio drives a LoRa transceiver for a mesh node.
//
// The Radio owns the receive/transmit/standby state machine around a single
// transceiver. It handles:
//   - Receive: validating frames the transceiver reports, accounting their
//     airtime, and dispatching decoded packets to a Sink
//   - Transmit: rendering packets into the wire buffer, a blocking transfer,
//     and recovery to receive mode when the transfer fails
//   - Send queue: priority-ordered outbound packets drained by Run, held
//     back while the regional duty cycle is exhausted
//
// Frames arrive through a single entry point, OnFrameAvailable, whatever the
// event source is: the Run poll loop, a driver's interrupt goroutine, or a
// test.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/clock"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/core/pool"
	"github.com/kabili207/meshradio-go/core/region"
	"github.com/kabili207/meshradio-go/device/power"
)

const (
	// DefaultMaxPowerDBm is the highest transmit power the Wio-E5 supports.
	DefaultMaxPowerDBm = 22

	// DefaultTransmitTimeout is how long a transfer may run past the
	// frame's time on air.
	DefaultTransmitTimeout = 5 * time.Second

	// DefaultPollTimeout is how long Run waits for a frame before checking
	// the send queue again.
	DefaultPollTimeout = 100 * time.Millisecond

	// DefaultMaxQueue is the default send queue capacity.
	DefaultMaxQueue = 16

	// DefaultChannelName is used to choose a frequency slot when no
	// explicit frequency is configured.
	DefaultChannelName = "LongFast"

	// recoveryTimeout bounds the re-arm after a failed transfer, which must
	// run even if the caller's context is already done.
	recoveryTimeout = time.Second
)

// State is the receive state of the radio.
type State int

const (
	// StateIdle means the radio is not expecting frames: standby, sleep,
	// transmitting, or finished processing a frame and not yet re-armed.
	StateIdle State = iota
	// StateArmedForReceive means a receive window is open.
	StateArmedForReceive
	// StateProcessingFrame means a reported frame is being validated.
	StateProcessingFrame
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmedForReceive:
		return "armed"
	case StateProcessingFrame:
		return "processing"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config configures a Radio.
type Config struct {
	// Transceiver is the low-level driver. Required.
	Transceiver Transceiver

	// Sink receives every decoded packet. If nil, packets are released
	// straight back to the pool.
	Sink Sink

	// Pool allocates received packets and takes back sent ones.
	// Default: a new pool of pool.DefaultCapacity packets.
	Pool PacketPool

	// Regulatory answers whether a region is set and transmit is enabled.
	// Default: region unset, transmit enabled, so nothing is delivered until
	// a region is chosen.
	Regulatory Regulatory

	// Airtime receives airtime records. Default: a new airtime.Ledger.
	Airtime airtime.Recorder

	// Power tracks the transmitter/receiver power state. Default: a new
	// power.Monitor.
	Power PowerMonitor

	// Errors records critical errors. Default: a LogRecorder.
	Errors ErrorRecorder

	// Modem holds the modulation parameters used for airtime and pushed to
	// the transceiver. Default: airtime.LongFast.
	Modem airtime.ModemConfig

	// FrequencyMHz overrides the frequency derived from region and
	// ChannelName.
	FrequencyMHz float64

	// ChannelName selects the frequency slot within the region's band.
	// Default: "LongFast".
	ChannelName string

	// TxPowerDBm is the requested transmit power. It is clamped to
	// MaxPowerDBm and to the region's limit. Zero means the region limit.
	TxPowerDBm int

	// MaxPowerDBm is the chip's power limit. Default: 22.
	MaxPowerDBm int

	// TransmitTimeout is added to each frame's time on air to bound its
	// blocking transfer. Default: 5s.
	TransmitTimeout time.Duration

	// PollTimeout is how long Run waits for a frame per iteration.
	// Default: 100ms.
	PollTimeout time.Duration

	// MaxQueue is the send queue capacity. Default: 16.
	MaxQueue int

	// Clock stamps received packets. Default: a new clock.Clock.
	Clock Clock

	// Logger for radio events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// txGate is implemented by airtime recorders that can enforce a duty cycle.
type txGate interface {
	IsTxAllowedAirUtil(dutyCyclePercent float64) bool
}

// Radio is the state machine around one transceiver.
type Radio struct {
	cfg      Config
	log      *slog.Logger
	queue    *SendQueue
	counters Counters

	mu       sync.Mutex
	state    State
	disabled bool
	params   Params
	rxBuf    [codec.MaxFrameSize]byte
	txBuf    [codec.MaxFrameSize]byte
	sending  *codec.MeshPacket
	nowFn    func() time.Time // overridable for testing
}

// New creates a Radio with the given configuration.
func New(cfg Config) *Radio {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pool == nil {
		cfg.Pool = pool.New(pool.DefaultCapacity)
	}
	if cfg.Regulatory == nil {
		cfg.Regulatory = NewSettings(region.Unset, true)
	}
	if cfg.Airtime == nil {
		cfg.Airtime = airtime.New(airtime.Config{Logger: logger})
	}
	if cfg.Power == nil {
		cfg.Power = power.NewMonitor(logger)
	}
	if cfg.Errors == nil {
		cfg.Errors = NewLogRecorder(logger)
	}
	if cfg.Modem == (airtime.ModemConfig{}) {
		cfg.Modem = airtime.LongFast
	}
	if cfg.ChannelName == "" {
		cfg.ChannelName = DefaultChannelName
	}
	if cfg.MaxPowerDBm <= 0 {
		cfg.MaxPowerDBm = DefaultMaxPowerDBm
	}
	if cfg.TransmitTimeout <= 0 {
		cfg.TransmitTimeout = DefaultTransmitTimeout
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = DefaultMaxQueue
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Radio{
		cfg:      cfg,
		log:      logger.WithGroup("radio"),
		queue:    NewSendQueue(cfg.MaxQueue),
		nowFn:    cfg.Clock.Now,
		disabled: true, // until Init configures the transceiver
	}
}

// Init configures the transceiver for the current region and opens the first
// receive window. The radio does not transmit until Init succeeds; a later
// failed Init or Reconfigure disables transmit again.
func (r *Radio) Init(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	params, err := r.resolveParams()
	if err != nil {
		r.disabled = true
		return err
	}

	if err := r.cfg.Transceiver.Configure(ctx, params); err != nil {
		r.disabled = true
		r.cfg.Errors.RecordCriticalError(CriticalErrorInvalidRadioSetting)
		return fmt.Errorf("configuring transceiver: %w", err)
	}
	r.params = params
	r.disabled = false

	r.log.Info("radio initialised",
		"freq_mhz", params.FrequencyMHz,
		"sf", params.Modem.SpreadingFactor,
		"bw_khz", params.Modem.BandwidthKHz,
		"cr", params.Modem.CodingRate,
		"preamble", params.Modem.PreambleLength,
		"power_dbm", params.TxPowerDBm)

	return r.startReceiveLocked(ctx)
}

// Reconfigure reapplies settings after the region or modem changed.
func (r *Radio) Reconfigure(ctx context.Context) error {
	r.log.Debug("reconfigure")
	return r.Init(ctx)
}

// resolveParams works out frequency and power from the configuration and
// region table.
func (r *Radio) resolveParams() (Params, error) {
	info, err := region.Lookup(r.cfg.Regulatory.Region())
	if err != nil {
		return Params{}, err
	}

	freq := r.cfg.FrequencyMHz
	if freq == 0 {
		n := info.NumChannels(r.cfg.Modem.BandwidthKHz)
		slot := region.SlotForName(r.cfg.ChannelName, n)
		freq = info.ChannelFrequencyMHz(r.cfg.Modem.BandwidthKHz, slot)
	}

	pwr := r.cfg.TxPowerDBm
	if pwr == 0 {
		pwr = info.PowerLimitDBm
	}
	// This chip has lower power limits than some
	if pwr > r.cfg.MaxPowerDBm {
		pwr = r.cfg.MaxPowerDBm
	}
	pwr = info.ClampPower(pwr)

	return Params{
		FrequencyMHz: freq,
		Modem:        r.cfg.Modem,
		TxPowerDBm:   pwr,
	}, nil
}

// Params returns the settings last pushed to the transceiver.
func (r *Radio) Params() Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// StartReceive opens a receive window. Receive is never re-armed
// automatically after a frame is processed; callers re-arm explicitly.
func (r *Radio) StartReceive(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startReceiveLocked(ctx)
}

func (r *Radio) startReceiveLocked(ctx context.Context) error {
	if err := r.cfg.Transceiver.InitReceiveWindow(ctx); err != nil {
		r.state = StateIdle
		r.log.Error("failed to start receive", "error", err)
		return fmt.Errorf("starting receive: %w", err)
	}
	r.state = StateArmedForReceive
	r.cfg.Power.ClearState(power.LoraSleep)
	r.cfg.Power.SetState(power.LoraRXOn)
	return nil
}

// Standby stops receiving and lets the module idle in low power mode.
func (r *Radio) Standby(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = StateIdle
	r.cfg.Power.ClearState(power.LoraRXOn)
	if err := r.cfg.Transceiver.SetLowPower(ctx); err != nil {
		return fmt.Errorf("entering standby: %w", err)
	}
	return nil
}

// Sleep puts the module to sleep. A later StartReceive wakes it.
func (r *Radio) Sleep(ctx context.Context) error {
	if err := r.Standby(ctx); err != nil {
		return err
	}
	r.cfg.Power.SetState(power.LoraSleep)
	return nil
}

// State returns the current receive state.
func (r *Radio) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsReceiving reports whether a receive window is open.
func (r *Radio) IsReceiving() bool {
	return r.State() == StateArmedForReceive
}

// Buffer returns the receive buffer event sources write frames into before
// calling OnFrameAvailable. Only the active event source may write to it.
func (r *Radio) Buffer() []byte {
	return r.rxBuf[:]
}

// Counters returns the radio's statistics.
func (r *Radio) Counters() *Counters {
	return &r.counters
}

// QueueLen returns the number of packets waiting to be sent.
func (r *Radio) QueueLen() int {
	return r.queue.Len()
}

// Enqueue adds an outgoing packet to the send queue; Run sends it once its
// delay has passed. The queue takes ownership of the packet. If the queue is
// full the packet is released and false is returned.
func (r *Radio) Enqueue(pkt *codec.MeshPacket, priority uint8, delay time.Duration) bool {
	if !r.queue.Push(pkt, priority, delay) {
		r.log.Warn("send queue full, dropping packet", packetAttrs(pkt)...)
		r.releasePacket(pkt)
		return false
	}
	return true
}

// Cancel drops the queued packet sent by from with the given id and releases
// it. It reports whether such a packet was queued.
func (r *Radio) Cancel(from, id uint32) bool {
	pkt := r.queue.Remove(from, id)
	if pkt == nil {
		return false
	}
	r.log.Debug("cancelled queued packet", packetAttrs(pkt)...)
	r.releasePacket(pkt)
	return true
}

// Run is the cooperative poll loop. It receives frames from the transceiver,
// re-arms receive after each one, and drains the send queue. It returns when
// ctx is done.
func (r *Radio) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		r.drainQueue(ctx)

		if !r.IsReceiving() {
			if err := r.StartReceive(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Back off so a dead transceiver doesn't spin the loop.
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(r.cfg.PollTimeout):
				}
				continue
			}
		}

		r.pollOnce(ctx)
	}
}

// pollOnce waits up to PollTimeout for one frame.
func (r *Radio) pollOnce(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PollTimeout)
	defer cancel()

	info, err := r.cfg.Transceiver.Receive(pctx, r.rxBuf[:])
	if err != nil {
		if !errors.Is(err, ErrNoFrame) && !errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			r.log.Warn("receive failed", "error", err)
		}
		return
	}
	if info.Len <= 0 {
		return
	}

	r.OnFrameAvailable(info.Len, info.RSSI, info.SNR)

	if err := r.StartReceive(ctx); err != nil && ctx.Err() == nil {
		r.log.Warn("failed to re-arm receive", "error", err)
	}
}

// drainQueue sends every ready packet, unless the duty cycle is exhausted.
func (r *Radio) drainQueue(ctx context.Context) {
	for r.queue.Len() > 0 {
		if !r.txAllowedByDutyCycle() {
			r.counters.TxDeferred.Add(1)
			return
		}
		pkt := r.queue.Pop()
		if pkt == nil {
			return
		}
		if err := r.StartSend(ctx, pkt); err != nil {
			r.log.Warn("queued send failed", "error", err)
		}
	}
}

func (r *Radio) txAllowedByDutyCycle() bool {
	gate, ok := r.cfg.Airtime.(txGate)
	if !ok {
		return true
	}
	info, err := region.Lookup(r.cfg.Regulatory.Region())
	if err != nil {
		return true
	}
	if gate.IsTxAllowedAirUtil(info.DutyCycle) {
		return true
	}
	r.log.Debug("duty cycle limit reached, holding send queue", "region", info.Name)
	return false
}

// releasePacket returns a packet to the pool if it came from one.
func (r *Radio) releasePacket(pkt *codec.MeshPacket) {
	if pkt != nil && pkt.Pooled() {
		r.cfg.Pool.Release(pkt)
	}
}

// packetAttrs renders a packet as slog attributes.
func packetAttrs(p *codec.MeshPacket) []any {
	if p == nil {
		return []any{"packet", nil}
	}
	attrs := []any{
		"id", fmt.Sprintf("%#08x", p.ID),
		"from", codec.NodeName(p.From),
		"to", codec.NodeName(p.To),
		"ch", p.Channel,
		"hop_lim", p.HopLimit,
		"hop_start", p.HopStart,
		"len", len(p.Encrypted),
	}
	if p.WantAck {
		attrs = append(attrs, "want_ack", true)
	}
	if p.ViaMQTT {
		attrs = append(attrs, "via_mqtt", true)
	}
	if p.RxRSSI != 0 || p.RxSNR != 0 {
		attrs = append(attrs, "rssi", p.RxRSSI, "snr", p.RxSNR)
	}
	return attrs
}
