package radio

import (
	"context"
	"time"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/core/region"
	"github.com/kabili207/meshradio-go/device/power"
)

// Params are the physical settings pushed to the transceiver.
type Params struct {
	FrequencyMHz float64
	Modem        airtime.ModemConfig
	TxPowerDBm   int
}

// RxInfo describes a frame the transceiver wrote into the receive buffer.
type RxInfo struct {
	Len  int
	RSSI int16   // dBm
	SNR  float32 // dB
}

// Transceiver is the low-level radio driver. Only one goroutine drives it at
// a time; the Radio serialises its own calls.
type Transceiver interface {
	// Configure applies frequency, modulation and power settings.
	Configure(ctx context.Context, p Params) error
	// InitReceiveWindow puts the radio into continuous receive.
	InitReceiveWindow(ctx context.Context) error
	// Receive waits for one frame and copies it into buf. It returns
	// ErrNoFrame when the context expires without a frame.
	Receive(ctx context.Context, buf []byte) (RxInfo, error)
	// StandbyForSend leaves receive mode so a frame can be transmitted.
	StandbyForSend(ctx context.Context) error
	// TransferFrame transmits frame and blocks until it has been sent.
	TransferFrame(ctx context.Context, frame []byte) error
	// SetLowPower lets the module drop into its low power mode.
	SetLowPower(ctx context.Context) error
}

// Sink receives every packet the radio decodes. Ownership of the packet
// passes to the sink, which must release it to the pool when done.
type Sink interface {
	Deliver(pkt *codec.MeshPacket)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(pkt *codec.MeshPacket)

// Deliver calls f(pkt).
func (f SinkFunc) Deliver(pkt *codec.MeshPacket) { f(pkt) }

// PacketPool is where received packets are allocated and sent packets are
// returned.
type PacketPool interface {
	AllocZeroed() (*codec.MeshPacket, error)
	Release(pkt *codec.MeshPacket)
}

// Regulatory answers the configuration questions the radio asks before
// delivering or sending traffic.
type Regulatory interface {
	RegionIsSet() bool
	TxEnabled() bool
	Region() region.Code
}

// PowerMonitor records which power-hungry subsystems are active.
type PowerMonitor interface {
	SetState(s power.State)
	ClearState(s power.State)
}

// ErrorRecorder records conditions that indicate a firmware or hardware bug
// rather than bad input.
type ErrorRecorder interface {
	RecordCriticalError(code CriticalErrorCode)
}

// Clock supplies the time stamped on received packets.
type Clock interface {
	Now() time.Time
}
