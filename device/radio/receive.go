package radio

import (
	"fmt"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/device/power"
)

// OnFrameAvailable handles a frame the transceiver has written into Buffer().
// It is the single receive entry point for every event source: the Run poll
// loop, a driver interrupt goroutine, or tests.
//
// The radio must be armed; an event while it is not armed is logged and
// discarded. Every armed frame is recorded as ReceivedAll airtime. Frames are
// dropped when no region is set, when they are shorter than a header, or when
// they carry from == 0. Valid frames are delivered to the Sink.
//
// The radio is left Idle afterwards. Call StartReceive to re-arm.
func (r *Radio) OnFrameAvailable(length int, rssi int16, snr float32) {
	pkt := r.processFrame(length, rssi, snr)
	if pkt == nil {
		return
	}
	r.deliver(pkt)
}

// processFrame runs the validation and allocation steps under the radio lock
// and returns the packet to deliver, if any.
func (r *Radio) processFrame(length int, rssi int16, snr float32) *codec.MeshPacket {
	if length < 0 || length > len(r.rxBuf) {
		panic(fmt.Sprintf("radio: frame length %d outside buffer of %d bytes", length, len(r.rxBuf)))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateArmedForReceive {
		r.counters.RxUnexpected.Add(1)
		r.log.Error("frame reported while not receiving", "state", r.state, "len", length)
		return nil
	}
	r.state = StateProcessingFrame
	defer func() { r.state = StateIdle }()

	r.cfg.Power.ClearState(power.LoraRXOn)

	rxMsec := airtime.TimeOnAir(r.cfg.Modem, length)
	r.cfg.Airtime.Record(airtime.ReceivedAll, rxMsec)

	if !r.cfg.Regulatory.RegionIsSet() {
		r.counters.RxRegionBlocked.Add(1)
		r.log.Warn("ignoring received frame, region is unset", "len", length)
		return nil
	}

	payloadLen := length - codec.HeaderSize
	if payloadLen < 0 {
		r.counters.RxBad.Add(1)
		r.log.Warn("ignoring received frame, too short", "len", length)
		return nil
	}

	frame := r.rxBuf[:length]
	h := codec.DecodeHeader(frame)
	if h.From == 0 {
		r.counters.RxForged.Add(1)
		r.log.Warn("ignoring received frame with from=0", "id", fmt.Sprintf("%#08x", h.ID), "len", length)
		return nil
	}

	r.counters.RxGood.Add(1)
	return r.dispatch(h, frame[codec.HeaderSize:], rssi, snr, rxMsec)
}
