package radio

import (
	"fmt"
	"time"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/codec"
)

// dispatch builds a pooled packet from a validated header and payload.
// It returns nil if the pool is exhausted. Called with r.mu held.
func (r *Radio) dispatch(h codec.WireHeader, payload []byte, rssi int16, snr float32, rxMsec time.Duration) *codec.MeshPacket {
	pkt, err := r.cfg.Pool.AllocZeroed()
	if err != nil {
		r.counters.RxPoolExhausted.Add(1)
		r.log.Warn("dropping received frame", "id", fmt.Sprintf("%#08x", h.ID), "error", err)
		return nil
	}

	pkt.ApplyHeader(h)
	pkt.PayloadVariant = codec.PayloadEncrypted
	if err := pkt.SetPayload(payload); err != nil {
		// The receive buffer bounds the payload to capacity, so this is a
		// programming error and not bad input.
		panic(fmt.Sprintf("radio: %v", err))
	}
	pkt.RxRSSI = rssi
	pkt.RxSNR = snr
	pkt.RxTime = r.nowFn()

	r.cfg.Airtime.Record(airtime.ReceivedGood, rxMsec)
	r.log.Debug("lora rx", packetAttrs(pkt)...)
	return pkt
}

// deliver hands a packet to the sink without holding the radio lock, so a
// sink may call back into the radio (for example to enqueue a reply).
func (r *Radio) deliver(pkt *codec.MeshPacket) {
	if r.cfg.Sink == nil {
		r.releasePacket(pkt)
		return
	}
	r.cfg.Sink.Deliver(pkt)
}
