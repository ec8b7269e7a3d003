package radio

import (
	"context"
	"fmt"
	"time"

	"github.com/kabili207/meshradio-go/core/airtime"
	"github.com/kabili207/meshradio-go/core/codec"
	"github.com/kabili207/meshradio-go/device/power"
)

// StartSend renders pkt into the transmit buffer and performs one blocking
// transfer bounded by the frame's time on air plus Config.TransmitTimeout. The radio takes ownership of
// pkt and releases it to the pool whatever the outcome.
//
// If transmit is disabled the packet is dropped without touching the
// transceiver and ErrTxDisabled is returned. If the transfer fails a critical
// error is recorded, the radio is re-armed for receive, and an error wrapping
// ErrTransferFailed is returned. After a successful transfer the radio is
// also re-armed for receive.
func (r *Radio) StartSend(ctx context.Context, pkt *codec.MeshPacket) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disabled || !r.cfg.Regulatory.TxEnabled() {
		r.log.Warn("lora tx disabled, dropping packet", packetAttrs(pkt)...)
		r.releasePacket(pkt)
		r.counters.TxDropped.Add(1)
		return ErrTxDisabled
	}

	n, err := codec.RenderFrame(r.txBuf[:], pkt)
	if err != nil {
		r.log.Warn("cannot render outgoing packet", "error", err)
		r.releasePacket(pkt)
		r.counters.TxDropped.Add(1)
		return fmt.Errorf("%w: %w", ErrInvalidPacket, err)
	}
	r.sending = pkt

	if err := r.transfer(ctx, r.txBuf[:n]); err != nil {
		r.cfg.Errors.RecordCriticalError(CriticalErrorRadioSPIBug)
		r.log.Error("transfer failed", append(packetAttrs(pkt), "error", err)...)
		r.completeSending()

		// The radio is in an unknown mode after a failed transfer. Re-arm it
		// even when ctx is what timed out.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recoveryTimeout)
		if rerr := r.startReceiveLocked(rctx); rerr != nil {
			r.log.Error("failed to re-arm after transfer failure", "error", rerr)
		}
		cancel()

		r.counters.TxFailed.Add(1)
		return fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}

	r.cfg.Airtime.Record(airtime.Transmitted, airtime.TimeOnAir(r.cfg.Modem, n))
	r.log.Debug("lora tx done", packetAttrs(pkt)...)
	r.completeSending()
	r.counters.TxGood.Add(1)

	if err := r.startReceiveLocked(ctx); err != nil {
		r.log.Warn("failed to re-arm after send", "error", err)
	}
	return nil
}

// transfer switches the transceiver to transmit and sends frame.
func (r *Radio) transfer(ctx context.Context, frame []byte) error {
	tctx, cancel := context.WithTimeout(ctx, r.transferTimeout(len(frame)))
	defer cancel()

	if err := r.configHardwareForSend(tctx); err != nil {
		return err
	}
	r.log.Debug("starting transfer", "len", len(frame))
	return r.cfg.Transceiver.TransferFrame(tctx, frame)
}

// transferTimeout is how long a transfer of an n byte frame may take. Slow
// modem settings keep the transmitter busy for many seconds on a full frame.
func (r *Radio) transferTimeout(n int) time.Duration {
	return airtime.TimeOnAir(r.cfg.Modem, n) + r.cfg.TransmitTimeout
}

// configHardwareForSend leaves receive mode and marks the transmitter on.
func (r *Radio) configHardwareForSend(ctx context.Context) error {
	r.state = StateIdle
	r.cfg.Power.ClearState(power.LoraRXOn)
	r.cfg.Power.SetState(power.LoraTXOn)
	if err := r.cfg.Transceiver.StandbyForSend(ctx); err != nil {
		return fmt.Errorf("standby for send: %w", err)
	}
	return nil
}

// completeSending releases the in-flight packet and clears the transmit
// power state.
func (r *Radio) completeSending() {
	if r.sending != nil {
		r.releasePacket(r.sending)
		r.sending = nil
	}
	r.cfg.Power.ClearState(power.LoraTXOn)
}
