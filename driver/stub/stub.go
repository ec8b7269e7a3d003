// Package stub is an in-memory radio.Transceiver for running the radio core
// without hardware.
package stub

import (
	"context"
	"sync"
	"time"

	"github.com/kabili207/meshradio-go/device/radio"
)

// Compile-time interface check.
var _ radio.Transceiver = (*Driver)(nil)

const ringCapacity = 64

type rxFrame struct {
	data []byte
	rssi int16
	snr  float32
}

// Driver records everything the radio asks of it. Injected frames are handed
// out by Receive in order; transmitted frames are kept in a bounded log.
type Driver struct {
	mu        sync.Mutex
	rx        ring[rxFrame]
	tx        ring[[]byte]
	params    radio.Params
	receiving bool
	lowPower  bool
	failNext  error
	airDelay  time.Duration
	notify    chan struct{}
}

// New returns an idle stub driver.
func New() *Driver {
	return &Driver{notify: make(chan struct{}, 1)}
}

// Configure stores p.
func (d *Driver) Configure(_ context.Context, p radio.Params) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = p
	return nil
}

// InitReceiveWindow marks the driver as receiving.
func (d *Driver) InitReceiveWindow(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiving = true
	d.lowPower = false
	return nil
}

// Receive returns the oldest injected frame, waiting for one until ctx ends.
func (d *Driver) Receive(ctx context.Context, buf []byte) (radio.RxInfo, error) {
	for {
		d.mu.Lock()
		f, ok := d.rx.pop()
		d.mu.Unlock()
		if ok {
			n := copy(buf, f.data)
			return radio.RxInfo{Len: n, RSSI: f.rssi, SNR: f.snr}, nil
		}

		select {
		case <-d.notify:
		case <-ctx.Done():
			return radio.RxInfo{}, radio.ErrNoFrame
		}
	}
}

// StandbyForSend leaves receive.
func (d *Driver) StandbyForSend(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiving = false
	return nil
}

// TransferFrame logs a copy of frame. It waits for the configured air delay
// and fails once if FailNextTransfer was called.
func (d *Driver) TransferFrame(ctx context.Context, frame []byte) error {
	d.mu.Lock()
	delay := d.airDelay
	fail := d.failNext
	d.failNext = nil
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != nil {
		return fail
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx.push(append([]byte(nil), frame...))
	return nil
}

// SetLowPower marks the driver as sleeping.
func (d *Driver) SetLowPower(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.receiving = false
	d.lowPower = true
	return nil
}

// InjectRx queues a frame as if it had been heard over the air.
func (d *Driver) InjectRx(frame []byte, rssi int16, snr float32) {
	d.mu.Lock()
	d.rx.push(rxFrame{data: append([]byte(nil), frame...), rssi: rssi, snr: snr})
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// TxLog returns copies of the transmitted frames, oldest first.
func (d *Driver) TxLog() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := d.tx.snapshot()
	for i, f := range out {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// FailNextTransfer makes the next TransferFrame return err.
func (d *Driver) FailNextTransfer(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// SetAirDelay makes each TransferFrame block for delay.
func (d *Driver) SetAirDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.airDelay = delay
}

// Params returns the last applied settings.
func (d *Driver) Params() radio.Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.params
}

// Receiving reports whether a receive window is open.
func (d *Driver) Receiving() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receiving
}

// LowPower reports whether the driver was put to sleep.
func (d *Driver) LowPower() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lowPower
}

// ring is a fixed-size FIFO that overwrites the oldest entry when full.
type ring[T any] struct {
	data        [ringCapacity]T
	head, count int
}

func (r *ring[T]) push(v T) {
	if r.count == ringCapacity {
		r.head = (r.head + 1) % ringCapacity
		r.count--
	}
	r.data[(r.head+r.count)%ringCapacity] = v
	r.count++
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.count == 0 {
		return zero, false
	}
	v := r.data[r.head]
	r.data[r.head] = zero
	r.head = (r.head + 1) % ringCapacity
	r.count--
	return v, true
}

func (r *ring[T]) snapshot() []T {
	out := make([]T, r.count)
	for i := range out {
		out[i] = r.data[(r.head+i)%ringCapacity]
	}
	return out
}
