package radio

import "sync/atomic"

// Counters tracks radio statistics using atomic counters.
// All fields are safe for concurrent access.
type Counters struct {
	RxGood          atomic.Uint32 // Frames decoded and dispatched
	RxBad           atomic.Uint32 // Frames shorter than a header
	RxForged        atomic.Uint32 // Frames with no sender (from == 0)
	RxUnexpected    atomic.Uint32 // Frames reported while not armed for receive
	RxRegionBlocked atomic.Uint32 // Frames dropped because no region is set
	RxPoolExhausted atomic.Uint32 // Frames dropped because the packet pool was empty
	TxGood          atomic.Uint32 // Frames transmitted
	TxFailed        atomic.Uint32 // Transfers the transceiver rejected
	TxDropped       atomic.Uint32 // Packets dropped because transmit is disabled
	TxDeferred      atomic.Uint32 // Queue drains postponed by the duty cycle limit
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	RxGood          uint32
	RxBad           uint32
	RxForged        uint32
	RxUnexpected    uint32
	RxRegionBlocked uint32
	RxPoolExhausted uint32
	TxGood          uint32
	TxFailed        uint32
	TxDropped       uint32
	TxDeferred      uint32
}

// Snapshot returns a consistent point-in-time copy of all counters.
func (c *Counters) Snapshot() CountersSnapshot {
	return CountersSnapshot{
		RxGood:          c.RxGood.Load(),
		RxBad:           c.RxBad.Load(),
		RxForged:        c.RxForged.Load(),
		RxUnexpected:    c.RxUnexpected.Load(),
		RxRegionBlocked: c.RxRegionBlocked.Load(),
		RxPoolExhausted: c.RxPoolExhausted.Load(),
		TxGood:          c.TxGood.Load(),
		TxFailed:        c.TxFailed.Load(),
		TxDropped:       c.TxDropped.Load(),
		TxDeferred:      c.TxDeferred.Load(),
	}
}

// Reset zeroes all counters.
func (c *Counters) Reset() {
	c.RxGood.Store(0)
	c.RxBad.Store(0)
	c.RxForged.Store(0)
	c.RxUnexpected.Store(0)
	c.RxRegionBlocked.Store(0)
	c.RxPoolExhausted.Store(0)
	c.TxGood.Store(0)
	c.TxFailed.Store(0)
	c.TxDropped.Store(0)
	c.TxDeferred.Store(0)
}
