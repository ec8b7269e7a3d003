package transport

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kabili207/meshradio-go/core/codec"
)

// Releaser takes packets back once every listener has seen them.
type Releaser interface {
	Release(pkt *codec.MeshPacket)
}

// Fanout delivers each packet to every registered listener, in registration
// order, and then releases it. It satisfies the radio's Sink interface.
type Fanout struct {
	pool Releaser
	log  *slog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewFanout creates a Fanout that returns pooled packets to pool. If logger
// is nil, slog.Default() is used.
func NewFanout(pool Releaser, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{pool: pool, log: logger.WithGroup("fanout")}
}

// Add registers a listener.
func (f *Fanout) Add(l Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
}

// Len returns the number of registered listeners.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.listeners)
}

// Deliver hands pkt to every listener and then releases it.
func (f *Fanout) Deliver(pkt *codec.MeshPacket) {
	f.mu.RLock()
	listeners := f.listeners
	f.mu.RUnlock()

	for _, l := range listeners {
		l.OnPacket(pkt)
	}
	if pkt.Pooled() && f.pool != nil {
		f.pool.Release(pkt)
	}
}

// ChanListener copies every packet into a buffered channel. When the
// channel is full the packet is dropped rather than stalling delivery.
type ChanListener struct {
	ch      chan *codec.MeshPacket
	dropped atomic.Uint32
}

// NewChanListener creates a ChanListener with the given buffer size.
func NewChanListener(size int) *ChanListener {
	return &ChanListener{ch: make(chan *codec.MeshPacket, size)}
}

// OnPacket queues a clone of pkt.
func (c *ChanListener) OnPacket(pkt *codec.MeshPacket) {
	select {
	case c.ch <- pkt.Clone():
	default:
		c.dropped.Add(1)
	}
}

// C returns the channel packets are delivered on.
func (c *ChanListener) C() <-chan *codec.MeshPacket {
	return c.ch
}

// Dropped returns how many packets were dropped because the channel was full.
func (c *ChanListener) Dropped() uint32 {
	return c.dropped.Load()
}

// LogListener logs every packet heard.
type LogListener struct {
	log *slog.Logger
}

// NewLogListener creates a LogListener. If logger is nil, slog.Default() is
// used.
func NewLogListener(logger *slog.Logger) *LogListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogListener{log: logger.WithGroup("sniffer")}
}

// OnPacket logs pkt at info level.
func (l *LogListener) OnPacket(pkt *codec.MeshPacket) {
	l.log.Info("packet",
		"from", codec.NodeName(pkt.From),
		"to", codec.NodeName(pkt.To),
		"id", pkt.ID,
		"ch", pkt.Channel,
		"hops", int(pkt.HopStart)-int(pkt.HopLimit),
		"len", len(pkt.Encrypted),
		"rssi", pkt.RxRSSI,
		"snr", pkt.RxSNR,
	)
}
