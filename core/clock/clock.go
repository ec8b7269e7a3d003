package clock

import (
	"sync"
	"time"
)

// Clock is the node's wall clock, used to stamp received packets.
// It follows the system time until Set is called, after which it advances
// from the set value at the system clock's rate. A host without a real time
// clock can Set it from GPS or a peer.
type Clock struct {
	mu     sync.Mutex
	offset time.Duration
	set    bool
	nowFn  func() time.Time // overridable for testing
}

// New creates a Clock that uses the system clock.
func New() *Clock {
	return &Clock{nowFn: time.Now}
}

// Now returns the current time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nowFn().Add(c.offset)
}

// Set moves the clock to t. Later calls to Now advance from t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.nowFn())
	c.set = true
}

// IsSet reports whether the clock was set from an external source.
func (c *Clock) IsSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.set
}
