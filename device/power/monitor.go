// Package power tracks which power-hungry subsystems are active so power
// draw can be correlated with radio activity.
package power

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
)

// State is a bit set of active subsystems.
type State uint32

const (
	LoraRXOn State = 1 << iota
	LoraTXOn
	LoraRXActive
	LoraSleep
)

var stateNames = []struct {
	s    State
	name string
}{
	{LoraRXOn, "lora_rx_on"},
	{LoraTXOn, "lora_tx_on"},
	{LoraRXActive, "lora_rx_active"},
	{LoraSleep, "lora_sleep"},
}

func (s State) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range stateNames {
		if s&n.s != 0 {
			parts = append(parts, n.name)
			s &^= n.s
		}
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("%#x", uint32(s)))
	}
	return strings.Join(parts, "|")
}

// Monitor records power state transitions. It is safe for concurrent use.
type Monitor struct {
	state atomic.Uint32
	log   *slog.Logger
}

// NewMonitor creates a Monitor. If logger is nil, slog.Default() is used.
func NewMonitor(logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{log: logger.WithGroup("power")}
}

// SetState marks the given subsystems active.
func (m *Monitor) SetState(s State) {
	for {
		old := m.state.Load()
		if m.state.CompareAndSwap(old, old|uint32(s)) {
			if old&uint32(s) != uint32(s) {
				m.log.Debug("power state set", "state", s)
			}
			return
		}
	}
}

// ClearState marks the given subsystems inactive.
func (m *Monitor) ClearState(s State) {
	for {
		old := m.state.Load()
		if m.state.CompareAndSwap(old, old&^uint32(s)) {
			if old&uint32(s) != 0 {
				m.log.Debug("power state cleared", "state", s)
			}
			return
		}
	}
}

// IsSet reports whether every subsystem in s is active.
func (m *Monitor) IsSet(s State) bool {
	return State(m.state.Load())&s == s
}

// State returns the current set of active subsystems.
func (m *Monitor) State() State {
	return State(m.state.Load())
}
