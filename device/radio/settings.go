package radio

import (
	"sync"

	"github.com/kabili207/meshradio-go/core/region"
)

// Settings is a mutable Regulatory implementation. It is safe for concurrent
// use, so the region can be changed while the radio is running.
type Settings struct {
	mu        sync.RWMutex
	region    region.Code
	txEnabled bool
}

// NewSettings creates Settings for the given region.
func NewSettings(code region.Code, txEnabled bool) *Settings {
	return &Settings{region: code, txEnabled: txEnabled}
}

// Region returns the configured region.
func (s *Settings) Region() region.Code {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

// RegionIsSet reports whether a region has been chosen.
func (s *Settings) RegionIsSet() bool {
	return s.Region().IsSet()
}

// TxEnabled reports whether transmitting is allowed.
func (s *Settings) TxEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.txEnabled
}

// SetRegion changes the region.
func (s *Settings) SetRegion(code region.Code) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = code
}

// SetTxEnabled enables or disables transmitting.
func (s *Settings) SetTxEnabled(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txEnabled = v
}
