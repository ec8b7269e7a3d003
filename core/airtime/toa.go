package airtime

import (
	"math"
	"time"
)

// ModemConfig holds the LoRa modulation parameters that determine how long a
// frame occupies the channel.
type ModemConfig struct {
	SpreadingFactor int     // 7..12
	BandwidthKHz    float64 // e.g. 125, 250, 500
	CodingRate      int     // denominator of 4/x, 5..8
	PreambleLength  int     // symbols
}

// LongFast is the default modem preset used by most public meshes.
var LongFast = ModemConfig{
	SpreadingFactor: 11,
	BandwidthKHz:    250,
	CodingRate:      5,
	PreambleLength:  16,
}

// LongSlow trades rate for range. A full frame takes over 14s on air.
var LongSlow = ModemConfig{
	SpreadingFactor: 12,
	BandwidthKHz:    125,
	CodingRate:      8,
	PreambleLength:  16,
}

// lowDataRateThreshold is the symbol time above which LoRa requires low data
// rate optimisation.
const lowDataRateThreshold = 16e-3

// TimeOnAir returns how long a frame of frameLen bytes takes to transmit,
// truncated to whole milliseconds. The explicit header and CRC are always on.
func TimeOnAir(cfg ModemConfig, frameLen int) time.Duration {
	if cfg.BandwidthKHz <= 0 || cfg.SpreadingFactor <= 0 {
		return 0
	}
	sf := float64(cfg.SpreadingFactor)
	tSym := math.Exp2(sf) / (cfg.BandwidthKHz * 1000)

	lowDR := 0.0
	if tSym > lowDataRateThreshold {
		lowDR = 1
	}

	tPreamble := (float64(cfg.PreambleLength) + 4.25) * tSym
	numerator := 8*float64(frameLen) - 4*sf + 28 + 16
	payloadSym := 8 + math.Max(math.Ceil(numerator/(4*(sf-2*lowDR)))*float64(cfg.CodingRate), 0)
	tPacket := tPreamble + payloadSym*tSym

	return time.Duration(uint32(tPacket*1000)) * time.Millisecond
}
