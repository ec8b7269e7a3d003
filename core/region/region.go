// Package region describes the regulatory domains a LoRa mesh radio may
// operate in: frequency range, duty cycle and transmit power limit.
package region

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a regulatory region.
type Code uint8

const (
	Unset Code = iota
	US
	EU433
	EU868
	CN
	JP
	ANZ
	KR
	TW
	RU
	IN
	NZ865
	TH
	LoRa24
	UA433
	UA868
	MY433
	MY919
	SG923
)

var ErrUnknownRegion = errors.New("unknown region")

// Info holds the limits for one region.
type Info struct {
	Code          Code
	Name          string
	FreqStartMHz  float64
	FreqEndMHz    float64
	DutyCycle     float64 // percent of time transmit is allowed
	SpacingMHz    float64
	PowerLimitDBm int // 0 means no explicit limit
	AudioPermit   bool
	WideLoRa      bool
}

// regions is the table of supported regulatory domains.
var regions = []Info{
	{Code: US, Name: "US", FreqStartMHz: 902.0, FreqEndMHz: 928.0, DutyCycle: 100, PowerLimitDBm: 30, AudioPermit: true},
	{Code: EU433, Name: "EU_433", FreqStartMHz: 433.0, FreqEndMHz: 434.0, DutyCycle: 10, PowerLimitDBm: 10, AudioPermit: true},
	{Code: EU868, Name: "EU_868", FreqStartMHz: 869.4, FreqEndMHz: 869.65, DutyCycle: 10, PowerLimitDBm: 27},
	{Code: CN, Name: "CN", FreqStartMHz: 470.0, FreqEndMHz: 510.0, DutyCycle: 100, PowerLimitDBm: 19, AudioPermit: true},
	{Code: JP, Name: "JP", FreqStartMHz: 920.5, FreqEndMHz: 923.5, DutyCycle: 100, PowerLimitDBm: 13, AudioPermit: true},
	{Code: ANZ, Name: "ANZ", FreqStartMHz: 915.0, FreqEndMHz: 928.0, DutyCycle: 100, PowerLimitDBm: 30, AudioPermit: true},
	{Code: KR, Name: "KR", FreqStartMHz: 920.0, FreqEndMHz: 923.0, DutyCycle: 100, PowerLimitDBm: 23, AudioPermit: true},
	{Code: TW, Name: "TW", FreqStartMHz: 920.0, FreqEndMHz: 925.0, DutyCycle: 100, PowerLimitDBm: 27, AudioPermit: true},
	{Code: RU, Name: "RU", FreqStartMHz: 868.7, FreqEndMHz: 869.2, DutyCycle: 100, PowerLimitDBm: 20, AudioPermit: true},
	{Code: IN, Name: "IN", FreqStartMHz: 865.0, FreqEndMHz: 867.0, DutyCycle: 100, PowerLimitDBm: 30, AudioPermit: true},
	{Code: NZ865, Name: "NZ_865", FreqStartMHz: 864.0, FreqEndMHz: 868.0, DutyCycle: 100, PowerLimitDBm: 36, AudioPermit: true},
	{Code: TH, Name: "TH", FreqStartMHz: 920.0, FreqEndMHz: 925.0, DutyCycle: 100, PowerLimitDBm: 16, AudioPermit: true},
	{Code: LoRa24, Name: "LORA_24", FreqStartMHz: 2400.0, FreqEndMHz: 2483.5, DutyCycle: 100, PowerLimitDBm: 10, AudioPermit: true, WideLoRa: true},
	{Code: UA433, Name: "UA_433", FreqStartMHz: 433.0, FreqEndMHz: 434.7, DutyCycle: 10, PowerLimitDBm: 10, AudioPermit: true},
	{Code: UA868, Name: "UA_868", FreqStartMHz: 868.0, FreqEndMHz: 868.6, DutyCycle: 1, PowerLimitDBm: 14, AudioPermit: true},
	{Code: MY433, Name: "MY_433", FreqStartMHz: 433.0, FreqEndMHz: 435.0, DutyCycle: 100, PowerLimitDBm: 20, AudioPermit: true},
	{Code: MY919, Name: "MY_919", FreqStartMHz: 919.0, FreqEndMHz: 924.0, DutyCycle: 100, PowerLimitDBm: 27, AudioPermit: true},
	{Code: SG923, Name: "SG_923", FreqStartMHz: 917.0, FreqEndMHz: 925.0, DutyCycle: 100, PowerLimitDBm: 20, AudioPermit: true},
}

// unsetInfo is returned for Unset. Radios refuse to deliver traffic while it is selected.
var unsetInfo = Info{Code: Unset, Name: "UNSET", FreqStartMHz: 902.0, FreqEndMHz: 928.0, DutyCycle: 100, PowerLimitDBm: 30, AudioPermit: true}

func (c Code) String() string {
	info, err := Lookup(c)
	if err != nil {
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
	return info.Name
}

// IsSet reports whether a region has been chosen.
func (c Code) IsSet() bool {
	return c != Unset
}

// Lookup returns the limits for a region.
func Lookup(c Code) (Info, error) {
	if c == Unset {
		return unsetInfo, nil
	}
	for _, r := range regions {
		if r.Code == c {
			return r, nil
		}
	}
	return Info{}, fmt.Errorf("%w: %d", ErrUnknownRegion, uint8(c))
}

// ParseCode parses a region name such as "EU_868" (case insensitive).
func ParseCode(name string) (Code, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	if n == "" || n == unsetInfo.Name {
		return Unset, nil
	}
	for _, r := range regions {
		if r.Name == n {
			return r.Code, nil
		}
	}
	return Unset, fmt.Errorf("%w: %q", ErrUnknownRegion, name)
}

// ContainsMHz reports whether freq lies inside the region's band.
func (i Info) ContainsMHz(freq float64) bool {
	return freq >= i.FreqStartMHz && freq <= i.FreqEndMHz
}

// ClampPower limits a requested transmit power to the region's limit.
func (i Info) ClampPower(dBm int) int {
	if i.PowerLimitDBm != 0 && dBm > i.PowerLimitDBm {
		return i.PowerLimitDBm
	}
	return dBm
}

// NumChannels returns how many channels of the given bandwidth fit in the
// region's band.
func (i Info) NumChannels(bandwidthKHz float64) int {
	width := i.SpacingMHz + bandwidthKHz/1000
	if width <= 0 {
		return 0
	}
	n := int((i.FreqEndMHz - i.FreqStartMHz) / width)
	if n < 1 {
		return 1
	}
	return n
}

// ChannelFrequencyMHz returns the centre frequency of channel slot (0-based).
func (i Info) ChannelFrequencyMHz(bandwidthKHz float64, slot int) float64 {
	return i.FreqStartMHz + bandwidthKHz/2000 + float64(slot)*(bandwidthKHz/1000)
}

// SlotForName picks the default channel slot for a channel name using the
// djb2 string hash, so every node on a channel lands on the same frequency.
func SlotForName(name string, numChannels int) int {
	if numChannels <= 0 {
		return 0
	}
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return int(h % uint32(numChannels))
}
