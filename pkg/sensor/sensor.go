// Package sensor converts raw ADC samples into validated engineering
// readings. Each filtered channel runs a two-stage pipeline (median then
// moving average) and tracks consecutive conversion failures so a single
// bad sample never raises a fault.
package sensor

import (
	"github.com/chewxy/math32"

	"github.com/brewkit/brewcore/pkg/filter"
)

// Filter window sizes per reading class.
const (
	MedianSizeNTC      = 5
	MedianSizePressure = 3
	AvgSizeNTC         = 8
	AvgSizePressure    = 4
)

// DefaultFaultThreshold is the number of consecutive invalid samples
// before a channel latches its fault flag.
const DefaultFaultThreshold = 10

// Temperature validity window for the boiler NTCs.
const (
	TempMinValid = -10.0
	TempMaxValid = 200.0
)

// Scalar is a reading value with a presence/validity flag. A sensor that
// does not exist on the machine variant reports Valid == false, never a
// zero value.
type Scalar struct {
	Value float32
	Valid bool
}

// Reading is one full sensor snapshot of the machine.
type Reading struct {
	BrewTemp   Scalar // Celsius
	SteamTemp  Scalar // Celsius
	GroupTemp  Scalar // Celsius
	Pressure   Scalar // bar
	WaterLevel uint8  // percent: 100 ok, 50 steam boiler low, 0 tank empty
	Valid      bool
}

// MachineType identifies the hydraulic layout, which determines which
// sensors physically exist.
type MachineType uint8

const (
	// MachineDualBoiler has independent brew and steam boilers.
	MachineDualBoiler MachineType = iota
	// MachineHX is a heat-exchanger machine: steam boiler only.
	MachineHX
	// MachineSingleBoiler has one boiler used for brewing.
	MachineSingleBoiler
)

// HasBrewNTC reports whether the machine has a brew-boiler probe.
// HX machines heat brew water through the steam boiler and have none.
func (m MachineType) HasBrewNTC() bool {
	return m != MachineHX
}

// HasSteamNTC reports whether the machine has a steam-boiler probe.
func (m MachineType) HasSteamNTC() bool {
	return m != MachineSingleBoiler
}

// String returns the configuration name of the machine type.
func (m MachineType) String() string {
	switch m {
	case MachineDualBoiler:
		return "dual_boiler"
	case MachineHX:
		return "hx"
	case MachineSingleBoiler:
		return "single_boiler"
	default:
		return "unknown"
	}
}

// Channel is one filtered sensor channel: range validation, the two-stage
// filter, and consecutive-failure fault tracking.
type Channel struct {
	chain          *filter.Chain
	min, max       float32
	faultThreshold int

	failures int
	fault    bool
	last     Scalar
}

// NewChannel creates a channel with the given filter window sizes,
// validity range, and fault threshold.
func NewChannel(medianSize, avgSize int, min, max float32, faultThreshold int) *Channel {
	if faultThreshold < 1 {
		faultThreshold = DefaultFaultThreshold
	}
	return &Channel{
		chain:          filter.NewChain(medianSize, avgSize),
		min:            min,
		max:            max,
		faultThreshold: faultThreshold,
	}
}

// NewNTCChannel creates a channel configured for a boiler temperature probe.
func NewNTCChannel() *Channel {
	return NewChannel(MedianSizeNTC, AvgSizeNTC, TempMinValid, TempMaxValid, DefaultFaultThreshold)
}

// NewPressureChannel creates a channel configured for the pump pressure
// transducer.
func NewPressureChannel() *Channel {
	return NewChannel(MedianSizePressure, AvgSizePressure, 0, PressureMaxBar, DefaultFaultThreshold)
}

// Update feeds one raw sample through the channel. An invalid sample (NaN
// or out of range) keeps the previous filtered value and counts toward the
// fault threshold; a valid sample resets the failure count and clears the
// fault.
func (c *Channel) Update(raw float32) Scalar {
	if math32.IsNaN(raw) || raw < c.min || raw > c.max {
		c.failures++
		if c.failures >= c.faultThreshold {
			c.fault = true
		}
		return c.last
	}

	filtered := c.chain.Update(raw)
	if c.failures > 0 || c.fault {
		c.failures = 0
		c.fault = false
	}
	c.last = Scalar{Value: filtered, Valid: true}
	return c.last
}

// Fault reports whether the channel has latched a fault (threshold
// consecutive invalid samples).
func (c *Channel) Fault() bool {
	return c.fault
}

// Failures returns the current consecutive-failure count.
func (c *Channel) Failures() int {
	return c.failures
}

// Last returns the most recent filtered value.
func (c *Channel) Last() Scalar {
	return c.last
}

// Reset clears the filter pipeline and the fault state.
func (c *Channel) Reset() {
	c.chain.Reset()
	c.failures = 0
	c.fault = false
	c.last = Scalar{}
}
