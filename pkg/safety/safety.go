// Package safety gates the control outputs before they reach the
// actuators and owns the latched safe-state transition used by both
// fault handling and the bootloader handoff.
package safety

import (
	"log"
	"sync/atomic"

	"github.com/brewkit/brewcore/pkg/sensor"
)

// Fault codes reported in the status stream.
const (
	FaultNone          uint8 = 0
	FaultOverTempBrew  uint8 = 1
	FaultOverTempSteam uint8 = 2
	FaultWaterEmpty    uint8 = 3
	FaultSensor        uint8 = 4
	FaultManual        uint8 = 5
)

// Limits are the hard cutoffs ahead of the actuators.
type Limits struct {
	MaxBrewTemp   float32
	MaxSteamTemp  float32
	MinWaterLevel uint8
}

// DefaultLimits returns the stock cutoffs: boiler klixon territory minus
// margin, and no heating on an empty tank.
func DefaultLimits() Limits {
	return Limits{
		MaxBrewTemp:   115,
		MaxSteamTemp:  165,
		MinWaterLevel: 10,
	}
}

// Outputs are the actuator demands produced by the control layer.
type Outputs struct {
	BrewDuty    float32
	SteamDuty   float32
	PumpEnabled bool
}

// Interlock latches faults and clamps outputs. The safe-state flag is
// read by the other core's loop, so it is an atomic with release/acquire
// semantics rather than a mutex-guarded field.
type Interlock struct {
	limits Limits

	safeState atomic.Bool
	faultCode atomic.Uint32
}

// New creates an interlock with the given limits.
func New(limits Limits) *Interlock {
	return &Interlock{limits: limits}
}

// Gate clamps the outputs against the current reading. Overtemperature
// and persistent sensor faults latch the safe state; a low tank only
// suppresses the outputs until water returns.
func (i *Interlock) Gate(out Outputs, r sensor.Reading, sensorFault bool) Outputs {
	if sensorFault {
		i.enter(FaultSensor)
	}
	if r.BrewTemp.Valid && r.BrewTemp.Value >= i.limits.MaxBrewTemp {
		i.enter(FaultOverTempBrew)
	}
	if r.SteamTemp.Valid && r.SteamTemp.Value >= i.limits.MaxSteamTemp {
		i.enter(FaultOverTempSteam)
	}

	if i.safeState.Load() {
		return Outputs{}
	}

	if r.WaterLevel <= i.limits.MinWaterLevel {
		// Tank empty: heaters and pump off, but no latch; refilling
		// recovers without a reset.
		return Outputs{}
	}

	return out
}

// EnterSafeState latches the safe state with a manual/external cause,
// e.g. before the bootloader takes over.
func (i *Interlock) EnterSafeState() {
	i.enter(FaultManual)
}

func (i *Interlock) enter(code uint8) {
	if i.safeState.CompareAndSwap(false, true) {
		i.faultCode.Store(uint32(code))
		log.Printf("Safety: entering safe state (fault %d), all actuators off", code)
	}
}

// InSafeState reports whether the latch is set.
func (i *Interlock) InSafeState() bool {
	return i.safeState.Load()
}

// FaultCode returns the latched fault cause.
func (i *Interlock) FaultCode() uint8 {
	return uint8(i.faultCode.Load())
}

// Clear releases the latch after the operator acknowledges the fault.
func (i *Interlock) Clear() {
	if i.safeState.CompareAndSwap(true, false) {
		i.faultCode.Store(uint32(FaultNone))
		log.Printf("Safety: safe state cleared")
	}
}
