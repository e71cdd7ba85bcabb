// Package powermeter ingests mains power measurements from either an
// MQTT smart plug (display side) or a Modbus/RTU energy meter on the
// controller's RS-485/TTL bus, behind one unified interface.
package powermeter

import "time"

// Reading is the unified measurement produced by every source.
type Reading struct {
	Voltage      float32 // Volts RMS
	Current      float32 // Amps RMS
	Power        float32 // Watts, active
	EnergyImport float32 // kWh cumulative from grid
	EnergyExport float32 // kWh cumulative to grid
	Frequency    float32 // Hz
	PowerFactor  float32 // 0.0 - 1.0
	Timestamp    time.Time
	Valid        bool
}

// Source is the operation set shared by all meter backends.
type Source interface {
	// Begin initializes the source (subscriptions, bus setup).
	Begin() error
	// Poll performs one polling cycle; push-driven sources treat it as a
	// no-op.
	Poll()
	// Read returns the latest reading, and whether one is available and
	// fresh.
	Read() (Reading, bool)
	// IsConnected reports whether the upstream meter is alive.
	IsConnected() bool
	// Name identifies the meter (model or topic).
	Name() string
	// LastError returns the most recent error message, empty when
	// healthy.
	LastError() string
}
