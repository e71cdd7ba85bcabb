// Package status defines the device status snapshot the display
// publishes and the change detector that throttles cloud/MQTT traffic to
// meaningful updates.
package status

import "github.com/chewxy/math32"

// MachineState is the top-level state of the machine.
type MachineState uint8

const (
	StateStandby MachineState = iota
	StateHeating
	StateReady
	StateBrewing
	StateSteaming
	StateCleaning
	StateFault
	StateUpdating
)

// String returns the state name used in publications.
func (s MachineState) String() string {
	switch s {
	case StateStandby:
		return "standby"
	case StateHeating:
		return "heating"
	case StateReady:
		return "ready"
	case StateBrewing:
		return "brewing"
	case StateSteaming:
		return "steaming"
	case StateCleaning:
		return "cleaning"
	case StateFault:
		return "fault"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// HeatingStrategy selects which boilers are driven.
type HeatingStrategy uint8

const (
	HeatOff HeatingStrategy = iota
	HeatBrewFirst
	HeatSteamFirst
	HeatParallel
)

// Snapshot is the full device status assembled by the display side.
type Snapshot struct {
	MachineState    MachineState
	HeatingStrategy HeatingStrategy
	IsHeating       bool
	IsBrewing       bool

	BrewTemp      float32
	BrewSetpoint  float32
	SteamTemp     float32
	SteamSetpoint float32
	GroupTemp     float32
	Pressure      float32

	PowerWatts float32

	BrewWeight   float32 // grams, during a brew
	FlowRate     float32 // mL/s
	TargetWeight float32
	BrewTimeMs   uint32
	BrewCount    uint32

	ControllerConnected bool
	WifiConnected       bool
	MqttConnected       bool
	ScaleConnected      bool
	CloudConnected      bool

	WaterLow         bool
	AlarmActive      bool
	AlarmCode        uint8
	CleaningReminder bool

	WifiAPMode bool
	WifiIP     string
	WifiRSSI   int16
}

// Change-detection thresholds: deltas below these are noise, not news.
const (
	TempThreshold     = 0.5  // degrees Celsius
	PressureThreshold = 0.1  // bar
	PowerThreshold    = 10.0 // watts
	WeightThreshold   = 0.5  // grams
	FlowRateThreshold = 0.1  // mL/s
	RSSIThreshold     = 10   // dBm
)

// Fields is the bitmap of logical groups that changed, letting
// publishers send minimal deltas.
type Fields uint32

const (
	FieldState Fields = 1 << iota
	FieldHeating
	FieldBrewing
	FieldTemps
	FieldPressure
	FieldPower
	FieldScale
	FieldBrewTime
	FieldConnections
	FieldWater
	FieldAlarm
	FieldCleaning
	FieldWifi
)

// Has reports whether the group is set.
func (f Fields) Has(g Fields) bool { return f&g != 0 }

// allFields marks every group; used for the first snapshot.
const allFields = FieldState | FieldHeating | FieldBrewing | FieldTemps |
	FieldPressure | FieldPower | FieldScale | FieldBrewTime |
	FieldConnections | FieldWater | FieldAlarm | FieldCleaning | FieldWifi

// ChangeDetector compares successive snapshots against thresholds. It
// owns a mirror of the previously published snapshot; the first call
// after construction or Reset always reports a change.
type ChangeDetector struct {
	previous    Snapshot
	initialized bool
}

// NewChangeDetector creates an uninitialized detector.
func NewChangeDetector() *ChangeDetector {
	return &ChangeDetector{}
}

// Reset forgets the previous snapshot so the next check publishes a full
// update (used after a reconnect).
func (d *ChangeDetector) Reset() {
	d.initialized = false
	d.previous = Snapshot{}
}

// HasChanged reports whether the snapshot differs meaningfully from the
// last one it returned true for, and records it when it does.
func (d *ChangeDetector) HasChanged(current Snapshot) bool {
	if !d.initialized {
		d.previous = current
		d.initialized = true
		return true
	}

	if d.changedFields(current) == 0 {
		return false
	}
	d.previous = current
	return true
}

// ChangedFields returns the bitmap of changed groups without recording
// the snapshot. On the first call every group is marked.
func (d *ChangeDetector) ChangedFields(current Snapshot) Fields {
	if !d.initialized {
		return allFields
	}
	return d.changedFields(current)
}

func (d *ChangeDetector) changedFields(c Snapshot) Fields {
	p := &d.previous
	var f Fields

	if c.MachineState != p.MachineState || c.HeatingStrategy != p.HeatingStrategy {
		f |= FieldState
	}
	if c.IsHeating != p.IsHeating {
		f |= FieldHeating
	}
	if c.IsBrewing != p.IsBrewing {
		f |= FieldBrewing
	}

	if floatChanged(c.BrewTemp, p.BrewTemp, TempThreshold) ||
		floatChanged(c.BrewSetpoint, p.BrewSetpoint, TempThreshold) ||
		floatChanged(c.SteamTemp, p.SteamTemp, TempThreshold) ||
		floatChanged(c.SteamSetpoint, p.SteamSetpoint, TempThreshold) ||
		floatChanged(c.GroupTemp, p.GroupTemp, TempThreshold) {
		f |= FieldTemps
	}
	if floatChanged(c.Pressure, p.Pressure, PressureThreshold) {
		f |= FieldPressure
	}
	if floatChanged(c.PowerWatts, p.PowerWatts, PowerThreshold) {
		f |= FieldPower
	}

	if floatChanged(c.BrewWeight, p.BrewWeight, WeightThreshold) ||
		floatChanged(c.FlowRate, p.FlowRate, FlowRateThreshold) ||
		floatChanged(c.TargetWeight, p.TargetWeight, WeightThreshold) ||
		c.ScaleConnected != p.ScaleConnected {
		f |= FieldScale
	}

	// Elapsed brew time always counts as changed while a brew runs.
	if c.IsBrewing && c.BrewTimeMs != p.BrewTimeMs {
		f |= FieldBrewTime
	}

	if c.ControllerConnected != p.ControllerConnected ||
		c.WifiConnected != p.WifiConnected ||
		c.MqttConnected != p.MqttConnected ||
		c.ScaleConnected != p.ScaleConnected ||
		c.CloudConnected != p.CloudConnected {
		f |= FieldConnections
	}

	if c.WaterLow != p.WaterLow {
		f |= FieldWater
	}
	if c.AlarmActive != p.AlarmActive || c.AlarmCode != p.AlarmCode {
		f |= FieldAlarm
	}
	if c.CleaningReminder != p.CleaningReminder || c.BrewCount != p.BrewCount {
		f |= FieldCleaning
	}

	if c.WifiAPMode != p.WifiAPMode ||
		c.WifiIP != p.WifiIP ||
		absInt(int(c.WifiRSSI)-int(p.WifiRSSI)) >= RSSIThreshold {
		f |= FieldWifi
	}

	return f
}

func floatChanged(current, previous, threshold float32) bool {
	return math32.Abs(current-previous) >= threshold
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
