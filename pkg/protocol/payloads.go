package protocol

import (
	"encoding/binary"
	"fmt"
)

// SensorStatus is the periodic snapshot streamed at 10 Hz. Temperatures
// travel as signed deci-degrees, pressure as centi-bar; presence bits mark
// sensors that exist on the machine variant.
type SensorStatus struct {
	BrewTemp      float32
	BrewSetpoint  float32
	SteamTemp     float32
	SteamSetpoint float32
	GroupTemp     float32
	Pressure      float32
	WaterLevel    uint8
	BrewDuty      uint8
	SteamDuty     uint8
	Heating       bool
	Brewing       bool
	SafeState     bool
	BrewValid     bool
	SteamValid    bool
	GroupValid    bool
	PressureValid bool
	FaultCode     uint8
}

const sensorStatusLen = 16

// Status flag bits.
const (
	flagHeating = 1 << iota
	flagBrewing
	flagSafeState
	flagBrewValid
	flagSteamValid
	flagGroupValid
	flagPressureValid
)

// MarshalSensorStatus packs the snapshot into its wire layout.
func MarshalSensorStatus(s SensorStatus) []byte {
	buf := make([]byte, sensorStatusLen)
	binary.LittleEndian.PutUint16(buf[0:], uint16(int16(s.BrewTemp*10)))
	binary.LittleEndian.PutUint16(buf[2:], uint16(int16(s.BrewSetpoint*10)))
	binary.LittleEndian.PutUint16(buf[4:], uint16(int16(s.SteamTemp*10)))
	binary.LittleEndian.PutUint16(buf[6:], uint16(int16(s.SteamSetpoint*10)))
	binary.LittleEndian.PutUint16(buf[8:], uint16(int16(s.GroupTemp*10)))
	binary.LittleEndian.PutUint16(buf[10:], uint16(s.Pressure*100))
	buf[12] = s.WaterLevel
	buf[13] = s.BrewDuty
	buf[14] = s.SteamDuty

	var flags byte
	if s.Heating {
		flags |= flagHeating
	}
	if s.Brewing {
		flags |= flagBrewing
	}
	if s.SafeState {
		flags |= flagSafeState
	}
	if s.BrewValid {
		flags |= flagBrewValid
	}
	if s.SteamValid {
		flags |= flagSteamValid
	}
	if s.GroupValid {
		flags |= flagGroupValid
	}
	if s.PressureValid {
		flags |= flagPressureValid
	}
	buf[15] = flags
	return buf
}

// UnmarshalSensorStatus unpacks a snapshot from wire bytes.
func UnmarshalSensorStatus(b []byte) (SensorStatus, error) {
	if len(b) != sensorStatusLen {
		return SensorStatus{}, fmt.Errorf("protocol: sensor status length %d, want %d", len(b), sensorStatusLen)
	}
	var s SensorStatus
	s.BrewTemp = float32(int16(binary.LittleEndian.Uint16(b[0:]))) / 10
	s.BrewSetpoint = float32(int16(binary.LittleEndian.Uint16(b[2:]))) / 10
	s.SteamTemp = float32(int16(binary.LittleEndian.Uint16(b[4:]))) / 10
	s.SteamSetpoint = float32(int16(binary.LittleEndian.Uint16(b[6:]))) / 10
	s.GroupTemp = float32(int16(binary.LittleEndian.Uint16(b[8:]))) / 10
	s.Pressure = float32(binary.LittleEndian.Uint16(b[10:])) / 100
	s.WaterLevel = b[12]
	s.BrewDuty = b[13]
	s.SteamDuty = b[14]

	flags := b[15]
	s.Heating = flags&flagHeating != 0
	s.Brewing = flags&flagBrewing != 0
	s.SafeState = flags&flagSafeState != 0
	s.BrewValid = flags&flagBrewValid != 0
	s.SteamValid = flags&flagSteamValid != 0
	s.GroupValid = flags&flagGroupValid != 0
	s.PressureValid = flags&flagPressureValid != 0
	return s, nil
}

// MarshalSetpoint packs a temperature setpoint command payload
// (deci-degrees, little-endian).
func MarshalSetpoint(tempC float32) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, uint16(int16(tempC*10)))
	return buf
}

// UnmarshalSetpoint unpacks a setpoint command payload.
func UnmarshalSetpoint(b []byte) (float32, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("protocol: setpoint length %d, want 2", len(b))
	}
	return float32(int16(binary.LittleEndian.Uint16(b))) / 10, nil
}

// MarshalComponent packs a component enable/disable command payload.
func MarshalComponent(c Component, enabled bool) []byte {
	e := byte(0)
	if enabled {
		e = 1
	}
	return []byte{byte(c), e}
}

// UnmarshalComponent unpacks a component command payload.
func UnmarshalComponent(b []byte) (Component, bool, error) {
	if len(b) != 2 {
		return 0, false, fmt.Errorf("protocol: component length %d, want 2", len(b))
	}
	return Component(b[0]), b[1] != 0, nil
}

// BootBanner announces a restart: protocol version and the cause of the
// previous reset, so the display can surface diagnostics.
type BootBanner struct {
	Version       uint8
	Cause         ResetCause
	BootloaderErr uint8 // error code when Cause is ResetBootloaderFail
}

// MarshalBootBanner packs the boot banner payload.
func MarshalBootBanner(b BootBanner) []byte {
	return []byte{b.Version, byte(b.Cause), b.BootloaderErr}
}

// UnmarshalBootBanner unpacks a boot banner payload.
func UnmarshalBootBanner(p []byte) (BootBanner, error) {
	if len(p) != 3 {
		return BootBanner{}, fmt.Errorf("protocol: boot banner length %d, want 3", len(p))
	}
	return BootBanner{Version: p[0], Cause: ResetCause(p[1]), BootloaderErr: p[2]}, nil
}

// MarshalNak packs a rejection response payload.
func MarshalNak(code NakCode) []byte {
	return []byte{byte(code)}
}

// UnmarshalNak unpacks a rejection response payload.
func UnmarshalNak(b []byte) (NakCode, error) {
	if len(b) != 1 {
		return 0, fmt.Errorf("protocol: nak length %d, want 1", len(b))
	}
	return NakCode(b[0]), nil
}

// PowerMeterCommand configures the controller-side Modbus meter.
type PowerMeterCommand struct {
	Enabled    bool
	MeterIndex uint8 // 0xFF requests auto-detection
}

// MarshalPowerMeter packs a power-meter configuration command payload.
func MarshalPowerMeter(c PowerMeterCommand) []byte {
	e := byte(0)
	if c.Enabled {
		e = 1
	}
	return []byte{e, c.MeterIndex}
}

// UnmarshalPowerMeter unpacks a power-meter configuration payload.
func UnmarshalPowerMeter(b []byte) (PowerMeterCommand, error) {
	if len(b) != 2 {
		return PowerMeterCommand{}, fmt.Errorf("protocol: power meter config length %d, want 2", len(b))
	}
	return PowerMeterCommand{Enabled: b[0] != 0, MeterIndex: b[1]}, nil
}
