package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func baseSnapshot() Snapshot {
	return Snapshot{
		MachineState:  StateReady,
		BrewTemp:      92.1,
		BrewSetpoint:  93.0,
		SteamTemp:     139.0,
		SteamSetpoint: 140.0,
		Pressure:      9.0,
		PowerWatts:    1200,
		MqttConnected: true,
		WifiConnected: true,
		WifiIP:        "192.168.1.50",
		WifiRSSI:      -55,
	}
}

func TestFirstCallAlwaysChanged(t *testing.T) {
	d := NewChangeDetector()
	assert.True(t, d.HasChanged(baseSnapshot()))
}

func TestIdempotence(t *testing.T) {
	d := NewChangeDetector()
	s := baseSnapshot()
	assert.True(t, d.HasChanged(s), "first call stores and reports change")
	assert.False(t, d.HasChanged(s), "identical snapshot reports no change")
}

func TestSubThresholdDeltasSuppressed(t *testing.T) {
	d := NewChangeDetector()
	s := baseSnapshot()
	d.HasChanged(s)

	// Temperature delta 0.2 < 0.5, mqtt_connected unchanged.
	s.BrewTemp = 92.3
	assert.False(t, d.HasChanged(s))

	// Pressure delta below 0.1 bar.
	s.Pressure = 9.05
	assert.False(t, d.HasChanged(s))

	// Power delta below 10W.
	s.PowerWatts = 1207
	assert.False(t, d.HasChanged(s))

	// RSSI wobble below 10 dBm.
	s.WifiRSSI = -60
	assert.False(t, d.HasChanged(s))
}

func TestThresholdCrossingsDetected(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		field  Fields
	}{
		{
			name:   "temperature",
			mutate: func(s *Snapshot) { s.BrewTemp += 0.6 },
			field:  FieldTemps,
		},
		{
			name:   "setpoint",
			mutate: func(s *Snapshot) { s.SteamSetpoint += 1.0 },
			field:  FieldTemps,
		},
		{
			name:   "pressure",
			mutate: func(s *Snapshot) { s.Pressure += 0.15 },
			field:  FieldPressure,
		},
		{
			name:   "power",
			mutate: func(s *Snapshot) { s.PowerWatts += 25 },
			field:  FieldPower,
		},
		{
			name:   "machine state",
			mutate: func(s *Snapshot) { s.MachineState = StateBrewing },
			field:  FieldState,
		},
		{
			name:   "connection flag",
			mutate: func(s *Snapshot) { s.MqttConnected = false },
			field:  FieldConnections,
		},
		{
			name:   "ip address",
			mutate: func(s *Snapshot) { s.WifiIP = "192.168.1.51" },
			field:  FieldWifi,
		},
		{
			name:   "rssi jump",
			mutate: func(s *Snapshot) { s.WifiRSSI = -70 },
			field:  FieldWifi,
		},
		{
			name:   "alarm",
			mutate: func(s *Snapshot) { s.AlarmActive = true; s.AlarmCode = 4 },
			field:  FieldAlarm,
		},
		{
			name:   "water low",
			mutate: func(s *Snapshot) { s.WaterLow = true },
			field:  FieldWater,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewChangeDetector()
			s := baseSnapshot()
			d.HasChanged(s)

			tt.mutate(&s)
			fields := d.ChangedFields(s)
			assert.True(t, fields.Has(tt.field), "expected group set")
			assert.True(t, d.HasChanged(s))
			assert.False(t, d.HasChanged(s), "recorded after reporting")
		})
	}
}

func TestBrewTimeAlwaysChangesWhileBrewing(t *testing.T) {
	d := NewChangeDetector()
	s := baseSnapshot()
	s.IsBrewing = true
	s.BrewTimeMs = 1000
	d.HasChanged(s)

	s.BrewTimeMs = 1100
	assert.True(t, d.HasChanged(s), "elapsed time ticks while brewing")

	// Not brewing: the counter alone does not trigger updates.
	s.IsBrewing = false
	d.HasChanged(s)
	s.BrewTimeMs = 1200
	assert.False(t, d.HasChanged(s))
}

func TestChangedFieldsFirstCallMarksEverything(t *testing.T) {
	d := NewChangeDetector()
	fields := d.ChangedFields(baseSnapshot())
	for _, g := range []Fields{FieldState, FieldTemps, FieldPressure, FieldPower,
		FieldConnections, FieldWifi, FieldAlarm, FieldScale} {
		assert.True(t, fields.Has(g))
	}
}

func TestReset(t *testing.T) {
	d := NewChangeDetector()
	s := baseSnapshot()
	d.HasChanged(s)
	assert.False(t, d.HasChanged(s))

	d.Reset()
	assert.True(t, d.HasChanged(s), "reset forces a full publish")
}

func TestScaleGroup(t *testing.T) {
	d := NewChangeDetector()
	s := baseSnapshot()
	d.HasChanged(s)

	s.BrewWeight = 18.2
	fields := d.ChangedFields(s)
	assert.True(t, fields.Has(FieldScale))

	d.HasChanged(s)
	s.FlowRate = 0.05 // below threshold
	assert.False(t, d.HasChanged(s))
	s.FlowRate = 0.2
	assert.True(t, d.HasChanged(s))
}

func TestMachineStateStrings(t *testing.T) {
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "updating", StateUpdating.String())
	assert.Equal(t, "unknown", MachineState(99).String())
}
