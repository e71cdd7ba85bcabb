package sensor

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNTCADCToResistance(t *testing.T) {
	tests := []struct {
		name string
		adc  uint16
		want float32
	}{
		{
			name: "midpoint equals series resistor",
			adc:  2047,
			want: 3298, // Vout = Vref/2 -> R = seriesR (within ADC resolution)
		},
		{
			name: "railed low",
			adc:  0,
			want: 0,
		},
		{
			name: "railed high",
			adc:  4095,
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NTCADCToResistance(tt.adc, DefaultVRef, NTCDefaultSeriesR)
			assert.InDelta(t, float64(tt.want), float64(got), 5)
		})
	}
}

func TestNTCResistanceToTemp(t *testing.T) {
	// At R25 the probe reads exactly 25C.
	got := NTCResistanceToTemp(NTCDefaultR25, NTCDefaultR25, NTCDefaultBeta)
	assert.InDelta(t, 25.0, float64(got), 0.01)

	// Lower resistance means hotter for an NTC.
	hot := NTCResistanceToTemp(500, NTCDefaultR25, NTCDefaultBeta)
	assert.Greater(t, hot, got)

	// Degenerate inputs.
	assert.True(t, math32.IsNaN(NTCResistanceToTemp(0, NTCDefaultR25, NTCDefaultBeta)))
	assert.True(t, math32.IsNaN(NTCResistanceToTemp(-10, NTCDefaultR25, NTCDefaultBeta)))
}

func TestNTCRoundTripThroughSim(t *testing.T) {
	sim := NewSimInputs()
	for _, temp := range []float32{25, 60, 93, 120, 140} {
		sim.SetNTCTemp(0, temp)
		adc, err := sim.ReadADC(0)
		require.NoError(t, err)
		got := NTCADCToTemp(adc, DefaultVRef, NTCDefaultSeriesR, NTCDefaultR25, NTCDefaultBeta)
		assert.InDelta(t, float64(temp), float64(got), 0.5, "round trip at %.0fC", temp)
	}
}

func TestPressureFromVoltage(t *testing.T) {
	tests := []struct {
		name   string
		vADC   float32
		rail5V float32
		want   float32
		isNaN  bool
	}{
		{
			name: "zero bar",
			vADC: 0.5 * PressureDividerRatio,
			want: 0,
		},
		{
			name: "nine bar",
			vADC: (0.5 + 9.0*4.0/16.0) * PressureDividerRatio,
			want: 9,
		},
		{
			name: "full scale",
			vADC: 4.5 * PressureDividerRatio,
			want: 16,
		},
		{
			name:  "transducer unplugged",
			vADC:  0.05,
			isNaN: true,
		},
		{
			name:   "sagging rail compensated",
			vADC:   (0.5 + 9.0*4.0/16.0) * PressureDividerRatio * (4.5 / 5.0),
			rail5V: 4.5,
			want:   9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PressureFromVoltage(tt.vADC, tt.rail5V)
			if tt.isNaN {
				assert.True(t, math32.IsNaN(got))
				return
			}
			assert.InDelta(t, float64(tt.want), float64(got), 0.05)
		})
	}
}

func TestChannelSingleBadSampleNoFault(t *testing.T) {
	c := NewNTCChannel()

	c.Update(93)
	got := c.Update(math32.NaN())

	assert.False(t, c.Fault(), "one bad sample must not fault")
	assert.Equal(t, 1, c.Failures())
	assert.True(t, got.Valid)
	assert.InDelta(t, 93.0, float64(got.Value), 0.01, "previous value kept")
}

func TestChannelFaultAfterThreshold(t *testing.T) {
	c := NewNTCChannel()
	c.Update(93)

	for i := 0; i < DefaultFaultThreshold; i++ {
		c.Update(500) // out of range
	}

	assert.True(t, c.Fault())

	// A valid sample recovers the channel.
	c.Update(92)
	assert.False(t, c.Fault())
	assert.Equal(t, 0, c.Failures())
}

func TestChannelOutOfRangeRejected(t *testing.T) {
	c := NewChannel(3, 4, -10, 200, 5)
	c.Update(90)
	got := c.Update(-40)
	assert.Equal(t, 1, c.Failures())
	assert.InDelta(t, 90.0, float64(got.Value), 0.01)
}

func TestSamplerMachineGating(t *testing.T) {
	sim := NewSimInputs()
	pins := Pins{
		ADCBrewNTC: 0, ADCSteamNTC: 1, ADCPressure: 2,
		ADC5VMonitor: -1, PinWaterMode: -1, PinTankLevel: -1, PinSteamLevel: -1,
	}
	sim.SetNTCTemp(0, 93)
	sim.SetNTCTemp(1, 140)
	sim.SetADC(2, 398) // ~0.32V at the pin: transducer reads 0 bar

	t.Run("hx machine has no brew temperature", func(t *testing.T) {
		s := NewSampler(sim, pins, MachineHX, DefaultNTCParams())
		r := s.Read()
		assert.False(t, r.BrewTemp.Valid, "HX variant must report brew temp as absent")
		assert.True(t, r.SteamTemp.Valid)
	})

	t.Run("single boiler has no steam temperature", func(t *testing.T) {
		s := NewSampler(sim, pins, MachineSingleBoiler, DefaultNTCParams())
		r := s.Read()
		assert.True(t, r.BrewTemp.Valid)
		assert.False(t, r.SteamTemp.Valid)
	})

	t.Run("dual boiler has both", func(t *testing.T) {
		s := NewSampler(sim, pins, MachineDualBoiler, DefaultNTCParams())
		r := s.Read()
		require.True(t, r.BrewTemp.Valid)
		require.True(t, r.SteamTemp.Valid)
		assert.InDelta(t, 93.0, float64(r.BrewTemp.Value), 1.0)
		assert.InDelta(t, 140.0, float64(r.SteamTemp.Value), 1.5)
	})
}

func TestSamplerWaterLevel(t *testing.T) {
	pins := Pins{
		ADCBrewNTC: -1, ADCSteamNTC: -1, ADCPressure: -1, ADC5VMonitor: -1,
		PinWaterMode: 2, PinTankLevel: 3, PinSteamLevel: 4,
	}

	tests := []struct {
		name    string
		plumbed bool
		tankOK  bool
		steamOK bool
		want    uint8
	}{
		{name: "tank mode all ok", tankOK: true, steamOK: true, want: 100},
		{name: "tank empty", tankOK: false, steamOK: true, want: 0},
		{name: "steam boiler low", tankOK: true, steamOK: false, want: 50},
		{name: "plumbed ignores tank", plumbed: true, tankOK: false, steamOK: true, want: 100},
		{name: "plumbed steam low", plumbed: true, tankOK: true, steamOK: false, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sim := NewSimInputs()
			sim.SetPin(2, tt.plumbed)
			sim.SetPin(3, tt.tankOK)   // float switch: HIGH = ok
			sim.SetPin(4, !tt.steamOK) // AC probe: HIGH = dry
			s := NewSampler(sim, pins, MachineDualBoiler, DefaultNTCParams())
			r := s.Read()
			assert.Equal(t, tt.want, r.WaterLevel)
		})
	}
}

func TestSamplerFaultTracking(t *testing.T) {
	sim := NewSimInputs()
	pins := Pins{ADCBrewNTC: 0, ADCSteamNTC: -1, ADCPressure: -1, ADC5VMonitor: -1,
		PinWaterMode: -1, PinTankLevel: -1, PinSteamLevel: -1}
	s := NewSampler(sim, pins, MachineDualBoiler, DefaultNTCParams())

	sim.SetNTCTemp(0, 93)
	s.Read()
	require.False(t, s.BrewFault())

	sim.SetADC(0, 4095) // probe open: conversion yields NaN
	for i := 0; i < DefaultFaultThreshold; i++ {
		s.Read()
	}
	assert.True(t, s.BrewFault())
}
