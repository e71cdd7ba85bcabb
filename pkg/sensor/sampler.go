package sensor

import (
	"github.com/chewxy/math32"
)

// Inputs abstracts the analog and digital input hardware so the sampler
// can run against real ADCs or a simulation.
type Inputs interface {
	// ReadADC returns the 12-bit conversion result for a channel.
	ReadADC(channel int) (uint16, error)
	// ReadPin returns the state of a digital input.
	ReadPin(pin int) (bool, error)
}

// Pins maps sensor functions to input channels. A negative value means
// the function is not wired on this board.
type Pins struct {
	ADCBrewNTC   int
	ADCSteamNTC  int
	ADCPressure  int
	ADC5VMonitor int

	PinWaterMode  int // HIGH = plumbed, LOW = tank
	PinTankLevel  int // magnetic float: HIGH = ok, LOW = empty
	PinSteamLevel int // AC probe: LOW = water present, HIGH = dry
}

// NTCParams holds the thermistor divider constants per probe.
type NTCParams struct {
	VRef        float32
	SeriesBrew  float32
	SeriesSteam float32
	R25         float32
	Beta        float32
}

// DefaultNTCParams returns the constants for the stock 3.3k NTC probes.
func DefaultNTCParams() NTCParams {
	return NTCParams{
		VRef:        DefaultVRef,
		SeriesBrew:  NTCDefaultSeriesR,
		SeriesSteam: NTCDefaultSeriesR,
		R25:         NTCDefaultR25,
		Beta:        NTCDefaultBeta,
	}
}

// Sampler owns the per-channel filter pipelines and produces validated
// readings. Channels absent on the machine variant stay not-present in
// the reading instead of reporting zeros.
type Sampler struct {
	inputs  Inputs
	pins    Pins
	machine MachineType
	ntc     NTCParams

	brew     *Channel
	steam    *Channel
	pressure *Channel

	reading Reading
}

// NewSampler creates a sampler for the given machine variant.
func NewSampler(inputs Inputs, pins Pins, machine MachineType, ntc NTCParams) *Sampler {
	return &Sampler{
		inputs:   inputs,
		pins:     pins,
		machine:  machine,
		ntc:      ntc,
		brew:     NewNTCChannel(),
		steam:    NewNTCChannel(),
		pressure: NewPressureChannel(),
		reading:  Reading{WaterLevel: 100},
	}
}

// Read samples every present sensor, runs the filter pipelines, and
// returns the updated snapshot.
func (s *Sampler) Read() Reading {
	if s.machine.HasBrewNTC() && s.pins.ADCBrewNTC >= 0 {
		raw := s.readNTC(s.pins.ADCBrewNTC, s.ntc.SeriesBrew)
		s.reading.BrewTemp = s.brew.Update(raw)
	} else {
		s.reading.BrewTemp = Scalar{}
	}

	if s.machine.HasSteamNTC() && s.pins.ADCSteamNTC >= 0 {
		raw := s.readNTC(s.pins.ADCSteamNTC, s.ntc.SeriesSteam)
		s.reading.SteamTemp = s.steam.Update(raw)
	} else {
		s.reading.SteamTemp = Scalar{}
	}

	// Group head thermocouple support was removed from the board; the
	// field stays not-present.
	s.reading.GroupTemp = Scalar{}

	if s.pins.ADCPressure >= 0 {
		s.reading.Pressure = s.pressure.Update(s.readPressure())
	} else {
		s.reading.Pressure = Scalar{}
	}

	s.reading.WaterLevel = s.readWaterLevel()
	s.reading.Valid = true
	return s.reading
}

// BrewFault reports whether the brew probe has latched a fault.
func (s *Sampler) BrewFault() bool { return s.brew.Fault() }

// SteamFault reports whether the steam probe has latched a fault.
func (s *Sampler) SteamFault() bool { return s.steam.Fault() }

// PressureFault reports whether the pressure transducer has latched a fault.
func (s *Sampler) PressureFault() bool { return s.pressure.Fault() }

// Machine returns the configured machine variant.
func (s *Sampler) Machine() MachineType { return s.machine }

func (s *Sampler) readNTC(channel int, seriesR float32) float32 {
	adc, err := s.inputs.ReadADC(channel)
	if err != nil {
		return math32.NaN()
	}
	return NTCADCToTemp(adc, s.ntc.VRef, seriesR, s.ntc.R25, s.ntc.Beta)
}

func (s *Sampler) readPressure() float32 {
	adc, err := s.inputs.ReadADC(s.pins.ADCPressure)
	if err != nil {
		return math32.NaN()
	}
	v := ADCToVoltage(adc, s.ntc.VRef)
	if !ValidateVoltage(v, 0.2, 3.0) {
		return math32.NaN()
	}

	var rail5V float32
	if s.pins.ADC5VMonitor >= 0 {
		if railADC, err := s.inputs.ReadADC(s.pins.ADC5VMonitor); err == nil {
			// Rail monitor divider: V_5V = V_adc * (10k+5.6k)/5.6k.
			rail5V = ADCToVoltage(railADC, s.ntc.VRef) * 2.786
		}
	}

	return PressureFromVoltage(v, rail5V)
}

// readWaterLevel maps the probe inputs to a coarse percentage:
// 100 all ok, 50 steam boiler low, 0 tank empty.
func (s *Sampler) readWaterLevel() uint8 {
	plumbed := false
	if s.pins.PinWaterMode >= 0 {
		if v, err := s.inputs.ReadPin(s.pins.PinWaterMode); err == nil {
			plumbed = v
		}
	}

	steamOK := true
	if s.pins.PinSteamLevel >= 0 {
		if v, err := s.inputs.ReadPin(s.pins.PinSteamLevel); err == nil {
			steamOK = !v // probe reads HIGH when dry
		}
	}

	if plumbed {
		// Water line is always available; only the steam boiler level
		// matters.
		if steamOK {
			return 100
		}
		return 50
	}

	tankOK := true
	if s.pins.PinTankLevel >= 0 {
		if v, err := s.inputs.ReadPin(s.pins.PinTankLevel); err == nil {
			tankOK = v
		}
	}

	if !tankOK {
		return 0
	}
	if !steamOK {
		return 50
	}
	return 100
}
