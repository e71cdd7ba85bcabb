package sensor

import (
	"fmt"
	"sync"

	"github.com/chewxy/math32"
)

// SimInputs simulates the analog and digital input hardware for
// development without a board attached.
type SimInputs struct {
	mu   sync.RWMutex
	adc  map[int]uint16
	pins map[int]bool
}

var _ Inputs = (*SimInputs)(nil)

// NewSimInputs creates a simulation with all pins low. An ADC channel
// returns an error until SetADC or SetNTCTemp gives it a value.
func NewSimInputs() *SimInputs {
	return &SimInputs{
		adc:  make(map[int]uint16),
		pins: make(map[int]bool),
	}
}

// SetADC sets the raw conversion result of a channel.
func (s *SimInputs) SetADC(channel int, counts uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adc[channel] = counts
}

// SetPin sets the state of a digital input.
func (s *SimInputs) SetPin(pin int, high bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins[pin] = high
}

// SetNTCTemp sets a channel's ADC counts so it converts to the given
// temperature through the default NTC constants.
func (s *SimInputs) SetNTCTemp(channel int, tempC float32) {
	// Invert the conversion: R from temperature, then the divider.
	p := DefaultNTCParams()
	r := resistanceForTemp(tempC, p.R25, p.Beta)
	vOut := p.VRef * r / (p.SeriesBrew + r)
	counts := uint16(vOut / p.VRef * adcFullScale)
	s.SetADC(channel, counts)
}

// ReadADC implements Inputs.
func (s *SimInputs) ReadADC(channel int) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.adc[channel]
	if !ok {
		return 0, fmt.Errorf("adc channel %d not simulated", channel)
	}
	return v, nil
}

// ReadPin implements Inputs.
func (s *SimInputs) ReadPin(pin int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pins[pin], nil
}

// resistanceForTemp is the inverse of NTCResistanceToTemp.
func resistanceForTemp(tempC, r25, beta float32) float32 {
	tK := tempC + kelvinOffset
	return r25 * math32.Exp(beta*(1/tK-1/ntcT25Kelvin))
}
