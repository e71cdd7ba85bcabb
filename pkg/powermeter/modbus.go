package powermeter

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"
	"time"
)

// Modbus function codes used by the supported meters.
const (
	FCReadHoldingRegs = 0x03
	FCReadInputRegs   = 0x04
)

// Transaction timing.
const (
	// ResponseTimeout bounds one Modbus transaction including the RS-485
	// turnaround.
	ResponseTimeout = 500 * time.Millisecond
	// ConnectionTimeout: a reading older than this means the meter is
	// gone.
	ConnectionTimeout = 5 * time.Second
	// PinRotateThreshold: consecutive failures before the TX/RX
	// orientation is swapped; after twice this the swap is reverted.
	PinRotateThreshold = 3
)

// RegisterMap describes one supported meter model: where each quantity
// lives and how to scale it.
type RegisterMap struct {
	Name      string
	SlaveAddr byte
	BaudRate  int
	IsRS485   bool

	VoltageReg    uint16
	VoltageScale  float32
	CurrentReg    uint16
	CurrentScale  float32
	PowerReg      uint16
	PowerScale    float32
	EnergyReg     uint16
	EnergyScale   float32
	EnergyIs32Bit bool
	FrequencyReg  uint16
	FreqScale     float32
	PFReg         uint16
	PFScale       float32

	FunctionCode byte
	NumRegisters uint16
}

// MeterMaps lists the supported Modbus meters in auto-detection order.
var MeterMaps = []RegisterMap{
	{
		Name: "PZEM-004T V3", SlaveAddr: 0xF8, BaudRate: 9600, IsRS485: false,
		VoltageReg: 0x0000, VoltageScale: 0.1,
		CurrentReg: 0x0001, CurrentScale: 0.001,
		PowerReg: 0x0002, PowerScale: 1.0,
		EnergyReg: 0x0003, EnergyScale: 1.0, EnergyIs32Bit: true,
		FrequencyReg: 0x0004, FreqScale: 0.1,
		PFReg: 0x0005, PFScale: 0.01,
		FunctionCode: FCReadInputRegs, NumRegisters: 10,
	},
	{
		Name: "JSY-MK-163T", SlaveAddr: 0x01, BaudRate: 4800, IsRS485: false,
		VoltageReg: 0x0048, VoltageScale: 0.0001,
		CurrentReg: 0x0049, CurrentScale: 0.0001,
		PowerReg: 0x004A, PowerScale: 0.0001,
		EnergyReg: 0x004B, EnergyScale: 0.001, EnergyIs32Bit: true,
		FrequencyReg: 0x0057, FreqScale: 0.01,
		PFReg: 0x0056, PFScale: 0.001,
		FunctionCode: FCReadHoldingRegs, NumRegisters: 16,
	},
	{
		Name: "JSY-MK-194T", SlaveAddr: 0x01, BaudRate: 4800, IsRS485: false,
		VoltageReg: 0x0000, VoltageScale: 0.01,
		CurrentReg: 0x0001, CurrentScale: 0.01,
		PowerReg: 0x0002, PowerScale: 0.1,
		EnergyReg: 0x0003, EnergyScale: 0.01, EnergyIs32Bit: true,
		FrequencyReg: 0x0007, FreqScale: 0.01,
		PFReg: 0x0008, PFScale: 0.001,
		FunctionCode: FCReadHoldingRegs, NumRegisters: 10,
	},
	{
		Name: "Eastron SDM120", SlaveAddr: 0x01, BaudRate: 2400, IsRS485: true,
		VoltageReg: 0x0000, VoltageScale: 1.0,
		CurrentReg: 0x0006, CurrentScale: 1.0,
		PowerReg: 0x000C, PowerScale: 1.0,
		EnergyReg: 0x0048, EnergyScale: 1.0, EnergyIs32Bit: false,
		FrequencyReg: 0x0046, FreqScale: 1.0,
		PFReg: 0x001E, PFScale: 1.0,
		FunctionCode: FCReadInputRegs, NumRegisters: 2,
	},
	{
		Name: "Eastron SDM230", SlaveAddr: 0x01, BaudRate: 9600, IsRS485: true,
		VoltageReg: 0x0000, VoltageScale: 1.0,
		CurrentReg: 0x0006, CurrentScale: 1.0,
		PowerReg: 0x000C, PowerScale: 1.0,
		EnergyReg: 0x0156, EnergyScale: 1.0, EnergyIs32Bit: false,
		FrequencyReg: 0x0046, FreqScale: 1.0,
		PFReg: 0x001E, PFScale: 1.0,
		FunctionCode: FCReadInputRegs, NumRegisters: 2,
	},
}

// AutoDetectIndex requests auto-detection instead of a fixed meter model.
const AutoDetectIndex = 0xFF

// CRC16 computes the Modbus CRC-16 (polynomial 0xA001, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// BuildReadRequest assembles the standard 8-byte read request:
// slave | fc | startReg(be16) | regCount(be16) | crc16(le).
func BuildReadRequest(slave, fc byte, startReg, numRegs uint16) []byte {
	req := make([]byte, 8)
	req[0] = slave
	req[1] = fc
	binary.BigEndian.PutUint16(req[2:], startReg)
	binary.BigEndian.PutUint16(req[4:], numRegs)
	crc := CRC16(req[:6])
	binary.LittleEndian.PutUint16(req[6:], crc)
	return req
}

// VerifyResponse validates slave address, function code, and CRC of a
// raw response.
func VerifyResponse(resp []byte, slave, fc byte) bool {
	if len(resp) < 5 {
		return false
	}
	if resp[0] != slave || resp[1] != fc {
		return false
	}
	received := binary.LittleEndian.Uint16(resp[len(resp)-2:])
	return received == CRC16(resp[:len(resp)-2])
}

// ParseResponse extracts a Reading from a verified response using the
// register map's offsets and scales. Energy counters are normalized to
// kWh.
func ParseResponse(resp []byte, m *RegisterMap) (Reading, error) {
	if len(resp) < 5 {
		return Reading{}, fmt.Errorf("modbus: response too short (%d bytes)", len(resp))
	}
	byteCount := int(resp[2])
	data := resp[3:]
	if len(data) < byteCount {
		return Reading{}, fmt.Errorf("modbus: truncated data (%d of %d bytes)", len(data), byteCount)
	}

	regOffset := func(reg uint16) int {
		return int(reg-m.VoltageReg) * 2
	}
	u16At := func(off int) (uint16, bool) {
		if off < 0 || off+1 >= byteCount {
			return 0, false
		}
		return binary.BigEndian.Uint16(data[off:]), true
	}
	u32At := func(off int) (uint32, bool) {
		if off < 0 || off+3 >= byteCount {
			return 0, false
		}
		return binary.BigEndian.Uint32(data[off:]), true
	}

	var r Reading
	if raw, ok := u16At(regOffset(m.VoltageReg)); ok {
		r.Voltage = float32(raw) * m.VoltageScale
	}
	if raw, ok := u16At(regOffset(m.CurrentReg)); ok {
		r.Current = float32(raw) * m.CurrentScale
	}
	if raw, ok := u16At(regOffset(m.PowerReg)); ok {
		r.Power = float32(raw) * m.PowerScale
	}
	if m.EnergyIs32Bit {
		if raw, ok := u32At(regOffset(m.EnergyReg)); ok {
			// Wh to kWh.
			r.EnergyImport = float32(raw) * m.EnergyScale / 1000.0
		}
	} else {
		if raw, ok := u16At(regOffset(m.EnergyReg)); ok {
			r.EnergyImport = float32(raw) * m.EnergyScale
		}
	}
	if raw, ok := u16At(regOffset(m.FrequencyReg)); ok {
		r.Frequency = float32(raw) * m.FreqScale
	}
	if raw, ok := u16At(regOffset(m.PFReg)); ok {
		r.PowerFactor = float32(raw) * m.PFScale
	}
	return r, nil
}

// Bus is the physical half-duplex serial bus under the Modbus driver.
// The PIO-emulated UART on the board allows arbitrary TX/RX pins, so the
// orientation can be swapped at runtime when the wiring is reversed; a
// dedicated DE/RE pin steers the RS-485 transceiver.
type Bus interface {
	// Reconfigure sets the baud rate and pin orientation.
	Reconfigure(baud int, swapped bool) error
	// Write transmits a frame.
	Write(p []byte) (int, error)
	// ReadByte returns the next byte, or false after the timeout.
	ReadByte(timeout time.Duration) (byte, bool)
	// SetDirection drives the DE/RE pin for RS-485 transceivers; TTL
	// meters ignore it.
	SetDirection(transmit bool)
	// Drain discards any buffered receive bytes.
	Drain()
}

// ModbusMeter polls one energy meter over a Bus.
type ModbusMeter struct {
	bus  Bus
	maps []RegisterMap

	mu          sync.RWMutex
	current     *RegisterMap
	meterIndex  uint8
	swapped     bool
	initialized bool
	hasEverRead bool
	failures    uint8
	lastReading Reading
	lastSuccess time.Time
	lastErr     string

	now func() time.Time
}

var _ Source = (*ModbusMeter)(nil)

// NewModbusMeter creates a driver for a known meter model, or with
// AutoDetectIndex for detection on Begin.
func NewModbusMeter(bus Bus, meterIndex uint8) *ModbusMeter {
	return &ModbusMeter{
		bus:        bus,
		maps:       MeterMaps,
		meterIndex: meterIndex,
		now:        time.Now,
	}
}

// Begin implements Source: configures the bus for the selected meter, or
// runs auto-detection when no model is pinned.
func (m *ModbusMeter) Begin() error {
	if m.meterIndex == AutoDetectIndex {
		_, err := m.AutoDetect()
		return err
	}
	if int(m.meterIndex) >= len(m.maps) {
		return fmt.Errorf("modbus: invalid meter index %d", m.meterIndex)
	}
	m.mu.Lock()
	m.current = &m.maps[m.meterIndex]
	m.initialized = true
	m.mu.Unlock()
	if err := m.bus.Reconfigure(m.current.BaudRate, false); err != nil {
		return fmt.Errorf("modbus: configure bus: %w", err)
	}
	log.Printf("Power meter: initialized (%s @ %d baud, RS485: %v)",
		m.current.Name, m.current.BaudRate, m.current.IsRS485)
	return nil
}

// AutoDetect tries every (meter, pin-orientation) pair in order and
// latches the first that answers with a plausible mains voltage
// (50V < V < 300V). It returns the detected meter index.
func (m *ModbusMeter) AutoDetect() (uint8, error) {
	log.Printf("Power meter: starting auto-detection (both pin orientations)")

	for i := range m.maps {
		test := &m.maps[i]
		for _, swapped := range []bool{false, true} {
			if err := m.bus.Reconfigure(test.BaudRate, swapped); err != nil {
				continue
			}
			reading, ok := m.transact(test)
			if !ok {
				continue
			}
			if reading.Voltage > 50 && reading.Voltage < 300 {
				m.mu.Lock()
				m.current = test
				m.meterIndex = uint8(i)
				m.swapped = swapped
				m.initialized = true
				m.hasEverRead = true
				reading.Timestamp = m.now()
				reading.Valid = true
				m.lastReading = reading
				m.lastSuccess = reading.Timestamp
				m.failures = 0
				m.lastErr = ""
				m.mu.Unlock()
				log.Printf("Power meter: detected %s on %s pins",
					test.Name, orientation(swapped))
				return uint8(i), nil
			}
		}
	}

	m.mu.Lock()
	m.initialized = false
	m.current = nil
	m.swapped = false
	m.lastErr = "auto-detection failed"
	m.mu.Unlock()
	return 0, fmt.Errorf("modbus: no meter detected on either pin orientation")
}

// Poll implements Source: one request/response cycle with the failure
// bookkeeping that drives the runtime pin swap.
func (m *ModbusMeter) Poll() {
	m.mu.RLock()
	cur := m.current
	initialized := m.initialized
	m.mu.RUnlock()
	if !initialized || cur == nil {
		return
	}

	reading, ok := m.transact(cur)
	if !ok {
		m.pollFailed(cur)
		return
	}

	m.mu.Lock()
	if !m.hasEverRead || m.failures > 0 {
		log.Printf("Power meter: connected, %.1fV %.2fA %.1fW (%s pins)",
			reading.Voltage, reading.Current, reading.Power, orientation(m.swapped))
	}
	m.failures = 0
	reading.Timestamp = m.now()
	reading.Valid = true
	m.lastReading = reading
	m.lastSuccess = reading.Timestamp
	m.hasEverRead = true
	m.lastErr = ""
	m.mu.Unlock()
}

// pollFailed counts a miss and swaps the TX/RX orientation after
// PinRotateThreshold consecutive failures; after twice the threshold it
// reverts and restarts the cycle.
func (m *ModbusMeter) pollFailed(cur *RegisterMap) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
	switch {
	case m.failures == PinRotateThreshold:
		m.swapped = !m.swapped
		log.Printf("Power meter: no response, swapping pins (%s)", orientation(m.swapped))
		if err := m.bus.Reconfigure(cur.BaudRate, m.swapped); err != nil {
			m.lastErr = fmt.Sprintf("reconfigure after swap: %v", err)
			return
		}
		m.lastErr = fmt.Sprintf("no response - swapped TX/RX (%s)", orientation(m.swapped))
	case m.failures == PinRotateThreshold*2:
		m.swapped = !m.swapped
		log.Printf("Power meter: still no response, reverting pins (%s)", orientation(m.swapped))
		if err := m.bus.Reconfigure(cur.BaudRate, m.swapped); err != nil {
			m.lastErr = fmt.Sprintf("reconfigure after revert: %v", err)
			return
		}
		m.failures = 0
		m.lastErr = fmt.Sprintf("no response - reverted TX/RX (%s)", orientation(m.swapped))
	default:
		m.lastErr = "no response from meter"
	}
}

// transact runs one request/response with the given map.
func (m *ModbusMeter) transact(cur *RegisterMap) (Reading, bool) {
	m.bus.Drain()

	req := BuildReadRequest(cur.SlaveAddr, cur.FunctionCode, cur.VoltageReg, cur.NumRegisters)
	if cur.IsRS485 {
		m.bus.SetDirection(true)
	}
	_, err := m.bus.Write(req)
	if cur.IsRS485 {
		m.bus.SetDirection(false)
	}
	if err != nil {
		return Reading{}, false
	}

	resp, ok := m.receiveResponse()
	if !ok {
		return Reading{}, false
	}
	if !VerifyResponse(resp, cur.SlaveAddr, cur.FunctionCode) {
		return Reading{}, false
	}
	reading, err := ParseResponse(resp, cur)
	if err != nil {
		return Reading{}, false
	}
	return reading, true
}

// receiveResponse collects bytes until the length implied by the byte
// count is reached, with the timeout restarting on every byte.
func (m *ModbusMeter) receiveResponse() ([]byte, bool) {
	buf := make([]byte, 0, 128)
	for {
		b, ok := m.bus.ReadByte(ResponseTimeout)
		if !ok {
			return nil, false
		}
		buf = append(buf, b)
		if len(buf) >= 5 {
			expected := int(buf[2]) + 5
			if len(buf) >= expected {
				return buf[:expected], true
			}
		}
		if len(buf) >= 128 {
			return nil, false
		}
	}
}

// Read implements Source: the latest reading while it is fresh.
func (m *ModbusMeter) Read() (Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.lastReading.Valid {
		return Reading{}, false
	}
	if m.now().Sub(m.lastSuccess) >= ConnectionTimeout {
		return Reading{}, false
	}
	return m.lastReading, true
}

// IsConnected implements Source. It stays false until the first
// successful read so a fresh boot never reports a phantom meter.
func (m *ModbusMeter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.initialized || !m.hasEverRead {
		return false
	}
	return m.now().Sub(m.lastSuccess) < ConnectionTimeout
}

// Name implements Source.
func (m *ModbusMeter) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return "None"
	}
	return m.current.Name
}

// LastError implements Source.
func (m *ModbusMeter) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// MeterIndex returns the index of the active register map.
func (m *ModbusMeter) MeterIndex() uint8 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.meterIndex
}

// Swapped reports the active pin orientation.
func (m *ModbusMeter) Swapped() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.swapped
}

func orientation(swapped bool) string {
	if swapped {
		return "swapped"
	}
	return "default"
}
