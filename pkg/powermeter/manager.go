package powermeter

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/brewkit/brewcore/pkg/nvs"
)

// SourceType tags the active meter backend.
type SourceType uint8

const (
	SourceNone SourceType = iota
	SourceMQTT
	SourceModbus
)

// String returns the configuration name of the source type.
func (s SourceType) String() string {
	switch s {
	case SourceMQTT:
		return "mqtt"
	case SourceModbus:
		return "modbus"
	default:
		return "none"
	}
}

// ParseSourceType maps a configuration string to a SourceType. The
// retired "hardware" value from old firmware maps to none.
func ParseSourceType(s string) SourceType {
	switch strings.ToLower(s) {
	case "mqtt":
		return SourceMQTT
	case "modbus":
		return SourceModbus
	default:
		return SourceNone
	}
}

// configKey is the NVS record name for the manager's configuration.
const configKey = "power_meter"

// storedConfig is the NVS record.
type storedConfig struct {
	Source     string `yaml:"source"`
	MQTTTopic  string `yaml:"mqtt_topic"`
	MQTTFormat string `yaml:"mqtt_format"`
	MeterIndex uint8  `yaml:"meter_index"`
	StaleSecs  int    `yaml:"stale_secs"`
}

// pollInterval paces Manager.Tick polls so the meter is not hammered.
const pollInterval = time.Second

// Status is the snapshot published to MQTT/cloud consumers.
type Status struct {
	Source     string
	Connected  bool
	MeterName  string
	Configured bool
	Reading    *Reading
	TodayKwh   float32
	Error      string
}

// Manager owns the active power-meter source as a tagged variant of
// {none, MQTT, Modbus}, persists its configuration, and tracks daily
// energy consumption across the midnight rollover.
type Manager struct {
	store nvs.Store

	mu       sync.Mutex
	source   SourceType
	mqtt     *MQTTMeter
	modbus   *ModbusMeter
	enabled  bool
	lastPoll time.Time

	lastReading Reading

	// Daily energy tracking: day start is captured from the first valid
	// reading once wall-clock time is trustworthy (NTP synced).
	dayStartKwh   float32
	dayStartSet   bool
	lastDayOfYear int
	lastYear      int

	now       func() time.Time
	timeValid func() bool
}

// NewManager creates a manager persisting through the given store.
func NewManager(store nvs.Store) *Manager {
	return &Manager{
		store:   store,
		enabled: true,
		now:     time.Now,
		// Mirrors the device rule: trust the clock once it is clearly
		// past the epoch (NTP has synced).
		timeValid: func() bool { return time.Now().Unix() > 1000000 },
	}
}

// Begin loads the persisted configuration and reconstructs an MQTT
// source; a saved Modbus source is only logged, since its bus is attached
// by ConfigureModbus.
func (m *Manager) Begin() error {
	var cfg storedConfig
	err := m.store.Load(configKey, &cfg)
	if err != nil {
		if err == nvs.ErrNotFound {
			log.Printf("Power meter: no saved config, defaulting to none")
			return nil
		}
		return fmt.Errorf("power meter: load config: %w", err)
	}

	switch ParseSourceType(cfg.Source) {
	case SourceMQTT:
		if cfg.MQTTTopic == "" {
			return nil
		}
		stale := time.Duration(cfg.StaleSecs) * time.Second
		return m.ConfigureMQTT(cfg.MQTTTopic, cfg.MQTTFormat, stale)
	case SourceModbus:
		log.Printf("Power meter: modbus source restored (meter index %d); bus attach pending", cfg.MeterIndex)
		return nil
	default:
		return nil
	}
}

// SetEnabled pauses or resumes polling; the source is disabled during an
// OTA update.
func (m *Manager) SetEnabled(enabled bool) {
	m.mu.Lock()
	changed := m.enabled != enabled
	m.enabled = enabled
	m.mu.Unlock()
	if changed {
		state := "disabled"
		if enabled {
			state = "enabled"
		}
		log.Printf("Power meter: %s", state)
	}
}

// ConfigureMQTT switches the manager to an MQTT smart plug and persists
// the choice.
func (m *Manager) ConfigureMQTT(topic, format string, staleAfter time.Duration) error {
	meter := NewMQTTMeter(topic, format, staleAfter)
	if err := meter.Begin(); err != nil {
		return fmt.Errorf("power meter: mqtt begin: %w", err)
	}

	m.mu.Lock()
	m.mqtt = meter
	m.modbus = nil
	m.source = SourceMQTT
	m.mu.Unlock()

	return m.saveConfig()
}

// ConfigureModbus switches the manager to a Modbus meter on the given bus
// and persists the choice. meterIndex may be AutoDetectIndex.
func (m *Manager) ConfigureModbus(bus Bus, meterIndex uint8) error {
	meter := NewModbusMeter(bus, meterIndex)
	if err := meter.Begin(); err != nil {
		return fmt.Errorf("power meter: modbus begin: %w", err)
	}

	m.mu.Lock()
	m.modbus = meter
	m.mqtt = nil
	m.source = SourceModbus
	m.mu.Unlock()

	return m.saveConfig()
}

// ClearSource drops the active meter and persists the none state.
func (m *Manager) ClearSource() error {
	m.mu.Lock()
	m.mqtt = nil
	m.modbus = nil
	m.source = SourceNone
	m.mu.Unlock()
	return m.saveConfig()
}

// Source returns the active source type.
func (m *Manager) Source() SourceType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.source
}

// MQTT returns the MQTT meter when that source is active.
func (m *Manager) MQTT() *MQTTMeter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mqtt
}

// Tick runs one manager cycle: paced polling of the active source and
// the daily-energy bookkeeping. Call it from the owner's main loop.
func (m *Manager) Tick() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	src := m.active()
	now := m.now()
	poll := src != nil && now.Sub(m.lastPoll) >= pollInterval
	if poll {
		m.lastPoll = now
	}
	m.mu.Unlock()

	if poll {
		src.Poll()
		if r, ok := src.Read(); ok {
			m.mu.Lock()
			m.lastReading = r
			m.mu.Unlock()
		}
	}

	m.trackDailyEnergy()
}

// trackDailyEnergy captures the day-start energy on the first valid
// reading after the clock is trustworthy and resets it when the local day
// (or year) changes.
func (m *Manager) trackDailyEnergy() {
	if !m.timeValid() {
		return
	}
	now := m.now()
	day := now.YearDay()
	year := now.Year()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.dayStartSet && m.lastReading.Valid {
		m.dayStartKwh = m.lastReading.EnergyImport
		m.dayStartSet = true
		m.lastDayOfYear = day
		m.lastYear = year
		log.Printf("Power meter: initialized day start energy: %.3f kWh", m.dayStartKwh)
		return
	}

	if m.dayStartSet && (day != m.lastDayOfYear || year != m.lastYear) {
		if m.lastReading.Valid {
			m.dayStartKwh = m.lastReading.EnergyImport
		} else {
			m.dayStartKwh = 0
		}
		m.lastDayOfYear = day
		m.lastYear = year
		log.Printf("Power meter: daily energy reset, day start = %.3f kWh", m.dayStartKwh)
	}
}

// GetReading returns the latest cached reading while fresh.
func (m *Manager) GetReading() (Reading, bool) {
	m.mu.Lock()
	src := m.active()
	m.mu.Unlock()
	if src == nil {
		return Reading{}, false
	}
	return src.Read()
}

// IsConnected reports whether the active source sees its meter.
func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	src := m.active()
	m.mu.Unlock()
	return src != nil && src.IsConnected()
}

// MeterName returns the active meter identification.
func (m *Manager) MeterName() string {
	m.mu.Lock()
	src := m.active()
	m.mu.Unlock()
	if src == nil {
		return "None"
	}
	return src.Name()
}

// LastError surfaces the active source's error state.
func (m *Manager) LastError() string {
	m.mu.Lock()
	src := m.active()
	source := m.source
	m.mu.Unlock()
	if source == SourceNone {
		return "No meter configured"
	}
	if src == nil {
		return ""
	}
	return src.LastError()
}

// TodayKwh returns the energy imported since local midnight. A negative
// delta means the meter was reset; the current counter is used instead.
func (m *Manager) TodayKwh() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.lastReading.Valid || !m.dayStartSet {
		return 0
	}
	today := m.lastReading.EnergyImport - m.dayStartKwh
	if today < 0 {
		today = m.lastReading.EnergyImport
	}
	return today
}

// TotalKwh returns the meter's cumulative import counter.
func (m *Manager) TotalKwh() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastReading.EnergyImport
}

// DayStartKwh returns the captured midnight baseline.
func (m *Manager) DayStartKwh() float32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayStartKwh
}

// GetStatus assembles the publication snapshot.
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	src := m.active()
	source := m.source
	m.mu.Unlock()

	st := Status{
		Source:     source.String(),
		Configured: source != SourceNone,
		MeterName:  "None",
		TodayKwh:   m.TodayKwh(),
	}
	if src != nil {
		st.Connected = src.IsConnected()
		st.MeterName = src.Name()
		st.Error = src.LastError()
		if r, ok := src.Read(); ok {
			st.Reading = &r
		}
	}
	return st
}

// saveConfig persists the manager configuration.
func (m *Manager) saveConfig() error {
	m.mu.Lock()
	cfg := storedConfig{Source: m.source.String()}
	if m.mqtt != nil {
		cfg.MQTTTopic = m.mqtt.Topic()
		cfg.MQTTFormat = m.mqtt.Format().String()
		cfg.StaleSecs = int(m.mqtt.staleAfter / time.Second)
	}
	if m.modbus != nil {
		cfg.MeterIndex = m.modbus.MeterIndex()
	}
	m.mu.Unlock()

	if err := m.store.Save(configKey, cfg); err != nil {
		return fmt.Errorf("power meter: save config: %w", err)
	}
	log.Printf("Power meter: config saved (source=%s)", cfg.Source)
	return nil
}

// active returns the live Source; callers hold m.mu.
func (m *Manager) active() Source {
	switch m.source {
	case SourceMQTT:
		if m.mqtt != nil {
			return m.mqtt
		}
	case SourceModbus:
		if m.modbus != nil {
			return m.modbus
		}
	}
	return nil
}
