package powermeter

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Format selects the payload dialect of an MQTT smart plug.
type Format uint8

const (
	// FormatAuto tries Shelly, then Tasmota, then bare top-level keys.
	// A Shelly or Tasmota match latches that dialect; a bare-key match
	// does not, so the next payload is auto-detected again.
	FormatAuto Format = iota
	FormatShelly
	FormatTasmota
	FormatGeneric
)

// ParseFormat maps a configuration string to a Format; unknown strings
// fall back to auto-detection.
func ParseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "shelly":
		return FormatShelly
	case "tasmota":
		return FormatTasmota
	case "generic":
		return FormatGeneric
	default:
		return FormatAuto
	}
}

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatShelly:
		return "shelly"
	case FormatTasmota:
		return "tasmota"
	case FormatGeneric:
		return "generic"
	case FormatAuto:
		return "auto"
	default:
		return "unknown"
	}
}

// DefaultStaleThreshold is how long a reading stays fresh for liveness
// when the device publishes no LWT.
const DefaultStaleThreshold = 60 * time.Second

// JSONPaths configures the generic dialect: top-level keys for each
// field. Empty keys are skipped.
type JSONPaths struct {
	Power   string
	Voltage string
	Current string
	Energy  string
}

// MQTTMeter parses smart-plug payloads pushed over MQTT. It is fed by
// HandleData/HandleLWT callbacks from the MQTT client and never polls.
//
// Connectivity is defined as: at least one payload parsed, and either the
// last-will topic says the device is online or the last successful parse
// is within the staleness threshold. A device without LWT therefore still
// counts as connected while its data is fresh.
type MQTTMeter struct {
	topic      string
	staleAfter time.Duration
	paths      JSONPaths

	mu           sync.RWMutex
	format       Format
	lastReading  Reading
	hasData      bool
	deviceOnline bool
	lastUpdate   time.Time
	lastErr      string

	now func() time.Time
}

var _ Source = (*MQTTMeter)(nil)

// NewMQTTMeter creates a meter for the given data topic and dialect
// ("shelly", "tasmota", "generic", anything else means auto).
func NewMQTTMeter(topic, format string, staleAfter time.Duration) *MQTTMeter {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleThreshold
	}
	return &MQTTMeter{
		topic:      topic,
		format:     ParseFormat(format),
		staleAfter: staleAfter,
		// Not online until the LWT says so; until then freshness decides.
		deviceOnline: false,
		now:          time.Now,
	}
}

// SetJSONPaths configures the generic dialect keys and switches the meter
// to the generic format.
func (m *MQTTMeter) SetJSONPaths(p JSONPaths) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = p
	m.format = FormatGeneric
}

// Begin implements Source.
func (m *MQTTMeter) Begin() error {
	log.Printf("Power meter: MQTT source ready (topic=%s, format=%s)", m.topic, m.Format())
	return nil
}

// Poll implements Source; data arrives via callbacks.
func (m *MQTTMeter) Poll() {}

// Topic returns the configured data topic.
func (m *MQTTMeter) Topic() string { return m.topic }

// LWTTopic returns the auto-derived last-will topic for the data topic.
func (m *MQTTMeter) LWTTopic() string { return DeriveLWTTopic(m.topic) }

// Format returns the active dialect (the latched one after
// auto-detection).
func (m *MQTTMeter) Format() Format {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.format
}

// Name implements Source; an MQTT meter is identified by its topic.
func (m *MQTTMeter) Name() string { return m.topic }

// LastError implements Source.
func (m *MQTTMeter) LastError() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Read implements Source.
func (m *MQTTMeter) Read() (Reading, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connectedLocked() {
		return Reading{}, false
	}
	return m.lastReading, true
}

// IsConnected implements Source.
func (m *MQTTMeter) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connectedLocked()
}

func (m *MQTTMeter) connectedLocked() bool {
	if !m.hasData {
		return false
	}
	fresh := m.now().Sub(m.lastUpdate) <= m.staleAfter
	return m.deviceOnline || fresh
}

// HandleLWT processes a payload from the last-will topic: Online/Offline
// or true/false, case-insensitive. Unknown payloads are ignored.
func (m *MQTTMeter) HandleLWT(payload []byte) {
	s := strings.ToLower(strings.TrimSpace(string(payload)))
	var online bool
	switch s {
	case "online", "true":
		online = true
	case "offline", "false":
		online = false
	default:
		return
	}

	m.mu.Lock()
	changed := m.deviceOnline != online
	m.deviceOnline = online
	m.mu.Unlock()
	if changed {
		state := "offline"
		if online {
			state = "online"
		}
		log.Printf("Power meter: device %s (LWT)", state)
	}
}

// HandleData parses one payload from the data topic.
func (m *MQTTMeter) HandleData(payload []byte) {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(payload, &doc); err != nil {
		m.mu.Lock()
		m.lastErr = fmt.Sprintf("JSON parse error: %v", err)
		m.mu.Unlock()
		log.Printf("Power meter: JSON parse error: %v", err)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reading := m.lastReading
	var parsed bool
	switch m.format {
	case FormatShelly:
		parsed = parseShelly(doc, &reading)
	case FormatTasmota:
		parsed = parseTasmota(doc, &reading)
	case FormatGeneric:
		parsed = parseGeneric(doc, m.paths, &reading)
	case FormatAuto:
		switch {
		case parseShelly(doc, &reading):
			m.format = FormatShelly
			parsed = true
			log.Printf("Power meter: auto-detected shelly format")
		case parseTasmota(doc, &reading):
			m.format = FormatTasmota
			parsed = true
			log.Printf("Power meter: auto-detected tasmota format")
		case parseSimple(doc, &reading):
			parsed = true
			log.Printf("Power meter: auto-detected simple JSON format")
		}
	}

	if !parsed {
		m.lastErr = "failed to parse power meter payload"
		return
	}

	reading.Timestamp = m.now()
	reading.Valid = true
	m.lastReading = reading
	m.lastUpdate = reading.Timestamp
	if !m.hasData {
		log.Printf("Power meter: connected (topic=%s, format=%s)", m.topic, m.format)
	}
	m.hasData = true
	m.lastErr = ""
}

// parseShelly handles the Shelly plug status payload: power and a
// Watt-minute counter under meters[0]. Voltage is not reported; assume a
// 230V mains and infer the current.
func parseShelly(doc map[string]json.RawMessage, r *Reading) bool {
	raw, ok := doc["meters"]
	if !ok {
		return false
	}
	var meters []struct {
		Power *float64 `json:"power"`
		Total *float64 `json:"total"`
	}
	if err := json.Unmarshal(raw, &meters); err != nil || len(meters) == 0 {
		return false
	}

	m := meters[0]
	if m.Power != nil {
		r.Power = float32(*m.Power)
	}
	if m.Total != nil {
		// Watt-minutes to kWh.
		r.EnergyImport = float32(*m.Total / 60000.0)
	}
	r.Voltage = 230.0
	if r.Power > 0 {
		r.Current = r.Power / r.Voltage
	}
	return true
}

// parseTasmota handles the Tasmota SENSOR payload's ENERGY object.
// Frequency defaults to 50Hz when absent.
func parseTasmota(doc map[string]json.RawMessage, r *Reading) bool {
	raw, ok := doc["ENERGY"]
	if !ok {
		return false
	}
	var energy struct {
		Power     *float64 `json:"Power"`
		Voltage   *float64 `json:"Voltage"`
		Current   *float64 `json:"Current"`
		Total     *float64 `json:"Total"`
		Factor    *float64 `json:"Factor"`
		Frequency *float64 `json:"Frequency"`
	}
	if err := json.Unmarshal(raw, &energy); err != nil {
		return false
	}

	if energy.Power != nil {
		r.Power = float32(*energy.Power)
	}
	if energy.Voltage != nil {
		r.Voltage = float32(*energy.Voltage)
	}
	if energy.Current != nil {
		r.Current = float32(*energy.Current)
	}
	if energy.Total != nil {
		r.EnergyImport = float32(*energy.Total)
	}
	if energy.Factor != nil {
		r.PowerFactor = float32(*energy.Factor)
	}
	if energy.Frequency != nil {
		r.Frequency = float32(*energy.Frequency)
	} else {
		r.Frequency = 50.0
	}
	return true
}

// parseGeneric extracts the configured top-level keys.
func parseGeneric(doc map[string]json.RawMessage, paths JSONPaths, r *Reading) bool {
	found := false
	found = extractFloat(doc, paths.Power, &r.Power) || found
	found = extractFloat(doc, paths.Voltage, &r.Voltage) || found
	found = extractFloat(doc, paths.Current, &r.Current) || found
	found = extractFloat(doc, paths.Energy, &r.EnergyImport) || found
	return found
}

// parseSimple extracts bare top-level power/voltage/current/energy keys.
func parseSimple(doc map[string]json.RawMessage, r *Reading) bool {
	found := false
	found = extractFloat(doc, "power", &r.Power) || found
	found = extractFloat(doc, "voltage", &r.Voltage) || found
	found = extractFloat(doc, "current", &r.Current) || found
	found = extractFloat(doc, "energy", &r.EnergyImport) || found
	return found
}

func extractFloat(doc map[string]json.RawMessage, key string, out *float32) bool {
	if key == "" {
		return false
	}
	raw, ok := doc[key]
	if !ok {
		return false
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	*out = float32(v)
	return true
}

// DeriveLWTTopic computes the last-will topic by replacing the last path
// segment of the data topic with "LWT" (tele/plug/SENSOR -> tele/plug/LWT).
func DeriveLWTTopic(topic string) string {
	idx := strings.LastIndex(topic, "/")
	if idx < 0 {
		return topic + "/LWT"
	}
	return topic[:idx+1] + "LWT"
}
