// Package config holds the YAML configuration for both device processes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Serial     SerialConfig     `yaml:"serial"`
	Machine    MachineConfig    `yaml:"machine"`
	PID        PIDConfig        `yaml:"pid"`
	Sensors    SensorConfig     `yaml:"sensors"`
	PowerMeter PowerMeterConfig `yaml:"power_meter"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	OTA        OTAConfig        `yaml:"ota"`
	NVSDir     string           `yaml:"nvs_dir"`
}

// SerialConfig contains the inter-MCU link configuration.
type SerialConfig struct {
	Port     string `yaml:"port"`
	BaudRate int    `yaml:"baud_rate"`
}

// MachineConfig selects the hardware variant.
type MachineConfig struct {
	Type string `yaml:"type"` // dual_boiler, hx, single_boiler
}

// Gains are one PID loop's parameters.
type Gains struct {
	Kp       float32 `yaml:"kp"`
	Ki       float32 `yaml:"ki"`
	Kd       float32 `yaml:"kd"`
	Setpoint float32 `yaml:"setpoint"`
}

// PIDConfig contains the per-boiler loop parameters.
type PIDConfig struct {
	Brew  Gains `yaml:"brew"`
	Steam Gains `yaml:"steam"`
}

// SensorConfig contains the probe calibration constants.
type SensorConfig struct {
	VRef        float32 `yaml:"vref"`
	NTCR25      float32 `yaml:"ntc_r25"`
	NTCBeta     float32 `yaml:"ntc_beta"`
	SeriesBrew  float32 `yaml:"series_brew"`
	SeriesSteam float32 `yaml:"series_steam"`
}

// GenericPaths configures the generic MQTT payload dialect.
type GenericPaths struct {
	Power   string `yaml:"power"`
	Voltage string `yaml:"voltage"`
	Current string `yaml:"current"`
	Energy  string `yaml:"energy"`
}

// PowerMeterConfig selects and parameterizes the power-meter source.
type PowerMeterConfig struct {
	Source      string        `yaml:"source"` // none, mqtt, modbus
	MQTTTopic   string        `yaml:"mqtt_topic"`
	MQTTFormat  string        `yaml:"mqtt_format"` // auto, shelly, tasmota, generic
	StaleAfter  time.Duration `yaml:"stale_after"`
	ModbusPort  string        `yaml:"modbus_port"`
	MeterIndex  int           `yaml:"meter_index"` // 255 = auto-detect
	GenericPath GenericPaths  `yaml:"generic_path"`
}

// MQTTConfig configures the display's broker connection.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"` // a random suffix is appended when empty
	StatusTopic string `yaml:"status_topic"`
}

// OTAConfig tunes the firmware-update pipeline.
type OTAConfig struct {
	ChunkTimeout   time.Duration `yaml:"chunk_timeout"`
	OverallTimeout time.Duration `yaml:"overall_timeout"`
	StagingOffset  int           `yaml:"staging_offset"`
}

// Default returns a default configuration with sensible values.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Port:     "/dev/ttyACM0",
			BaudRate: 921600,
		},
		Machine: MachineConfig{
			Type: "dual_boiler",
		},
		PID: PIDConfig{
			Brew:  Gains{Kp: 2.0, Ki: 0.1, Kd: 0.5, Setpoint: 93.0},
			Steam: Gains{Kp: 2.5, Ki: 0.05, Kd: 0.3, Setpoint: 140.0},
		},
		Sensors: SensorConfig{
			VRef:        3.3,
			NTCR25:      3300,
			NTCBeta:     3950,
			SeriesBrew:  3300,
			SeriesSteam: 3300,
		},
		PowerMeter: PowerMeterConfig{
			Source:     "none",
			MQTTFormat: "auto",
			StaleAfter: 60 * time.Second,
			MeterIndex: 255,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			StatusTopic: "espresso/status",
		},
		OTA: OTAConfig{
			ChunkTimeout:   5 * time.Second,
			OverallTimeout: 60 * time.Second,
			StagingOffset:  0x00180000,
		},
		NVSDir: "nvs",
	}
}

// Load loads configuration from a YAML file. If the file doesn't exist or
// fields are missing, it uses default values.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, return defaults
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Ensure minimum required fields are set (use defaults if missing)
	cfg.ensureDefaults()

	return cfg, nil
}

// Save saves the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ensureDefaults ensures that all required fields have default values if missing.
func (c *Config) ensureDefaults() {
	def := Default()

	if c.Serial.Port == "" {
		c.Serial.Port = def.Serial.Port
	}
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = def.Serial.BaudRate
	}

	if c.Machine.Type == "" {
		c.Machine.Type = def.Machine.Type
	}

	if c.PID.Brew.Setpoint == 0 {
		c.PID.Brew = def.PID.Brew
	}
	if c.PID.Steam.Setpoint == 0 {
		c.PID.Steam = def.PID.Steam
	}

	if c.Sensors.VRef == 0 {
		c.Sensors.VRef = def.Sensors.VRef
	}
	if c.Sensors.NTCR25 == 0 {
		c.Sensors.NTCR25 = def.Sensors.NTCR25
	}
	if c.Sensors.NTCBeta == 0 {
		c.Sensors.NTCBeta = def.Sensors.NTCBeta
	}
	if c.Sensors.SeriesBrew == 0 {
		c.Sensors.SeriesBrew = def.Sensors.SeriesBrew
	}
	if c.Sensors.SeriesSteam == 0 {
		c.Sensors.SeriesSteam = def.Sensors.SeriesSteam
	}

	if c.PowerMeter.Source == "" {
		c.PowerMeter.Source = def.PowerMeter.Source
	}
	if c.PowerMeter.MQTTFormat == "" {
		c.PowerMeter.MQTTFormat = def.PowerMeter.MQTTFormat
	}
	if c.PowerMeter.StaleAfter == 0 {
		c.PowerMeter.StaleAfter = def.PowerMeter.StaleAfter
	}
	if c.PowerMeter.MeterIndex == 0 {
		c.PowerMeter.MeterIndex = def.PowerMeter.MeterIndex
	}

	if c.MQTT.Broker == "" {
		c.MQTT.Broker = def.MQTT.Broker
	}
	if c.MQTT.StatusTopic == "" {
		c.MQTT.StatusTopic = def.MQTT.StatusTopic
	}

	if c.OTA.ChunkTimeout == 0 {
		c.OTA.ChunkTimeout = def.OTA.ChunkTimeout
	}
	if c.OTA.OverallTimeout == 0 {
		c.OTA.OverallTimeout = def.OTA.OverallTimeout
	}
	if c.OTA.StagingOffset == 0 {
		c.OTA.StagingOffset = def.OTA.StagingOffset
	}

	if c.NVSDir == "" {
		c.NVSDir = def.NVSDir
	}
}
