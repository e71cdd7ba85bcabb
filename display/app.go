package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/brewkit/brewcore/pkg/bootloader"
	"github.com/brewkit/brewcore/pkg/config"
	"github.com/brewkit/brewcore/pkg/link"
	"github.com/brewkit/brewcore/pkg/nvs"
	"github.com/brewkit/brewcore/pkg/powermeter"
	"github.com/brewkit/brewcore/pkg/protocol"
	"github.com/brewkit/brewcore/pkg/status"
)

const (
	// commandTimeout bounds the wait for a command ack before a retry.
	commandTimeout = 500 * time.Millisecond
	// commandRetries: commands are idempotent, so retrying is safe.
	commandRetries = 3

	// heartbeatPeriod forces a publication even without changes so the
	// broker side can distinguish "quiet" from "gone".
	heartbeatPeriod = 60 * time.Second

	// controllerTimeout: no status frame for this long means the
	// controller link is down.
	controllerTimeout = 2 * time.Second
)

// app wires the display subsystems together.
type app struct {
	cfg  *config.Config
	link *link.Link

	client   mqtt.Client
	detector *status.ChangeDetector
	meters   *powermeter.Manager
	history  *powermeter.History

	snapshot   status.Snapshot
	lastStatus time.Time
	responses  chan protocol.Frame
}

func newApp(cfg *config.Config, l *link.Link) (*app, error) {
	store, err := nvs.NewFileStore(cfg.NVSDir)
	if err != nil {
		return nil, fmt.Errorf("open NVS store: %w", err)
	}

	a := &app{
		cfg:       cfg,
		link:      l,
		detector:  status.NewChangeDetector(),
		meters:    powermeter.NewManager(store),
		history:   powermeter.NewHistory(10 * time.Minute),
		responses: make(chan protocol.Frame, 8),
	}

	if err := a.meters.Begin(); err != nil {
		log.Printf("Display: power meter config: %v", err)
	}
	if cfg.PowerMeter.Source == "mqtt" && cfg.PowerMeter.MQTTTopic != "" {
		err := a.meters.ConfigureMQTT(cfg.PowerMeter.MQTTTopic, cfg.PowerMeter.MQTTFormat, cfg.PowerMeter.StaleAfter)
		if err != nil {
			log.Printf("Display: power meter mqtt config: %v", err)
		}
		if meter := a.meters.MQTT(); meter != nil && cfg.PowerMeter.MQTTFormat == "generic" {
			meter.SetJSONPaths(powermeter.JSONPaths{
				Power:   cfg.PowerMeter.GenericPath.Power,
				Voltage: cfg.PowerMeter.GenericPath.Voltage,
				Current: cfg.PowerMeter.GenericPath.Current,
				Energy:  cfg.PowerMeter.GenericPath.Energy,
			})
		}
	}

	a.setupMQTT()
	return a, nil
}

// setupMQTT connects to the broker and subscribes the power-meter
// topics. A broker outage is tolerated: the client reconnects on its own
// and the core keeps running on the serial link alone.
func (a *app) setupMQTT() {
	clientID := a.cfg.MQTT.ClientID
	if clientID == "" {
		clientID = "brewcore-display-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(a.cfg.MQTT.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c mqtt.Client) {
			log.Printf("Display: MQTT connected (%s)", a.cfg.MQTT.Broker)
			a.subscribePowerMeter(c)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("Display: MQTT connection lost: %v", err)
		})

	a.client = mqtt.NewClient(opts)
	if token := a.client.Connect(); token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("Display: MQTT connect: %v (will keep retrying)", token.Error())
	}
}

// subscribePowerMeter wires the data and last-will topics to the active
// MQTT meter.
func (a *app) subscribePowerMeter(c mqtt.Client) {
	meter := a.meters.MQTT()
	if meter == nil {
		return
	}

	dataTopic := meter.Topic()
	lwtTopic := meter.LWTTopic()

	if token := c.Subscribe(dataTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		meter.HandleData(msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Printf("Display: subscribe %s: %v", dataTopic, token.Error())
	}
	if token := c.Subscribe(lwtTopic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		meter.HandleLWT(msg.Payload())
	}); token.Wait() && token.Error() != nil {
		log.Printf("Display: subscribe %s: %v", lwtTopic, token.Error())
	}
	log.Printf("Display: power meter topics subscribed (%s, %s)", dataTopic, lwtTopic)
}

// Run drives the event loop until a stop signal.
func (a *app) Run(sigs <-chan os.Signal) {
	if err := a.link.Start(); err != nil {
		log.Fatalf("Display: start link: %v", err)
	}
	defer a.link.Close()

	// The ack routing happens in this loop, so the initial setpoint push
	// runs alongside it.
	go a.pushSetpoints()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	heartbeat := time.NewTicker(heartbeatPeriod)
	defer heartbeat.Stop()

	for {
		select {
		case <-sigs:
			log.Printf("Display: shutting down")
			if a.client.IsConnected() {
				a.client.Disconnect(250)
			}
			return
		case f := <-a.link.Frames():
			a.handleFrame(f)
		case <-tick.C:
			a.meters.Tick()
			a.mergePowerMeter()
			a.snapshot.ControllerConnected = time.Since(a.lastStatus) < controllerTimeout
			if a.detector.HasChanged(a.snapshot) {
				a.publish()
			}
		case <-heartbeat.C:
			a.publish()
		}
	}
}

// handleFrame routes inbound frames: responses to the command sender,
// status into the snapshot.
func (a *app) handleFrame(f protocol.Frame) {
	switch {
	case f.Opcode.IsResponse():
		select {
		case a.responses <- f:
		default:
		}
	case f.Opcode == protocol.StatusSensors:
		st, err := protocol.UnmarshalSensorStatus(f.Payload)
		if err != nil {
			log.Printf("Display: bad status frame: %v", err)
			return
		}
		a.applySensorStatus(st)
	case f.Opcode == protocol.StatusBoot:
		banner, err := protocol.UnmarshalBootBanner(f.Payload)
		if err != nil {
			log.Printf("Display: bad boot banner: %v", err)
			return
		}
		log.Printf("Display: controller rebooted (protocol v%d, cause %s, err %d)",
			banner.Version, banner.Cause, banner.BootloaderErr)
		a.detector.Reset()
	}
}

// applySensorStatus folds a controller status frame into the snapshot.
func (a *app) applySensorStatus(st protocol.SensorStatus) {
	a.lastStatus = time.Now()
	s := &a.snapshot

	if st.BrewValid {
		s.BrewTemp = st.BrewTemp
	}
	if st.SteamValid {
		s.SteamTemp = st.SteamTemp
	}
	if st.GroupValid {
		s.GroupTemp = st.GroupTemp
	}
	if st.PressureValid {
		s.Pressure = st.Pressure
	}
	s.BrewSetpoint = st.BrewSetpoint
	s.SteamSetpoint = st.SteamSetpoint
	s.IsHeating = st.Heating
	s.IsBrewing = st.Brewing
	s.WaterLow = st.WaterLevel < 50
	s.AlarmActive = st.SafeState
	s.AlarmCode = st.FaultCode
	s.ControllerConnected = true

	switch {
	case st.SafeState:
		s.MachineState = status.StateFault
	case st.Brewing:
		s.MachineState = status.StateBrewing
	case st.Heating && st.BrewDuty > 0:
		s.MachineState = status.StateHeating
	default:
		s.MachineState = status.StateReady
	}
}

// mergePowerMeter folds the latest power reading into the snapshot and
// the history window.
func (a *app) mergePowerMeter() {
	if reading, ok := a.meters.GetReading(); ok {
		a.snapshot.PowerWatts = reading.Power
		a.history.Add(reading)
	}
	a.snapshot.MqttConnected = a.client.IsConnected()
	a.snapshot.WifiConnected = a.client.IsConnected()
}

// publication is the JSON shape published to the status topic.
type publication struct {
	State         string  `json:"state"`
	BrewTemp      float32 `json:"brew_temp"`
	BrewSetpoint  float32 `json:"brew_setpoint"`
	SteamTemp     float32 `json:"steam_temp"`
	SteamSetpoint float32 `json:"steam_setpoint"`
	Pressure      float32 `json:"pressure"`
	PowerWatts    float32 `json:"power_watts"`
	TodayKwh      float32 `json:"today_kwh"`
	WaterLow      bool    `json:"water_low"`
	AlarmActive   bool    `json:"alarm_active"`
	AlarmCode     uint8   `json:"alarm_code,omitempty"`
	Controller    bool    `json:"controller_connected"`
	MeterName     string  `json:"meter_name,omitempty"`
	MeterOnline   bool    `json:"meter_online"`
}

// publish sends the current snapshot to the status topic.
func (a *app) publish() {
	if !a.client.IsConnected() {
		return
	}
	s := a.snapshot
	p := publication{
		State:         s.MachineState.String(),
		BrewTemp:      s.BrewTemp,
		BrewSetpoint:  s.BrewSetpoint,
		SteamTemp:     s.SteamTemp,
		SteamSetpoint: s.SteamSetpoint,
		Pressure:      s.Pressure,
		PowerWatts:    s.PowerWatts,
		TodayKwh:      a.meters.TodayKwh(),
		WaterLow:      s.WaterLow,
		AlarmActive:   s.AlarmActive,
		AlarmCode:     s.AlarmCode,
		Controller:    s.ControllerConnected,
		MeterName:     a.meters.MeterName(),
		MeterOnline:   a.meters.IsConnected(),
	}
	payload, err := json.Marshal(p)
	if err != nil {
		log.Printf("Display: marshal status: %v", err)
		return
	}
	a.client.Publish(a.cfg.MQTT.StatusTopic, 0, false, payload)
}

// pushSetpoints re-sends the configured setpoints after a controller
// (re)boot; commands are idempotent.
func (a *app) pushSetpoints() {
	if err := a.sendCommand(protocol.CmdSetBrewSetpoint,
		protocol.MarshalSetpoint(a.cfg.PID.Brew.Setpoint)); err != nil {
		log.Printf("Display: push brew setpoint: %v", err)
	}
	if err := a.sendCommand(protocol.CmdSetSteamSetpoint,
		protocol.MarshalSetpoint(a.cfg.PID.Steam.Setpoint)); err != nil {
		log.Printf("Display: push steam setpoint: %v", err)
	}
}

// sendCommand sends a command and waits for its ack, retrying on
// timeout.
func (a *app) sendCommand(op protocol.Opcode, payload []byte) error {
	lastErr := fmt.Errorf("command 0x%02X: no ack", byte(op))
	for attempt := 0; attempt < commandRetries; attempt++ {
		if err := a.link.Send(op, payload); err != nil {
			return err
		}
		select {
		case f := <-a.responses:
			if f.Opcode == protocol.RespAck {
				return nil
			}
			if f.Opcode == protocol.RespNak {
				code, _ := protocol.UnmarshalNak(f.Payload)
				return fmt.Errorf("command 0x%02X rejected (nak %d)", byte(op), code)
			}
		case <-time.After(commandTimeout):
			lastErr = fmt.Errorf("command 0x%02X: no ack after %s", byte(op), commandTimeout)
		}
	}
	return lastErr
}

// runOTA streams a firmware image: ask the controller into its
// bootloader, take the raw UART, and hand the image to the sender.
func (a *app) runOTA(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	if err := a.link.Start(); err != nil {
		return fmt.Errorf("start link: %w", err)
	}

	// Stop feeding the plug meter while the link is busy with firmware.
	a.meters.SetEnabled(false)

	// No main loop is running here, so route inbound frames (the ack for
	// the bootloader command) ourselves until the handoff.
	routerDone := make(chan struct{})
	go func() {
		for {
			select {
			case f := <-a.link.Frames():
				a.handleFrame(f)
			case <-routerDone:
				return
			}
		}
	}()

	err = a.sendCommand(protocol.CmdEnterBootloader, nil)
	close(routerDone)
	if err != nil {
		return fmt.Errorf("enter bootloader: %w", err)
	}

	port, err := a.link.Handoff()
	if err != nil {
		return fmt.Errorf("take uart: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	log.Printf("Display: streaming %d bytes of firmware", len(image))
	return bootloader.NewSender(port).Send(ctx, image)
}
