package main

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/brewkit/brewcore/pkg/bootloader"
	"github.com/brewkit/brewcore/pkg/config"
	"github.com/brewkit/brewcore/pkg/link"
	"github.com/brewkit/brewcore/pkg/nvs"
	"github.com/brewkit/brewcore/pkg/pid"
	"github.com/brewkit/brewcore/pkg/powermeter"
	"github.com/brewkit/brewcore/pkg/protocol"
	"github.com/brewkit/brewcore/pkg/safety"
	"github.com/brewkit/brewcore/pkg/sensor"
)

// statusPeriod is the unsolicited sensor status cadence.
const statusPeriod = 100 * time.Millisecond

// resetCauseKey stores the previous exit cause for the boot banner.
const resetCauseKey = "reset_cause"

type storedResetCause struct {
	Cause uint8 `yaml:"cause"`
	Err   uint8 `yaml:"err"`
}

// device wires the controller subsystems together.
type device struct {
	cfg   *config.Config
	store nvs.Store
	link  *link.Link

	machine  sensor.MachineType
	sampler  *sensor.Sampler
	sim      *sensor.SimInputs
	brewPID  *pid.Controller
	steamPID *pid.Controller
	lock     *safety.Interlock

	heatingMode atomic.Uint32
	brewing     atomic.Bool
	pumpOn      atomic.Bool

	meter       atomic.Pointer[powermeter.ModbusMeter]
	meterOn     atomic.Bool
	pendingSave atomic.Bool

	flash *bootloader.MemFlash
	wdt   *bootloader.SoftWatchdog

	exitCode  atomic.Uint32
	stop      chan struct{}
	loopsDone chan struct{}
}

func newDevice(cfg *config.Config, store nvs.Store, l *link.Link, simulate bool) (*device, error) {
	machine, err := parseMachineType(cfg.Machine.Type)
	if err != nil {
		return nil, err
	}

	sim := sensor.NewSimInputs()
	if simulate {
		// Plausible idle machine so the loops have data from the first
		// tick.
		sim.SetNTCTemp(0, 25)
		sim.SetNTCTemp(1, 25)
		sim.SetADC(2, 400)
		sim.SetPin(3, true)
	}

	pins := sensor.Pins{
		ADCBrewNTC: 0, ADCSteamNTC: 1, ADCPressure: 2,
		ADC5VMonitor: -1, PinWaterMode: -1, PinTankLevel: 3, PinSteamLevel: 4,
	}
	ntc := sensor.NTCParams{
		VRef:        cfg.Sensors.VRef,
		SeriesBrew:  cfg.Sensors.SeriesBrew,
		SeriesSteam: cfg.Sensors.SeriesSteam,
		R25:         cfg.Sensors.NTCR25,
		Beta:        cfg.Sensors.NTCBeta,
	}

	d := &device{
		cfg:       cfg,
		store:     store,
		link:      l,
		machine:   machine,
		sim:       sim,
		sampler:   sensor.NewSampler(sim, pins, machine, ntc),
		brewPID:   pid.New(cfg.PID.Brew.Kp, cfg.PID.Brew.Ki, cfg.PID.Brew.Kd, cfg.PID.Brew.Setpoint),
		steamPID:  pid.New(cfg.PID.Steam.Kp, cfg.PID.Steam.Ki, cfg.PID.Steam.Kd, cfg.PID.Steam.Setpoint),
		lock:      safety.New(safety.DefaultLimits()),
		flash:     bootloader.NewMemFlash(0, 0, 0),
		stop:      make(chan struct{}),
		loopsDone: make(chan struct{}, 2),
	}
	d.heatingMode.Store(uint32(protocol.HeatingBoth))
	d.wdt = bootloader.NewSoftWatchdog(func() {
		log.Printf("Controller: watchdog starved, forcing reset")
		d.saveResetCause(protocol.ResetWatchdog, 0)
		os.Exit(int(protocol.ResetWatchdog))
	})
	return d, nil
}

// Run starts both loops and blocks until a stop signal or a
// reset-causing event. It returns the exit code byte.
func (d *device) Run(sigs <-chan os.Signal) uint8 {
	if err := d.link.Start(); err != nil {
		log.Fatalf("Controller: start link: %v", err)
	}
	d.sendBootBanner()

	go d.controlLoop()
	go d.appLoop()

	<-sigs
	close(d.stop)
	d.saveResetCause(protocol.ResetOK, 0)
	return uint8(d.exitCode.Load())
}

// controlLoop is the control-core stand-in: sample, regulate, gate, emit.
func (d *device) controlLoop() {
	ticker := time.NewTicker(statusPeriod)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-d.stop:
			d.loopsDone <- struct{}{}
			return
		case now := <-ticker.C:
			if d.link.BootloaderActive() {
				// Parked: the bootloader owns the device until reset.
				continue
			}
			dt := float32(now.Sub(last).Seconds())
			last = now

			reading := d.sampler.Read()

			mode := protocol.HeatingMode(d.heatingMode.Load())
			var out safety.Outputs
			if reading.BrewTemp.Valid && (mode == protocol.HeatingBrewOnly || mode == protocol.HeatingBoth) {
				out.BrewDuty = d.brewPID.Compute(reading.BrewTemp.Value, dt)
			}
			if reading.SteamTemp.Valid && (mode == protocol.HeatingSteamOnly || mode == protocol.HeatingBoth) {
				out.SteamDuty = d.steamPID.Compute(reading.SteamTemp.Value, dt)
			}
			out.PumpEnabled = d.pumpOn.Load()

			fault := d.sampler.BrewFault() || d.sampler.SteamFault()
			out = d.lock.Gate(out, reading, fault)

			d.wdt.Feed()
			d.emitStatus(reading, out)
		}
	}
}

// appLoop is the app-core stand-in: command dispatch and power-meter
// polling.
func (d *device) appLoop() {
	pollTicker := time.NewTicker(time.Second)
	defer pollTicker.Stop()

	for {
		select {
		case <-d.stop:
			d.loopsDone <- struct{}{}
			return
		case frame, ok := <-d.link.Frames():
			if !ok {
				return
			}
			d.handleFrame(frame)
		case <-pollTicker.C:
			if meter := d.meter.Load(); meter != nil && d.meterOn.Load() {
				meter.Poll()
			}
			if d.pendingSave.CompareAndSwap(true, false) {
				d.savePowerMeterConfig()
			}
		}
	}
}

// handleFrame dispatches one command frame. Commands are idempotent so
// display-side retries are harmless.
func (d *device) handleFrame(f protocol.Frame) {
	if !f.Opcode.IsCommand() {
		return
	}

	switch f.Opcode {
	case protocol.CmdSetBrewSetpoint:
		d.handleSetpoint(f.Payload, d.brewPID, d.machine.HasBrewNTC())
	case protocol.CmdSetSteamSetpoint:
		d.handleSetpoint(f.Payload, d.steamPID, d.machine.HasSteamNTC())
	case protocol.CmdSetHeatingMode:
		if len(f.Payload) != 1 || f.Payload[0] > byte(protocol.HeatingBoth) {
			d.nak(protocol.NakBadPayload)
			return
		}
		d.heatingMode.Store(uint32(f.Payload[0]))
		d.ack()
	case protocol.CmdSetComponent:
		d.handleComponent(f.Payload)
	case protocol.CmdGetConfig:
		d.sendConfig()
	case protocol.CmdPowerMeter:
		d.handlePowerMeter(f.Payload)
	case protocol.CmdEnterBootloader:
		d.enterBootloader()
	case protocol.CmdReset:
		d.ack()
		d.saveResetCause(protocol.ResetOK, 0)
		os.Exit(int(protocol.ResetOK))
	default:
		d.nak(protocol.NakUnknownCommand)
	}
}

func (d *device) handleSetpoint(payload []byte, ctl *pid.Controller, present bool) {
	s, err := protocol.UnmarshalSetpoint(payload)
	if err != nil {
		d.nak(protocol.NakBadPayload)
		return
	}
	if !present {
		d.nak(protocol.NakOutOfRange)
		return
	}
	if err := ctl.SetSetpoint(s); err != nil {
		log.Printf("Controller: setpoint rejected: %v", err)
		d.nak(protocol.NakOutOfRange)
		return
	}
	d.ack()
}

func (d *device) handleComponent(payload []byte) {
	comp, enabled, err := protocol.UnmarshalComponent(payload)
	if err != nil {
		d.nak(protocol.NakBadPayload)
		return
	}
	switch comp {
	case protocol.ComponentPump:
		d.pumpOn.Store(enabled)
		d.brewing.Store(enabled)
	case protocol.ComponentBrewBoiler, protocol.ComponentSteamBoiler:
		// Folded into the heating mode; enable commands are idempotent.
	case protocol.ComponentPowerMeter:
		d.meterOn.Store(enabled)
	default:
		d.nak(protocol.NakBadPayload)
		return
	}
	d.ack()
}

// handlePowerMeter configures the Modbus meter. Auto-detection blocks for
// seconds, so it runs off the command path, never at boot.
func (d *device) handlePowerMeter(payload []byte) {
	cmd, err := protocol.UnmarshalPowerMeter(payload)
	if err != nil {
		d.nak(protocol.NakBadPayload)
		return
	}
	if !cmd.Enabled {
		d.meterOn.Store(false)
		d.pendingSave.Store(true)
		d.ack()
		return
	}
	if d.cfg.PowerMeter.ModbusPort == "" {
		d.nak(protocol.NakOutOfRange)
		return
	}

	d.ack()
	go func() {
		bus := powermeter.NewSerialBus(d.cfg.PowerMeter.ModbusPort)
		meter := powermeter.NewModbusMeter(bus, cmd.MeterIndex)
		if err := meter.Begin(); err != nil {
			log.Printf("Controller: power meter init failed: %v", err)
			return
		}
		d.meter.Store(meter)
		d.meterOn.Store(true)
		d.pendingSave.Store(true)
	}()
}

func (d *device) savePowerMeterConfig() {
	meter := d.meter.Load()
	if meter == nil {
		return
	}
	rec := struct {
		Enabled    bool  `yaml:"enabled"`
		MeterIndex uint8 `yaml:"meter_index"`
		Swapped    bool  `yaml:"swapped"`
	}{
		Enabled:    d.meterOn.Load(),
		MeterIndex: meter.MeterIndex(),
		Swapped:    meter.Swapped(),
	}
	if err := d.store.Save("modbus_meter", rec); err != nil {
		log.Printf("Controller: save power meter config: %v", err)
	}
}

// enterBootloader performs the handoff sequence: ack, safe state, drain,
// decoder reset, flag, then the receiver owns the UART until reset.
func (d *device) enterBootloader() {
	d.ack()
	log.Printf("Controller: entering bootloader, heaters off")
	d.lock.EnterSafeState()
	d.meterOn.Store(false)

	port, err := d.link.Handoff()
	if err != nil {
		log.Printf("Controller: handoff failed: %v", err)
		return
	}

	cfg := bootloader.DefaultConfig()
	cfg.ChunkTimeout = d.cfg.OTA.ChunkTimeout
	cfg.OverallTimeout = d.cfg.OTA.OverallTimeout
	cfg.StagingOffset = d.cfg.OTA.StagingOffset
	cfg.Trace = func(phase string) { log.Printf("Bootloader: %s", phase) }

	recv := bootloader.NewReceiver(port, d.flash, d.wdt, resetterFunc(func(code bootloader.ErrorCode) {
		if code == 0 {
			d.saveResetCause(protocol.ResetOK, 0)
			os.Exit(int(protocol.ResetOK))
		}
		d.saveResetCause(protocol.ResetBootloaderFail, uint8(code))
		os.Exit(int(protocol.ResetBootloaderFail))
	}), cfg)

	if _, err := recv.Run(); err != nil {
		// The resetter exits the process; reaching here means it was not
		// invoked, which only happens in tests.
		log.Printf("Controller: bootloader: %v", err)
	}
}

// emitStatus packs and sends one unsolicited sensor snapshot.
func (d *device) emitStatus(r sensor.Reading, out safety.Outputs) {
	mode := protocol.HeatingMode(d.heatingMode.Load())
	st := protocol.SensorStatus{
		BrewSetpoint:  d.brewPID.Setpoint(),
		SteamSetpoint: d.steamPID.Setpoint(),
		WaterLevel:    r.WaterLevel,
		BrewDuty:      uint8(out.BrewDuty),
		SteamDuty:     uint8(out.SteamDuty),
		Heating:       mode != protocol.HeatingOff && !d.lock.InSafeState(),
		Brewing:       d.brewing.Load(),
		SafeState:     d.lock.InSafeState(),
		FaultCode:     d.lock.FaultCode(),
	}
	if r.BrewTemp.Valid {
		st.BrewTemp = r.BrewTemp.Value
		st.BrewValid = true
	}
	if r.SteamTemp.Valid {
		st.SteamTemp = r.SteamTemp.Value
		st.SteamValid = true
	}
	if r.GroupTemp.Valid {
		st.GroupTemp = r.GroupTemp.Value
		st.GroupValid = true
	}
	if r.Pressure.Valid {
		st.Pressure = r.Pressure.Value
		st.PressureValid = true
	}

	if err := d.link.Send(protocol.StatusSensors, protocol.MarshalSensorStatus(st)); err != nil {
		if !d.link.BootloaderActive() {
			log.Printf("Controller: status send: %v", err)
		}
	}
}

// sendBootBanner reports the previous reset cause to the display.
func (d *device) sendBootBanner() {
	var prev storedResetCause
	if err := d.store.Load(resetCauseKey, &prev); err != nil && err != nvs.ErrNotFound {
		log.Printf("Controller: load reset cause: %v", err)
	}
	banner := protocol.BootBanner{
		Version:       protocol.Version,
		Cause:         protocol.ResetCause(prev.Cause),
		BootloaderErr: prev.Err,
	}
	if err := d.link.Send(protocol.StatusBoot, protocol.MarshalBootBanner(banner)); err != nil {
		log.Printf("Controller: boot banner send: %v", err)
	}
	// Assume a clean exit until something records otherwise.
	d.saveResetCause(protocol.ResetOK, 0)
}

func (d *device) saveResetCause(cause protocol.ResetCause, errCode uint8) {
	rec := storedResetCause{Cause: uint8(cause), Err: errCode}
	if err := d.store.Save(resetCauseKey, rec); err != nil {
		log.Printf("Controller: save reset cause: %v", err)
	}
}

func (d *device) sendConfig() {
	payload := append(protocol.MarshalSetpoint(d.brewPID.Setpoint()),
		protocol.MarshalSetpoint(d.steamPID.Setpoint())...)
	if err := d.link.Send(protocol.RespConfig, payload); err != nil {
		log.Printf("Controller: config send: %v", err)
	}
}

func (d *device) ack() {
	if err := d.link.Send(protocol.RespAck, nil); err != nil {
		log.Printf("Controller: ack send: %v", err)
	}
}

func (d *device) nak(code protocol.NakCode) {
	if err := d.link.Send(protocol.RespNak, protocol.MarshalNak(code)); err != nil {
		log.Printf("Controller: nak send: %v", err)
	}
}

// resetterFunc adapts a func to the bootloader.Resetter interface.
type resetterFunc func(code bootloader.ErrorCode)

func (f resetterFunc) Reset(code bootloader.ErrorCode) { f(code) }

func parseMachineType(s string) (sensor.MachineType, error) {
	switch s {
	case "dual_boiler", "":
		return sensor.MachineDualBoiler, nil
	case "hx":
		return sensor.MachineHX, nil
	case "single_boiler":
		return sensor.MachineSingleBoiler, nil
	default:
		return 0, fmt.Errorf("unknown machine type %q", s)
	}
}
