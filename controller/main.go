// The controller process owns the boilers, pumps, sensors, and the local
// Modbus power meter. It mirrors the two-core firmware split: a control
// loop (sampling, PID, safety, status emission) and an app loop (command
// dispatch, power-meter polling, bootloader entry).
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brewkit/brewcore/pkg/config"
	"github.com/brewkit/brewcore/pkg/link"
	"github.com/brewkit/brewcore/pkg/nvs"
	"github.com/brewkit/brewcore/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "controller.yaml", "configuration file")
	portName := flag.String("port", "", "serial port override")
	simulate := flag.Bool("sim", false, "simulate sensors instead of reading hardware")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Controller: load config: %v", err)
	}
	if *portName != "" {
		cfg.Serial.Port = *portName
	}

	store, err := nvs.NewFileStore(cfg.NVSDir)
	if err != nil {
		log.Fatalf("Controller: open NVS store: %v", err)
	}

	port, err := link.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
	if err != nil {
		log.Fatalf("Controller: open serial port: %v", err)
	}

	dev, err := newDevice(cfg, store, link.New(port), *simulate)
	if err != nil {
		log.Fatalf("Controller: init: %v", err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	code := dev.Run(sigs)
	log.Printf("Controller: exiting (%s)", protocol.ResetCause(code))
	os.Exit(int(code))
}
