// The display process owns the network side of the machine: it ingests
// the controller's status stream, throttles publication through the
// change detector, feeds smart-plug power readings in over MQTT, and
// streams firmware updates to the controller bootloader.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/brewkit/brewcore/pkg/config"
	"github.com/brewkit/brewcore/pkg/link"
)

func main() {
	configPath := flag.String("config", "display.yaml", "configuration file")
	portName := flag.String("port", "", "serial port override")
	flashImage := flag.String("flash", "", "stream a firmware image to the controller and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Display: load config: %v", err)
	}
	if *portName != "" {
		cfg.Serial.Port = *portName
	}

	port, err := link.OpenSerial(cfg.Serial.Port, cfg.Serial.BaudRate)
	if err != nil {
		log.Fatalf("Display: open serial port: %v", err)
	}

	app, err := newApp(cfg, link.New(port))
	if err != nil {
		log.Fatalf("Display: init: %v", err)
	}

	if *flashImage != "" {
		if err := app.runOTA(*flashImage); err != nil {
			log.Fatalf("Display: firmware update failed: %v", err)
		}
		log.Printf("Display: firmware update complete, controller resetting")
		return
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	app.Run(sigs)
}
