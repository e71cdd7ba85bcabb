package powermeter

import (
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

// SerialBus drives a Modbus meter through a host serial adapter. The
// RS-485 DE/RE pin maps to RTS; the TX/RX swap is delegated to an
// optional callback because a host adapter cannot re-route its own pins
// (on the device the PIO UART simply re-binds them).
type SerialBus struct {
	portName string

	mu      sync.Mutex
	port    serial.Port
	swapped bool

	// SwapFunc, when set, is invoked on orientation changes.
	SwapFunc func(swapped bool) error
}

var _ Bus = (*SerialBus)(nil)

// NewSerialBus creates a bus on the named serial port. The port is opened
// on the first Reconfigure.
func NewSerialBus(portName string) *SerialBus {
	return &SerialBus{portName: portName}
}

// Reconfigure implements Bus: reopen at the requested baud rate and apply
// the pin orientation.
func (b *SerialBus) Reconfigure(baud int, swapped bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.port != nil {
		if err := b.port.Close(); err != nil {
			log.Printf("Power meter: close bus port: %v", err)
		}
		b.port = nil
	}

	port, err := serial.Open(b.portName, &serial.Mode{BaudRate: baud})
	if err != nil {
		return fmt.Errorf("open %s @ %d baud: %w", b.portName, baud, err)
	}
	if err := port.SetReadTimeout(10 * time.Millisecond); err != nil {
		port.Close()
		return fmt.Errorf("set read timeout: %w", err)
	}
	b.port = port

	if swapped != b.swapped && b.SwapFunc != nil {
		if err := b.SwapFunc(swapped); err != nil {
			return fmt.Errorf("swap pins: %w", err)
		}
	}
	b.swapped = swapped
	return nil
}

// Write implements Bus.
func (b *SerialBus) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return 0, fmt.Errorf("bus not configured")
	}
	return b.port.Write(p)
}

// ReadByte implements Bus.
func (b *SerialBus) ReadByte(timeout time.Duration) (byte, bool) {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return 0, false
	}

	deadline := time.Now().Add(timeout)
	var one [1]byte
	for {
		n, err := port.Read(one[:])
		if err != nil {
			return 0, false
		}
		if n == 1 {
			return one[0], true
		}
		if !time.Now().Before(deadline) {
			return 0, false
		}
	}
}

// SetDirection implements Bus: RTS drives the transceiver DE/RE pair,
// with a settling delay on the receive-to-transmit turn.
func (b *SerialBus) SetDirection(transmit bool) {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return
	}
	if err := port.SetRTS(transmit); err != nil {
		log.Printf("Power meter: set RTS: %v", err)
		return
	}
	if transmit {
		time.Sleep(100 * time.Microsecond)
	}
}

// Drain implements Bus.
func (b *SerialBus) Drain() {
	for {
		if _, ok := b.ReadByte(0); !ok {
			return
		}
	}
}

// Close releases the serial port.
func (b *SerialBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}
