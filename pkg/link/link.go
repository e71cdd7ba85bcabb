// Package link drives the inter-MCU serial connection: it pumps received
// bytes through the protocol decoder into a frame channel and serializes
// outgoing frames onto the wire. It also owns the explicit UART handoff
// to the bootloader during an update.
package link

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brewkit/brewcore/pkg/protocol"
)

const (
	// DefaultBaudRate is the standard inter-MCU link speed.
	DefaultBaudRate = 921600
	// DefaultBufferSize is the frame channel depth.
	DefaultBufferSize = 64

	// readPollTimeout bounds each blocking read so the pump can observe
	// shutdown and inter-frame gaps.
	readPollTimeout = 20 * time.Millisecond
	// interFrameGap: a partial frame older than this is discarded.
	interFrameGap = 100 * time.Millisecond
	// drainQuiet: the RX line is considered drained after this long
	// without a byte.
	drainQuiet = 100 * time.Millisecond
	// drainLimit bounds the total handoff drain time.
	drainLimit = 2 * time.Second
)

// Port is the raw byte transport under the link: a real serial port or an
// in-memory pipe. Read must return (0, nil) when the read timeout expires
// with no data, matching serial-port semantics.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// Link frames traffic on a Port. A single reader goroutine feeds the
// decoder; Send is safe for concurrent use but the caller discipline
// remains single-writer per direction.
type Link struct {
	port Port
	enc  *protocol.Encoder
	dec  *protocol.Decoder

	frames chan protocol.Frame

	bootloaderActive atomic.Bool

	mu       sync.Mutex
	started  bool
	ctx      context.Context
	cancel   context.CancelFunc
	pumpDone chan struct{}
}

// New creates a link over the given port.
func New(port Port) *Link {
	ctx, cancel := context.WithCancel(context.Background())
	return &Link{
		port:     port,
		enc:      protocol.NewEncoder(port),
		dec:      protocol.NewDecoder(),
		frames:   make(chan protocol.Frame, DefaultBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		pumpDone: make(chan struct{}),
	}
}

// Start launches the receive pump.
func (l *Link) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return fmt.Errorf("link already started")
	}
	if err := l.port.SetReadTimeout(readPollTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	l.started = true
	go l.pump()
	return nil
}

// Frames returns the channel of decoded inbound frames.
func (l *Link) Frames() <-chan protocol.Frame {
	return l.frames
}

// Send encodes and writes one frame. It fails once the bootloader owns
// the UART.
func (l *Link) Send(op protocol.Opcode, payload []byte) error {
	if l.bootloaderActive.Load() {
		return fmt.Errorf("link: bootloader owns the UART")
	}
	return l.enc.Encode(op, payload)
}

// BootloaderActive reports whether the UART has been handed to the
// bootloader.
func (l *Link) BootloaderActive() bool {
	return l.bootloaderActive.Load()
}

// Handoff transfers UART ownership to the bootloader: it stops the
// receive pump, drains the RX line to quiescence, resets the decoder, and
// returns the raw port. After Handoff the link does not resume; a failed
// update ends in a process reset.
func (l *Link) Handoff() (Port, error) {
	if !l.bootloaderActive.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("link: handoff already performed")
	}
	l.cancel()

	l.mu.Lock()
	started := l.started
	l.mu.Unlock()
	if started {
		<-l.pumpDone
	}

	l.drain()
	l.dec.Reset()
	return l.port, nil
}

// Close stops the pump and closes the port.
func (l *Link) Close() error {
	l.cancel()
	l.mu.Lock()
	started := l.started
	l.started = false
	l.mu.Unlock()
	if started && !l.bootloaderActive.Load() {
		<-l.pumpDone
	}
	return l.port.Close()
}

// pump reads bytes and feeds the decoder until shutdown or handoff.
func (l *Link) pump() {
	defer close(l.pumpDone)

	buf := make([]byte, 256)
	lastByte := time.Now()
	midFrame := false

	for {
		select {
		case <-l.ctx.Done():
			return
		default:
		}

		n, err := l.port.Read(buf)
		if err != nil {
			if err != io.EOF {
				log.Printf("Link: read error: %v", err)
			}
			return
		}
		if n == 0 {
			// Poll timeout. Discard a stale partial frame so a torn
			// transmission cannot poison the next one.
			if midFrame && time.Since(lastByte) > interFrameGap {
				l.dec.Reset()
				midFrame = false
			}
			continue
		}

		lastByte = time.Now()
		for _, b := range buf[:n] {
			frame, ok := l.dec.Step(b)
			if !ok {
				midFrame = true
				continue
			}
			midFrame = false
			select {
			case l.frames <- frame:
			default:
				log.Printf("Link: frame channel full, dropping opcode 0x%02X", byte(frame.Opcode))
			}
		}
	}
}

// drain consumes RX bytes until the line has been quiet for drainQuiet,
// bounded by drainLimit overall.
func (l *Link) drain() {
	if err := l.port.SetReadTimeout(10 * time.Millisecond); err != nil {
		return
	}
	buf := make([]byte, 256)
	start := time.Now()
	lastByte := start
	total := 0
	for time.Since(start) < drainLimit {
		n, err := l.port.Read(buf)
		if err != nil {
			break
		}
		if n > 0 {
			total += n
			lastByte = time.Now()
			continue
		}
		if time.Since(lastByte) > drainQuiet {
			break
		}
	}
	if total > 0 {
		log.Printf("Link: drained %d bytes before handoff", total)
	}
}
