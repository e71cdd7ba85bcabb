package bootloader

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"github.com/brewkit/brewcore/pkg/link"
)

// Sender streams a firmware image to the controller bootloader: sequenced
// chunks with per-chunk acks, the end-of-stream marker, the expected-CRC
// trailer, and the final three-byte ack.
type Sender struct {
	port       link.Port
	chunkSize  int
	ackTimeout time.Duration
}

// ErrNak is returned when the receiver reports an error code; unwrap the
// message for the code.
var ErrNak = errors.New("bootloader: receiver reported error")

// NewSender creates a sender over a raw port.
func NewSender(port link.Port) *Sender {
	return &Sender{
		port:       port,
		chunkSize:  ChunkMaxSize,
		ackTimeout: 10 * time.Second,
	}
}

// Send streams the whole image and waits for the final ack. On hardware
// the device resets immediately afterwards, so the caller should expect
// the link to drop.
func (s *Sender) Send(ctx context.Context, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("bootloader: empty image")
	}
	if err := s.port.SetReadTimeout(10 * time.Millisecond); err != nil {
		return fmt.Errorf("bootloader: set read timeout: %w", err)
	}

	var seq uint32
	for off := 0; off < len(image); off += s.chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := off + s.chunkSize
		if end > len(image) {
			end = len(image)
		}
		if _, err := s.port.Write(marshalChunk(seq, image[off:end])); err != nil {
			return fmt.Errorf("bootloader: write chunk %d: %w", seq, err)
		}
		if err := s.awaitAck(ctx); err != nil {
			return fmt.Errorf("chunk %d: %w", seq, err)
		}
		seq++
	}
	log.Printf("Bootloader sender: %d chunks streamed (%d bytes)", seq, len(image))

	if _, err := s.port.Write(marshalEndMarker()); err != nil {
		return fmt.Errorf("bootloader: write end marker: %w", err)
	}
	// Give the receiver's end-marker peek window a moment so the CRC
	// packet magic is not folded into it.
	time.Sleep(250 * time.Millisecond)

	crc := crc32.ChecksumIEEE(image)
	if _, err := s.port.Write(marshalCRCPacket(crc)); err != nil {
		return fmt.Errorf("bootloader: write crc packet: %w", err)
	}

	if err := s.awaitFinalAck(ctx); err != nil {
		return err
	}
	log.Printf("Bootloader sender: transfer complete (CRC 0x%08X)", crc)
	return nil
}

// awaitAck waits for the one-byte chunk ack or an error response.
func (s *Sender) awaitAck(ctx context.Context) error {
	b, err := s.readByte(ctx, s.ackTimeout)
	if err != nil {
		return err
	}
	switch b {
	case AckByte:
		return nil
	case ErrByte:
		code, err := s.readByte(ctx, time.Second)
		if err != nil {
			return fmt.Errorf("%w: code unreadable", ErrNak)
		}
		return fmt.Errorf("%w: %s", ErrNak, ErrorCode(code))
	default:
		return fmt.Errorf("bootloader: unexpected ack byte 0x%02X", b)
	}
}

// awaitFinalAck waits for 0xAA 0x55 0x00.
func (s *Sender) awaitFinalAck(ctx context.Context) error {
	deadline := time.Now().Add(s.ackTimeout)
	for time.Now().Before(deadline) {
		b, err := s.readByte(ctx, time.Until(deadline))
		if err != nil {
			return err
		}
		if b == ErrByte {
			code, cerr := s.readByte(ctx, time.Second)
			if cerr != nil {
				return fmt.Errorf("%w: code unreadable", ErrNak)
			}
			return fmt.Errorf("%w: %s", ErrNak, ErrorCode(code))
		}
		if b != AckByte {
			continue
		}
		b2, err := s.readByte(ctx, time.Second)
		if err != nil || b2 != FinalAck2 {
			continue
		}
		b3, err := s.readByte(ctx, time.Second)
		if err != nil {
			return err
		}
		if b3 == FinalAck3 {
			return nil
		}
	}
	return fmt.Errorf("bootloader: final ack timeout")
}

// readByte reads one byte with a deadline, honoring context cancellation.
func (s *Sender) readByte(ctx context.Context, timeout time.Duration) (byte, error) {
	deadline := time.Now().Add(timeout)
	var one [1]byte
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		n, err := s.port.Read(one[:])
		if err != nil {
			return 0, fmt.Errorf("bootloader: read: %w", err)
		}
		if n == 1 {
			return one[0], nil
		}
		if !time.Now().Before(deadline) {
			return 0, fmt.Errorf("bootloader: ack timeout")
		}
	}
}
