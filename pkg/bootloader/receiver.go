package bootloader

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"log"
	"time"

	"github.com/brewkit/brewcore/pkg/link"
)

// State is the receiver's position in the update pipeline. The only
// reverse transition is into StateFailed, which ends in a reset.
type State uint8

const (
	StateIdle State = iota
	StatePrepared
	StateReceiving
	StateValidated
	StateCopying
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePrepared:
		return "prepared"
	case StateReceiving:
		return "receiving"
	case StateValidated:
		return "validated"
	case StateCopying:
		return "copying"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config tunes the receiver timeouts and flash layout.
type Config struct {
	StagingOffset  int
	MaxImageSize   int
	ChunkTimeout   time.Duration // per-chunk wait
	OverallTimeout time.Duration // whole transfer
	CRCWait        time.Duration // wait for the optional expected-CRC packet

	// Trace receives a marker at each copy-phase step so a hung commit
	// can be diagnosed post-mortem.
	Trace func(phase string)
}

// DefaultConfig returns the stock timeouts and layout.
func DefaultConfig() Config {
	return Config{
		StagingOffset:  DefaultStagingOffset,
		MaxImageSize:   512 * 1024,
		ChunkTimeout:   5 * time.Second,
		OverallTimeout: 60 * time.Second,
		CRCWait:        2 * time.Second,
	}
}

// Receiver runs the controller side of a firmware update. The caller has
// already entered the safe state and taken the UART from the protocol
// layer (link.Handoff); the receiver owns the port exclusively until the
// device resets.
type Receiver struct {
	port  link.Port
	flash Flash
	wdt   Watchdog
	reset Resetter
	cfg   Config

	state     State
	received  int
	chunks    uint32
	crc       uint32
	primedCRC bool

	lastFeed time.Time
}

// NewReceiver creates a receiver over a handed-off port.
func NewReceiver(port link.Port, flash Flash, wdt Watchdog, reset Resetter, cfg Config) *Receiver {
	if cfg.ChunkTimeout == 0 {
		cfg.ChunkTimeout = 5 * time.Second
	}
	if cfg.OverallTimeout == 0 {
		cfg.OverallTimeout = 60 * time.Second
	}
	if cfg.CRCWait == 0 {
		cfg.CRCWait = 2 * time.Second
	}
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = flash.Size() - cfg.StagingOffset
	}
	return &Receiver{
		port:  port,
		flash: flash,
		wdt:   wdt,
		reset: reset,
		cfg:   cfg,
		state: StatePrepared,
	}
}

// State returns the current pipeline state.
func (r *Receiver) State() State { return r.state }

// ReceivedBytes returns the number of image bytes staged so far.
func (r *Receiver) ReceivedBytes() int { return r.received }

// Run executes reception, validation, and the atomic copy. On success it
// triggers the system reset and returns StateCopying. On any failure it
// sends the two-byte error response, drains the link to quiescence, and
// triggers a reset; normal operation is never resumed mid-update.
func (r *Receiver) Run() (State, error) {
	if err := r.port.SetReadTimeout(10 * time.Millisecond); err != nil {
		return r.fail(ErrCodeTimeout, fmt.Errorf("set read timeout: %w", err))
	}

	r.wdt.Enable(r.cfg.ChunkTimeout + 2*time.Second)
	log.Printf("Bootloader: reception loop started (chunk timeout %s)", r.cfg.ChunkTimeout)

	if err := r.receive(); err != nil {
		return r.state, err
	}
	if err := r.validate(); err != nil {
		return r.state, err
	}

	// Final ack before the copy: the sender waits for it and then leaves
	// the device alone while the copy and reset complete.
	r.write(AckByte, FinalAck2, FinalAck3)

	if err := r.copyToActive(); err != nil {
		return r.state, err
	}

	log.Printf("Bootloader: copy complete, resetting")
	r.reset.Reset(0)
	return r.state, nil
}

// receive stages chunks until the end-of-stream marker.
func (r *Receiver) receive() error {
	r.state = StateReceiving

	pageSize := r.flash.PageSize()
	sectorSize := r.flash.SectorSize()
	pageBuf := make([]byte, pageSize)
	pageFill := 0
	pageOffset := r.cfg.StagingOffset
	erasedSector := -1

	start := time.Now()
	var primedCRC bool

	flushPage := func(pad bool) error {
		if pageFill == 0 {
			return nil
		}
		if pad {
			for i := pageFill; i < pageSize; i++ {
				pageBuf[i] = 0xFF
			}
		}
		sector := pageOffset &^ (sectorSize - 1)
		r.wdt.Feed()
		if sector != erasedSector {
			if err := r.flash.EraseSector(sector); err != nil {
				_, ferr := r.fail(ErrCodeFlashErase, fmt.Errorf("stage erase: %w", err))
				return ferr
			}
			erasedSector = sector
		}
		r.wdt.Feed()
		if err := r.flash.ProgramPage(pageOffset, pageBuf); err != nil {
			_, ferr := r.fail(ErrCodeFlashWrite, fmt.Errorf("stage program: %w", err))
			return ferr
		}
		r.wdt.Feed()
		pageOffset += pageSize
		pageFill = 0
		return nil
	}

	for {
		r.wdt.Feed()
		if time.Since(start) > r.cfg.OverallTimeout {
			_, err := r.fail(ErrCodeTimeout, fmt.Errorf("overall transfer timeout after %s", r.cfg.OverallTimeout))
			return err
		}

		seq, size, end, primed, ok := r.readChunkHeader()
		if !ok {
			_, err := r.fail(ErrCodeTimeout, fmt.Errorf("chunk header timeout (expecting chunk %d)", r.chunks))
			return err
		}
		if end {
			primedCRC = primed
			break
		}

		if size == 0 || size > ChunkMaxSize || seq != r.chunks {
			_, err := r.fail(ErrCodeInvalidSize,
				fmt.Errorf("invalid chunk: seq=%d (expected %d) size=%d", seq, r.chunks, size))
			return err
		}
		if r.received+int(size) > r.cfg.MaxImageSize {
			_, err := r.fail(ErrCodeInvalidSize,
				fmt.Errorf("image exceeds %d bytes", r.cfg.MaxImageSize))
			return err
		}

		data := make([]byte, int(size))
		if !r.readFull(data, r.cfg.ChunkTimeout) {
			_, err := r.fail(ErrCodeChecksum, fmt.Errorf("chunk %d data timeout", seq))
			return err
		}
		csum, ok := r.readByte(r.cfg.ChunkTimeout)
		if !ok {
			_, err := r.fail(ErrCodeChecksum, fmt.Errorf("chunk %d checksum timeout", seq))
			return err
		}
		if csum != xor8(data) {
			_, err := r.fail(ErrCodeChecksum, fmt.Errorf("chunk %d checksum mismatch", seq))
			return err
		}

		// Stage the chunk through the page buffer and keep the running
		// CRC; the staging region is never read back for verification.
		off := 0
		for off < len(data) {
			n := copy(pageBuf[pageFill:], data[off:])
			pageFill += n
			off += n
			if pageFill == pageSize {
				if err := flushPage(false); err != nil {
					return err
				}
			}
		}
		r.crc = crc32.Update(r.crc, crc32.IEEETable, data)
		r.received += int(size)
		r.chunks++

		// Ack after the flash work so the sender never races a write.
		r.wdt.Feed()
		r.write(AckByte)
	}

	if err := flushPage(true); err != nil {
		return err
	}

	log.Printf("Bootloader: received %d bytes in %d chunks", r.received, r.chunks)
	r.primedCRC = primedCRC
	return nil
}

// validate checks the staged vector table and the expected CRC when the
// sender provides one. Nothing below the staging offset has been touched
// yet.
func (r *Receiver) validate() error {
	if r.received < vectorTableLen {
		_, err := r.fail(ErrCodeInvalidImage, fmt.Errorf("image too small: %d bytes", r.received))
		return err
	}

	head := make([]byte, vectorTableLen)
	if err := r.flash.ReadAt(r.cfg.StagingOffset, head); err != nil {
		_, ferr := r.fail(ErrCodeInvalidImage, fmt.Errorf("read staged vectors: %w", err))
		return ferr
	}
	if !validVectorTable(head) {
		sp := binary.LittleEndian.Uint32(head[0:])
		pc := binary.LittleEndian.Uint32(head[4:])
		_, err := r.fail(ErrCodeInvalidImage,
			fmt.Errorf("implausible vector table: SP=0x%08X PC=0x%08X", sp, pc))
		return err
	}

	expected, got := r.readExpectedCRC()
	if got {
		if expected != r.crc {
			_, err := r.fail(ErrCodeChecksum,
				fmt.Errorf("image CRC mismatch: running=0x%08X expected=0x%08X", r.crc, expected))
			return err
		}
		log.Printf("Bootloader: image CRC verified (0x%08X)", r.crc)
	} else {
		log.Printf("Bootloader: no expected CRC received, skipping verification")
	}

	r.state = StateValidated
	return nil
}

// copyToActive commits the staged image: pre-load to RAM, pad the tail
// sector, then erase+program the active region sector by sector. On
// hardware this routine and everything it calls live in RAM; here the
// trace markers mirror its per-phase UART breadcrumbs.
func (r *Receiver) copyToActive() error {
	r.state = StateCopying
	sectorSize := r.flash.SectorSize()
	pageSize := r.flash.PageSize()

	sectors := (r.received + sectorSize - 1) / sectorSize
	image := make([]byte, sectors*sectorSize)
	for i := r.received; i < len(image); i++ {
		image[i] = 0xFF
	}
	if err := r.flash.ReadAt(r.cfg.StagingOffset, image[:r.received]); err != nil {
		_, ferr := r.fail(ErrCodeFlashWrite, fmt.Errorf("preload staged image: %w", err))
		return ferr
	}

	for s := 0; s < sectors; s++ {
		base := ActiveOffset + s*sectorSize
		r.wdt.Feed()
		r.trace("pre-erase")
		if err := r.flash.EraseSector(base); err != nil {
			_, ferr := r.fail(ErrCodeFlashErase, fmt.Errorf("erase sector 0x%X: %w", base, err))
			return ferr
		}
		r.trace("post-erase")
		r.trace("pre-program")
		for p := 0; p < sectorSize; p += pageSize {
			if err := r.flash.ProgramPage(base+p, image[s*sectorSize+p:s*sectorSize+p+pageSize]); err != nil {
				_, ferr := r.fail(ErrCodeFlashWrite, fmt.Errorf("program page 0x%X: %w", base+p, err))
				return ferr
			}
		}
		r.trace("post-program")
		r.wdt.Feed()
	}
	return nil
}

func (r *Receiver) trace(phase string) {
	if r.cfg.Trace != nil {
		r.cfg.Trace(phase)
	}
}

// fail sends the two-byte error response, drains the link, and triggers
// the recovery reset. The staged image is left intact for the next
// attempt.
func (r *Receiver) fail(code ErrorCode, err error) (State, error) {
	log.Printf("Bootloader: %v", err)
	r.state = StateFailed
	r.write(ErrByte, byte(code))
	r.drainExit()
	r.reset.Reset(code)
	return r.state, err
}

// drainExit consumes whatever the sender is still streaming until the
// line has been quiet for 100 ms (bounded at 2 s overall) so stale bytes
// cannot be misparsed after the reset.
func (r *Receiver) drainExit() {
	buf := make([]byte, 256)
	start := time.Now()
	lastByte := start
	total := 0
	for time.Since(start) < 2*time.Second {
		r.wdt.Feed()
		n, err := r.port.Read(buf)
		if err != nil {
			break
		}
		if n > 0 {
			total += n
			lastByte = time.Now()
			continue
		}
		if time.Since(lastByte) > 100*time.Millisecond {
			break
		}
	}
	if total > 0 {
		log.Printf("Bootloader: drained %d bytes before exit", total)
	}
}

// readChunkHeader scans for a chunk or end-of-stream marker. It returns
// the sequence and size for a chunk, end=true for either end dialect, and
// primed=true when it consumed the first magic byte of a directly
// trailing CRC packet.
func (r *Receiver) readChunkHeader() (seq uint32, size uint16, end, primed, ok bool) {
	deadline := time.Now().Add(r.cfg.ChunkTimeout)
	for time.Now().Before(deadline) {
		r.wdt.Feed()
		b1, got := r.readByte(100 * time.Millisecond)
		if !got {
			continue
		}
		switch b1 {
		case Magic1:
			b2, got := r.readByte(100 * time.Millisecond)
			if !got || b2 != Magic2 {
				continue
			}
			var hdr [6]byte
			if !r.readFull(hdr[:], r.cfg.ChunkTimeout) {
				return 0, 0, false, false, false
			}
			seq = binary.LittleEndian.Uint32(hdr[0:])
			size = binary.LittleEndian.Uint16(hdr[4:])
			if seq == EndSequence {
				// End-chunk dialect: trailing bytes of the end frame are
				// drained by the CRC scan.
				return 0, 0, true, false, true
			}
			return seq, size, false, false, true
		case EndMagic1:
			b2, got := r.readByte(100 * time.Millisecond)
			if !got || b2 != EndMagic2 {
				continue
			}
			// Short-sentinel dialect. Peek one byte: silence confirms the
			// marker; a 0xAA is the first byte of the CRC packet magic.
			b3, got := r.readByte(200 * time.Millisecond)
			if !got {
				return 0, 0, true, false, true
			}
			if b3 == EndMagic1 {
				return 0, 0, true, true, true
			}
			return 0, 0, true, false, true
		}
	}
	return 0, 0, false, false, false
}

// readExpectedCRC waits for the optional 0xAA 0x55 CRC packet.
func (r *Receiver) readExpectedCRC() (uint32, bool) {
	deadline := time.Now().Add(r.cfg.CRCWait)
	primed := r.primedCRC
	for time.Now().Before(deadline) {
		r.wdt.Feed()
		if !primed {
			b1, got := r.readByte(100 * time.Millisecond)
			if !got || b1 != EndMagic1 {
				continue
			}
			primed = true
		}
		b2, got := r.readByte(200 * time.Millisecond)
		if !got {
			primed = false
			continue
		}
		if b2 != EndMagic2 {
			primed = false
			continue
		}
		var crcBytes [4]byte
		if !r.readFull(crcBytes[:], time.Second) {
			return 0, false
		}
		return binary.LittleEndian.Uint32(crcBytes[:]), true
	}
	return 0, false
}

// readByte reads one byte, feeding the watchdog while it waits.
func (r *Receiver) readByte(timeout time.Duration) (byte, bool) {
	deadline := time.Now().Add(timeout)
	var one [1]byte
	for {
		n, err := r.port.Read(one[:])
		if err != nil {
			return 0, false
		}
		if n == 1 {
			return one[0], true
		}
		if time.Since(r.lastFeed) > 100*time.Millisecond {
			r.wdt.Feed()
			r.lastFeed = time.Now()
		}
		if !time.Now().Before(deadline) {
			return 0, false
		}
	}
}

// readFull reads len(buf) bytes within the timeout.
func (r *Receiver) readFull(buf []byte, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for i := range buf {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		b, ok := r.readByte(remaining)
		if !ok {
			return false
		}
		buf[i] = b
	}
	return true
}

func (r *Receiver) write(bytes ...byte) {
	if _, err := r.port.Write(bytes); err != nil {
		log.Printf("Bootloader: write response: %v", err)
	}
}
