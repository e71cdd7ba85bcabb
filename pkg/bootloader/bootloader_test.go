package bootloader

import (
	"context"
	"encoding/binary"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewkit/brewcore/pkg/link"
)

// fakeWatchdog counts feeds.
type fakeWatchdog struct {
	mu      sync.Mutex
	feeds   int
	enabled time.Duration
}

func (w *fakeWatchdog) Enable(t time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enabled = t
}

func (w *fakeWatchdog) Feed() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feeds++
}

func (w *fakeWatchdog) Feeds() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.feeds
}

// fakeResetter records the reset cause.
type fakeResetter struct {
	mu     sync.Mutex
	called bool
	code   ErrorCode
}

func (r *fakeResetter) Reset(code ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.called = true
	r.code = code
}

func (r *fakeResetter) Called() (bool, ErrorCode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.called, r.code
}

// testImage builds an image with a plausible Cortex-M vector table.
func testImage(size int) []byte {
	img := make([]byte, size)
	binary.LittleEndian.PutUint32(img[0:], 0x20040000) // SP in SRAM
	binary.LittleEndian.PutUint32(img[4:], 0x10000201) // PC in flash
	for i := 8; i < size; i++ {
		img[i] = byte(i * 7)
	}
	return img
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkTimeout = 500 * time.Millisecond
	cfg.OverallTimeout = 5 * time.Second
	cfg.CRCWait = time.Second
	return cfg
}

// runReceiver starts a receiver on one pipe end and returns its result
// channel.
func runReceiver(t *testing.T, port link.Port, flash Flash, cfg Config) (*Receiver, *fakeResetter, *fakeWatchdog, chan error) {
	t.Helper()
	wdt := &fakeWatchdog{}
	rst := &fakeResetter{}
	r := NewReceiver(port, flash, wdt, rst, cfg)
	done := make(chan error, 1)
	go func() {
		_, err := r.Run()
		done <- err
	}()
	return r, rst, wdt, done
}

func TestXor8(t *testing.T) {
	assert.Equal(t, byte(0), xor8(nil))
	assert.Equal(t, byte(0x55), xor8([]byte{0x55}))
	assert.Equal(t, byte(0x00), xor8([]byte{0xAA, 0xAA}))
	assert.Equal(t, byte(0x0F), xor8([]byte{0x03, 0x0C}))
}

func TestMarshalChunkLayout(t *testing.T) {
	chunk := marshalChunk(0x01020304, []byte{0xDE, 0xAD})
	assert.Equal(t, []byte{0x55, 0xAA, 0x04, 0x03, 0x02, 0x01, 0x02, 0x00, 0xDE, 0xAD, 0xDE ^ 0xAD}, chunk)
}

func TestValidVectorTable(t *testing.T) {
	tests := []struct {
		name string
		sp   uint32
		pc   uint32
		want bool
	}{
		{name: "plausible image", sp: 0x20040000, pc: 0x10000201, want: true},
		{name: "SP not in SRAM", sp: 0x00000000, pc: 0x10000201, want: false},
		{name: "PC not in flash", sp: 0x20040000, pc: 0x20000201, want: false},
		{name: "erased flash", sp: 0xFFFFFFFF, pc: 0xFFFFFFFF, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := make([]byte, 8)
			binary.LittleEndian.PutUint32(img[0:], tt.sp)
			binary.LittleEndian.PutUint32(img[4:], tt.pc)
			assert.Equal(t, tt.want, validVectorTable(img))
		})
	}
	assert.False(t, validVectorTable([]byte{1, 2, 3}), "truncated image")
}

func TestHappyPathFourKiB(t *testing.T) {
	image := testImage(4096)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, rst, wdt, done := runReceiver(t, b, flash, testConfig())

	sender := NewSender(a)
	require.NoError(t, sender.Send(context.Background(), image))

	require.NoError(t, <-done)

	// Staged copy intact.
	staged := make([]byte, len(image))
	require.NoError(t, flash.ReadAt(DefaultStagingOffset, staged))
	assert.Equal(t, image, staged)

	// Active region committed.
	active := make([]byte, len(image))
	require.NoError(t, flash.ReadAt(ActiveOffset, active))
	assert.Equal(t, image, active)

	called, code := rst.Called()
	assert.True(t, called, "success ends in a reset")
	assert.Equal(t, ErrorCode(0), code)
	assert.Greater(t, wdt.Feeds(), 0, "watchdog must be fed during the transfer")
}

func TestUnalignedImagePaddedWithFF(t *testing.T) {
	// 1000 bytes: the tail of the last page and sector must be 0xFF.
	image := testImage(1000)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, _, _, done := runReceiver(t, b, flash, testConfig())

	require.NoError(t, NewSender(a).Send(context.Background(), image))
	require.NoError(t, <-done)

	active := make([]byte, 4096)
	require.NoError(t, flash.ReadAt(ActiveOffset, active))
	assert.Equal(t, image, active[:1000])
	for i := 1000; i < 4096; i++ {
		require.Equal(t, byte(0xFF), active[i], "pad byte %d", i)
	}
}

func TestSequenceGapRejected(t *testing.T) {
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, rst, _, done := runReceiver(t, b, flash, testConfig())

	payload := testImage(256)
	_, err := a.Write(marshalChunk(0, payload))
	require.NoError(t, err)
	require.Equal(t, byte(AckByte), readOne(t, a))

	// Skip sequence 1.
	_, err = a.Write(marshalChunk(2, payload))
	require.NoError(t, err)

	assert.Equal(t, byte(ErrByte), readOne(t, a))
	assert.Equal(t, byte(ErrCodeInvalidSize), readOne(t, a))

	require.Error(t, <-done)
	assert.False(t, flash.ActiveWriteSeen(), "no active write after an aborted transfer")
	called, code := rst.Called()
	assert.True(t, called)
	assert.Equal(t, ErrCodeInvalidSize, code)
}

func TestCorruptedChunkChecksum(t *testing.T) {
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	r, rst, _, done := runReceiver(t, b, flash, testConfig())

	image := testImage(16 * 256)
	var seq uint32
	for ; seq < 7; seq++ {
		_, err := a.Write(marshalChunk(seq, image[int(seq)*256:int(seq+1)*256]))
		require.NoError(t, err)
		require.Equal(t, byte(AckByte), readOne(t, a))
	}

	// Chunk 7 with a corrupted checksum byte.
	bad := marshalChunk(7, image[7*256:8*256])
	bad[len(bad)-1] ^= 0xFF
	_, err := a.Write(bad)
	require.NoError(t, err)

	assert.Equal(t, byte(ErrByte), readOne(t, a))
	assert.Equal(t, byte(ErrCodeChecksum), readOne(t, a))

	require.Error(t, <-done)
	assert.Equal(t, StateFailed, r.State())
	assert.Equal(t, 7*256, r.ReceivedBytes(), "staging stops at the last good chunk")
	assert.False(t, flash.ActiveWriteSeen())
	called, code := rst.Called()
	assert.True(t, called)
	assert.Equal(t, ErrCodeChecksum, code)
}

func TestBadVectorTableAborts(t *testing.T) {
	image := make([]byte, 512) // all zeros: implausible vectors
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, _, _, done := runReceiver(t, b, flash, testConfig())

	err := NewSender(a).Send(context.Background(), image)
	assert.ErrorIs(t, err, ErrNak)

	require.Error(t, <-done)
	assert.False(t, flash.ActiveWriteSeen(), "validation failure must precede any active write")

	// The staged image survives for the next attempt.
	staged := make([]byte, 512)
	require.NoError(t, flash.ReadAt(DefaultStagingOffset, staged))
	assert.Equal(t, image, staged)
}

func TestCRCMismatchAborts(t *testing.T) {
	image := testImage(512)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, _, _, done := runReceiver(t, b, flash, testConfig())

	// Stream chunks manually, then send a wrong expected CRC.
	for seq := uint32(0); seq < 2; seq++ {
		_, err := a.Write(marshalChunk(seq, image[seq*256:(seq+1)*256]))
		require.NoError(t, err)
		require.Equal(t, byte(AckByte), readOne(t, a))
	}
	_, err := a.Write(marshalEndMarker())
	require.NoError(t, err)
	time.Sleep(250 * time.Millisecond)
	_, err = a.Write(marshalCRCPacket(crc32.ChecksumIEEE(image) ^ 0xDEADBEEF))
	require.NoError(t, err)

	assert.Equal(t, byte(ErrByte), readOne(t, a))
	assert.Equal(t, byte(ErrCodeChecksum), readOne(t, a))
	require.Error(t, <-done)
	assert.False(t, flash.ActiveWriteSeen())
}

func TestEndChunkDialect(t *testing.T) {
	// A sender that terminates with a seq=0xFFFFFFFF end chunk instead of
	// the short sentinel must be accepted.
	image := testImage(512)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, rst, _, done := runReceiver(t, b, flash, testConfig())

	for seq := uint32(0); seq < 2; seq++ {
		_, err := a.Write(marshalChunk(seq, image[seq*256:(seq+1)*256]))
		require.NoError(t, err)
		require.Equal(t, byte(AckByte), readOne(t, a))
	}
	_, err := a.Write(marshalChunk(EndSequence, []byte{0x00}))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = a.Write(marshalCRCPacket(crc32.ChecksumIEEE(image)))
	require.NoError(t, err)

	require.NoError(t, <-done)
	active := make([]byte, len(image))
	require.NoError(t, flash.ReadAt(ActiveOffset, active))
	assert.Equal(t, image, active)
	called, code := rst.Called()
	assert.True(t, called)
	assert.Equal(t, ErrorCode(0), code)
}

func TestNoCRCPacketStillCommits(t *testing.T) {
	image := testImage(256)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	cfg := testConfig()
	cfg.CRCWait = 300 * time.Millisecond
	_, _, _, done := runReceiver(t, b, flash, cfg)

	_, err := a.Write(marshalChunk(0, image))
	require.NoError(t, err)
	require.Equal(t, byte(AckByte), readOne(t, a))
	_, err = a.Write(marshalEndMarker())
	require.NoError(t, err)

	require.NoError(t, <-done)
	active := make([]byte, len(image))
	require.NoError(t, flash.ReadAt(ActiveOffset, active))
	assert.Equal(t, image, active)
}

func TestChunkTimeoutResets(t *testing.T) {
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	cfg := testConfig()
	cfg.ChunkTimeout = 200 * time.Millisecond
	_, rst, _, done := runReceiver(t, b, flash, cfg)

	// Send nothing at all.
	require.Error(t, <-done)
	assert.Equal(t, byte(ErrByte), readOne(t, a))
	assert.Equal(t, byte(ErrCodeTimeout), readOne(t, a))
	called, code := rst.Called()
	assert.True(t, called)
	assert.Equal(t, ErrCodeTimeout, code)
}

func TestOversizedChunkRejected(t *testing.T) {
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)
	_, _, _, done := runReceiver(t, b, flash, testConfig())

	// Hand-build a header claiming 300 bytes.
	hdr := []byte{Magic1, Magic2}
	var rest [6]byte
	binary.LittleEndian.PutUint32(rest[0:], 0)
	binary.LittleEndian.PutUint16(rest[4:], 300)
	_, err := a.Write(append(hdr, rest[:]...))
	require.NoError(t, err)

	assert.Equal(t, byte(ErrByte), readOne(t, a))
	assert.Equal(t, byte(ErrCodeInvalidSize), readOne(t, a))
	require.Error(t, <-done)
}

func TestCopyTraceMarkers(t *testing.T) {
	image := testImage(256)
	a, b := Pipe(t)
	flash := NewMemFlash(0, 0, 0)

	var mu sync.Mutex
	var phases []string
	cfg := testConfig()
	cfg.Trace = func(p string) {
		mu.Lock()
		phases = append(phases, p)
		mu.Unlock()
	}
	_, _, _, done := runReceiver(t, b, flash, cfg)

	require.NoError(t, NewSender(a).Send(context.Background(), image))
	require.NoError(t, <-done)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"pre-erase", "post-erase", "pre-program", "post-program"}, phases)
}

// Pipe wraps link.Pipe for the tests.
func Pipe(t *testing.T) (link.Port, link.Port) {
	t.Helper()
	a, b := link.Pipe()
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.SetReadTimeout(10*time.Millisecond))
	require.NoError(t, b.SetReadTimeout(10*time.Millisecond))
	return a, b
}

// readOne reads a single byte with a generous deadline.
func readOne(t *testing.T, p link.Port) byte {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var one [1]byte
	for time.Now().Before(deadline) {
		n, err := p.Read(one[:])
		require.NoError(t, err)
		if n == 1 {
			return one[0]
		}
	}
	t.Fatal("timed out waiting for a byte")
	return 0
}
