package link

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewkit/brewcore/pkg/protocol"
)

func TestPipeReadWrite(t *testing.T) {
	a, b := Pipe()
	defer a.Close()

	_, err := a.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	buf := make([]byte, 8)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, buf[:n])
}

func TestPipeReadTimeout(t *testing.T) {
	a, b := Pipe()
	defer a.Close()
	_ = b

	require.NoError(t, a.SetReadTimeout(20 * time.Millisecond))
	buf := make([]byte, 8)
	start := time.Now()
	n, err := a.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "timeout returns zero bytes, no error")
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestLinkRoundTrip(t *testing.T) {
	a, b := Pipe()
	la := New(a)
	lb := New(b)
	require.NoError(t, la.Start())
	require.NoError(t, lb.Start())
	defer la.Close()
	defer lb.Close()

	require.NoError(t, la.Send(protocol.CmdSetBrewSetpoint, protocol.MarshalSetpoint(93.5)))

	select {
	case f := <-lb.Frames():
		assert.Equal(t, protocol.CmdSetBrewSetpoint, f.Opcode)
		got, err := protocol.UnmarshalSetpoint(f.Payload)
		require.NoError(t, err)
		assert.InDelta(t, 93.5, float64(got), 0.05)
	case <-time.After(time.Second):
		t.Fatal("frame not received")
	}
}

func TestLinkStatusStreamOrdering(t *testing.T) {
	a, b := Pipe()
	la := New(a)
	lb := New(b)
	require.NoError(t, lb.Start())
	defer la.Close()
	defer lb.Close()

	// Status frames must arrive in emission order.
	for i := 0; i < 20; i++ {
		st := protocol.SensorStatus{BrewTemp: float32(i), BrewValid: true}
		require.NoError(t, la.Send(protocol.StatusSensors, protocol.MarshalSensorStatus(st)))
	}

	for i := 0; i < 20; i++ {
		select {
		case f := <-lb.Frames():
			st, err := protocol.UnmarshalSensorStatus(f.Payload)
			require.NoError(t, err)
			assert.InDelta(t, float64(i), float64(st.BrewTemp), 0.05, "frame %d out of order", i)
		case <-time.After(time.Second):
			t.Fatalf("frame %d not received", i)
		}
	}
}

func TestLinkGarbageRecovery(t *testing.T) {
	a, b := Pipe()
	lb := New(b)
	require.NoError(t, lb.Start())
	defer lb.Close()

	// Garbage, then a valid frame.
	_, err := a.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)
	wire, err := protocol.Marshal(protocol.RespAck, nil)
	require.NoError(t, err)
	_, err = a.Write(wire)
	require.NoError(t, err)

	select {
	case f := <-lb.Frames():
		assert.Equal(t, protocol.RespAck, f.Opcode)
	case <-time.After(time.Second):
		t.Fatal("frame not received after garbage")
	}
}

func TestLinkHandoff(t *testing.T) {
	a, b := Pipe()
	lb := New(b)
	require.NoError(t, lb.Start())

	// Stale bytes sitting in the RX buffer must be drained by the handoff.
	_, err := a.Write([]byte{0x55, 0xAA, 0x01, 0x02})
	require.NoError(t, err)

	port, err := lb.Handoff()
	require.NoError(t, err)
	require.NotNil(t, port)
	assert.True(t, lb.BootloaderActive())

	// Sending over the link is refused while the bootloader owns the UART.
	err = lb.Send(protocol.RespAck, nil)
	assert.Error(t, err)

	// The raw port still works for the bootloader.
	_, err = a.Write([]byte{0x42})
	require.NoError(t, err)
	require.NoError(t, port.SetReadTimeout(50*time.Millisecond))
	buf := make([]byte, 4)
	n, err := port.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Equal(t, byte(0x42), buf[0])

	// A second handoff is refused.
	_, err = lb.Handoff()
	assert.Error(t, err)
}
