package main

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brewkit/brewcore/pkg/config"
	"github.com/brewkit/brewcore/pkg/link"
	"github.com/brewkit/brewcore/pkg/nvs"
	"github.com/brewkit/brewcore/pkg/protocol"
)

// testHarness runs a simulated device on one end of a pipe and a frame
// client on the other.
type testHarness struct {
	dev   *device
	peer  *link.Link
	sigs  chan os.Signal
	done  chan uint8
	store *nvs.MemStore
}

func startDevice(t *testing.T) *testHarness {
	t.Helper()

	a, b := link.Pipe()
	t.Cleanup(func() { a.Close() })

	cfg := config.Default()
	store := nvs.NewMemStore()
	dev, err := newDevice(cfg, store, link.New(b), true)
	require.NoError(t, err)

	peer := link.New(a)
	require.NoError(t, peer.Start())

	h := &testHarness{
		dev:   dev,
		peer:  peer,
		sigs:  make(chan os.Signal),
		done:  make(chan uint8, 1),
		store: store,
	}
	go func() { h.done <- dev.Run(h.sigs) }()
	return h
}

func (h *testHarness) stop(t *testing.T) {
	t.Helper()
	h.sigs <- os.Interrupt
	select {
	case code := <-h.done:
		assert.Equal(t, uint8(protocol.ResetOK), code)
	case <-time.After(2 * time.Second):
		t.Fatal("device did not stop")
	}
}

// await returns the next frame with the given opcode, skipping others.
func (h *testHarness) await(t *testing.T, op protocol.Opcode) protocol.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-h.peer.Frames():
			if f.Opcode == op {
				return f
			}
		case <-deadline:
			t.Fatalf("frame 0x%02X not received", byte(op))
		}
	}
}

func TestDeviceEmitsBootBannerAndStatus(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	banner := h.await(t, protocol.StatusBoot)
	b, err := protocol.UnmarshalBootBanner(banner.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.Version), b.Version)

	st := h.await(t, protocol.StatusSensors)
	s, err := protocol.UnmarshalSensorStatus(st.Payload)
	require.NoError(t, err)
	assert.True(t, s.BrewValid)
	assert.True(t, s.SteamValid)
	assert.InDelta(t, 93.0, float64(s.BrewSetpoint), 0.1)
	assert.InDelta(t, 25.0, float64(s.BrewTemp), 1.0, "simulated machine starts cold")
}

func TestDeviceAcksSetpointCommand(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	h.await(t, protocol.StatusSensors)

	require.NoError(t, h.peer.Send(protocol.CmdSetBrewSetpoint, protocol.MarshalSetpoint(94.5)))
	h.await(t, protocol.RespAck)

	// The new setpoint shows up in the status stream.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-h.peer.Frames():
			if f.Opcode != protocol.StatusSensors {
				continue
			}
			s, err := protocol.UnmarshalSensorStatus(f.Payload)
			require.NoError(t, err)
			if s.BrewSetpoint > 94.0 {
				assert.InDelta(t, 94.5, float64(s.BrewSetpoint), 0.1)
				return
			}
		case <-deadline:
			t.Fatal("setpoint change never reflected in status")
		}
	}
}

func TestDeviceNaksOutOfRangeSetpoint(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	require.NoError(t, h.peer.Send(protocol.CmdSetBrewSetpoint, protocol.MarshalSetpoint(250)))
	f := h.await(t, protocol.RespNak)
	code, err := protocol.UnmarshalNak(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.NakOutOfRange, code)
}

func TestDeviceNaksMalformedPayload(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	require.NoError(t, h.peer.Send(protocol.CmdSetHeatingMode, []byte{1, 2, 3}))
	f := h.await(t, protocol.RespNak)
	code, err := protocol.UnmarshalNak(f.Payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.NakBadPayload, code)
}

func TestDeviceHeatingModeCommand(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	require.NoError(t, h.peer.Send(protocol.CmdSetHeatingMode, []byte{byte(protocol.HeatingOff)}))
	h.await(t, protocol.RespAck)

	// With heating off, duty cycles drop to zero in the status stream.
	deadline := time.After(3 * time.Second)
	for {
		select {
		case f := <-h.peer.Frames():
			if f.Opcode != protocol.StatusSensors {
				continue
			}
			s, err := protocol.UnmarshalSensorStatus(f.Payload)
			require.NoError(t, err)
			if !s.Heating && s.BrewDuty == 0 && s.SteamDuty == 0 {
				return
			}
		case <-deadline:
			t.Fatal("heating-off never reflected in status")
		}
	}
}

func TestDeviceGetConfig(t *testing.T) {
	h := startDevice(t)
	defer h.stop(t)

	require.NoError(t, h.peer.Send(protocol.CmdGetConfig, nil))
	f := h.await(t, protocol.RespConfig)
	require.Len(t, f.Payload, 4)

	brew, err := protocol.UnmarshalSetpoint(f.Payload[:2])
	require.NoError(t, err)
	steam, err := protocol.UnmarshalSetpoint(f.Payload[2:])
	require.NoError(t, err)
	assert.InDelta(t, 93.0, float64(brew), 0.1)
	assert.InDelta(t, 140.0, float64(steam), 0.1)
}

func TestParseMachineType(t *testing.T) {
	m, err := parseMachineType("hx")
	require.NoError(t, err)
	assert.False(t, m.HasBrewNTC())

	_, err = parseMachineType("lever")
	assert.Error(t, err)
}
