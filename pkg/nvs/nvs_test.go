package nvs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string  `yaml:"name"`
	Value float64 `yaml:"value"`
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	in := record{Name: "brew_setpoint", Value: 93.5}
	require.NoError(t, store.Save("calibration", in))

	var out record
	require.NoError(t, store.Load("calibration", &out))
	assert.Equal(t, in, out)
}

func TestFileStoreMissingKey(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	var out record
	assert.ErrorIs(t, store.Load("nope", &out), ErrNotFound)
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Save("power_meter", record{Name: "mqtt"}))
	require.NoError(t, store.Delete("power_meter"))

	var out record
	assert.ErrorIs(t, store.Load("power_meter", &out), ErrNotFound)
	assert.NoError(t, store.Delete("power_meter"), "deleting a missing key is fine")
}

func TestFileStoreRejectsBadKeys(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save("../escape", record{}))
	assert.Error(t, store.Save("UPPER", record{}))
	assert.Error(t, store.Save("", record{}))
}

func TestMemStoreRoundTrip(t *testing.T) {
	store := NewMemStore()
	require.NoError(t, store.Save("k", record{Name: "x", Value: 1}))

	var out record
	require.NoError(t, store.Load("k", &out))
	assert.Equal(t, "x", out.Name)

	require.NoError(t, store.Delete("k"))
	assert.ErrorIs(t, store.Load("k", &out), ErrNotFound)
}
