package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lab", "t1.json")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetProperty("pos_root_vda5", "fedora:live:29::x86_64"))
	require.NoError(t, s.SetProperty("pos_root_vda6", "EMPTY"))
	require.NoError(t, s.SetProperty("pos_mode", "local"))

	// a fresh open sees what the last run wrote
	s2, err := Open(path)
	require.NoError(t, err)
	v, ok := s2.GetProperty("pos_mode")
	assert.True(t, ok)
	assert.Equal(t, "local", v)
	assert.Equal(t, map[string]string{
		"pos_root_vda5": "fedora:live:29::x86_64",
		"pos_root_vda6": "EMPTY",
	}, s2.Properties("pos_root_"))
}

func TestStoreEmptyValueDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetProperty("pos_reinitialize", "true"))
	require.NoError(t, s.SetProperty("pos_reinitialize", ""))

	s2, err := Open(path)
	require.NoError(t, err)
	_, ok := s2.GetProperty("pos_reinitialize")
	assert.False(t, ok)
}

func TestOpenMissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "never-written.json"))
	require.NoError(t, err)
	assert.Empty(t, s.Properties(""))
}

func TestOpenRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "t1.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0640))
	_, err := Open(path)
	assert.Error(t, err)
}
