package identity

import (
	"io"
	"path/filepath"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *log.Logger {
	return log.New(io.Discard)
}

func TestLoadMintsFreshIdentityWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, id, err := Load(path, "linux", testLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.NotEqual(t, "", id.DeviceID.String())
	assert.Equal(t, "linux", id.Platform)
	assert.NotEmpty(t, id.DisplayName)
}

func TestLoadPersistsAndReloadsSameDeviceID(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	s1, id1, err := Load(path, "linux", testLogger())
	require.NoError(t, err)
	s1.Close()

	s2, id2, err := Load(path, "darwin", testLogger())
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, id1.DeviceID, id2.DeviceID)
	assert.Equal(t, "darwin", id2.Platform)
}

func TestUpdateDisplayNamePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	s1, _, err := Load(path, "linux", testLogger())
	require.NoError(t, err)
	updated := s1.UpdateDisplayName("New Name")
	assert.Equal(t, "New Name", updated.DisplayName)
	s1.Close()

	s2, id2, err := Load(path, "linux", testLogger())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, "New Name", id2.DisplayName)
}

func TestGetReturnsCurrentIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	s, id, err := Load(path, "linux", testLogger())
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, id.DeviceID, s.Get().DeviceID)
}
