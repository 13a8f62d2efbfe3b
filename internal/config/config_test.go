package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.toml")
	defaults := Default("/downloads")
	cfg, err := Load(path, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, cfg)
}

func TestSaveThenLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperconnect.toml")
	cfg := Default("/downloads")
	cfg.AutoAccept = true
	cfg.LogLevel = "debug"

	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path, Default("/other"))
	require.NoError(t, err)
	assert.True(t, loaded.AutoAccept)
	assert.Equal(t, "debug", loaded.LogLevel)
	assert.Equal(t, "/downloads", loaded.DownloadsDir)
}

func TestStoreSetDownloadsDirPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperconnect.toml")
	s, err := NewStore(path, "/initial")
	require.NoError(t, err)

	require.NoError(t, s.SetDownloadsDir("/new"))
	assert.Equal(t, "/new", s.DownloadsDir())

	s2, err := NewStore(path, "/initial")
	require.NoError(t, err)
	assert.Equal(t, "/new", s2.DownloadsDir())
}

func TestStoreSetAutoAccept(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hyperconnect.toml")
	s, err := NewStore(path, "/downloads")
	require.NoError(t, err)

	assert.False(t, s.AutoAccept())
	require.NoError(t, s.SetAutoAccept(true))
	assert.True(t, s.AutoAccept())
}
