package setup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/settings"
)

func workspace(t *testing.T) settings.Settings {
	t.Helper()
	SetLogger(logging.Discard())
	t.Cleanup(func() { SetLogger(nil) })
	s := settings.Default()
	s.Workspace = filepath.Join(t.TempDir(), "campaign")
	return s
}

func TestInitCreatesLayout(t *testing.T) {
	s := workspace(t)
	configPath := filepath.Join(s.Workspace, settings.DefaultFileName)

	require.NoError(t, Init(s, configPath))

	assert.DirExists(t, s.ImagesPath())
	assert.DirExists(t, s.OutputPath())
	loaded, err := settings.Load(configPath, true)
	require.NoError(t, err)
	assert.Equal(t, settings.Default().Processing, loaded.Processing)
}

func TestInitKeepsExistingConfig(t *testing.T) {
	s := workspace(t)
	configPath := filepath.Join(s.Workspace, settings.DefaultFileName)
	require.NoError(t, os.MkdirAll(s.Workspace, 0o755))
	require.NoError(t, os.WriteFile(configPath, []byte("crs: EPSG:4326\n"), 0o644))

	require.NoError(t, Init(s, configPath))

	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Equal(t, "crs: EPSG:4326\n", string(data))
}

func TestVerify(t *testing.T) {
	s := workspace(t)
	require.NoError(t, Init(s, ""))

	err := Verify(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "manifest")
	assert.NotContains(t, err.Error(), "images directory")

	require.NoError(t, os.WriteFile(s.ManifestPath(), []byte("1,a.tif,b.tif\n"), 0o644))
	require.NoError(t, Verify(s))

	entries, err := os.ReadDir(s.OutputPath())
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file left behind")
}

func TestVerifyRejectsWrongKinds(t *testing.T) {
	s := workspace(t)
	require.NoError(t, os.MkdirAll(s.ManifestPath(), 0o755))
	require.NoError(t, os.WriteFile(s.ImagesPath(), nil, 0o644))

	err := Verify(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a regular file")
	assert.Contains(t, err.Error(), "is not a directory")
}
