package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/settings"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var levelVar slog.LevelVar
	logger := logging.Discard()
	root := newRootCommand(logger, &levelVar)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRejectsUnknownLogLevel(t *testing.T) {
	_, err := execute(t, "", "--log-level", "loud", "crs", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log level")

	_, err = execute(t, "", "--log-format", "xml", "crs", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown log format")
}

func TestCRSList(t *testing.T) {
	out, err := execute(t, "", "crs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "EPSG:4326\t")
	assert.Contains(t, out, "LOCAL\tLocal coordinates (m)")
	assert.NotContains(t, out, "EPSG:32651")

	out, err = execute(t, "", "crs", "list", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "EPSG:32651\tWGS 84 / UTM zone 51N")
}

func TestReproject(t *testing.T) {
	out, err := execute(t, "", "reproject", "--to", "EPSG:4326", "1", "2", "3")
	require.NoError(t, err)
	assert.Equal(t, "1.000000 2.000000 3.000000\n", out)

	out, err = execute(t, "", "reproject", "--to", "ecef", "0", "0", "0")
	require.NoError(t, err)
	assert.Equal(t, "6378137.000000 0.000000 0.000000\n", out)

	_, err = execute(t, "", "reproject", "--to", "EPSG:4326", "north", "2", "3")
	require.Error(t, err)

	_, err = execute(t, "", "reproject", "--to", "LOCAL", "1", "2", "3")
	require.Error(t, err)
}

func writeRPC(t *testing.T, dir, stem string, lon, lat float64) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+".tif"), []byte("image"), 0o644))
	rpc := "LAT_OFF: " + formatCoord(lat) + "\nLONG_OFF: " + formatCoord(lon) + "\nHEIGHT_OFF: 25\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, stem+"_RPC.TXT"), []byte(rpc), 0o644))
}

func TestInitRunStatus(t *testing.T) {
	ws := filepath.Join(t.TempDir(), "ws")

	_, err := execute(t, "", "--workspace", ws, "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(ws, settings.DefaultFileName))
	assert.DirExists(t, filepath.Join(ws, "images"))

	_, err = execute(t, "", "--workspace", ws, "run", "--crs", "EPSG:4326")
	require.Error(t, err, "run needs a manifest")

	images := filepath.Join(ws, "images")
	writeRPC(t, images, "a", 121.2, 31.2)
	writeRPC(t, images, "b", 121.21, 31.21)
	require.NoError(t, os.WriteFile(filepath.Join(ws, "imagepairs.csv"), []byte("1,a.tif,b.tif\n2,x.tif,y.tif\n"), 0o644))

	out, err := execute(t, "7\n1\n", "--workspace", ws, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Select the target coordinate reference system")
	assert.Contains(t, out, `"7" is not a listed number`)
	assert.Contains(t, out, "Pair 1\tsuccess")
	assert.Contains(t, out, "Pair 2\tskipped_missing_input\tImage files not found for pair 2")
	assert.Contains(t, out, "1 succeeded, 1 skipped, 0 failed")

	out, err = execute(t, "", "--workspace", ws, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "finished\ttarget EPSG:4326")
	assert.Contains(t, out, "Pair 1\tdone\tsuccess")
	assert.Contains(t, out, "\treport\t"+filepath.Join(ws, "output", "report_Pair_1.pdf"))
	assert.Contains(t, out, "Pair 2\tskipped")
}

func TestStatusWithoutRuns(t *testing.T) {
	_, err := execute(t, "", "--workspace", t.TempDir(), "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ledger found")
}
