package pomegranate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o666))
	return path
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
machine-file: machines.txt
num-mapper: 4
num-reducer: 2
threshold-nfile: 8
sleep-interval: 0.2
master-url: http://localhost:8000/
master-host: 0.0.0.0
master-port: 8000
input-module: directory
map-executable: ./mapexec
reduce-executable: ./reduceexec
datadir: /tmp/pome
output-prefix: output
ping-max: 3
ping-interval: 5
`)

	conf, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 4, conf.NumMapper)
	assert.Equal(t, 2, conf.NumReducer)
	assert.Equal(t, 8, conf.ThresholdNFile)
	assert.Equal(t, "http://localhost:8000/", conf.MasterURL)
	assert.Equal(t, "/tmp/pome/output", conf.OutputDir())
}

func TestLoadConfigRejectsBadCounts(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "num-reducer: 0\n")

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestCountMachines(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "machines.txt", `
# comment line
node-a
node-b:3

node-c:2
`)

	n, err := CountMachines(path)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestCountMachinesDefaultsToOneSlot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "machines.txt", "node-a:not-a-number\n")

	n, err := CountMachines(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFileNameRoundTrip(t *testing.T) {
	name := FileName("/data/out", 3, 123456789)
	assert.Equal(t, "/data/out/output-r000003-p123456789", name)

	fid, err := FileID(name)
	require.NoError(t, err)
	assert.Equal(t, int64(123456789), fid)

	_, err = FileID("garbage.txt")
	assert.Error(t, err)
}
