package pomegranate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreImportDownloadNuke(t *testing.T) {
	root := t.TempDir()
	datadir := t.TempDir()

	store, err := NewLocalStore(filepath.Join(root, "store"), datadir)
	require.NoError(t, err)

	src := writeFile(t, datadir, "payload.bin", "hello")
	require.NoError(t, store.Import(src, "output/output-r000000-p1"))

	// Download materializes the blob under the data directory.
	require.NoError(t, store.Download("output/output-r000000-p1"))
	data, err := os.ReadFile(filepath.Join(datadir, "output/output-r000000-p1"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// A second download is a no-op on the existing local copy.
	require.NoError(t, store.Download("output/output-r000000-p1"))

	require.NoError(t, store.Nuke("output/output-r000000-p1"))
	// Nuking a missing blob is not an error.
	require.NoError(t, store.Nuke("output/output-r000000-p1"))
}

func TestDirectoryInputOrdersAndNumbers(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.txt", "b")
	writeFile(t, dir, "a.txt", "a")
	writeFile(t, dir, "c.txt", "c")

	in, err := NewDirectoryInput(dir)
	require.NoError(t, err)

	var got []MapInput
	for {
		item, ok := in.Next()
		if !ok {
			break
		}
		got = append(got, item)
	}

	require.Len(t, got, 3)
	assert.Equal(t, filepath.Join(dir, "a.txt"), got[0].Path)
	assert.Equal(t, 0, got[0].DocID)
	assert.Equal(t, filepath.Join(dir, "c.txt"), got[2].Path)
	assert.Equal(t, 2, got[2].DocID)
}

func TestOpenInputUnknownModule(t *testing.T) {
	_, err := OpenInput(&Config{InputModule: "no-such-module"})
	assert.Error(t, err)
}

func TestOpenInputDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.txt", "a")

	in, err := OpenInput(&Config{InputModule: "directory", InputPath: dir})
	require.NoError(t, err)

	item, ok := in.Next()
	require.True(t, ok)
	assert.Zero(t, item.DocID)
}
