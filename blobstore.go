package pomegranate

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// BlobStore is the opaque distributed filesystem used for shipping
// intermediate files between hosts. Import publishes a local file under a
// name, Download materializes a named file locally, Nuke removes a name
// everywhere.
type BlobStore interface {
	Import(path, name string) error
	Download(name string) error
	Nuke(name string) error
}

// LocalStore is a BlobStore backed by a shared directory. It stands in for
// a real distributed filesystem on single-host runs and in tests.
type LocalStore struct {
	root    string
	datadir string
}

// NewLocalStore creates a store rooted at root, downloading into datadir.
func NewLocalStore(root, datadir string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o777); err != nil {
		return nil, errors.Wrap(err, "create blob store root")
	}
	return &LocalStore{root: root, datadir: datadir}, nil
}

// Import copies path into the store under name.
func (s *LocalStore) Import(path, name string) error {
	return copyFile(path, filepath.Join(s.root, filepath.Base(name)))
}

// Download copies a named blob into the local data directory. Files already
// present locally are left untouched.
func (s *LocalStore) Download(name string) error {
	dst := filepath.Join(s.datadir, name)
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o777); err != nil {
		return errors.Wrap(err, "create download directory")
	}
	return copyFile(filepath.Join(s.root, filepath.Base(name)), dst)
}

// Nuke removes a named blob from the store.
func (s *LocalStore) Nuke(name string) error {
	err := os.Remove(filepath.Join(s.root, filepath.Base(name)))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "nuke blob")
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrap(err, "open source")
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(err, "create destination")
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrap(err, "copy blob")
	}
	return out.Sync()
}
