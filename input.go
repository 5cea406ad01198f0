package pomegranate

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// InputFactory builds an input source from the configuration. Applications
// register factories under the name the input-module key selects.
type InputFactory func(conf *Config) (InputSource, error)

var (
	inputsMu sync.RWMutex
	inputs   = make(map[string]InputFactory)
)

// RegisterInput makes an input factory selectable through the input-module
// configuration key. Registering the same name twice panics, as it is a
// programming error.
func RegisterInput(name string, factory InputFactory) {
	inputsMu.Lock()
	defer inputsMu.Unlock()
	if _, dup := inputs[name]; dup {
		panic("pomegranate: input " + name + " registered twice")
	}
	inputs[name] = factory
}

// OpenInput instantiates the input source named by conf.InputModule.
func OpenInput(conf *Config) (InputSource, error) {
	inputsMu.RLock()
	factory, ok := inputs[conf.InputModule]
	inputsMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown input module %q", conf.InputModule)
	}
	return factory(conf)
}

// DirectoryInput walks a directory in sorted order, yielding each regular
// file paired with a sequential document id.
type DirectoryInput struct {
	files []string
	pos   int
}

// NewDirectoryInput lists dir and prepares the stream.
func NewDirectoryInput(dir string) (*DirectoryInput, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "list input directory")
	}

	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return &DirectoryInput{files: files}, nil
}

// Next implements InputSource.
func (d *DirectoryInput) Next() (MapInput, bool) {
	if d.pos >= len(d.files) {
		return MapInput{}, false
	}
	in := MapInput{Path: d.files[d.pos], DocID: d.pos}
	d.pos++
	return in, true
}

func init() {
	RegisterInput("directory", func(conf *Config) (InputSource, error) {
		return NewDirectoryInput(conf.InputPath)
	})
}
