package pomegranate

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileCounter hands out unique intermediate file ids for the in-process
// mapper and reducer used by the end-to-end test.
var fileCounter atomic.Int64

func nextFid() int64 {
	return 100 + fileCounter.Add(1)
}

// testMapper builds a word index straight from the input file, one record
// file per reducer index.
type testMapper struct {
	conf *Config
}

func (m *testMapper) Execute(in MapInput) (TaskInfo, []FileTriple, error) {
	start := time.Now()

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return TaskInfo{}, nil, err
	}

	counts := make(map[string]uint32)
	for _, word := range strings.Fields(string(data)) {
		counts[strings.ToLower(word)]++
	}

	byReducer := make([][]string, m.conf.NumReducer)
	for term := range counts {
		rid := ReducerIndex(term, m.conf.NumReducer)
		byReducer[rid] = append(byReducer[rid], term)
	}

	var (
		files   []FileTriple
		totSize int64
	)
	for rid, terms := range byReducer {
		if len(terms) == 0 {
			continue
		}
		sort.Strings(terms)

		fid := nextFid()
		f, err := os.Create(FileName(m.conf.OutputDir(), rid, fid))
		if err != nil {
			return TaskInfo{}, nil, err
		}

		w := NewRecordWriter(f)
		for _, term := range terms {
			rec := Record{
				Term:   term,
				Tuples: []Tuple{{DocID: uint32(in.DocID), Occurrences: counts[term]}},
			}
			if err := w.Write(rec); err != nil {
				f.Close()
				return TaskInfo{}, nil, err
			}
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return TaskInfo{}, nil, err
		}
		f.Close()

		totSize += w.BytesWritten()
		files = append(files, FileTriple{Rid: rid, Fid: fid, Size: w.BytesWritten()})
	}
	return TaskInfo{Bytes: totSize, Elapsed: time.Since(start).Seconds()}, files, nil
}

// testReducer merges intermediate files with the streaming merger.
type testReducer struct {
	conf *Config
}

func (r *testReducer) Execute(reduceIdx int, fids []int64) (TaskInfo, FileRef, error) {
	start := time.Now()

	var inputs []string
	for _, fid := range fids {
		inputs = append(inputs, FileName(r.conf.OutputDir(), reduceIdx, fid))
	}

	outFid := nextFid()
	outName := FileName(r.conf.OutputDir(), reduceIdx, outFid)
	size, err := MergeFiles(inputs, outName)
	if err != nil {
		return TaskInfo{}, FileRef{}, err
	}
	return TaskInfo{Bytes: size, Elapsed: time.Since(start).Seconds()},
		FileRef{Fid: outFid, Size: size}, nil
}

// TestEndToEnd drives a complete run: one master with one worker maps two
// inputs, locally reduces the two intermediate files, and the merge phase
// terminates with exactly one output file per reducer index.
func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode")
	}

	dir := t.TempDir()
	inputDir := filepath.Join(dir, "input")
	require.NoError(t, os.MkdirAll(inputDir, 0o777))
	writeFile(t, inputDir, "doc-a.txt", "the quick brown fox\n")
	writeFile(t, inputDir, "doc-b.txt", "the lazy dog and the quick fox\n")

	machineFile := writeFile(t, dir, "machines.txt", "localhost\n")

	conf := &Config{
		MachineFile:    machineFile,
		NumMapper:      1,
		NumReducer:     1,
		ThresholdNFile: 1,
		SleepInterval:  0.02,
		PingInterval:   60,
		PingMax:        10,
		DataDir:        dir,
		OutputPrefix:   "output",
		InputPath:      inputDir,
	}
	require.NoError(t, os.MkdirAll(conf.OutputDir(), 0o777))

	gen, err := NewDirectoryInput(inputDir)
	require.NoError(t, err)

	co := NewCoordinator(conf, gen, nil)
	co.logger.SetLevel(logrus.ErrorLevel)
	srv := httptest.NewServer(NewServer(co).Handler())
	defer srv.Close()
	defer co.Stop()

	conf.MasterURL = srv.URL + "/"

	master, err := NewMaster("e2e-group", conf, &testMapper{conf}, &testReducer{conf}, nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- master.Run() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Minute):
		t.Fatal("run timed out")
	}

	snap := co.status.Snapshot()
	assert.Equal(t, "Merge", snap.Phase)
	assert.Equal(t, 2, snap.MapCompleted)
	assert.GreaterOrEqual(t, snap.ReduceCompleted, 1)

	// Exactly one terminal file per reducer index survives on disk.
	entries, err := os.ReadDir(conf.OutputDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "output-r000000-p"))

	// The surviving file carries the whole index.
	recs := readAllRecords(t, filepath.Join(conf.OutputDir(), entries[0].Name()))
	terms := make(map[string]uint32)
	for _, rec := range recs {
		var total uint32
		for _, tu := range rec.Tuples {
			total += tu.Occurrences
		}
		terms[rec.Term] = total
	}
	assert.Equal(t, uint32(3), terms["the"])
	assert.Equal(t, uint32(2), terms["quick"])
	assert.Equal(t, uint32(1), terms["lazy"])
}
