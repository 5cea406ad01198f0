package pomegranate

import (
	"container/heap"
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"
)

// The merger performs a streaming k-way merge over sorted intermediate
// files. Tuples with the same (term, docId) sum their occurrences; tuples
// with the same term and different docId are appended to the same output
// record. A record's tuple count is not known until the term changes, so
// the count field is back-patched by seeking 4 bytes before the record's
// first tuple.

type mergeCursor struct {
	rr  *RecordReader
	rec Record
	pos int
}

func (c *mergeCursor) tuple() Tuple { return c.rec.Tuples[c.pos] }
func (c *mergeCursor) term() string { return c.rec.Term }

// advance moves to the next tuple, loading records until one with tuples
// appears. Returns false at end of stream.
func (c *mergeCursor) advance() (bool, error) {
	c.pos++
	for c.pos >= len(c.rec.Tuples) {
		rec, err := c.rr.Next()
		if err == io.EOF {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		c.rec = rec
		c.pos = 0
	}
	return true, nil
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].term() != h[j].term() {
		return h[i].term() < h[j].term()
	}
	return h[i].tuple().DocID < h[j].tuple().DocID
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeWriter emits records incrementally, patching each record's tuple
// count once its term is complete.
type mergeWriter struct {
	f        *os.File
	countPos int64
	count    uint32
	off      int64
	buf      [8]byte
}

func (w *mergeWriter) beginTerm(term string) error {
	binary.LittleEndian.PutUint32(w.buf[:4], uint32(len(term)))
	if _, err := w.f.Write(w.buf[:4]); err != nil {
		return err
	}
	if _, err := w.f.WriteString(term); err != nil {
		return err
	}
	w.countPos = w.off + 4 + int64(len(term))

	// Placeholder count, patched by endTerm.
	binary.LittleEndian.PutUint32(w.buf[:4], 0)
	if _, err := w.f.Write(w.buf[:4]); err != nil {
		return err
	}
	w.off += 4 + int64(len(term)) + 4
	w.count = 0
	return nil
}

func (w *mergeWriter) writeTuple(t Tuple) error {
	binary.LittleEndian.PutUint32(w.buf[:4], t.DocID)
	binary.LittleEndian.PutUint32(w.buf[4:], t.Occurrences)
	if _, err := w.f.Write(w.buf[:]); err != nil {
		return err
	}
	w.off += 8
	w.count++
	return nil
}

func (w *mergeWriter) endTerm() error {
	if _, err := w.f.Write([]byte{recordSeparator}); err != nil {
		return err
	}
	w.off++

	binary.LittleEndian.PutUint32(w.buf[:4], w.count)
	if _, err := w.f.WriteAt(w.buf[:4], w.countPos); err != nil {
		return err
	}
	return nil
}

// MergeFiles merges the given sorted intermediate files into outPath and
// returns the number of bytes written.
func MergeFiles(paths []string, outPath string) (int64, error) {
	var files []*os.File
	defer func() {
		for _, f := range files {
			f.Close()
		}
	}()

	h := make(mergeHeap, 0, len(paths))
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return 0, errors.Wrapf(err, "open merge input %s", p)
		}
		files = append(files, f)

		cur := &mergeCursor{rr: NewRecordReader(f), pos: -1}
		ok, err := cur.advance()
		if err != nil {
			return 0, errors.Wrapf(err, "read merge input %s", p)
		}
		if ok {
			h = append(h, cur)
		}
	}
	heap.Init(&h)

	out, err := os.Create(outPath)
	if err != nil {
		return 0, errors.Wrap(err, "create merge output")
	}
	defer out.Close()

	w := &mergeWriter{f: out}

	var (
		curTerm string
		cur     Tuple
		open    bool
	)
	flushTuple := func() error {
		return w.writeTuple(cur)
	}

	for h.Len() > 0 {
		c := h[0]
		term, t := c.term(), c.tuple()

		switch {
		case !open:
			if err := w.beginTerm(term); err != nil {
				return 0, errors.Wrap(err, "begin term")
			}
			curTerm, cur, open = term, t, true

		case term == curTerm && t.DocID == cur.DocID:
			cur.Occurrences += t.Occurrences

		case term == curTerm:
			if err := flushTuple(); err != nil {
				return 0, errors.Wrap(err, "write tuple")
			}
			cur = t

		default:
			if err := flushTuple(); err != nil {
				return 0, errors.Wrap(err, "write tuple")
			}
			if err := w.endTerm(); err != nil {
				return 0, errors.Wrap(err, "finalize record")
			}
			if err := w.beginTerm(term); err != nil {
				return 0, errors.Wrap(err, "begin term")
			}
			curTerm, cur = term, t
		}

		ok, err := c.advance()
		if err != nil {
			return 0, errors.Wrap(err, "advance merge input")
		}
		if ok {
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	if open {
		if err := flushTuple(); err != nil {
			return 0, errors.Wrap(err, "write tuple")
		}
		if err := w.endTerm(); err != nil {
			return 0, errors.Wrap(err, "finalize record")
		}
	}

	if err := out.Sync(); err != nil {
		return 0, errors.Wrap(err, "sync merge output")
	}
	return w.off, nil
}
