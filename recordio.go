package pomegranate

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Intermediate file format, little-endian:
//
//	termLen:uint32 | term | numTuples:uint32 | (docId, occurrences) x numTuples | 0x0A
//
// Tuples inside a record are ordered by docId; records inside a file are
// ordered by term.

// Tuple is one posting: a document id and the occurrence count of the term
// in that document.
type Tuple struct {
	DocID       uint32
	Occurrences uint32
}

// Record groups every tuple of one term.
type Record struct {
	Term   string
	Tuples []Tuple
}

const recordSeparator = byte(0x0A)

// RecordWriter streams records into an intermediate file.
type RecordWriter struct {
	w   *bufio.Writer
	buf [8]byte
	n   int64
}

// NewRecordWriter wraps w.
func NewRecordWriter(w io.Writer) *RecordWriter {
	return &RecordWriter{w: bufio.NewWriterSize(w, 1<<20)}
}

// Write appends one complete record.
func (rw *RecordWriter) Write(rec Record) error {
	binary.LittleEndian.PutUint32(rw.buf[:4], uint32(len(rec.Term)))
	if _, err := rw.w.Write(rw.buf[:4]); err != nil {
		return errors.Wrap(err, "write term length")
	}
	if _, err := rw.w.WriteString(rec.Term); err != nil {
		return errors.Wrap(err, "write term")
	}
	binary.LittleEndian.PutUint32(rw.buf[:4], uint32(len(rec.Tuples)))
	if _, err := rw.w.Write(rw.buf[:4]); err != nil {
		return errors.Wrap(err, "write tuple count")
	}
	for _, t := range rec.Tuples {
		binary.LittleEndian.PutUint32(rw.buf[:4], t.DocID)
		binary.LittleEndian.PutUint32(rw.buf[4:], t.Occurrences)
		if _, err := rw.w.Write(rw.buf[:]); err != nil {
			return errors.Wrap(err, "write tuple")
		}
	}
	if err := rw.w.WriteByte(recordSeparator); err != nil {
		return errors.Wrap(err, "write record separator")
	}
	rw.n += int64(4 + len(rec.Term) + 4 + 8*len(rec.Tuples) + 1)
	return nil
}

// Flush drains the buffer to the underlying writer.
func (rw *RecordWriter) Flush() error {
	return rw.w.Flush()
}

// BytesWritten reports how many bytes have been produced so far.
func (rw *RecordWriter) BytesWritten() int64 {
	return rw.n
}

// RecordReader streams records out of an intermediate file.
type RecordReader struct {
	r   *bufio.Reader
	buf [8]byte
}

// NewRecordReader wraps r.
func NewRecordReader(r io.Reader) *RecordReader {
	return &RecordReader{r: bufio.NewReaderSize(r, 1<<20)}
}

// Next reads the following record. It returns io.EOF at a clean end of
// stream.
func (rr *RecordReader) Next() (Record, error) {
	if _, err := io.ReadFull(rr.r, rr.buf[:4]); err != nil {
		if err == io.EOF {
			return Record{}, io.EOF
		}
		return Record{}, errors.Wrap(err, "read term length")
	}
	termLen := binary.LittleEndian.Uint32(rr.buf[:4])

	term := make([]byte, termLen)
	if _, err := io.ReadFull(rr.r, term); err != nil {
		return Record{}, errors.Wrap(err, "read term")
	}
	if _, err := io.ReadFull(rr.r, rr.buf[:4]); err != nil {
		return Record{}, errors.Wrap(err, "read tuple count")
	}
	numTuples := binary.LittleEndian.Uint32(rr.buf[:4])

	rec := Record{Term: string(term), Tuples: make([]Tuple, 0, numTuples)}
	for i := uint32(0); i < numTuples; i++ {
		if _, err := io.ReadFull(rr.r, rr.buf[:]); err != nil {
			return Record{}, errors.Wrap(err, "read tuple")
		}
		rec.Tuples = append(rec.Tuples, Tuple{
			DocID:       binary.LittleEndian.Uint32(rr.buf[:4]),
			Occurrences: binary.LittleEndian.Uint32(rr.buf[4:]),
		})
	}

	sep, err := rr.r.ReadByte()
	if err != nil {
		return Record{}, errors.Wrap(err, "read record separator")
	}
	if sep != recordSeparator {
		return Record{}, errors.Errorf("bad record separator 0x%02x", sep)
	}
	return rec, nil
}
