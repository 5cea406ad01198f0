// Package pomegranate implements a fault-tolerant, distributed MapReduce
// orchestration framework. A single Coordinator owns the authoritative view
// of the work; Masters pull map jobs from it, execute them on a local pool of
// generic workers, opportunistically reduce their own intermediate files and
// take part in a final, globally coordinated merge phase.
package pomegranate

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// FileName constructs the path of an intermediate file produced for a
// specific reducer index.
//
// Parameters:
//   - dir: The directory holding intermediate files
//   - reduceIdx: The reducer index the file belongs to
//   - fid: The unique file identifier
//
// Returns the constructed file path.
func FileName(dir string, reduceIdx int, fid int64) string {
	return filepath.Join(dir, fmt.Sprintf("output-r%06d-p%d", reduceIdx, fid))
}

// FileID recovers the unique file identifier embedded in an intermediate
// file name. The name carries the id in its third dash-separated component,
// prefixed with the letter p.
func FileID(name string) (int64, error) {
	base := filepath.Base(name)
	parts := strings.SplitN(base, "-", 3)
	if len(parts) != 3 || len(parts[2]) < 2 || parts[2][0] != 'p' {
		return 0, errors.Errorf("malformed intermediate file name %q", base)
	}
	fid, err := strconv.ParseInt(parts[2][1:], 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed file id in %q", base)
	}
	return fid, nil
}

// ReducerIndex partitions the term space, routing a term to one of
// numReducer reducer indices.
func ReducerIndex(term string, numReducer int) int {
	h := fnv.New32a()
	h.Write([]byte(term))
	return int(h.Sum32()&0x7ffffff) % numReducer
}
