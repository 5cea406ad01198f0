package pomegranate

import (
	"sync"
)

// InputSource is the registered plugin interface feeding the computation.
// Next returns the following (path, docid) pair, or ok=false once the
// stream is exhausted.
type InputSource interface {
	Next() (MapInput, bool)
}

// WorkQueue combines the input generator with a dead list of map payloads
// that must be retried. The generator is prioritized; the dead list is
// drained only after the generator is exhausted, in FIFO order.
type WorkQueue struct {
	mu        sync.Mutex
	generator InputSource
	deadList  []MapInput
	lastTag   uint64
}

// NewWorkQueue wraps an input source into a work queue.
func NewWorkQueue(gen InputSource) *WorkQueue {
	return &WorkQueue{generator: gen}
}

// Pop extracts the next map work item, stamping it with a fresh tag.
// It returns ok=false when neither the generator nor the dead list can
// provide work right now; callers treat that as "no work available".
func (q *WorkQueue) Pop() (ComputeMap, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.lastTag++
	if in, ok := q.generator.Next(); ok {
		return ComputeMap{Tag: q.lastTag, Path: in.Path, DocID: in.DocID}, true
	}
	if len(q.deadList) > 0 {
		in := q.deadList[0]
		q.deadList = q.deadList[1:]
		return ComputeMap{Tag: q.lastTag, Path: in.Path, DocID: in.DocID}, true
	}
	return ComputeMap{}, false
}

// Push appends a once-assigned payload to the dead list for re-assignment.
func (q *WorkQueue) Push(in MapInput) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deadList = append(q.deadList, in)
}

// DeadCount reports how many recycled payloads are waiting.
func (q *WorkQueue) DeadCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deadList)
}
