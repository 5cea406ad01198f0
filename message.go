package pomegranate

// The message layer: tagged messages exchanged between Coordinator and
// Masters over the HTTP wire, and between a Master and its local workers
// over in-process channels.

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Wire message types exchanged between Coordinator and Master. Every HTTP
// body is an envelope carrying one of these in its type field.
const (
	// Master to Coordinator.
	TypeRegistration    = "registration"
	TypeWorkRequest     = "work-request"
	TypeMapAck          = "map-ack"
	TypeReduceAck       = "reduce-ack"
	TypeKeepAlive       = "keep-alive"
	TypeChangeDegreeAck = "change-degree-ack"

	// Coordinator to Master.
	TypeRegistrationOK     = "registration-ok"
	TypeRegistrationNeeded = "registration-needed"
	TypeChangeNick         = "change-nick"
	TypeComputeMap         = "compute-map"
	TypeReduceRecovery     = "reduce-recovery"
	TypeTryLater           = "try-later"
	TypeEndOfStream        = "end-of-stream"
	TypePlzDie             = "plz-die"
	TypeChangeDegree       = "change-degree"
	TypeMapAckFail         = "map-ack-fail"
	TypeReduceAckFail      = "reduce-ack-fail"
)

// Envelope is the JSON body of every wire message, in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Nick string          `json:"nick"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an envelope, marshaling data into the raw payload.
// A nil data leaves the payload empty.
func NewEnvelope(msgType, nick string, data interface{}) (*Envelope, error) {
	env := &Envelope{Type: msgType, Nick: nick}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.Wrapf(err, "marshal %s payload", msgType)
		}
		env.Data = raw
	}
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e *Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.Errorf("message %s carries no payload", e.Type)
	}
	return errors.Wrapf(json.Unmarshal(e.Data, v), "decode %s payload", e.Type)
}

// MapInput is the payload of a map job: an input path paired with the
// document id assigned by the input generator.
type MapInput struct {
	Path  string `json:"path"`
	DocID int    `json:"docid"`
}

// FileRef identifies one intermediate file inside a reduce bucket.
type FileRef struct {
	Fid  int64 `json:"fid"`
	Size int64 `json:"size"`
}

// FileTriple describes one map output file: the reducer index it is routed
// to, its unique id and its size in bytes.
type FileTriple struct {
	Rid  int   `json:"rid"`
	Fid  int64 `json:"fid"`
	Size int64 `json:"size"`
}

// ComputeMap is the payload of a compute-map reply.
type ComputeMap struct {
	Tag   uint64 `json:"tag"`
	Path  string `json:"path"`
	DocID int    `json:"docid"`
}

// MapAck acknowledges a completed map job, listing every intermediate file
// it produced.
type MapAck struct {
	Tag   uint64       `json:"tag"`
	Files []FileTriple `json:"files"`
}

// ReduceAck acknowledges a completed reduce. Files[0] is the produced
// output; the remaining entries are the consumed inputs, which the
// Coordinator deletes from disk.
type ReduceAck struct {
	Rid   int       `json:"rid"`
	Files []FileRef `json:"files"`
}

// KeepAlive is the payload of a master keep-alive probe. Timeprobe is
// echoed back by the Coordinator so the Master can measure the round trip.
type KeepAlive struct {
	Timeprobe float64              `json:"timeprobe"`
	Status    MasterStatusSnapshot `json:"status"`
}

// Buckets is a reduce-recovery snapshot: one ordered file list per reducer
// index. A nil outer slice means the master has no merge work.
type Buckets [][]FileRef

// Clone deep-copies the bucket snapshot.
func (b Buckets) Clone() Buckets {
	if b == nil {
		return nil
	}
	out := make(Buckets, len(b))
	for i, lst := range b {
		out[i] = append([]FileRef(nil), lst...)
	}
	return out
}

// Commands carried on the local channel between a Master and its workers.
type Command int

const (
	CmdAvailable Command = iota + 1
	CmdComputeMap
	CmdComputeReduce
	CmdFinishedMap
	CmdFinishedReduce
	CmdSleep
	CmdQuit
)

var commandNames = map[Command]string{
	CmdAvailable:      "AVAILABLE",
	CmdComputeMap:     "COMPUTE-MAP",
	CmdComputeReduce:  "COMPUTE-REDUCE",
	CmdFinishedMap:    "FINISHED-MAP",
	CmdFinishedReduce: "FINISHED-REDUCE",
	CmdSleep:          "SLEEP",
	CmdQuit:           "QUIT",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// TaskInfo is the performance measure returned by a worker alongside task
// results: total bytes produced and elapsed wall time in seconds.
type TaskInfo struct {
	Bytes   int64   `json:"bytes"`
	Elapsed float64 `json:"elapsed"`
}

// WorkerMessage travels on the channel pair between a Master and one
// worker. Only the fields relevant to the command are populated.
type WorkerMessage struct {
	Command Command
	Tag     uint64

	// CmdComputeMap
	Map MapInput

	// CmdComputeReduce: the reducer index travels in Tag, the inputs here.
	ReduceInputs []int64

	// CmdSleep
	Sleep time.Duration

	// CmdFinishedMap / CmdFinishedReduce
	Info        TaskInfo
	MapFiles    []FileTriple
	ReduceFiles []FileRef
}
