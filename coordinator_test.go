package pomegranate

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testHarness struct {
	co   *Coordinator
	srv  *httptest.Server
	conf *Config
}

func newHarness(t *testing.T, inputs []MapInput, numReducer int) *testHarness {
	t.Helper()

	conf := &Config{
		NumMapper:      2,
		NumReducer:     numReducer,
		ThresholdNFile: 64,
		SleepInterval:  0.05,
		PingInterval:   60,
		PingMax:        10,
		DataDir:        t.TempDir(),
		OutputPrefix:   "output",
	}
	require.NoError(t, os.MkdirAll(conf.OutputDir(), 0o777))

	co := NewCoordinator(conf, &sliceInput{items: inputs}, nil)
	co.logger.SetLevel(logrus.ErrorLevel)

	srv := httptest.NewServer(NewServer(co).Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(co.Stop)

	return &testHarness{co: co, srv: srv, conf: conf}
}

// post sends one wire message and returns the decoded reply (nil on 204).
func (h *testHarness) post(t *testing.T, msgType, nick string, data interface{}) *Envelope {
	t.Helper()

	env, err := NewEnvelope(msgType, nick, data)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	resp, err := http.Post(h.srv.URL+"/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var reply Envelope
	require.NoError(t, json.Unmarshal(raw, &reply))
	return &reply
}

func (h *testHarness) register(t *testing.T, nick string) {
	t.Helper()
	reply := h.post(t, TypeRegistration, nick, nil)
	require.NotNil(t, reply)
	require.Equal(t, TypeRegistrationOK, reply.Type)
}

func decodeBuckets(t *testing.T, env *Envelope) Buckets {
	t.Helper()
	var buckets Buckets
	require.NoError(t, env.Decode(&buckets))
	return buckets
}

func TestRegistrationAssignsSequentialIDs(t *testing.T) {
	h := newHarness(t, nil, 1)

	reply := h.post(t, TypeRegistration, "alpha", nil)
	require.Equal(t, TypeRegistrationOK, reply.Type)
	var id int
	require.NoError(t, reply.Decode(&id))
	assert.Equal(t, 0, id)

	reply = h.post(t, TypeRegistration, "beta", nil)
	require.NoError(t, reply.Decode(&id))
	assert.Equal(t, 1, id)
}

func TestNickCollision(t *testing.T) {
	h := newHarness(t, nil, 1)

	h.register(t, "alpha")
	reply := h.post(t, TypeRegistration, "alpha", nil)
	require.Equal(t, TypeChangeNick, reply.Type)

	// The client re-registers under a fresh name and the table grows by
	// exactly one entry.
	h.register(t, "alpha-42")

	h.co.mu.Lock()
	defer h.co.mu.Unlock()
	assert.Len(t, h.co.masters, 2)
}

func TestWorkRequestNeedsRegistration(t *testing.T) {
	h := newHarness(t, nil, 1)

	reply := h.post(t, TypeWorkRequest, "ghost", nil)
	require.Equal(t, TypeRegistrationNeeded, reply.Type)
}

func TestMapAssignmentAndAck(t *testing.T) {
	h := newHarness(t, []MapInput{{Path: "a.zip", DocID: 0}, {Path: "b.zip", DocID: 1}}, 1)
	h.register(t, "alpha")

	reply := h.post(t, TypeWorkRequest, "alpha", nil)
	require.Equal(t, TypeComputeMap, reply.Type)

	var work ComputeMap
	require.NoError(t, reply.Decode(&work))
	assert.Equal(t, "a.zip", work.Path)

	ack := MapAck{Tag: work.Tag, Files: []FileTriple{{Rid: 0, Fid: 10, Size: 100}}}
	require.Nil(t, h.post(t, TypeMapAck, "alpha", ack))

	snap := h.co.status.Snapshot()
	assert.Equal(t, 1, snap.MapCompleted)
	assert.Equal(t, 1, snap.MapFiles)

	h.co.mu.Lock()
	assert.Equal(t, []FileRef{{Fid: 10, Size: 100}}, h.co.reduceDict["alpha"][0])
	h.co.mu.Unlock()

	// Re-submitting the same tag is a no-op rejected with map-ack-fail.
	reply = h.post(t, TypeMapAck, "alpha", ack)
	require.NotNil(t, reply)
	assert.Equal(t, TypeMapAckFail, reply.Type)
	assert.Equal(t, 1, h.co.status.Snapshot().MapCompleted)
}

func TestAckInvariant(t *testing.T) {
	h := newHarness(t, []MapInput{{Path: "a.zip"}, {Path: "b.zip"}}, 1)
	h.register(t, "alpha")

	var tags []uint64
	for i := 0; i < 2; i++ {
		reply := h.post(t, TypeWorkRequest, "alpha", nil)
		require.Equal(t, TypeComputeMap, reply.Type)
		var work ComputeMap
		require.NoError(t, reply.Decode(&work))
		tags = append(tags, work.Tag)
	}

	require.Nil(t, h.post(t, TypeMapAck, "alpha", MapAck{Tag: tags[0]}))

	// assigned = completed + faulted + pending at every tick.
	snap := h.co.status.Snapshot()
	h.co.mu.Lock()
	pending := len(h.co.pendingWorks["alpha"])
	h.co.mu.Unlock()
	assert.Equal(t, snap.MapAssigned, snap.MapCompleted+snap.MapFaulted+pending)
}

func TestReduceAckConsumesInputsAndUnlinks(t *testing.T) {
	h := newHarness(t, []MapInput{{Path: "a.zip"}}, 1)
	h.register(t, "alpha")

	reply := h.post(t, TypeWorkRequest, "alpha", nil)
	var work ComputeMap
	require.NoError(t, reply.Decode(&work))

	// Two intermediate files for reducer 0, physically present on disk.
	for _, fid := range []int64{10, 11} {
		require.NoError(t, os.WriteFile(FileName(h.conf.OutputDir(), 0, fid), []byte("data"), 0o666))
	}
	ack := MapAck{Tag: work.Tag, Files: []FileTriple{
		{Rid: 0, Fid: 10, Size: 4},
		{Rid: 0, Fid: 11, Size: 4},
	}}
	require.Nil(t, h.post(t, TypeMapAck, "alpha", ack))

	reduce := ReduceAck{Rid: 0, Files: []FileRef{
		{Fid: 12, Size: 500},
		{Fid: 10}, {Fid: 11},
	}}
	require.Nil(t, h.post(t, TypeReduceAck, "alpha", reduce))

	h.co.mu.Lock()
	assert.Equal(t, []FileRef{{Fid: 12, Size: 500}}, h.co.reduceDict["alpha"][0])
	h.co.mu.Unlock()

	_, err := os.Stat(FileName(h.conf.OutputDir(), 0, 10))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(FileName(h.conf.OutputDir(), 0, 11))
	assert.True(t, os.IsNotExist(err))
}

func TestReduceAckUnknownInputFails(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.register(t, "alpha")

	reduce := ReduceAck{Rid: 0, Files: []FileRef{{Fid: 20, Size: 1}, {Fid: 999}}}
	reply := h.post(t, TypeReduceAck, "alpha", reduce)
	require.NotNil(t, reply)
	assert.Equal(t, TypeReduceAckFail, reply.Type)
}

func TestDisconnectRecyclesWork(t *testing.T) {
	h := newHarness(t, []MapInput{{Path: "a.zip", DocID: 0}, {Path: "b.zip", DocID: 1}}, 1)
	h.register(t, "alpha")

	// First map acked, second still pending when the master dies.
	reply := h.post(t, TypeWorkRequest, "alpha", nil)
	var first ComputeMap
	require.NoError(t, reply.Decode(&first))
	require.Nil(t, h.post(t, TypeMapAck, "alpha", MapAck{
		Tag:   first.Tag,
		Files: []FileTriple{{Rid: 0, Fid: 10, Size: 4}},
	}))

	reply = h.post(t, TypeWorkRequest, "alpha", nil)
	require.Equal(t, TypeComputeMap, reply.Type)
	var second ComputeMap
	require.NoError(t, reply.Decode(&second))

	h.co.onMasterDied("alpha")

	assert.Equal(t, 1, h.co.workQueue.DeadCount())
	snap := h.co.status.Snapshot()
	assert.Equal(t, 1, snap.MapFaulted)
	assert.Equal(t, 1, snap.Faults)

	// A second master inherits the recycled payload...
	h.register(t, "beta")
	reply = h.post(t, TypeWorkRequest, "beta", nil)
	require.Equal(t, TypeComputeMap, reply.Type)
	var recycled ComputeMap
	require.NoError(t, reply.Decode(&recycled))
	assert.Equal(t, second.Path, recycled.Path)

	require.Nil(t, h.post(t, TypeMapAck, "beta", MapAck{Tag: recycled.Tag}))

	// ...and the orphaned bucket via reduce-recovery.
	reply = h.post(t, TypeWorkRequest, "beta", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)
	buckets := decodeBuckets(t, reply)
	require.Len(t, buckets, 1)
	assert.Equal(t, []FileRef{{Fid: 10, Size: 4}}, buckets[0])
}

func TestReregistrationReclaimsDeadBuckets(t *testing.T) {
	h := newHarness(t, []MapInput{{Path: "a.zip"}}, 1)
	h.register(t, "alpha")

	reply := h.post(t, TypeWorkRequest, "alpha", nil)
	var work ComputeMap
	require.NoError(t, reply.Decode(&work))
	require.Nil(t, h.post(t, TypeMapAck, "alpha", MapAck{
		Tag:   work.Tag,
		Files: []FileTriple{{Rid: 0, Fid: 7, Size: 1}},
	}))

	h.co.onMasterDied("alpha")
	h.register(t, "alpha")

	// The queued recovery is delivered on the next work request.
	reply = h.post(t, TypeWorkRequest, "alpha", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)
	buckets := decodeBuckets(t, reply)
	assert.Equal(t, []FileRef{{Fid: 7, Size: 1}}, buckets[0])
}

func TestEndOfStreamSentOncePerMaster(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.register(t, "alpha")

	// Two files still sitting in the bucket keep the reduce phase open.
	h.co.mu.Lock()
	h.co.reduceDict["alpha"][0] = []FileRef{{Fid: 1, Size: 1}, {Fid: 2, Size: 1}}
	h.co.mu.Unlock()

	reply := h.post(t, TypeWorkRequest, "alpha", nil)
	require.Equal(t, TypeEndOfStream, reply.Type)
	assert.Equal(t, "Reduce", h.co.status.Snapshot().Phase)

	reply = h.post(t, TypeWorkRequest, "alpha", nil)
	require.Equal(t, TypeTryLater, reply.Type)
}

func TestMergeAssignmentRoundRobin(t *testing.T) {
	h := newHarness(t, nil, 2)
	for _, nick := range []string{"m1", "m2", "m3"} {
		h.register(t, nick)
	}

	// Six map outputs spread over the masters, already reduced down to at
	// most one file per (master, rid) slot.
	h.co.mu.Lock()
	h.co.reduceDict["m1"][0] = []FileRef{{Fid: 1, Size: 1}}
	h.co.reduceDict["m1"][1] = []FileRef{{Fid: 2, Size: 1}}
	h.co.reduceDict["m2"][0] = []FileRef{{Fid: 3, Size: 1}}
	h.co.reduceDict["m2"][1] = []FileRef{{Fid: 4, Size: 1}}
	h.co.reduceDict["m3"][0] = []FileRef{{Fid: 5, Size: 1}}
	h.co.reduceDict["m3"][1] = []FileRef{{Fid: 6, Size: 1}}
	h.co.mu.Unlock()

	// m3 triggers the merge assignment; its own slot ends up empty so it
	// is dismissed.
	reply := h.post(t, TypeWorkRequest, "m3", nil)
	require.Equal(t, TypePlzDie, reply.Type)
	assert.Equal(t, "Merge", h.co.status.Snapshot().Phase)

	// acc[0] concentrates on m1, acc[1] on m2.
	reply = h.post(t, TypeWorkRequest, "m1", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)
	buckets := decodeBuckets(t, reply)
	assert.Len(t, buckets[0], 3)
	assert.Empty(t, buckets[1])

	reply = h.post(t, TypeWorkRequest, "m2", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)
	buckets = decodeBuckets(t, reply)
	assert.Empty(t, buckets[0])
	assert.Len(t, buckets[1], 3)

	// Both are marked; a further request backs off.
	reply = h.post(t, TypeWorkRequest, "m1", nil)
	require.Equal(t, TypeTryLater, reply.Type)
}

func TestMergePhaseDeathMovesWorkToDeadTable(t *testing.T) {
	h := newHarness(t, nil, 1)
	h.register(t, "m1")
	h.register(t, "m2")

	h.co.mu.Lock()
	h.co.reduceDict["m1"][0] = []FileRef{{Fid: 1, Size: 1}}
	h.co.reduceDict["m2"][0] = []FileRef{{Fid: 2, Size: 1}}
	h.co.mu.Unlock()

	// m1 triggers the merge and receives the merged bucket for rid 0.
	reply := h.post(t, TypeWorkRequest, "m1", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)

	// m1 dies mid-merge; its bucket lands in the dead table and the next
	// request from m2 inherits it.
	h.co.onMasterDied("m1")

	reply = h.post(t, TypeWorkRequest, "m2", nil)
	require.Equal(t, TypeReduceRecovery, reply.Type)
	buckets := decodeBuckets(t, reply)
	assert.Len(t, buckets[0], 2)
}

func TestKeepAliveEchoAndDegreePiggyback(t *testing.T) {
	h := newHarness(t, nil, 1)

	reply := h.post(t, TypeKeepAlive, "ghost", KeepAlive{Timeprobe: 1})
	require.Equal(t, TypeRegistrationNeeded, reply.Type)

	h.register(t, "alpha")

	reply = h.post(t, TypeKeepAlive, "alpha", KeepAlive{Timeprobe: 123.5})
	require.Equal(t, TypeKeepAlive, reply.Type)
	var probe float64
	require.NoError(t, reply.Decode(&probe))
	assert.Equal(t, 123.5, probe)

	// An operator requests two extra workers; delivery rides the next
	// keep-alive reply.
	require.Nil(t, h.post(t, TypeChangeDegree, "alpha", 2))

	reply = h.post(t, TypeKeepAlive, "alpha", KeepAlive{Timeprobe: 124.5})
	require.Equal(t, TypeChangeDegree, reply.Type)
	var delta int
	require.NoError(t, reply.Decode(&delta))
	assert.Equal(t, 2, delta)

	require.Nil(t, h.post(t, TypeChangeDegreeAck, "alpha", 4))

	h.co.mu.Lock()
	assert.Equal(t, degreeAcknowledged, h.co.masters["alpha"].parState)
	h.co.mu.Unlock()
}

func TestPhaseNeverMovesBackward(t *testing.T) {
	s := NewApplicationStatus("test")
	s.AdvancePhase(PhaseMerge)
	s.AdvancePhase(PhaseReduce)
	assert.Equal(t, PhaseMerge, s.Phase())
}
