package pomegranate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Master is a client of the Coordinator and a local orchestrator over a
// bounded pool of generic workers. It pulls map jobs, triggers local
// reduces when file thresholds are met, reports completions and takes part
// in the final merge phase.
type Master struct {
	conf *Config
	log  *logrus.Entry

	client *http.Client

	// Guarded by mu: identity, map bookkeeping and the kill counter.
	mu          sync.Mutex
	nick        string
	uniqueID    int
	registered  bool
	endOfStream bool
	numMap      int
	mapQueue    []WorkerMessage
	unitsToKill int

	// Guarded by reduceMu: reduce state and markers.
	reduceMu      sync.Mutex
	reducingFiles [][]FileRef
	reduceStarted []bool

	status *MasterStatus
	store  BlobStore

	comms   *Muxer
	mapper  Mapper
	reducer Reducer

	// pump bounds the outstanding work-requests to the number of worker
	// slots. Releases beyond capacity are dropped, which keeps the merge
	// phase top-up idempotent.
	nMachines int
	pump      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	finished   chan struct{}
	finishOnce sync.Once

	done chan struct{}
}

// NewMaster creates a Master identified by nick. The mapper and reducer
// implementations are handed to every spawned worker; store may be nil when
// the blob store is disabled.
func NewMaster(nick string, conf *Config, mapper Mapper, reducer Reducer, store BlobStore) (*Master, error) {
	nMachines, err := CountMachines(conf.MachineFile)
	if err != nil {
		return nil, err
	}
	if nMachines <= 0 {
		return nil, errors.New("machine file declares no worker slots")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Master{
		conf: conf,
		log:  logrus.WithFields(logrus.Fields{"component": "master", "nick": nick}),
		client: &http.Client{
			Transport: &http.Transport{MaxIdleConnsPerHost: 4},
		},
		nick:      nick,
		uniqueID:  -1,
		status:    &MasterStatus{},
		store:     store,
		mapper:    mapper,
		reducer:   reducer,
		nMachines: nMachines,
		pump:      make(chan struct{}, nMachines),
		ctx:       ctx,
		cancel:    cancel,
		finished:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	for i := 0; i < nMachines; i++ {
		m.pump <- struct{}{}
	}

	m.reducingFiles = make([][]FileRef, conf.NumReducer)
	m.reduceStarted = make([]bool, conf.NumReducer)
	for i := range m.reducingFiles {
		m.reducingFiles[i] = []FileRef{}
	}

	m.log.WithField("slots", nMachines).Info("available worker slots")
	return m, nil
}

// Run registers with the Coordinator and drives the computation to
// completion. It blocks until a plz-die message terminates the run.
func (m *Master) Run() error {
	if err := m.register(); err != nil {
		return err
	}

	nproc := m.nMachines
	if limit := maxInt(m.conf.NumMapper, m.conf.NumReducer); limit < nproc {
		nproc = limit
	}
	m.log.WithField("workers", nproc).Info("starting worker pool")

	interval := time.Duration(m.conf.SleepInterval * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	m.comms = NewMuxer(nproc, interval, func(ic *Intercomm) {
		NewWorker(ic.ID, ic, m.mapper, m.reducer, m.store, m.conf).Run()
	})
	m.status.SetProc(nproc)

	var g errgroup.Group
	g.Go(func() error { m.requesterLoop(); return nil })
	g.Go(func() error { m.keepAliveLoop(); return nil })

	m.mainLoop()
	g.Wait()
	close(m.done)
	return nil
}

// Wait blocks until the run has terminated.
func (m *Master) Wait() {
	<-m.done
}

// Nick returns the current (possibly re-randomized) nick.
func (m *Master) Nick() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nick
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

//
// Coordinator client
//

// send posts one wire message and dispatches the reply. A 204 reply carries
// no envelope and dispatches nothing.
func (m *Master) send(msgType string, data interface{}) error {
	env, err := NewEnvelope(msgType, m.Nick(), data)
	if err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	resp, err := m.client.Post(m.conf.MasterURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return errors.Wrapf(err, "post %s", msgType)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "read reply")
	}
	if len(raw) == 0 {
		return nil
	}

	var reply Envelope
	if err := json.Unmarshal(raw, &reply); err != nil {
		return errors.Wrap(err, "decode reply")
	}
	return m.handleReply(&reply)
}

// register announces the master, retrying with exponential backoff until
// the Coordinator accepts a nick and assigns the unique id. It gives up
// and returns the last error after 8 retries.
func (m *Master) register() error {
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8)
	return backoff.Retry(func() error {
		if err := m.send(TypeRegistration, nil); err != nil {
			m.log.WithError(err).Warning("registration attempt failed")
			return err
		}
		m.mu.Lock()
		ok := m.registered
		m.mu.Unlock()
		if !ok {
			return errors.New("registration not acknowledged")
		}
		return nil
	}, policy)
}

func (m *Master) handleReply(env *Envelope) error {
	switch env.Type {
	case TypeRegistrationOK:
		return m.onRegistrationOK(env)
	case TypeChangeNick:
		return m.onChangeNick()
	case TypeComputeMap:
		return m.onComputeMap(env)
	case TypeReduceRecovery:
		return m.onReduceRecovery(env)
	case TypeTryLater:
		m.onTryLater()
	case TypeEndOfStream:
		m.onEndOfStream()
	case TypePlzDie:
		m.onPlzDie()
	case TypeKeepAlive:
		return m.onKeepAliveEcho(env)
	case TypeChangeDegree:
		return m.onChangeDegree(env)
	case TypeRegistrationNeeded:
		m.mu.Lock()
		m.registered = false
		m.mu.Unlock()
		return errors.New("coordinator lost our registration")
	case TypeMapAckFail, TypeReduceAckFail:
		m.log.WithField("type", env.Type).Error("coordinator rejected an ack")
	default:
		m.log.WithField("type", env.Type).Error("unhandled reply type")
	}
	return nil
}

func (m *Master) onRegistrationOK(env *Envelope) error {
	var id int
	if err := env.Decode(&id); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		m.log.Error("already registered")
		return nil
	}
	m.registered = true
	m.uniqueID = id
	m.log.WithField("id", id).Info("registered")
	return nil
}

// onChangeNick re-randomizes the nick after a collision and retries.
func (m *Master) onChangeNick() error {
	host, _ := os.Hostname()
	fresh := fmt.Sprintf("%s-%d", host, rand.Intn(1000))

	m.mu.Lock()
	m.nick = fresh
	m.mu.Unlock()

	m.log.WithField("nick", fresh).Warning("nick collision, re-registering")
	return m.send(TypeRegistration, nil)
}

func (m *Master) onComputeMap(env *Envelope) error {
	var work ComputeMap
	if err := env.Decode(&work); err != nil {
		return err
	}
	m.mu.Lock()
	m.mapQueue = append(m.mapQueue, WorkerMessage{
		Command: CmdComputeMap,
		Tag:     work.Tag,
		Map:     MapInput{Path: work.Path, DocID: work.DocID},
	})
	m.mu.Unlock()
	return nil
}

func (m *Master) onReduceRecovery(env *Envelope) error {
	var buckets Buckets
	if err := env.Decode(&buckets); err != nil {
		return err
	}
	m.log.WithField("buckets", len(buckets)).Info("recovering reduce state")

	m.reduceMu.Lock()
	defer m.reduceMu.Unlock()
	m.reducingFiles = make([][]FileRef, m.conf.NumReducer)
	m.reduceStarted = make([]bool, m.conf.NumReducer)
	for i := range m.reducingFiles {
		if i < len(buckets) && buckets[i] != nil {
			m.reducingFiles[i] = append([]FileRef{}, buckets[i]...)
		} else {
			m.reducingFiles[i] = []FileRef{}
		}
	}
	return nil
}

// acquirePump takes one permit, aborting when the run terminates.
func (m *Master) acquirePump() bool {
	select {
	case <-m.pump:
		return true
	case <-m.ctx.Done():
		return false
	}
}

// releasePump returns one permit. Surplus releases are dropped.
func (m *Master) releasePump() {
	select {
	case m.pump <- struct{}{}:
	default:
	}
}

// onTryLater releases the pump permit after a 1 second pause.
func (m *Master) onTryLater() {
	time.AfterFunc(time.Second, m.releasePump)
}

func (m *Master) onEndOfStream() {
	m.mu.Lock()
	m.endOfStream = true
	m.mu.Unlock()
}

func (m *Master) onPlzDie() {
	m.log.Info("termination message received")
	m.finishOnce.Do(func() {
		m.comms.SendAll(WorkerMessage{Command: CmdQuit})
		close(m.finished)
		m.releasePump()
		m.cancel()
	})
}

func (m *Master) onKeepAliveEcho(env *Envelope) error {
	var probe float64
	if err := env.Decode(&probe); err != nil {
		return err
	}
	rtt := nowSeconds() - probe
	m.status.Update(func(s *MasterStatus) { s.RTT = rtt })
	return nil
}

// onChangeDegree adjusts the worker pool by the requested delta. Growth is
// acknowledged immediately; shrinking is acknowledged as idle workers are
// actually dismissed.
func (m *Master) onChangeDegree(env *Envelope) error {
	var delta int
	if err := env.Decode(&delta); err != nil {
		return err
	}
	m.log.WithField("delta", delta).Info("parallelism degree change requested")

	if delta < 0 {
		m.mu.Lock()
		m.unitsToKill += -delta
		m.mu.Unlock()
		return nil
	}

	m.comms.SpawnMore(delta)
	total := m.comms.Total()
	m.status.SetProc(total)
	return m.send(TypeChangeDegreeAck, total)
}

//
// Request pump and keep-alive
//

func (m *Master) requesterLoop() {
	for {
		if !m.acquirePump() {
			m.log.Debug("requester exited")
			return
		}
		select {
		case <-m.finished:
			return
		default:
		}
		if err := m.send(TypeWorkRequest, nil); err != nil {
			m.log.WithError(err).Error("work request failed")
			m.onTryLater()
		}
	}
}

func (m *Master) keepAliveLoop() {
	interval := time.Duration(m.conf.PingInterval * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.finished:
			return
		case <-ticker.C:
			probe := KeepAlive{Timeprobe: nowSeconds(), Status: m.status.Snapshot()}
			if err := m.send(TypeKeepAlive, probe); err != nil {
				m.log.WithError(err).Warning("keep-alive failed")
			}
		}
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

//
// Dispatch loop
//

// isFinished reports whether the stream ended, every in-flight map
// returned, the local queue drained and no reducer is marked started.
func (m *Master) isFinished() bool {
	m.mu.Lock()
	exit := m.endOfStream && m.numMap == 0 && len(m.mapQueue) == 0
	m.mu.Unlock()
	if !exit {
		return false
	}

	m.reduceMu.Lock()
	defer m.reduceMu.Unlock()
	for _, started := range m.reduceStarted {
		if started {
			return false
		}
	}
	return true
}

func (m *Master) terminated() bool {
	select {
	case <-m.finished:
		return true
	default:
		return false
	}
}

// mainLoop runs the three stages of the computation: the primary loop until
// the stream is exhausted, a drain assigning the final local reduces, and
// the globally coordinated merge.
func (m *Master) mainLoop() {
	for !m.isFinished() && !m.terminated() {
		ic, msg, ok := m.comms.Receive(m.finished)
		if !ok {
			m.log.Info("merge was not necessary")
			return
		}
		switch msg.Command {
		case CmdAvailable:
			if !m.gotKilled(ic) {
				m.assignWork(ic, false)
			}
		case CmdFinishedMap:
			m.mapFinished(msg)
		case CmdFinishedReduce:
			m.reduceFinished(msg, false)
		}
	}

	toAssign := m.conf.NumReducer
	m.log.WithField("reducers", toAssign).Info("final phase, draining reducers")

	for toAssign > 0 && !m.terminated() {
		ic, msg, ok := m.comms.Receive(m.finished)
		if !ok {
			break
		}
		switch msg.Command {
		case CmdAvailable:
			if !m.gotKilled(ic) {
				if m.assignWork(ic, true) == CmdSleep {
					toAssign--
				}
			}
		case CmdFinishedReduce:
			m.reduceFinished(msg, true)
			toAssign--
		}
	}

	if !m.terminated() {
		m.mergePhase()
	} else {
		m.log.Info("merge was not necessary")
	}
}

// mergePhase resets the local reduce state and keeps serving the reduce
// assignments dictated by reduce-recovery messages until plz-die.
func (m *Master) mergePhase() {
	m.reduceMu.Lock()
	for i := range m.reducingFiles {
		m.reducingFiles[i] = []FileRef{}
		m.reduceStarted[i] = false
	}
	m.reduceMu.Unlock()

	for i := 0; i < m.nMachines; i++ {
		m.releasePump()
	}
	m.log.Info("entering merge phase")

	for !m.terminated() {
		ic, msg, ok := m.comms.Receive(m.finished)
		if !ok {
			return
		}
		switch msg.Command {
		case CmdAvailable:
			if !m.gotKilled(ic) {
				m.assignWork(ic, true)
			}
		case CmdFinishedReduce:
			m.reduceFinished(msg, false)
			m.releasePump()
		}
	}
}

// gotKilled dismisses the worker when a parallelism decrease is pending.
func (m *Master) gotKilled(ic *Intercomm) bool {
	m.mu.Lock()
	kill := m.unitsToKill > 0
	if kill {
		m.unitsToKill--
	}
	m.mu.Unlock()
	if !kill {
		return false
	}

	ic.Send(WorkerMessage{Command: CmdQuit})
	m.comms.Remove(ic)

	total := m.comms.Total()
	m.status.SetProc(total)
	if err := m.send(TypeChangeDegreeAck, total); err != nil {
		m.log.WithError(err).Warning("change-degree ack failed")
	}
	m.log.WithField("worker", ic.ID).Info("worker dismissed")
	return true
}

// assignWork hands the worker either a threshold-triggered reduce, a queued
// map, or a dummy sleep, and returns the assigned command.
func (m *Master) assignWork(ic *Intercomm, finalPhase bool) Command {
	work := m.checkThreshold(finalPhase)
	if work == nil {
		work = m.popWork()
	} else {
		m.reduceMu.Lock()
		m.reduceStarted[int(work.Tag)] = true
		m.reduceMu.Unlock()
	}

	switch work.Command {
	case CmdComputeMap:
		m.status.Update(func(s *MasterStatus) { s.MapOngoing++ })
	case CmdComputeReduce:
		m.status.Update(func(s *MasterStatus) { s.ReduceOngoing++ })
	}

	m.log.WithFields(logrus.Fields{
		"worker": ic.ID,
		"role":   work.Command.String(),
	}).Debug("assigning role")

	ic.Send(*work)
	return work.Command
}

// popWork extracts a queued map job, falling back to a dummy sleep.
func (m *Master) popWork() *WorkerMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.mapQueue) > 0 {
		work := m.mapQueue[0]
		m.mapQueue = m.mapQueue[1:]
		m.numMap++
		return &work
	}
	return &WorkerMessage{
		Command: CmdSleep,
		Sleep:   time.Duration(m.conf.SleepInterval * float64(time.Second)),
	}
}

// checkThreshold scans the reduce slots in index order and returns a reduce
// assignment once a slot accumulates threshold-nfile files (always more
// than one). With ignoreLimits every non-empty slot with at least two files
// is force-drained.
func (m *Master) checkThreshold(ignoreLimits bool) *WorkerMessage {
	m.reduceMu.Lock()
	defer m.reduceMu.Unlock()

	for rid, files := range m.reducingFiles {
		if m.reduceStarted[rid] {
			continue
		}

		count := 0
		overflow := false
		for range files {
			count++
			if !ignoreLimits && count >= m.conf.ThresholdNFile && count > 1 {
				overflow = true
				break
			}
		}
		if count <= 1 || (!ignoreLimits && !overflow) {
			continue
		}

		assigned := files[:count]
		m.reducingFiles[rid] = append([]FileRef{}, files[count:]...)

		fids := make([]int64, len(assigned))
		for i, f := range assigned {
			fids[i] = f.Fid
		}
		m.log.WithFields(logrus.Fields{
			"rid":      rid,
			"files":    fids,
			"overflow": overflow,
		}).Info("files to reduce")

		return &WorkerMessage{
			Command:      CmdComputeReduce,
			Tag:          uint64(rid),
			ReduceInputs: fids,
		}
	}
	return nil
}

// mapFinished updates the local state and acknowledges the map job to the
// Coordinator, recording its output files for future local reduces.
func (m *Master) mapFinished(msg WorkerMessage) {
	m.mu.Lock()
	m.numMap--
	m.mu.Unlock()

	m.releasePump()

	if err := m.send(TypeMapAck, MapAck{Tag: msg.Tag, Files: msg.MapFiles}); err != nil {
		m.log.WithError(err).Error("map ack failed")
	}

	nFiles := 0
	var totSize int64
	m.reduceMu.Lock()
	for _, f := range msg.MapFiles {
		nFiles++
		totSize += f.Size
		m.reducingFiles[f.Rid] = append(m.reducingFiles[f.Rid], FileRef{Fid: f.Fid, Size: f.Size})
	}
	m.reduceMu.Unlock()

	m.status.Update(func(s *MasterStatus) {
		s.MapFinished++
		s.MapOngoing--
		s.MapFiles += nFiles
		s.MapBytes += totSize
		s.Bandwidth += float64(msg.Info.Bytes)
		s.Time += msg.Info.Elapsed
	})
}

// reduceFinished updates the local state and acknowledges the reduce to the
// Coordinator. With skip the output is not re-queued locally; the drain
// loop uses that once a slot is terminal.
func (m *Master) reduceFinished(msg WorkerMessage, skip bool) {
	rid := int(msg.Tag)

	if !skip {
		m.reduceMu.Lock()
		m.reduceStarted[rid] = false
		if len(msg.ReduceFiles) > 0 {
			m.reducingFiles[rid] = append(m.reducingFiles[rid], msg.ReduceFiles[0])
		}
		m.reduceMu.Unlock()
	}

	if err := m.send(TypeReduceAck, ReduceAck{Rid: rid, Files: msg.ReduceFiles}); err != nil {
		m.log.WithError(err).Error("reduce ack failed")
	}

	var outSize int64
	if len(msg.ReduceFiles) > 0 {
		outSize = msg.ReduceFiles[0].Size
	}
	m.status.Update(func(s *MasterStatus) {
		s.ReduceFinished++
		s.ReduceOngoing--
		s.ReduceFiles++
		s.ReduceBytes += outSize
		s.Bandwidth += float64(msg.Info.Bytes)
		s.Time += msg.Info.Elapsed
	})
}
