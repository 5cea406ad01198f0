package pomegranate

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Parallelism-degree change handshake states.
const (
	degreeAcknowledged = iota
	degreeRequested
	degreeSent
)

// masterRecord is the Coordinator-side view of one registered master.
type masterRecord struct {
	nick     string
	uniqueID int

	rtt      float64
	lastSeen time.Time

	parDegree int
	parState  int

	eosSent bool
}

// finalFile records the terminal output of one reducer index.
type finalFile struct {
	nick string
	name string
	size int64
}

// Coordinator owns the authoritative view of the work: it assigns map jobs
// to masters, orchestrates the transition to the merge phase and recovers
// the work of dead masters.
type Coordinator struct {
	conf   *Config
	logger *logrus.Logger
	log    *logrus.Entry

	status   *ApplicationStatus
	metrics  *metrics
	registry *prometheus.Registry
	store    BlobStore

	workQueue *WorkQueue

	// mu guards every mutable structure below. It is held only for
	// structural changes, never across network or disk I/O.
	mu              sync.Mutex
	masters         map[string]*masterRecord
	lastID          int
	pendingWorks    map[string][]ComputeMap
	reduceDict      map[string]Buckets
	deadReduceDict  map[string]Buckets
	reduceMark      map[string]bool
	pendingRecovery map[string]Buckets

	reduceFiles    []finalFile
	resultsPrinted bool

	finished chan struct{}
	stopOnce sync.Once
}

// NewCoordinator builds a Coordinator over the given input source. store
// may be nil when the blob store is disabled.
func NewCoordinator(conf *Config, gen InputSource, store BlobStore) *Coordinator {
	logger := logrus.New()
	status := NewApplicationStatus(uuid.NewString())
	logger.AddHook(&statusLogHook{status: status})
	registry := prometheus.NewRegistry()

	c := &Coordinator{
		conf:     conf,
		logger:   logger,
		log:      logger.WithField("component", "coordinator"),
		status:   status,
		metrics:  newMetrics(registry),
		registry: registry,
		store:    store,

		workQueue: NewWorkQueue(gen),

		masters:         make(map[string]*masterRecord),
		lastID:          -1,
		pendingWorks:    make(map[string][]ComputeMap),
		reduceDict:      make(map[string]Buckets),
		deadReduceDict:  make(map[string]Buckets),
		reduceMark:      make(map[string]bool),
		pendingRecovery: make(map[string]Buckets),

		reduceFiles: make([]finalFile, conf.NumReducer),

		finished: make(chan struct{}),
	}
	return c
}

// Status exposes the live application status.
func (c *Coordinator) Status() *ApplicationStatus {
	return c.status
}

// Stop terminates the heartbeat loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.finished) })
}

// statusLogHook mirrors coordinator log lines into the dashboard ring.
type statusLogHook struct {
	status *ApplicationStatus
}

func (h *statusLogHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel}
}

func (h *statusLogHook) Fire(e *logrus.Entry) error {
	h.status.PushLog(e.Message)
	return nil
}

//
// Registration and liveness
//

// onRegistration admits a master. A nick collision asks the client to pick
// a new one; a nick known to the dead table reclaims its orphaned buckets.
func (c *Coordinator) onRegistration(nick string) *Envelope {
	c.mu.Lock()

	if _, taken := c.masters[nick]; taken {
		c.mu.Unlock()
		c.log.WithField("nick", nick).Warning("collision, nick already registered")
		return mustEnvelope(TypeChangeNick, "", nil)
	}

	c.lastID++
	rec := &masterRecord{
		nick:     nick,
		uniqueID: c.lastID,
		parState: degreeAcknowledged,
		lastSeen: time.Now(),
	}
	c.masters[nick] = rec

	if dead, ok := c.deadReduceDict[nick]; ok {
		c.reduceDict[nick] = dead
		delete(c.deadReduceDict, nick)
		c.pendingRecovery[nick] = dead.Clone()
		c.log.WithField("nick", nick).Info("queued recovery for returning master")
	} else {
		buckets := make(Buckets, c.conf.NumReducer)
		for i := range buckets {
			buckets[i] = []FileRef{}
		}
		c.reduceDict[nick] = buckets
	}
	id := rec.uniqueID
	c.mu.Unlock()

	c.status.UpdateMaster(nick, MasterStatusSnapshot{State: "online"})
	c.metrics.mastersOnline.Inc()
	c.log.WithFields(logrus.Fields{"nick": nick, "id": id}).Info("master registered")
	return mustEnvelope(TypeRegistrationOK, "", id)
}

// onMasterDied recycles the work of a disconnected master: pending maps go
// back to the work queue dead list, reduce buckets move to the dead table.
func (c *Coordinator) onMasterDied(nick string) {
	c.mu.Lock()
	if _, ok := c.masters[nick]; !ok {
		c.mu.Unlock()
		return
	}

	recycled := 0
	for _, work := range c.pendingWorks[nick] {
		c.workQueue.Push(MapInput{Path: work.Path, DocID: work.DocID})
		recycled++
	}
	delete(c.pendingWorks, nick)

	orphaned := 0
	if buckets := c.reduceDict[nick]; buckets != nil {
		c.deadReduceDict[nick] = buckets
		for _, lst := range buckets {
			if len(lst) > 0 {
				orphaned++
			}
		}
	}
	delete(c.reduceDict, nick)
	delete(c.masters, nick)
	delete(c.reduceMark, nick)
	delete(c.pendingRecovery, nick)
	c.mu.Unlock()

	c.status.MarkMasterDead(nick)
	c.status.Update(func(s *ApplicationStatus) {
		s.MapFaulted += recycled
		s.ReduceFaulted += orphaned
	})
	c.metrics.masterFaults.Inc()
	c.metrics.mastersOnline.Dec()
	for i := 0; i < recycled; i++ {
		c.metrics.mapsFaulted.Inc()
	}
	for i := 0; i < orphaned; i++ {
		c.metrics.reducesFaulted.Inc()
	}

	c.log.WithFields(logrus.Fields{
		"nick":     nick,
		"maps":     recycled,
		"orphaned": orphaned,
	}).Warning("master disconnected, work recycled")
}

// heartbeatLoop periodically checks the recorded round trips. Per policy it
// only warns when a master exceeds ping-max; it never evicts.
func (c *Coordinator) heartbeatLoop() {
	interval := time.Duration(c.conf.PingInterval * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.finished:
			return
		case <-ticker.C:
			c.mu.Lock()
			type probe struct {
				nick string
				rtt  float64
			}
			var over []probe
			for nick, rec := range c.masters {
				if rec.rtt > c.conf.PingMax {
					over = append(over, probe{nick, rec.rtt})
				}
			}
			c.mu.Unlock()

			for _, p := range over {
				c.log.WithFields(logrus.Fields{
					"nick": p.nick,
					"rtt":  p.rtt,
					"max":  c.conf.PingMax,
				}).Warning("round trip above the limit")
			}
		}
	}
}

//
// Work assignment
//

// onWorkRequest picks exactly one reply for a master asking for work.
func (c *Coordinator) onWorkRequest(nick string) *Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.masters[nick]; !ok {
		return mustEnvelope(TypeRegistrationNeeded, "", nil)
	}

	if buckets, ok := c.pendingRecovery[nick]; ok {
		delete(c.pendingRecovery, nick)
		c.log.WithField("nick", nick).Info("delivering queued recovery")
		return mustEnvelope(TypeReduceRecovery, "", buckets)
	}

	if c.status.Phase() == PhaseMerge {
		return c.assignMergeWork(nick)
	}
	return c.assignGenericWork(nick)
}

// assignMergeWork serves a work request during the merge phase. Callers
// hold c.mu.
func (c *Coordinator) assignMergeWork(nick string) *Envelope {
	if c.reduceMark[nick] {
		if buckets, ok := c.splitReduceWork(nick); ok {
			return mustEnvelope(TypeReduceRecovery, "", buckets)
		}
		return mustEnvelope(TypeTryLater, "", nil)
	}

	if buckets := c.reduceDict[nick]; buckets != nil {
		c.reduceMark[nick] = true
		c.status.Update(func(s *ApplicationStatus) { s.ReduceAssigned++ })
		c.metrics.reducesAssigned.Inc()
		c.log.WithField("nick", nick).Info("assigning merge work")
		return mustEnvelope(TypeReduceRecovery, "", buckets)
	}

	// The master's own slot is terminal; check for zombie mergers before
	// dismissing it.
	if zombie, buckets, ok := c.popDeadBuckets(); ok {
		c.log.WithFields(logrus.Fields{"from": zombie, "to": nick}).
			Info("reassigning merge job")
		delete(c.reduceMark, zombie)
		c.reduceMark[nick] = true
		c.reduceDict[nick] = buckets
		c.status.Update(func(s *ApplicationStatus) { s.ReduceAssigned++ })
		c.metrics.reducesAssigned.Inc()
		return mustEnvelope(TypeReduceRecovery, "", buckets)
	}

	c.log.WithField("nick", nick).Info("sending termination message")
	c.printResults()
	return mustEnvelope(TypePlzDie, "", nil)
}

// assignGenericWork serves a work request during the map and reduce
// phases. Callers hold c.mu.
func (c *Coordinator) assignGenericWork(nick string) *Envelope {
	if work, ok := c.workQueue.Pop(); ok {
		c.pendingWorks[nick] = append(c.pendingWorks[nick], work)
		c.status.Update(func(s *ApplicationStatus) { s.MapAssigned++ })
		c.metrics.mapsAssigned.Inc()
		c.log.WithFields(logrus.Fields{
			"nick": nick,
			"tag":  work.Tag,
			"path": work.Path,
		}).Info("assigning map work")
		return mustEnvelope(TypeComputeMap, "", work)
	}
	return c.checkRecoveryOrSleep(nick)
}

// checkRecoveryOrSleep handles the tail of the stream: waiting for acks,
// switching to the reduce phase, recovering dead work and finally
// triggering the merge assignment. Callers hold c.mu.
func (c *Coordinator) checkRecoveryOrSleep(nick string) *Envelope {
	if len(c.pendingWorks) != 0 {
		return mustEnvelope(TypeTryLater, "", nil)
	}

	completed := c.reduceCompleted()
	needRecovery := len(c.deadReduceDict) > 0

	switch {
	case completed && !needRecovery:
		c.log.WithField("nick", nick).Info("merge assignment triggered")
		c.computeMergeAssignment()
		return c.assignMergeWork(nick)

	case completed && needRecovery:
		if c.reduceMark[nick] {
			return mustEnvelope(TypeTryLater, "", nil)
		}
		zombie, buckets, ok := c.popDeadBuckets()
		if !ok {
			return mustEnvelope(TypeTryLater, "", nil)
		}
		c.log.WithFields(logrus.Fields{"from": zombie, "to": nick}).
			Info("reassigning dead reduce work")
		delete(c.reduceMark, zombie)
		c.reduceMark[nick] = true
		c.reduceDict[nick] = buckets
		c.status.Update(func(s *ApplicationStatus) { s.ReduceAssigned++ })
		c.metrics.reducesAssigned.Inc()
		return mustEnvelope(TypeReduceRecovery, "", buckets)

	default:
		// Maps are exhausted and acknowledged but reducers are still
		// running: mark the end of the stream once per master.
		c.status.AdvancePhase(PhaseReduce)
		c.metrics.phase.Set(float64(PhaseReduce))

		rec := c.masters[nick]
		if !rec.eosSent {
			rec.eosSent = true
			c.log.WithField("nick", nick).Info("stream completed, reducers take over")
			return mustEnvelope(TypeEndOfStream, "", nil)
		}
		return mustEnvelope(TypeTryLater, "", nil)
	}
}

// reduceCompleted reports whether every live master is down to at most one
// intermediate file per reducer index. The dead table is not consulted.
func (c *Coordinator) reduceCompleted() bool {
	for _, buckets := range c.reduceDict {
		if buckets == nil {
			continue
		}
		for _, lst := range buckets {
			if len(lst) > 1 {
				return false
			}
		}
	}
	return true
}

// popDeadBuckets removes and returns one entry of the dead reduce table.
func (c *Coordinator) popDeadBuckets() (string, Buckets, bool) {
	for nick, buckets := range c.deadReduceDict {
		delete(c.deadReduceDict, nick)
		return nick, buckets, true
	}
	return "", nil, false
}

// splitReduceWork is the policy hook for splitting an oversized merge
// assignment across masters. The policy currently declines and callers
// fall back to try-later.
func (c *Coordinator) splitReduceWork(string) (Buckets, bool) {
	return nil, false
}

// computeMergeAssignment concentrates each reducer index on a single
// master, round-robin over the live nicks in natural order. Indices left
// with nothing to merge record their final output immediately.
func (c *Coordinator) computeMergeAssignment() {
	if c.status.Phase() == PhaseMerge {
		return
	}
	c.status.AdvancePhase(PhaseMerge)
	c.metrics.phase.Set(float64(PhaseMerge))

	acc := make([][]FileRef, c.conf.NumReducer)
	for _, buckets := range c.reduceDict {
		if buckets == nil {
			continue
		}
		for rid, lst := range buckets {
			acc[rid] = append(acc[rid], lst...)
		}
	}

	nicks := make([]string, 0, len(c.masters))
	for nick := range c.masters {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)
	if len(nicks) == 0 {
		return
	}

	assigned := make(map[string]bool)
	fresh := make(map[string]Buckets)

	for rid, files := range acc {
		target := nicks[rid%len(nicks)]

		if len(files) <= 1 {
			if len(files) == 1 {
				c.retrieveFile(target, rid, files[0])
			}
			continue
		}

		jobs := make(Buckets, c.conf.NumReducer)
		jobs[rid] = files

		if !assigned[target] {
			assigned[target] = true
			fresh[target] = jobs
		} else {
			// More reducer indices than masters: park the surplus in the
			// dead table so early finishers pick it up as recovery work.
			c.deadReduceDict[fmt.Sprintf("%s#r%d", target, rid)] = jobs
		}
	}

	for _, nick := range nicks {
		c.reduceDict[nick] = fresh[nick]
	}

	c.log.WithField("masters", len(nicks)).Info("merge assignment computed")
}

// retrieveFile records the terminal output file of a reducer index.
func (c *Coordinator) retrieveFile(nick string, rid int, f FileRef) {
	c.reduceFiles[rid] = finalFile{
		nick: nick,
		name: FileName(c.outputPath(), rid, f.Fid),
		size: f.Size,
	}
}

func (c *Coordinator) outputPath() string {
	if c.conf.DFSEnabled {
		return c.conf.OutputPrefix
	}
	return c.conf.OutputDir()
}

// printResults logs the terminal output files once the merge is fully
// acknowledged. Callers hold c.mu.
func (c *Coordinator) printResults() {
	if c.resultsPrinted {
		return
	}
	if len(c.reduceMark) != 0 || len(c.deadReduceDict) != 0 ||
		c.status.Phase() != PhaseMerge {
		return
	}
	c.resultsPrinted = true
	for rid, f := range c.reduceFiles {
		c.log.WithFields(logrus.Fields{
			"rid":   rid,
			"nick":  f.nick,
			"file":  f.name,
			"bytes": f.size,
		}).Info("final output file")
	}
}

//
// Ack processing
//

// onMapAck removes the acknowledged map job from the pending set and files
// its outputs into the owning master's reduce buckets. An unknown tag is
// rejected without any state change.
func (c *Coordinator) onMapAck(nick string, ack MapAck) *Envelope {
	c.mu.Lock()

	if _, ok := c.masters[nick]; !ok {
		c.mu.Unlock()
		return mustEnvelope(TypeRegistrationNeeded, "", nil)
	}

	jobs := c.pendingWorks[nick]
	found := -1
	for pos, work := range jobs {
		if work.Tag == ack.Tag {
			found = pos
			break
		}
	}
	if found < 0 {
		c.mu.Unlock()
		c.log.WithFields(logrus.Fields{"nick": nick, "tag": ack.Tag}).
			Error("no pending work matches the acknowledged tag")
		return mustEnvelope(TypeMapAckFail, nick, ack)
	}

	c.pendingWorks[nick] = append(jobs[:found], jobs[found+1:]...)
	if len(c.pendingWorks[nick]) == 0 {
		delete(c.pendingWorks, nick)
	}

	nFiles := 0
	var totSize int64
	if buckets := c.reduceDict[nick]; buckets != nil {
		for _, f := range ack.Files {
			if f.Rid < 0 || f.Rid >= c.conf.NumReducer {
				continue
			}
			buckets[f.Rid] = append(buckets[f.Rid], FileRef{Fid: f.Fid, Size: f.Size})
			nFiles++
			totSize += f.Size
		}
	}
	c.mu.Unlock()

	c.status.Update(func(s *ApplicationStatus) {
		s.MapCompleted++
		s.MapFiles += nFiles
		s.MapBytes += totSize
	})
	c.status.AddGraphPoint()
	c.metrics.mapsCompleted.Inc()
	c.metrics.intermediateBytes.Add(float64(totSize))

	c.log.WithFields(logrus.Fields{"nick": nick, "tag": ack.Tag, "files": nFiles}).
		Info("map acknowledged")
	return nil
}

// onReduceAck consumes the reduce inputs from the owning master's bucket,
// deletes them from disk and records the produced output. Residual inputs
// that could not be deleted are reported back with reduce-ack-fail; the
// bucket changes are not rolled back.
func (c *Coordinator) onReduceAck(nick string, ack ReduceAck) *Envelope {
	if len(ack.Files) == 0 || ack.Rid < 0 || ack.Rid >= c.conf.NumReducer {
		return mustEnvelope(TypeReduceAckFail, nick, ack)
	}
	out := ack.Files[0]
	toDelete := make([]int64, 0, len(ack.Files)-1)
	for _, f := range ack.Files[1:] {
		toDelete = append(toDelete, f.Fid)
	}

	c.mu.Lock()
	if _, ok := c.masters[nick]; !ok {
		c.mu.Unlock()
		return mustEnvelope(TypeRegistrationNeeded, "", nil)
	}

	delete(c.reduceMark, nick)

	var unlink []int64
	if buckets := c.reduceDict[nick]; buckets != nil {
		jobs := buckets[ack.Rid]
		kept := jobs[:0]
		for _, job := range jobs {
			matched := false
			for i, fid := range toDelete {
				if job.Fid == fid {
					toDelete = append(toDelete[:i], toDelete[i+1:]...)
					unlink = append(unlink, fid)
					matched = true
					break
				}
			}
			if !matched {
				kept = append(kept, job)
			}
		}
		buckets[ack.Rid] = kept
	}

	c.retrieveFile(nick, ack.Rid, out)

	if c.status.Phase() == PhaseMerge {
		c.reduceDict[nick] = nil
	} else if buckets := c.reduceDict[nick]; buckets != nil {
		buckets[ack.Rid] = append(buckets[ack.Rid], out)
	}
	c.mu.Unlock()

	// The bucket entries are gone either way; the files are removed outside
	// the lock.
	var residual []int64
	for _, fid := range unlink {
		if err := c.removeIntermediate(ack.Rid, fid); err != nil {
			c.log.WithError(err).WithField("fid", fid).Error("unlink failed")
			residual = append(residual, fid)
		}
	}
	residual = append(residual, toDelete...)

	c.status.Update(func(s *ApplicationStatus) {
		s.ReduceAssigned++
		s.ReduceCompleted++
		s.ReduceFiles++
		s.ReduceBytes += out.Size
	})
	c.status.AddGraphPoint()
	c.metrics.reducesCompleted.Inc()
	c.metrics.intermediateBytes.Add(float64(out.Size))

	if len(residual) > 0 {
		c.log.WithFields(logrus.Fields{"nick": nick, "residual": residual}).
			Error("failed to remove reduce inputs")
		return mustEnvelope(TypeReduceAckFail, nick, ack)
	}

	c.log.WithFields(logrus.Fields{"nick": nick, "rid": ack.Rid, "out": out.Fid}).
		Info("reduce acknowledged")
	return nil
}

// removeIntermediate deletes one consumed intermediate file, through the
// blob store when enabled.
func (c *Coordinator) removeIntermediate(rid int, fid int64) error {
	if c.store != nil {
		return c.store.Nuke(FileName(c.conf.OutputPrefix, rid, fid))
	}
	err := os.Remove(FileName(c.conf.OutputDir(), rid, fid))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

//
// Keep-alive and parallelism degree
//

// onKeepAlive folds a master's status probe into the global status. The
// reply either echoes the timeprobe or carries a pending degree change.
func (c *Coordinator) onKeepAlive(nick string, probe KeepAlive) *Envelope {
	c.mu.Lock()
	rec, ok := c.masters[nick]
	if !ok {
		c.mu.Unlock()
		return mustEnvelope(TypeRegistrationNeeded, "", nil)
	}
	rec.rtt = probe.Status.RTT
	rec.lastSeen = time.Now()

	var pending *Envelope
	if rec.parState == degreeRequested {
		rec.parState = degreeSent
		pending = mustEnvelope(TypeChangeDegree, nick, rec.parDegree)
	}
	c.mu.Unlock()

	snap := probe.Status
	snap.State = "online"
	c.status.UpdateMaster(nick, snap)

	if pending != nil {
		return pending
	}
	return mustEnvelope(TypeKeepAlive, "", probe.Timeprobe)
}

// onChangeDegree records an operator request to resize a master's pool.
// Delivery rides the reply to that master's next keep-alive.
func (c *Coordinator) onChangeDegree(nick string, delta int) *Envelope {
	c.mu.Lock()
	rec, ok := c.masters[nick]
	if !ok {
		c.mu.Unlock()
		c.log.WithField("nick", nick).Error("degree change for unknown master")
		return mustEnvelope(TypeRegistrationNeeded, "", nil)
	}
	rec.parDegree = delta
	rec.parState = degreeRequested
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"nick": nick, "delta": delta}).
		Info("parallelism degree change requested")
	return nil
}

// onChangeDegreeAck completes the degree-change handshake.
func (c *Coordinator) onChangeDegreeAck(nick string, total int) *Envelope {
	c.mu.Lock()
	if rec, ok := c.masters[nick]; ok {
		rec.parState = degreeAcknowledged
		rec.parDegree = total
	}
	c.mu.Unlock()
	return nil
}

func mustEnvelope(msgType, nick string, data interface{}) *Envelope {
	env, err := NewEnvelope(msgType, nick, data)
	if err != nil {
		panic(err)
	}
	return env
}
