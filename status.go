package pomegranate

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Phase of the global computation. Transitions are monotonic:
// Map -> Reduce -> Merge, never backwards.
type Phase int

const (
	PhaseMap Phase = iota
	PhaseReduce
	PhaseMerge
)

func (p Phase) String() string {
	switch p {
	case PhaseMap:
		return "Map"
	case PhaseReduce:
		return "Reduce"
	case PhaseMerge:
		return "Merge"
	}
	return "Unknown"
}

// MasterStatusSnapshot is the per-master status block carried inside
// keep-alive probes and shown on the monitor.
type MasterStatusSnapshot struct {
	Proc           int     `json:"proc"`
	RTT            float64 `json:"rtt"`
	Avg            float64 `json:"avg"`
	MapFinished    int     `json:"map_finished"`
	ReduceFinished int     `json:"reduce_finished"`
	MapOngoing     int     `json:"map_ongoing"`
	ReduceOngoing  int     `json:"reduce_ongoing"`
	MapFiles       int     `json:"map_files"`
	ReduceFiles    int     `json:"reduce_files"`
	MapBytes       int64   `json:"map_bytes"`
	ReduceBytes    int64   `json:"reduce_bytes"`
	State          string  `json:"state"`
}

// GraphPoint is one observability sample: cumulative throughput in MB/s at
// a given offset from the start of the run.
type GraphPoint struct {
	Throughput float64 `json:"throughput"`
	Elapsed    float64 `json:"elapsed"`
}

// ApplicationStatus is the Coordinator-side view of the whole run. All the
// counters are monotonic; the phase only moves forward.
type ApplicationStatus struct {
	mu sync.Mutex

	RunID     string
	phase     Phase
	startTime time.Time

	MapAssigned  int
	MapCompleted int
	MapFaulted   int

	ReduceAssigned  int
	ReduceCompleted int
	ReduceFaulted   int

	MapFiles int
	MapBytes int64

	ReduceFiles int
	ReduceBytes int64

	Faults int

	graph     []GraphPoint
	lastTotal int64

	masters map[string]MasterStatusSnapshot
	lastLog []string
}

// NewApplicationStatus initializes the status for a fresh run.
func NewApplicationStatus(runID string) *ApplicationStatus {
	return &ApplicationStatus{
		RunID:     runID,
		startTime: time.Now(),
		masters:   make(map[string]MasterStatusSnapshot),
	}
}

// Phase returns the current phase.
func (s *ApplicationStatus) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// AdvancePhase moves the phase forward. Backward transitions are ignored.
func (s *ApplicationStatus) AdvancePhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p > s.phase {
		s.phase = p
	}
}

// Update applies fn while holding the status lock.
func (s *ApplicationStatus) Update(fn func(*ApplicationStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// AddGraphPoint appends a throughput sample if the cumulative file size
// moved since the last one.
func (s *ApplicationStatus) AddGraphPoint() {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.MapBytes + s.ReduceBytes
	if total == s.lastTotal {
		return
	}
	elapsed := time.Since(s.startTime).Seconds()
	if elapsed <= 0 {
		return
	}
	s.lastTotal = total
	s.graph = append(s.graph, GraphPoint{
		Throughput: float64(total) / (1024 * 1024 * elapsed),
		Elapsed:    elapsed,
	})
}

// UpdateMaster merges a per-master status snapshot into the table.
func (s *ApplicationStatus) UpdateMaster(nick string, snap MasterStatusSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.State == "" {
		if prev, ok := s.masters[nick]; ok {
			snap.State = prev.State
		} else {
			snap.State = "online"
		}
	}
	s.masters[nick] = snap
}

// MarkMasterDead flags a master row as dead on the monitor.
func (s *ApplicationStatus) MarkMasterDead(nick string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.masters[nick]
	snap.State = "dead"
	s.masters[nick] = snap
	s.Faults++
}

// PushLog retains a log line for the dashboard, keeping the tail bounded.
func (s *ApplicationStatus) PushLog(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastLog = append(s.lastLog, line)
	if len(s.lastLog) > 200 {
		s.lastLog = s.lastLog[len(s.lastLog)-200:]
	}
}

// MasterRow is one dashboard table line.
type MasterRow struct {
	Nick     string  `json:"nick"`
	RTT      float64 `json:"rtt"`
	Avg      float64 `json:"avg"`
	Proc     int     `json:"proc"`
	Finished string  `json:"finished"`
	Ongoing  string  `json:"ongoing"`
	Files    string  `json:"files"`
	State    string  `json:"state"`
}

// StatusSnapshot is the serialized ApplicationStatus returned by /status.
type StatusSnapshot struct {
	RunID   string `json:"run_id"`
	Elapsed string `json:"elapsed"`
	Phase   string `json:"phase"`

	MapAssigned  int `json:"map_assigned"`
	MapCompleted int `json:"map_completed"`
	MapFaulted   int `json:"map_faulted"`

	ReduceAssigned  int `json:"reduce_assigned"`
	ReduceCompleted int `json:"reduce_completed"`
	ReduceFaulted   int `json:"reduce_faulted"`

	MapFiles    int   `json:"map_files"`
	MapBytes    int64 `json:"map_bytes"`
	ReduceFiles int   `json:"reduce_files"`
	ReduceBytes int64 `json:"reduce_bytes"`

	Faults int `json:"faults"`

	Masters []MasterRow  `json:"masters"`
	Graph   []GraphPoint `json:"graph"`
	LastLog []string     `json:"lastlog"`
}

// Snapshot captures the whole status for serialization.
func (s *ApplicationStatus) Snapshot() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	secs := int(time.Since(s.startTime).Seconds())
	snap := StatusSnapshot{
		RunID:   s.RunID,
		Elapsed: fmt.Sprintf("%02d:%02d:%02d", secs/3600, (secs/60)%60, secs%60),
		Phase:   s.phase.String(),

		MapAssigned:  s.MapAssigned,
		MapCompleted: s.MapCompleted,
		MapFaulted:   s.MapFaulted,

		ReduceAssigned:  s.ReduceAssigned,
		ReduceCompleted: s.ReduceCompleted,
		ReduceFaulted:   s.ReduceFaulted,

		MapFiles:    s.MapFiles,
		MapBytes:    s.MapBytes,
		ReduceFiles: s.ReduceFiles,
		ReduceBytes: s.ReduceBytes,

		Faults:  s.Faults,
		Graph:   append([]GraphPoint(nil), s.graph...),
		LastLog: append([]string(nil), s.lastLog...),
	}

	nicks := make([]string, 0, len(s.masters))
	for nick := range s.masters {
		nicks = append(nicks, nick)
	}
	sort.Strings(nicks)

	const mb = 1024.0 * 1024.0
	for _, nick := range nicks {
		m := s.masters[nick]
		snap.Masters = append(snap.Masters, MasterRow{
			Nick: nick,
			RTT:  m.RTT,
			Avg:  m.Avg / mb,
			Proc: m.Proc,
			Finished: fmt.Sprintf("%d/%d/%d", m.MapFinished, m.ReduceFinished,
				m.MapFinished+m.ReduceFinished),
			Ongoing: fmt.Sprintf("%d/%d/%d", m.MapOngoing, m.ReduceOngoing,
				m.MapOngoing+m.ReduceOngoing),
			Files: fmt.Sprintf("%d files, %.2f MBs", m.MapFiles+m.ReduceFiles,
				float64(m.MapBytes+m.ReduceBytes)/mb),
			State: m.State,
		})
	}
	return snap
}

// MasterStatus tracks the local counters of one Master. It is shared by the
// dispatch loop and the keep-alive sender.
type MasterStatus struct {
	mu sync.Mutex

	NProc int
	RTT   float64

	MapFinished int
	MapOngoing  int

	ReduceFinished int
	ReduceOngoing  int

	MapFiles int
	MapBytes int64

	ReduceFiles int
	ReduceBytes int64

	Bandwidth float64
	Time      float64
}

// Update applies fn while holding the status lock.
func (s *MasterStatus) Update(fn func(*MasterStatus)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// SetProc records the current worker pool size.
func (s *MasterStatus) SetProc(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NProc = n
}

// Snapshot serializes the counters for a keep-alive probe.
func (s *MasterStatus) Snapshot() MasterStatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg := 0.0
	if s.Time > 0 {
		avg = s.Bandwidth / s.Time
	}
	return MasterStatusSnapshot{
		Proc:           s.NProc,
		RTT:            s.RTT,
		Avg:            avg,
		MapFinished:    s.MapFinished,
		ReduceFinished: s.ReduceFinished,
		MapOngoing:     s.MapOngoing,
		ReduceOngoing:  s.ReduceOngoing,
		MapFiles:       s.MapFiles,
		ReduceFiles:    s.ReduceFiles,
		MapBytes:       s.MapBytes,
		ReduceBytes:    s.ReduceBytes,
	}
}
