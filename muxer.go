package pomegranate

import (
	"sync"
	"time"
)

// Intercomm is the channel pair connecting a Master to one of its workers.
type Intercomm struct {
	ID int

	toWorker   chan WorkerMessage
	fromWorker chan WorkerMessage
}

func newIntercomm(id int) *Intercomm {
	return &Intercomm{
		ID:         id,
		toWorker:   make(chan WorkerMessage, 4),
		fromWorker: make(chan WorkerMessage, 4),
	}
}

// Send delivers a message to the worker.
func (ic *Intercomm) Send(msg WorkerMessage) {
	ic.toWorker <- msg
}

// workerSend and workerRecv are the worker-side endpoints.
func (ic *Intercomm) workerSend(msg WorkerMessage) { ic.fromWorker <- msg }
func (ic *Intercomm) workerRecv() WorkerMessage    { return <-ic.toWorker }

// poll performs a non-blocking receive from the worker.
func (ic *Intercomm) poll() (WorkerMessage, bool) {
	select {
	case msg := <-ic.fromWorker:
		return msg, true
	default:
		return WorkerMessage{}, false
	}
}

// WorkerSpawner starts a worker attached to an intercommunicator.
type WorkerSpawner func(ic *Intercomm)

// Muxer multiplexes a dynamic set of worker intercommunicators, offering a
// round-robin non-deterministic receive that sleeps between empty polling
// cycles.
type Muxer struct {
	mu           sync.Mutex
	channels     []*Intercomm
	index        int
	lastWorkerID int
	interval     time.Duration
	spawn        WorkerSpawner
}

// NewMuxer creates a muxer spawning nproc workers through spawn.
func NewMuxer(nproc int, interval time.Duration, spawn WorkerSpawner) *Muxer {
	m := &Muxer{
		lastWorkerID: -1,
		interval:     interval,
		spawn:        spawn,
	}
	m.SpawnMore(nproc)
	return m
}

// SpawnMore increases the worker pool by nproc.
func (m *Muxer) SpawnMore(nproc int) {
	fresh := make([]*Intercomm, 0, nproc)

	m.mu.Lock()
	for i := 0; i < nproc; i++ {
		m.lastWorkerID++
		fresh = append(fresh, newIntercomm(m.lastWorkerID))
	}
	m.channels = append(m.channels, fresh...)
	m.mu.Unlock()

	for _, ic := range fresh {
		go m.spawn(ic)
	}
}

// Remove drops an intercommunicator from the listening set.
func (m *Muxer) Remove(ic *Intercomm) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, c := range m.channels {
		if c == ic {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			return
		}
	}
}

// Total reports the current pool size.
func (m *Muxer) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// SendAll broadcasts a message to every worker.
func (m *Muxer) SendAll(msg WorkerMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ic := range m.channels {
		ic.Send(msg)
	}
}

// Receive cycles over the workers and returns the first message found. If a
// full cycle yields nothing it sleeps for the configured interval before
// polling again. A close of stop aborts the wait with ok=false.
func (m *Muxer) Receive(stop <-chan struct{}) (*Intercomm, WorkerMessage, bool) {
	for {
		m.mu.Lock()
		cycle := len(m.channels)
		m.mu.Unlock()

		for i := 0; i < cycle; i++ {
			m.mu.Lock()
			if len(m.channels) == 0 {
				m.mu.Unlock()
				break
			}
			m.index = (m.index + 1) % len(m.channels)
			ic := m.channels[m.index]
			m.mu.Unlock()

			if msg, ok := ic.poll(); ok {
				return ic, msg, true
			}
		}

		select {
		case <-stop:
			return nil, WorkerMessage{}, false
		case <-time.After(m.interval):
		}
	}
}
