// Package telemetry keeps the canonical robot state and fans it out.
// One writer, the supervisor's telemetry pump, replaces the snapshot
// wholesale; any number of readers take consistent copies, and sinks
// subscribe over bounded channels that can never block the writer.
package telemetry

import (
	"sync"
	"time"

	"github.com/quadlink/go2teleop/pkg/go2"
)

const defaultSinkBuffer = 16

// Stats is the store's view of the telemetry stream.
type Stats struct {
	Frames       uint64
	DecodeErrors uint64
	LastUpdate   time.Time
}

// Store holds the last known good robot state.
type Store struct {
	mu         sync.RWMutex
	state      go2.RobotState
	have       bool
	updated    time.Time
	frames     uint64
	decodeErrs uint64

	sinkMu sync.Mutex
	sinks  map[int]chan go2.RobotState
	nextID int
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{sinks: make(map[int]chan go2.RobotState)}
}

// Apply replaces the snapshot wholesale and fans the new state out to
// every sink.
func (s *Store) Apply(st go2.RobotState) {
	s.mu.Lock()
	s.state = st
	s.have = true
	s.updated = time.Now()
	s.frames++
	s.mu.Unlock()

	s.sinkMu.Lock()
	for _, ch := range s.sinks {
		push(ch, st)
	}
	s.sinkMu.Unlock()
}

// NoteDecodeErrors adds n to the decode error counter without touching
// the snapshot, so the last good state stays on display.
func (s *Store) NoteDecodeErrors(n uint64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.decodeErrs += n
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state and whether any state
// has been applied yet.
func (s *Store) Snapshot() (go2.RobotState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.have
}

// Stats reports the stream counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Frames: s.frames, DecodeErrors: s.decodeErrs, LastUpdate: s.updated}
}

// Subscribe registers a sink with the given buffer (a default when
// buffer <= 0). A slow sink never blocks the writer: when the buffer
// is full the oldest update is dropped for the new one. The returned
// cancel removes the sink and closes its channel.
func (s *Store) Subscribe(buffer int) (<-chan go2.RobotState, func()) {
	if buffer <= 0 {
		buffer = defaultSinkBuffer
	}
	ch := make(chan go2.RobotState, buffer)

	s.sinkMu.Lock()
	id := s.nextID
	s.nextID++
	s.sinks[id] = ch
	s.sinkMu.Unlock()

	cancel := func() {
		s.sinkMu.Lock()
		defer s.sinkMu.Unlock()
		if _, ok := s.sinks[id]; !ok {
			return
		}
		delete(s.sinks, id)
		close(ch)
	}
	return ch, cancel
}

func push(ch chan go2.RobotState, st go2.RobotState) {
	select {
	case ch <- st:
		return
	default:
	}
	// Full: evict the oldest update and try once more.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}
