package delivery

import (
	"fmt"
	"sync"
)

// Tally counts message outcomes for one consumer run. The zero value is ready
// to use; it is owned by whoever drives the handler.
type Tally struct {
	Received int
	Acked    int
	Nacked   int
	Rejected int
}

func (t *Tally) Add(o Outcome) {
	t.Received++
	switch o.State {
	case Acked:
		t.Acked++
	case Nacked:
		t.Nacked++
	case Rejected:
		t.Rejected++
	}
}

func (t Tally) String() string {
	return fmt.Sprintf("received=%d acked=%d nacked=%d rejected=%d", t.Received, t.Acked, t.Nacked, t.Rejected)
}

// SyncTally is a Tally shared by concurrent workers of one consumer.
type SyncTally struct {
	mu sync.Mutex
	t  Tally
}

func (s *SyncTally) Add(o Outcome) {
	s.mu.Lock()
	s.t.Add(o)
	s.mu.Unlock()
}

// Snapshot returns a copy of the current counts.
func (s *SyncTally) Snapshot() Tally {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t
}
