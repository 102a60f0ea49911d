package health

import (
	"sync/atomic"
	"time"
)

// Snapshot is one observation of backend connectivity.
type Snapshot struct {
	Connected bool
	CheckedAt time.Time
	// Attempts is the attempt number that produced this snapshot.
	Attempts int
}

// Status is the connectivity cell. It starts disconnected, only the prober
// writes it, and readers may see a value that is already stale.
type Status struct {
	p atomic.Pointer[Snapshot]
}

func NewStatus() *Status {
	s := &Status{}
	s.p.Store(&Snapshot{})
	return s
}

func (s *Status) Connected() bool { return s.Snapshot().Connected }

func (s *Status) Snapshot() Snapshot {
	if v := s.p.Load(); v != nil {
		return *v
	}
	return Snapshot{}
}

func (s *Status) store(v Snapshot) { s.p.Store(&v) }
