package comm

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

// Storage maps comm_id to open comms. IDs are unique among open comms and
// may be reused once closed.
type Storage struct {
	comms cmap.ConcurrentMap[string, *Comm]
}

// NewStorage creates an empty storage.
func NewStorage() *Storage {
	return &Storage{comms: cmap.New[*Comm]()}
}

// Insert stores c. It reports false when the id is already taken.
func (s *Storage) Insert(c *Comm) bool {
	return s.comms.SetIfAbsent(c.ID(), c)
}

// Get looks up an open comm.
func (s *Storage) Get(id string) (*Comm, bool) {
	return s.comms.Get(id)
}

// Remove deletes id. Removing an unknown id is a no-op.
func (s *Storage) Remove(id string) {
	s.comms.Remove(id)
}

// Len returns the number of open comms.
func (s *Storage) Len() int {
	return s.comms.Count()
}

// ByTarget lists comm_id -> target_name for open comms, limited to target
// unless it is empty.
func (s *Storage) ByTarget(target string) map[string]string {
	out := make(map[string]string)
	s.comms.IterCb(func(id string, c *Comm) {
		if target == "" || c.Target() == target {
			out[id] = c.Target()
		}
	})
	return out
}
