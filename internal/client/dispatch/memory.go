package dispatch

import (
	"maps"
	"sync"

	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
)

// MemoryStore mirrors entities in memory. It is the default Store of the
// CLI and of tests.
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[state.Key]*state.Entity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: make(map[state.Key]*state.Entity)}
}

func (s *MemoryStore) ApplyToStore(u protocol.PersistentUpdate) error {
	key := protocol.EntityKeyOf(u.Body)

	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[key]
	if e == nil || protocol.Creates(u.Body) {
		e = state.NewEntity(key)
		s.entities[key] = e
	}
	e.Accept(u.Seq, protocol.Fields(u.Body))
	if protocol.Deletes(u.Body) {
		e.Deleted = true
	}
	return nil
}

func (s *MemoryStore) ApplySnapshot(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := state.NewEntity(snap.Key)
	e.Accept(snap.Seq, snap.Fields)
	e.Deleted = snap.Deleted
	s.entities[snap.Key] = e
	return nil
}

// Get returns a copy of the mirrored entity.
func (s *MemoryStore) Get(key state.Key) (state.Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[key]
	if !ok {
		return state.Entity{}, false
	}
	cp := *e
	cp.Fields = maps.Clone(e.Fields)
	return cp, true
}
