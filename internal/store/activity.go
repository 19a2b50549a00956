package store

import (
	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

// Expired lists the entities ExpireInactive switched off.
type Expired struct {
	Sessions []model.Session
	Machines []model.Machine
}

// ExpireInactive marks sessions and machines inactive when their last
// liveness report is older than cutoffMillis. Seqs are untouched.
func (s *Store) ExpireInactive(cutoffMillis int64) Expired {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out Expired
	for id, sess := range s.sessionsByID {
		if !sess.Active || sess.Deleted || sess.LastActiveAt >= cutoffMillis {
			continue
		}
		state.Touch(&sess.Active, &sess.ActiveAt, false, 0)
		s.sessionsByID[id] = sess
		out.Sessions = append(out.Sessions, sess)
	}
	for id, m := range s.machinesByID {
		if !m.Active || m.LastActiveAt >= cutoffMillis {
			continue
		}
		state.Touch(&m.Active, &m.ActiveAt, false, 0)
		s.machinesByID[id] = m
		out.Machines = append(out.Machines, m)
	}
	return out
}
