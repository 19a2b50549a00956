package store

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/golang/glog"
	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

type persistedMachinesFile struct {
	Version  int             `json:"version"`
	Machines []model.Machine `json:"machines"`
	SavedAt  int64           `json:"savedAt"`
}

func (s *Store) loadMachinesFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var file persistedMachinesFile
	if err := json.Unmarshal(data, &file); err != nil {
		return err
	}
	if file.Version != 1 {
		return errors.New("unsupported machines state version")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range file.Machines {
		if m.ID == "" || m.UserID == "" {
			continue
		}
		// liveness does not survive a restart
		m.Active = false
		s.machinesByID[m.ID] = m
	}
	return nil
}

func (s *Store) snapshotMachinesLocked() []model.Machine {
	if s.machinesStateFile == "" {
		return nil
	}
	result := make([]model.Machine, 0, len(s.machinesByID))
	for _, m := range s.machinesByID {
		result = append(result, m)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// persistMachinesSnapshot writes the file via temp file and rename so a
// crash never leaves a torn state file behind.
func (s *Store) persistMachinesSnapshot(machines []model.Machine) {
	path := s.machinesStateFile
	if path == "" || machines == nil {
		return
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		glog.Warningf("machines persistence: mkdir failed (%s): %v", dir, err)
		return
	}

	file := persistedMachinesFile{Version: 1, Machines: machines, SavedAt: time.Now().UnixMilli()}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		glog.Warningf("machines persistence: marshal failed: %v", err)
		return
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		glog.Warningf("machines persistence: create temp failed: %v", err)
		return
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		glog.Warningf("machines persistence: chmod temp failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		glog.Warningf("machines persistence: write temp failed: %v", err)
		return
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		glog.Warningf("machines persistence: sync temp failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		glog.Warningf("machines persistence: close temp failed: %v", err)
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		glog.Warningf("machines persistence: rename failed: %v", err)
	}
}

// UpsertMachine registers a machine at seq 1, or returns the existing one
// unchanged. A machine id is bound to the first user that registers it.
func (s *Store) UpsertMachine(userID, machineID string, metadata, daemonState, dataEncryptionKey *string, nowMillis int64) (model.Machine, bool, error) {
	if machineID == "" {
		return model.Machine{}, false, errors.New("missing machine id")
	}

	s.mu.Lock()
	if existing, ok := s.machinesByID[machineID]; ok {
		s.mu.Unlock()
		if existing.UserID != userID {
			return model.Machine{}, false, ErrForeignOwner
		}
		return existing, false, nil
	}

	m := model.Machine{
		ID:                machineID,
		UserID:            userID,
		Seq:               1,
		Metadata:          initialField(metadata),
		DaemonState:       initialField(daemonState),
		DataEncryptionKey: dataEncryptionKey,
		CreatedAt:         nowMillis,
		UpdatedAt:         nowMillis,
	}
	s.machinesByID[machineID] = m
	snapshot := s.snapshotMachinesLocked()
	s.mu.Unlock()

	s.persistMachinesSnapshot(snapshot)
	return m, true, nil
}

func (s *Store) GetMachine(userID, machineID string) (model.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.UserID != userID {
		return model.Machine{}, false
	}
	return m, true
}

func (s *Store) UpdateMachineMetadata(userID, machineID string, w state.Write, nowMillis int64) (model.Machine, error) {
	return s.updateMachine(userID, machineID, nowMillis, func(m *model.Machine) error {
		return state.Commit(&m.Metadata, &m.Seq, false, w)
	})
}

func (s *Store) UpdateMachineDaemonState(userID, machineID string, w state.Write, nowMillis int64) (model.Machine, error) {
	return s.updateMachine(userID, machineID, nowMillis, func(m *model.Machine) error {
		return state.Commit(&m.DaemonState, &m.Seq, false, w)
	})
}

func (s *Store) updateMachine(userID, machineID string, nowMillis int64, apply func(*model.Machine) error) (model.Machine, error) {
	s.mu.Lock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.UserID != userID {
		s.mu.Unlock()
		return model.Machine{}, ErrNotFound
	}
	if err := apply(&m); err != nil {
		s.mu.Unlock()
		return m, err
	}
	m.UpdatedAt = nowMillis
	s.machinesByID[machineID] = m
	snapshot := s.snapshotMachinesLocked()
	s.mu.Unlock()

	s.persistMachinesSnapshot(snapshot)
	return m, nil
}

// SetMachineActive records liveness without touching seq or versions, and
// without rewriting the state file.
func (s *Store) SetMachineActive(userID, machineID string, active bool, activeAt int64, nowMillis int64) (model.Machine, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machinesByID[machineID]
	if !ok || m.UserID != userID {
		return model.Machine{}, false
	}
	state.Touch(&m.Active, &m.ActiveAt, active, activeAt)
	m.LastActiveAt = nowMillis
	s.machinesByID[machineID] = m
	return m, true
}

func (s *Store) ListMachines(userID string) []model.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Machine, 0)
	for _, m := range s.machinesByID {
		if m.UserID == userID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}
