package store

import (
	"sync"

	"happy-sync/internal/model"
)

type messageStore struct {
	mu      sync.RWMutex
	data    map[string][]model.SessionMessage
	byLocal map[string]map[string]int // sessionID -> localID -> index in data
}

func newMessageStore() *messageStore {
	return &messageStore{
		data:    make(map[string][]model.SessionMessage),
		byLocal: make(map[string]map[string]int),
	}
}

func (m *messageStore) append(sessionID string, msg model.SessionMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.LocalID != nil {
		idx := m.byLocal[sessionID]
		if idx == nil {
			idx = make(map[string]int)
			m.byLocal[sessionID] = idx
		}
		idx[*msg.LocalID] = len(m.data[sessionID])
	}
	m.data[sessionID] = append(m.data[sessionID], msg)
}

func (m *messageStore) byLocalID(sessionID, localID string) (model.SessionMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byLocal[sessionID][localID]
	if !ok {
		return model.SessionMessage{}, false
	}
	return m.data[sessionID][i], true
}

func (m *messageStore) getAfter(sessionID string, after int64, limit int) []model.SessionMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.data[sessionID]
	if len(msgs) == 0 {
		return nil
	}

	result := make([]model.SessionMessage, 0, limit)
	for _, msg := range msgs {
		if msg.Seq > after {
			result = append(result, msg)
			if len(result) >= limit {
				break
			}
		}
	}
	return result
}

func (m *messageStore) deleteSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, sessionID)
	delete(m.byLocal, sessionID)
}
