package store

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

func userTagKey(userID, tag string) string {
	return userID + "|" + tag
}

func initialField(value *string) model.VersionedValue {
	if value == nil {
		return model.VersionedValue{}
	}
	v := *value
	return model.VersionedValue{Version: 1, Value: &v}
}

// GetOrCreateSession returns the live session for (userID, tag), creating
// it at seq 1 when there is none. An existing session is returned as is.
func (s *Store) GetOrCreateSession(userID, tag string, metadata, agentState, dataEncryptionKey *string, nowMillis int64) (model.Session, bool, error) {
	if userID == "" {
		return model.Session{}, false, errors.New("missing userID")
	}
	if tag == "" {
		return model.Session{}, false, errors.New("missing tag")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := userTagKey(userID, tag)
	if sid, ok := s.sessionIDByUserTag[key]; ok {
		sess := s.sessionsByID[sid]
		if !sess.Deleted {
			return sess, false, nil
		}
		delete(s.sessionIDByUserTag, key)
	}

	sess := model.Session{
		ID:                uuid.NewString(),
		UserID:            userID,
		Tag:               tag,
		Seq:               1,
		Metadata:          initialField(metadata),
		AgentState:        initialField(agentState),
		DataEncryptionKey: dataEncryptionKey,
		CreatedAt:         nowMillis,
		UpdatedAt:         nowMillis,
	}
	s.sessionsByID[sess.ID] = sess
	s.sessionIDByUserTag[key] = sess.ID
	return sess, true, nil
}

func (s *Store) ListSessions(userID string) []model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.Session, 0)
	for _, sess := range s.sessionsByID {
		if sess.UserID == userID && !sess.Deleted {
			result = append(result, sess)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt > result[j].UpdatedAt })
	return result
}

func (s *Store) GetSession(userID, sessionID string) (model.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok || sess.UserID != userID || sess.Deleted {
		return model.Session{}, false
	}
	return sess, true
}

// UpdateSessionMetadata applies w to the session metadata. Errors are
// ErrNotFound, state.ErrEntityGone or a *state.Conflict.
func (s *Store) UpdateSessionMetadata(userID, sessionID string, w state.Write, nowMillis int64) (model.Session, error) {
	return s.updateSession(userID, sessionID, nowMillis, func(sess *model.Session) error {
		return state.Commit(&sess.Metadata, &sess.Seq, sess.Deleted, w)
	})
}

func (s *Store) UpdateSessionAgentState(userID, sessionID string, w state.Write, nowMillis int64) (model.Session, error) {
	return s.updateSession(userID, sessionID, nowMillis, func(sess *model.Session) error {
		return state.Commit(&sess.AgentState, &sess.Seq, sess.Deleted, w)
	})
}

func (s *Store) updateSession(userID, sessionID string, nowMillis int64, apply func(*model.Session) error) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok || sess.UserID != userID {
		return model.Session{}, ErrNotFound
	}
	if err := apply(&sess); err != nil {
		return sess, err
	}
	sess.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = sess
	return sess, nil
}

// SetSessionActive records liveness. It never advances the session seq.
func (s *Store) SetSessionActive(userID, sessionID string, active bool, activeAt int64, nowMillis int64) (model.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok || sess.UserID != userID || sess.Deleted {
		return model.Session{}, false
	}
	state.Touch(&sess.Active, &sess.ActiveAt, active, activeAt)
	sess.LastActiveAt = nowMillis
	s.sessionsByID[sessionID] = sess
	return sess, true
}

// DeleteSession is terminal: the session keeps its id and seq so a resync
// reports it as deleted, and every later write fails with
// state.ErrEntityGone.
func (s *Store) DeleteSession(userID, sessionID string, nowMillis int64) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok || sess.UserID != userID {
		return model.Session{}, ErrNotFound
	}
	if err := state.Delete(&sess.Seq, &sess.Deleted); err != nil {
		return sess, err
	}
	state.Touch(&sess.Active, &sess.ActiveAt, false, 0)
	sess.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = sess

	key := userTagKey(userID, sess.Tag)
	if s.sessionIDByUserTag[key] == sessionID {
		delete(s.sessionIDByUserTag, key)
	}

	s.messages.deleteSession(sessionID)
	return sess, nil
}

// AppendMessage stores a message and advances the session seq; the message
// seq is the session seq it was committed at. A repeated localID returns the
// stored message with created=false and leaves the seq alone.
func (s *Store) AppendMessage(userID, sessionID, content string, localID *string, nowMillis int64) (msg model.SessionMessage, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessionsByID[sessionID]
	if !ok || sess.UserID != userID {
		return model.SessionMessage{}, false, ErrNotFound
	}
	if sess.Deleted {
		return model.SessionMessage{}, false, state.ErrEntityGone
	}
	if localID != nil {
		if existing, ok := s.messages.byLocalID(sessionID, *localID); ok {
			return existing, false, nil
		}
	}

	if err := state.Advance(&sess.Seq, sess.Deleted); err != nil {
		return model.SessionMessage{}, false, err
	}
	sess.UpdatedAt = nowMillis
	s.sessionsByID[sessionID] = sess

	msg = model.SessionMessage{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Seq:       sess.Seq,
		LocalID:   localID,
		Content:   content,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.messages.append(sessionID, msg)
	return msg, true, nil
}

func (s *Store) ListMessages(userID, sessionID string, after int64, limit int) ([]model.SessionMessage, error) {
	if _, ok := s.GetSession(userID, sessionID); !ok {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 100
	}
	return s.messages.getAfter(sessionID, after, limit), nil
}
