package store

import (
	"sort"

	"github.com/google/uuid"
	"happy-sync/internal/model"
)

func pushTokenKey(userID, token string) string {
	return userID + "|" + token
}

// UpsertPushToken is idempotent per (user, token): a repeat registration
// only refreshes UpdatedAt.
func (s *Store) UpsertPushToken(userID, token string, nowMillis int64) (model.PushToken, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pushTokenKey(userID, token)
	if existing, ok := s.pushTokensByKey[key]; ok {
		existing.UpdatedAt = nowMillis
		s.pushTokensByKey[key] = existing
		return existing, false
	}
	pt := model.PushToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		CreatedAt: nowMillis,
		UpdatedAt: nowMillis,
	}
	s.pushTokensByKey[key] = pt
	return pt, true
}

func (s *Store) ListPushTokens(userID string) []model.PushToken {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]model.PushToken, 0)
	for _, pt := range s.pushTokensByKey {
		if pt.UserID == userID {
			result = append(result, pt)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt < result[j].CreatedAt })
	return result
}

func (s *Store) DeletePushToken(userID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pushTokenKey(userID, token)
	if _, ok := s.pushTokensByKey[key]; !ok {
		return false
	}
	delete(s.pushTokensByKey, key)
	return true
}
