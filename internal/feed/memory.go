package feed

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryStore keeps each user's items in counter order.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string][]Item
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string][]Item), now: time.Now}
}

func (m *MemoryStore) Append(ctx context.Context, userID string, body Body, repeatKey *string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.items[userID]
	counter := int64(1)
	if n := len(list); n > 0 {
		counter = list[n-1].Counter + 1
	}
	it := Item{
		ID:        ulid.Make().String(),
		UserID:    userID,
		Counter:   counter,
		Body:      body,
		RepeatKey: repeatKey,
		CreatedAt: m.now().UnixMilli(),
	}
	m.items[userID] = append(list, it)
	return it, nil
}

func (m *MemoryStore) List(ctx context.Context, userID string, dir Direction, bound int64, n int) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.items[userID]
	result := make([]Item, 0, n)
	switch dir {
	case After:
		for _, it := range list {
			if it.Counter > bound {
				result = append(result, it)
				if len(result) >= n {
					break
				}
			}
		}
	default:
		for i := len(list) - 1; i >= 0; i-- {
			it := list[i]
			if dir == Before && it.Counter >= bound {
				continue
			}
			result = append(result, it)
			if len(result) >= n {
				break
			}
		}
	}
	return result, nil
}
