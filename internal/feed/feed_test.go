package feed

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counters(items []Item) []int64 {
	out := make([]int64, 0, len(items))
	for _, it := range items {
		out = append(out, it.Counter)
	}
	return out
}

func i64(v int64) *int64 { return &v }

func TestCursorRoundTrip(t *testing.T) {
	n, err := DecodeCursor(EncodeCursor(42))
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)

	for _, bad := range []string{"not_a_cursor", "cursor_", "cursor_-1", "cursor_+3", "cursor_1a", "42", "cursor_99999999999999999999"} {
		_, err := DecodeCursor(bad)
		assert.ErrorIs(t, err, ErrInvalidCursor, bad)
	}
}

func TestParseQuery(t *testing.T) {
	q, err := ParseQuery("cursor_5", "", "3")
	require.NoError(t, err)
	assert.Equal(t, Before, q.Direction())
	assert.Equal(t, int64(5), *q.Before)
	assert.Equal(t, 3, q.Limit)

	_, err = ParseQuery("cursor_5", "cursor_1", "")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = ParseQuery("", "bogus", "")
	assert.ErrorIs(t, err, ErrInvalidCursor)

	_, err = ParseQuery("", "", "zero")
	assert.Error(t, err)
}

func stores(t *testing.T) map[string]Store {
	sq, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{"memory": NewMemoryStore(), "sqlite": sq}
}

func seed(t *testing.T, s Store, userID string, n int) {
	for i := 0; i < n; i++ {
		_, err := s.Append(context.Background(), userID, Body{Kind: KindSessionCreated, SessionID: "s"}, nil)
		require.NoError(t, err)
	}
}

func TestPager_SevenItemScenario(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st, "u1", 7)
			p := NewPager(st)
			ctx := context.Background()

			page, err := p.Page(ctx, "u1", Query{Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []int64{7, 6, 5}, counters(page.Items))
			assert.True(t, page.HasMore)

			page, err = p.Page(ctx, "u1", Query{Before: i64(5), Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []int64{4, 3, 2}, counters(page.Items))
			assert.True(t, page.HasMore)

			page, err = p.Page(ctx, "u1", Query{After: i64(4), Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []int64{7, 6, 5}, counters(page.Items))
			assert.False(t, page.HasMore)

			page, err = p.Page(ctx, "u1", Query{Before: i64(2), Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []int64{1}, counters(page.Items))
			assert.False(t, page.HasMore)
		})
	}
}

func TestPager_AfterTakesOldestNewerItemsFirst(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st, "u1", 7)
			page, err := NewPager(st).Page(context.Background(), "u1", Query{After: i64(1), Limit: 3})
			require.NoError(t, err)
			assert.Equal(t, []int64{4, 3, 2}, counters(page.Items))
			assert.True(t, page.HasMore)
		})
	}
}

func TestPager_CountersArePerUser(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			seed(t, st, "u1", 3)
			seed(t, st, "u2", 2)
			p := NewPager(st)

			page, err := p.Page(context.Background(), "u2", Query{})
			require.NoError(t, err)
			assert.Equal(t, []int64{2, 1}, counters(page.Items))

			// a u1 cursor means nothing for u2
			page, err = p.Page(context.Background(), "u2", Query{After: i64(2)})
			require.NoError(t, err)
			assert.Empty(t, page.Items)
			assert.NotNil(t, page.Items)
		})
	}
}

func TestStore_ConcurrentAppendsGetUniqueCounters(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := st.Append(context.Background(), "u1", Body{Kind: KindMachineRegistered, MachineID: "m"}, nil)
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			page, err := NewPager(st).Page(context.Background(), "u1", Query{Limit: 100})
			require.NoError(t, err)
			require.Len(t, page.Items, 20)
			for i, it := range page.Items {
				assert.Equal(t, int64(20-i), it.Counter)
			}
		})
	}
}

func TestSQLiteStore_RoundTripsItem(t *testing.T) {
	st, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "feed.db"))
	require.NoError(t, err)
	defer st.Close()

	rk := "session-s1"
	in, err := st.Append(context.Background(), "u1", Body{Kind: KindSessionDeleted, SessionID: "s1"}, &rk)
	require.NoError(t, err)

	items, err := st.List(context.Background(), "u1", Newest, 0, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, in.ID, items[0].ID)
	assert.Equal(t, Body{Kind: KindSessionDeleted, SessionID: "s1"}, items[0].Body)
	require.NotNil(t, items[0].RepeatKey)
	assert.Equal(t, rk, *items[0].RepeatKey)
	assert.Equal(t, "cursor_1", items[0].Cursor())
}
