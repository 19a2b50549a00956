// Package feed serves the append-only activity feed.
//
// Items are ordered by a per-user counter, never by timestamp: counters are
// assigned in insertion order and are unique per user, so they stay stable
// under concurrent inserts. Cursors wrap a single counter as "cursor_<n>".
package feed

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 200
	cursorPrefix = "cursor_"
)

// Body is the discriminated payload of a feed item.
type Body struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	MachineID string `json:"machineId,omitempty"`
}

const (
	KindSessionCreated    = "session-created"
	KindSessionDeleted    = "session-deleted"
	KindMachineRegistered = "machine-registered"
)

type Item struct {
	ID        string
	UserID    string
	Counter   int64
	Body      Body
	RepeatKey *string
	CreatedAt int64
}

func (it Item) Cursor() string {
	return EncodeCursor(it.Counter)
}

func EncodeCursor(counter int64) string {
	return cursorPrefix + strconv.FormatInt(counter, 10)
}

// DecodeCursor never falls back to "most recent": anything that is not
// cursor_<non-negative decimal> is ErrInvalidCursor.
func DecodeCursor(s string) (int64, error) {
	digits, ok := strings.CutPrefix(s, cursorPrefix)
	if !ok || digits == "" {
		return 0, ErrInvalidCursor
	}
	for i := 0; i < len(digits); i++ {
		if digits[i] < '0' || digits[i] > '9' {
			return 0, ErrInvalidCursor
		}
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	return n, nil
}

type Direction int

const (
	Newest Direction = iota
	Before
	After
)

func (d Direction) String() string {
	switch d {
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "newest"
	}
}

// Store persists feed items. List returns at most n items of one user:
// descending by counter for Newest and Before, ascending for After.
type Store interface {
	Append(ctx context.Context, userID string, body Body, repeatKey *string) (Item, error)
	List(ctx context.Context, userID string, dir Direction, bound int64, n int) ([]Item, error)
}

type Query struct {
	Before *int64
	After  *int64
	Limit  int
}

func (q Query) Direction() Direction {
	switch {
	case q.After != nil:
		return After
	case q.Before != nil:
		return Before
	default:
		return Newest
	}
}

// ParseQuery decodes raw query string values. Empty strings mean absent.
func ParseQuery(before, after, limit string) (Query, error) {
	var q Query
	if before != "" && after != "" {
		return Query{}, ErrInvalidCursor
	}
	if before != "" {
		c, err := DecodeCursor(before)
		if err != nil {
			return Query{}, err
		}
		q.Before = &c
	}
	if after != "" {
		c, err := DecodeCursor(after)
		if err != nil {
			return Query{}, err
		}
		q.After = &c
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			return Query{}, errors.New("invalid limit")
		}
		q.Limit = n
	}
	return q, nil
}

type Page struct {
	Items   []Item
	HasMore bool
}

type Pager struct {
	store Store
}

func NewPager(store Store) *Pager {
	return &Pager{store: store}
}

func (p *Pager) Append(ctx context.Context, userID string, body Body, repeatKey *string) (Item, error) {
	return p.store.Append(ctx, userID, body, repeatKey)
}

// Page returns items newest first whichever direction was asked for. It
// reads limit+1 rows so HasMore needs no second query.
func (p *Pager) Page(ctx context.Context, userID string, q Query) (Page, error) {
	if q.Before != nil && q.After != nil {
		return Page{}, ErrInvalidCursor
	}
	limit := clampLimit(q.Limit)

	var bound int64
	dir := q.Direction()
	switch dir {
	case After:
		bound = *q.After
	case Before:
		bound = *q.Before
	}

	rows, err := p.store.List(ctx, userID, dir, bound, limit+1)
	if err != nil {
		return Page{}, err
	}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	if dir == After {
		reverse(rows)
	}
	if rows == nil {
		rows = []Item{}
	}
	return Page{Items: rows, HasMore: hasMore}, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}

func reverse(items []Item) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
