// Package syncstate persists the last applied seq of every entity a client
// tracks, so a restarted client resyncs exactly what it knew about.
package syncstate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
	"happy-sync/internal/state"
)

// Keys are "seq/<kind>/<id>", values 8-byte big-endian seqs.
const keyPrefix = "seq/"

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	return OpenWithOptions(dir, &pebble.Options{})
}

func OpenWithOptions(dir string, opts *pebble.Options) (*Store, error) {
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open sync state %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func encodeKey(key state.Key) []byte {
	return []byte(keyPrefix + string(key.Kind) + "/" + key.ID)
}

func decodeKey(raw []byte) (state.Key, bool) {
	rest, ok := strings.CutPrefix(string(raw), keyPrefix)
	if !ok {
		return state.Key{}, false
	}
	kind, id, ok := strings.Cut(rest, "/")
	if !ok || kind == "" || id == "" {
		return state.Key{}, false
	}
	return state.Key{Kind: state.Kind(kind), ID: id}, true
}

func decodeSeq(raw []byte) (int64, error) {
	if len(raw) != 8 {
		return 0, fmt.Errorf("bad seq value of %d bytes", len(raw))
	}
	return int64(binary.BigEndian.Uint64(raw)), nil
}

// Save records seq for key. Writes skip fsync: a lost checkpoint only costs
// one extra resync.
func (s *Store) Save(key state.Key, seq int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return s.db.Set(encodeKey(key), buf[:], pebble.NoSync)
}

func (s *Store) Get(key state.Key) (int64, bool, error) {
	value, closer, err := s.db.Get(encodeKey(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	seq, err := decodeSeq(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return seq, true, nil
}

func (s *Store) Delete(key state.Key) error {
	return s.db.Delete(encodeKey(key), pebble.NoSync)
}

// Load returns every checkpoint. Malformed entries are skipped.
func (s *Store) Load() (map[state.Key]int64, error) {
	it, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte("seq0"),
	})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	out := make(map[state.Key]int64)
	for it.First(); it.Valid(); it.Next() {
		key, ok := decodeKey(it.Key())
		if !ok {
			continue
		}
		seq, err := decodeSeq(it.Value())
		if err != nil {
			continue
		}
		out[key] = seq
	}
	return out, it.Error()
}
