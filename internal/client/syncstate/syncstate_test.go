package syncstate

import (
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/state"
)

func TestStore_SaveGetLoad(t *testing.T) {
	s, err := OpenWithOptions("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer s.Close()

	sess := state.Key{Kind: state.KindSession, ID: "s1"}
	mach := state.Key{Kind: state.KindMachine, ID: "m/1"}

	_, ok, err := s.Get(sess)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(sess, 3))
	require.NoError(t, s.Save(sess, 7))
	require.NoError(t, s.Save(mach, 1<<40))

	seq, ok, err := s.Get(sess)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)

	all, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, map[state.Key]int64{sess: 7, mach: 1 << 40}, all)

	require.NoError(t, s.Delete(sess))
	all, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, map[state.Key]int64{mach: 1 << 40}, all)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	key := state.Key{Kind: state.KindAccount, ID: "user-1"}

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Save(key, 12))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()
	seq, ok, err := s.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(12), seq)
}

func TestDecodeKey(t *testing.T) {
	key, ok := decodeKey([]byte("seq/session/abc"))
	require.True(t, ok)
	assert.Equal(t, state.Key{Kind: state.KindSession, ID: "abc"}, key)

	for _, raw := range []string{"seq/session", "seq//abc", "other/session/abc", "seq/session/"} {
		_, ok := decodeKey([]byte(raw))
		assert.False(t, ok, raw)
	}
}
