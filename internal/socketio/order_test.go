package socketio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/state"
)

type sentLog struct {
	mu   sync.Mutex
	seqs []int64
}

func (l *sentLog) send(seq int64) func() {
	return func() {
		l.mu.Lock()
		l.seqs = append(l.seqs, seq)
		l.mu.Unlock()
	}
}

func (l *sentLog) get() []int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]int64(nil), l.seqs...)
}

var orderKey = state.Key{Kind: state.KindSession, ID: "s1"}

func TestUpdateOrder_HoldsUntilPredecessorSent(t *testing.T) {
	o := newUpdateOrder(time.Hour)
	var log sentLog

	o.release(orderKey, 1, false, log.send(1))
	o.release(orderKey, 3, false, log.send(3))
	o.release(orderKey, 4, false, log.send(4))
	assert.Equal(t, []int64{1}, log.get())

	o.release(orderKey, 2, false, log.send(2))
	assert.Equal(t, []int64{1, 2, 3, 4}, log.get())

	other := state.Key{Kind: state.KindMachine, ID: "s1"}
	o.release(other, 7, false, log.send(7))
	assert.Equal(t, []int64{1, 2, 3, 4, 7}, log.get())
}

func TestUpdateOrder_GivesUpOnMissingSeq(t *testing.T) {
	o := newUpdateOrder(10 * time.Millisecond)
	var log sentLog

	o.release(orderKey, 1, false, log.send(1))
	o.release(orderKey, 3, false, log.send(3))
	require.Eventually(t, func() bool { return len(log.get()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 3}, log.get())

	// a late predecessor still goes out, after its successor
	o.release(orderKey, 2, false, log.send(2))
	o.release(orderKey, 4, false, log.send(4))
	assert.Equal(t, []int64{1, 3, 2, 4}, log.get())
}

func TestUpdateOrder_DeleteForgetsEntity(t *testing.T) {
	o := newUpdateOrder(time.Hour)
	var log sentLog

	o.release(orderKey, 1, false, log.send(1))
	o.release(orderKey, 2, true, log.send(2))
	_, ok := o.entities.Load(orderKey)
	assert.False(t, ok)

	o.release(orderKey, 1, false, log.send(1))
	assert.Equal(t, []int64{1, 2, 1}, log.get())
}

func TestUpdateOrder_ConcurrentWritersStayOrdered(t *testing.T) {
	o := newUpdateOrder(time.Hour)
	var log sentLog
	o.release(orderKey, 1, false, log.send(1))

	var wg sync.WaitGroup
	for seq := int64(50); seq >= 2; seq-- {
		wg.Add(1)
		go func(seq int64) {
			defer wg.Done()
			o.release(orderKey, seq, false, log.send(seq))
		}(seq)
	}
	wg.Wait()

	got := log.get()
	require.Len(t, got, 50)
	for i, seq := range got {
		assert.Equal(t, int64(i+1), seq)
	}
}
