package socketio

import (
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
	"happy-sync/internal/state"
)

const defaultReorderWait = 200 * time.Millisecond

// updateOrder releases persistent updates of one entity in seq order.
// Writers commit to the store and emit afterwards without holding the store
// lock, so two writers on one entity can reach EmitUpdate as N+1, N. An
// update that runs ahead waits for its predecessor for at most wait, then
// goes out anyway and the client resyncs on the gap.
type updateOrder struct {
	wait     time.Duration
	entities *xsync.MapOf[state.Key, *entityOrder]
}

type entityOrder struct {
	mu      sync.Mutex
	last    int64
	waiting map[int64]func()
}

func newUpdateOrder(wait time.Duration) *updateOrder {
	if wait <= 0 {
		wait = defaultReorderWait
	}
	return &updateOrder{wait: wait, entities: xsync.NewMapOf[state.Key, *entityOrder]()}
}

// release runs send once every earlier seq of key has been sent. The first
// update seen for key fixes its position. done forgets key after send.
func (o *updateOrder) release(key state.Key, seq int64, done bool, send func()) {
	e, loaded := o.entities.LoadOrCompute(key, func() *entityOrder {
		return &entityOrder{last: seq - 1, waiting: make(map[int64]func())}
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if loaded && seq > e.last+1 {
		e.waiting[seq] = send
		time.AfterFunc(o.wait, func() { o.expire(key, e, seq) })
		return
	}
	send()
	if seq > e.last {
		e.last = seq
	}
	e.flushLocked()
	if done {
		o.entities.Delete(key)
	}
}

// expire gives up on whatever is missing before seq.
func (o *updateOrder) expire(key state.Key, e *entityOrder, seq int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.waiting[seq]; !ok {
		return
	}
	glog.V(2).Infof("update %s: seq %d went out before seq %d", key, seq, e.last+1)

	ahead := make([]int64, 0, len(e.waiting))
	for s := range e.waiting {
		if s <= seq {
			ahead = append(ahead, s)
		}
	}
	sort.Slice(ahead, func(i, j int) bool { return ahead[i] < ahead[j] })
	for _, s := range ahead {
		e.waiting[s]()
		delete(e.waiting, s)
	}
	e.last = seq
	e.flushLocked()
}

func (e *entityOrder) flushLocked() {
	for {
		send, ok := e.waiting[e.last+1]
		if !ok {
			return
		}
		delete(e.waiting, e.last+1)
		send()
		e.last++
	}
}
