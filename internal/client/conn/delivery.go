package conn

import "sync"

// deliveryQueue runs callbacks one at a time in push order. push never
// blocks, so the connection owner is never held up by a slow handler.
type deliveryQueue struct {
	mu    sync.Mutex
	items []func()
	wake  chan struct{}
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newDeliveryQueue() *deliveryQueue {
	return &deliveryQueue{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (q *deliveryQueue) push(f func()) {
	q.mu.Lock()
	q.items = append(q.items, f)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *deliveryQueue) take() []func() {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *deliveryQueue) run() {
	defer close(q.done)
	for {
		items := q.take()
		for _, f := range items {
			f()
		}
		if len(items) > 0 {
			continue
		}
		select {
		case <-q.wake:
		case <-q.stop:
			for _, f := range q.take() {
				f()
			}
			return
		}
	}
}

// close runs whatever is still queued and waits for the goroutine to exit.
func (q *deliveryQueue) close() {
	q.once.Do(func() { close(q.stop) })
	<-q.done
}
