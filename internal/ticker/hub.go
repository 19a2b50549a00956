// Package ticker multiplexes periodic work onto one time.Ticker per purpose,
// so thousands of connections sharing a heartbeat sweep cost one timer.
package ticker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type subscriber struct {
	id uint64
	fn func(now time.Time)
}

type purpose struct {
	mu       sync.Mutex
	interval time.Duration
	subs     []subscriber
	stop     chan struct{}
}

// Hub owns the tickers. The zero value is not usable; call New.
type Hub struct {
	purposes *xsync.MapOf[string, *purpose]
	nextID   atomic.Uint64
}

func New() *Hub {
	return &Hub{purposes: xsync.NewMapOf[string, *purpose]()}
}

// Subscribe registers fn under name. The first subscriber fixes the
// interval; later ones share it. The returned func unsubscribes, and the
// ticker stops when a purpose has no subscribers left.
func (h *Hub) Subscribe(name string, interval time.Duration, fn func(now time.Time)) (cancel func()) {
	id := h.nextID.Add(1)
	for {
		p, _ := h.purposes.LoadOrCompute(name, func() *purpose {
			return &purpose{interval: interval}
		})
		p.mu.Lock()
		if cur, ok := h.purposes.Load(name); !ok || cur != p {
			// lost a race with the last unsubscribe
			p.mu.Unlock()
			continue
		}
		p.subs = append(p.subs, subscriber{id: id, fn: fn})
		if p.stop == nil {
			p.stop = make(chan struct{})
			go p.run(p.stop)
		}
		p.mu.Unlock()
		break
	}

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(name, id) })
	}
}

func (h *Hub) unsubscribe(name string, id uint64) {
	p, ok := h.purposes.Load(name)
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, s := range p.subs {
		if s.id == id {
			p.subs = append(p.subs[:i:i], p.subs[i+1:]...)
			break
		}
	}
	if len(p.subs) == 0 && p.stop != nil {
		close(p.stop)
		p.stop = nil
		h.purposes.Delete(name)
	}
}

// Subscribers reports how many callbacks share name.
func (h *Hub) Subscribers(name string) int {
	p, ok := h.purposes.Load(name)
	if !ok {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

func (p *purpose) run(stop <-chan struct{}) {
	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-t.C:
			p.mu.Lock()
			subs := p.subs
			p.mu.Unlock()
			for _, s := range subs {
				s.fn(now)
			}
		}
	}
}
