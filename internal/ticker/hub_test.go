package ticker

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_SharedTickerFansOut(t *testing.T) {
	h := New()
	var a, b atomic.Int32
	cancelA := h.Subscribe("heartbeat", 5*time.Millisecond, func(time.Time) { a.Add(1) })
	cancelB := h.Subscribe("heartbeat", time.Hour, func(time.Time) { b.Add(1) })
	defer cancelB()

	assert.Equal(t, 2, h.Subscribers("heartbeat"))
	require.Eventually(t, func() bool { return a.Load() >= 2 && b.Load() >= 2 }, time.Second, time.Millisecond)

	cancelA()
	cancelA()
	assert.Equal(t, 1, h.Subscribers("heartbeat"))
}

func TestHub_StopsWhenEmpty(t *testing.T) {
	h := New()
	var n atomic.Int32
	cancel := h.Subscribe("expiry", 2*time.Millisecond, func(time.Time) { n.Add(1) })
	require.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, time.Millisecond)
	cancel()
	assert.Equal(t, 0, h.Subscribers("expiry"))

	time.Sleep(10 * time.Millisecond)
	seen := n.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, seen, n.Load())
}

func TestHub_PurposesAreSeparate(t *testing.T) {
	h := New()
	c1 := h.Subscribe("a", time.Hour, func(time.Time) {})
	c2 := h.Subscribe("b", time.Hour, func(time.Time) {})
	defer c2()
	c1()
	assert.Equal(t, 0, h.Subscribers("a"))
	assert.Equal(t, 1, h.Subscribers("b"))
}
