package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
)

// ErrInFlight is returned when a cycle for the same key is already running.
// The caller's request has been folded into that cycle.
var ErrInFlight = errors.New("retry cycle already in flight")

// ExhaustedError reports that every attempt of a bounded cycle failed.
type ExhaustedError struct {
	Key      string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry %s: gave up after %d attempts: %v", e.Key, e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Run returns the wrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Op is one attempt. attempt starts at 0.
type Op func(ctx context.Context, attempt int) error

// Coordinator runs at most one cycle per key. Keys are independent, so a
// push-token registration never waits on a reconnect cycle.
type Coordinator struct {
	inflight *xsync.MapOf[string, struct{}]
}

func NewCoordinator() *Coordinator {
	return &Coordinator{inflight: xsync.NewMapOf[string, struct{}]()}
}

func (c *Coordinator) InFlight(key string) bool {
	_, ok := c.inflight.Load(key)
	return ok
}

// Run executes a cycle for key on the calling goroutine.
func (c *Coordinator) Run(ctx context.Context, key string, policy Policy, op Op) error {
	if !c.acquire(key) {
		return ErrInFlight
	}
	defer c.inflight.Delete(key)
	return runCycle(ctx, key, policy, op)
}

// Go executes a cycle for key on its own goroutine and reports the outcome
// to done, which may be nil. It returns false without starting anything when
// a cycle for key is already running. A failing cycle never affects other
// keys or the caller.
func (c *Coordinator) Go(ctx context.Context, key string, policy Policy, op Op, done func(error)) bool {
	if !c.acquire(key) {
		return false
	}
	go func() {
		defer c.inflight.Delete(key)
		err := runCycle(ctx, key, policy, op)
		if done != nil {
			done(err)
		}
	}()
	return true
}

func (c *Coordinator) acquire(key string) bool {
	_, loaded := c.inflight.LoadOrStore(key, struct{}{})
	return !loaded
}

func runCycle(ctx context.Context, key string, policy Policy, op Op) error {
	backoff := NewBackoff(policy)
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := op(ctx, attempt)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay, ok := backoff.NextDelay()
		if !ok {
			return &ExhaustedError{Key: key, Attempts: attempt + 1, Last: err}
		}
		glog.V(2).Infof("retry %s: attempt %d failed (%v), next in %s", key, attempt, err, delay)
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
