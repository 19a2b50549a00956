package push

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/client/api"
	"happy-sync/internal/retry"
)

type fakeCreds struct{ paired atomic.Bool }

func (c *fakeCreds) HasStoredCredentials() bool { return c.paired.Load() }

type fakeClient struct {
	calls atomic.Int32
	gate  chan struct{}
	fail  func(call int32) error
}

func (c *fakeClient) RegisterPushToken(ctx context.Context, token string) error {
	n := c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.fail != nil {
		return c.fail(n)
	}
	return nil
}

type outcome struct {
	token string
	err   error
}

var fastPolicy = retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}

func newTestRegistrar(t *testing.T, client Client, creds Credentials) (*Registrar, chan outcome) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan outcome, 8)
	r := NewRegistrar(ctx, client, creds, nil).WithPolicy(fastPolicy)
	r.OnDone = func(token string, err error) { done <- outcome{token, err} }
	return r, done
}

func waitOutcome(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(2 * time.Second):
		t.Fatalf("registration cycle did not finish")
		return outcome{}
	}
}

func TestRegistrar_DefersUntilPaired(t *testing.T) {
	creds := &fakeCreds{}
	client := &fakeClient{}
	r, done := newTestRegistrar(t, client, creds)

	assert.ErrorIs(t, r.Register("tok-1"), ErrDeferred)
	assert.True(t, r.Pending("tok-1"))
	assert.Equal(t, 0, r.Flush())
	assert.Equal(t, int32(0), client.calls.Load())

	creds.paired.Store(true)
	assert.Equal(t, 1, r.Flush())
	o := waitOutcome(t, done)
	assert.Equal(t, "tok-1", o.token)
	assert.NoError(t, o.err)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, 0, r.Flush())
}

func TestRegistrar_ConcurrentCallsCollapse(t *testing.T) {
	creds := &fakeCreds{}
	creds.paired.Store(true)
	client := &fakeClient{gate: make(chan struct{})}
	r, done := newTestRegistrar(t, client, creds)

	require.NoError(t, r.Register("tok-1"))
	require.NoError(t, r.Register("tok-1"))
	assert.True(t, r.Pending("tok-1"))
	close(client.gate)

	o := waitOutcome(t, done)
	assert.NoError(t, o.err)
	assert.Equal(t, int32(1), client.calls.Load())
	select {
	case extra := <-done:
		t.Fatalf("unexpected second cycle: %+v", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegistrar_RetriesTransientFailures(t *testing.T) {
	creds := &fakeCreds{}
	creds.paired.Store(true)
	client := &fakeClient{fail: func(n int32) error {
		if n < 3 {
			return &api.StatusError{Status: http.StatusServiceUnavailable}
		}
		return nil
	}}
	r, done := newTestRegistrar(t, client, creds)

	require.NoError(t, r.Register("tok-1"))
	assert.NoError(t, waitOutcome(t, done).err)
	assert.Equal(t, int32(3), client.calls.Load())
}

func TestRegistrar_ClientErrorsArePermanent(t *testing.T) {
	creds := &fakeCreds{}
	creds.paired.Store(true)
	client := &fakeClient{fail: func(int32) error {
		return &api.StatusError{Status: http.StatusBadRequest, Message: "Invalid request"}
	}}
	r, done := newTestRegistrar(t, client, creds)

	require.NoError(t, r.Register("tok-1"))
	o := waitOutcome(t, done)
	var se *api.StatusError
	require.ErrorAs(t, o.err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Status)
	assert.Equal(t, int32(1), client.calls.Load())
}

func TestRegistrar_GivesUp(t *testing.T) {
	creds := &fakeCreds{}
	creds.paired.Store(true)
	client := &fakeClient{fail: func(int32) error {
		return &api.StatusError{Status: http.StatusBadGateway}
	}}
	r, done := newTestRegistrar(t, client, creds)

	require.NoError(t, r.Register("tok-1"))
	o := waitOutcome(t, done)
	var ex *retry.ExhaustedError
	require.ErrorAs(t, o.err, &ex)
	assert.Equal(t, 3, ex.Attempts)
	assert.Equal(t, "push-token:tok-1", ex.Key)
	assert.Equal(t, int32(3), client.calls.Load())
	assert.Eventually(t, func() bool { return !r.Pending("tok-1") }, time.Second, time.Millisecond)
}

func TestRegistrar_RejectsEmptyToken(t *testing.T) {
	r, _ := newTestRegistrar(t, &fakeClient{}, &fakeCreds{})
	assert.Error(t, r.Register(""))
}
