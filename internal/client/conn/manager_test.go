package conn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"happy-sync/internal/protocol"
	"happy-sync/internal/retry"
)

type fakeTransport struct {
	toClient   chan string
	fromClient chan string
	closed     chan struct{}
	once       sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		toClient:   make(chan string, 16),
		fromClient: make(chan string, 64),
		closed:     make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() (string, error) {
	select {
	case m := <-f.toClient:
		return m, nil
	case <-f.closed:
		return "", io.EOF
	}
}

func (f *fakeTransport) WriteMessage(msg string) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case f.fromClient <- msg:
		return nil
	case <-f.closed:
		return io.ErrClosedPipe
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) send(msg string) {
	f.toClient <- msg
}

func (f *fakeTransport) expect(t *testing.T, prefix string) string {
	t.Helper()
	select {
	case msg := <-f.fromClient:
		require.True(t, strings.HasPrefix(msg, prefix), "got %q, want prefix %q", msg, prefix)
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for %q", prefix)
		return ""
	}
}

type fakeDialer struct {
	conns chan *fakeTransport
	dials atomic.Int32
	err   error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeTransport, 8)}
}

func (d *fakeDialer) Dial(ctx context.Context) (Transport, error) {
	d.dials.Add(1)
	if d.err != nil {
		return nil, d.err
	}
	tr := newFakeTransport()
	d.conns <- tr
	return tr, nil
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.conns:
		return tr
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for dial")
		return nil
	}
}

type staticCreds struct {
	token string
}

func (c staticCreds) HasStoredCredentials() bool { return c.token != "" }
func (c staticCreds) Token() (string, error)     { return c.token, nil }

type recorder struct {
	frames chan protocol.Frame
}

func (r *recorder) HandleState(Event)            {}
func (r *recorder) HandleFrame(f protocol.Frame) { r.frames <- f }

func testOptions() Options {
	opts := DefaultOptions()
	opts.HeartbeatInterval = time.Hour
	opts.HeartbeatTimeout = 30 * time.Minute
	opts.ConnectTimeout = 2 * time.Second
	opts.Retry = retry.Policy{InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	return opts
}

func newTestManager(t *testing.T, d Dialer, creds Credentials, opts Options, h Handler) (*Manager, <-chan Event) {
	t.Helper()
	m, err := NewManager(context.Background(), d, creds, opts)
	require.NoError(t, err)
	if h != nil {
		m.SetHandler(h)
	}
	events, _ := m.Subscribe()
	t.Cleanup(func() { m.Close() })
	m.Start()
	return m, events
}

func waitState(t *testing.T, events <-chan Event, want State) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.To == want {
				return ev
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", want)
			return Event{}
		}
	}
}

func ackIDOf(t *testing.T, pkt string) int {
	t.Helper()
	ev, err := protocol.ParseEventPacket(strings.TrimPrefix(pkt, "4"))
	require.NoError(t, err)
	require.NotNil(t, ev.ID)
	return *ev.ID
}

// handshake plays the server side up to the first heartbeat ack.
func handshake(t *testing.T, tr *fakeTransport) {
	t.Helper()
	tr.send(`0{"sid":"e1","pingInterval":25000,"pingTimeout":20000}`)
	connect := tr.expect(t, "40")
	require.Contains(t, connect, `"token":"tok"`)
	require.Contains(t, connect, `"clientType":"user-scoped"`)
	tr.send(`40{"sid":"s1"}`)
	ping := tr.expect(t, "42")
	require.Contains(t, ping, `"ping"`)
	tr.send("43" + strconv.Itoa(ackIDOf(t, ping)) + "[]")
}

func TestManager_LiveFlushesQueuedPersistent(t *testing.T) {
	d := newFakeDialer()
	m, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)

	ctx := context.Background()
	require.NoError(t, m.Send(ctx, Outbound{Event: protocol.EventMessage, Arg: map[string]string{"sid": "s1", "message": "c1"}, Persistent: true}))
	require.NoError(t, m.Send(ctx, Outbound{Event: protocol.EventMessage, Arg: map[string]string{"sid": "s1", "message": "c2"}, Persistent: true}))
	err := m.Send(ctx, Outbound{Event: protocol.EventSessionAlive, Arg: map[string]string{"sid": "s1"}})
	assert.ErrorIs(t, err, ErrNotLive)

	handshake(t, tr)
	waitState(t, events, Live)
	assert.Equal(t, Live, m.State())

	first := tr.expect(t, "42[")
	second := tr.expect(t, "42[")
	assert.Contains(t, first, `"c1"`)
	assert.Contains(t, second, `"c2"`)

	// live ephemeral goes straight out
	require.NoError(t, m.Send(ctx, Outbound{Event: protocol.EventSessionAlive, Arg: map[string]string{"sid": "s1"}}))
	assert.Contains(t, tr.expect(t, "42["), `"session-alive"`)
}

func TestManager_UnauthenticatedIsTerminal(t *testing.T) {
	d := newFakeDialer()
	m, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)

	tr.send(`0{"sid":"e1"}`)
	tr.expect(t, "40")
	tr.send(`44{"message":"Invalid authentication token","data":{"code":"unauthenticated"}}`)

	ev := waitState(t, events, Unauthenticated)
	assert.ErrorIs(t, ev.Err, ErrUnauthenticated)
	assert.ErrorIs(t, m.Send(context.Background(), Outbound{Event: protocol.EventMessage, Persistent: true}), ErrUnauthenticated)

	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, d.dials.Load())
}

func TestManager_NoStoredCredentials(t *testing.T) {
	d := newFakeDialer()
	_, events := newTestManager(t, d, staticCreds{}, testOptions(), nil)

	ev := waitState(t, events, Unauthenticated)
	assert.ErrorIs(t, ev.Err, ErrUnauthenticated)
	assert.EqualValues(t, 0, d.dials.Load())
}

func TestManager_RejectedConnectRetries(t *testing.T) {
	d := newFakeDialer()
	_, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)

	tr.send(`0{"sid":"e1"}`)
	tr.expect(t, "40")
	tr.send(`44{"message":"Session not found","data":{"code":"rejected"}}`)

	ev := waitState(t, events, Reconnecting)
	assert.Contains(t, ev.Err.Error(), "Session not found")
	d.next(t)
}

func TestManager_HeartbeatMissedReconnects(t *testing.T) {
	d := newFakeDialer()
	opts := testOptions()
	opts.HeartbeatInterval = 200 * time.Millisecond
	opts.HeartbeatTimeout = 100 * time.Millisecond
	_, events := newTestManager(t, d, staticCreds{token: "tok"}, opts, nil)
	tr := d.next(t)

	handshake(t, tr)
	waitState(t, events, Live)

	ev := waitState(t, events, Degraded)
	assert.ErrorIs(t, ev.Err, ErrHeartbeatTimeout)
	waitState(t, events, Reconnecting)
	waitState(t, events, Connecting)

	select {
	case <-tr.closed:
	default:
		t.Fatalf("old transport should be closed before reconnecting")
	}
	d.next(t)
}

func TestManager_DialFailuresExhaustBoundedPolicy(t *testing.T) {
	d := newFakeDialer()
	d.err = errors.New("connection refused")
	opts := testOptions()
	opts.Retry = retry.Policy{InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}
	m, events := newTestManager(t, d, staticCreds{token: "tok"}, opts, nil)

	ev := waitState(t, events, Disconnected)
	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, ev.Err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.EqualValues(t, 3, d.dials.Load())

	err := m.Send(context.Background(), Outbound{Event: protocol.EventMessage, Persistent: true})
	assert.ErrorAs(t, err, &exhausted)
}

func TestManager_RequestAndLostAcks(t *testing.T) {
	d := newFakeDialer()
	m, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)

	_, err := m.Request(context.Background(), protocol.EventResync, protocol.ResyncRequest{Kind: "session", ID: "s1"})
	assert.ErrorIs(t, err, ErrNotLive)

	handshake(t, tr)
	waitState(t, events, Live)

	type result struct {
		args []json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		args, err := m.Request(context.Background(), protocol.EventResync, protocol.ResyncRequest{Kind: "session", ID: "s1"})
		done <- result{args, err}
	}()

	pkt := tr.expect(t, "42")
	require.Contains(t, pkt, `"resync"`)
	tr.send("43" + strconv.Itoa(ackIDOf(t, pkt)) + `[{"result":"success","seq":4}]`)

	res := <-done
	require.NoError(t, res.err)
	require.Len(t, res.args, 1)
	var resp protocol.ResyncResponse
	require.NoError(t, json.Unmarshal(res.args[0], &resp))
	assert.Equal(t, int64(4), resp.Seq)

	// an ack that never arrives fails once the transport drops
	lost := make(chan error, 1)
	require.NoError(t, m.Send(context.Background(), Outbound{
		Event:      protocol.EventUpdateMetadata,
		Arg:        map[string]any{"sid": "s1", "expectedVersion": 1},
		Persistent: true,
		Ack:        func(_ []json.RawMessage, err error) { lost <- err },
	}))
	tr.expect(t, "42")
	tr.Close()

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatalf("ack callback not called")
	}
	waitState(t, events, Reconnecting)
}

func TestManager_AnswersEnginePing(t *testing.T) {
	d := newFakeDialer()
	_, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)

	handshake(t, tr)
	waitState(t, events, Live)

	tr.send("2")
	assert.Equal(t, "3", tr.expect(t, "3"))
}

func TestManager_DeliversFramesInOrder(t *testing.T) {
	d := newFakeDialer()
	rec := &recorder{frames: make(chan protocol.Frame, 8)}
	_, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), rec)
	tr := d.next(t)

	handshake(t, tr)
	waitState(t, events, Live)

	tr.send(`42["rpc-request",{}]`)
	tr.send(`42["update",{"id":"u0","seq":1,"body":{"t":"bogus"}}]`)

	update := protocol.PersistentUpdate{ID: "u1", Seq: 2, Body: protocol.DeleteSession{SID: "s1"}}
	pkt, err := protocol.BuildEventPacket("/", nil, protocol.EventUpdate, update.Envelope())
	require.NoError(t, err)
	tr.send("4" + pkt)
	pkt, err = protocol.BuildEventPacket("/", nil, protocol.EventEphemeral, protocol.EphemeralPayload(protocol.Activity{ID: "s1", Active: true}))
	require.NoError(t, err)
	tr.send("4" + pkt)

	first := <-rec.frames
	require.NotNil(t, first.Persistent)
	assert.Equal(t, int64(2), first.Persistent.Seq)
	assert.Equal(t, protocol.DeleteSession{T: protocol.TypeDeleteSession, SID: "s1"}, first.Persistent.Body)

	second := <-rec.frames
	require.Nil(t, second.Persistent)
	assert.Equal(t, protocol.TypeActivity, second.Ephemeral.EphemeralType())
}

func TestManager_CloseStopsEverything(t *testing.T) {
	d := newFakeDialer()
	m, events := newTestManager(t, d, staticCreds{token: "tok"}, testOptions(), nil)
	tr := d.next(t)
	handshake(t, tr)
	waitState(t, events, Live)

	queued := make(chan error, 1)
	require.NoError(t, m.Close())
	assert.Equal(t, Disconnected, m.State())
	ev := waitState(t, events, Disconnected)
	assert.ErrorIs(t, ev.Err, ErrClosed)

	err := m.Send(context.Background(), Outbound{Event: protocol.EventMessage, Persistent: true, Ack: func(_ []json.RawMessage, err error) { queued <- err }})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	opts := DefaultOptions()
	opts.HeartbeatTimeout = opts.HeartbeatInterval
	assert.ErrorIs(t, opts.Validate(), ErrInvalidHeartbeats)

	opts = DefaultOptions()
	opts.ClientType = protocol.ClientSessionScoped
	assert.Error(t, opts.Validate())
	opts.SessionID = "s1"
	assert.NoError(t, opts.Validate())

	opts = DefaultOptions()
	opts.ClientType = "browser"
	assert.Error(t, opts.Validate())
}

func TestUpdatesURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:3005":     "ws://localhost:3005/v1/updates/?EIO=4&transport=websocket",
		"https://sync.example.com/": "wss://sync.example.com/v1/updates/?EIO=4&transport=websocket",
		"https://example.com/happy": "wss://example.com/happy/v1/updates/?EIO=4&transport=websocket",
		"ws://127.0.0.1:9000?x=1":   "ws://127.0.0.1:9000/v1/updates/?EIO=4&transport=websocket",
	}
	for in, want := range cases {
		got, err := UpdatesURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	for _, in := range []string{"ftp://example.com", "http://", "::"} {
		_, err := UpdatesURL(in)
		assert.Error(t, err, in)
	}
}
