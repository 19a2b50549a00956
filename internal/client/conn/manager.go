// Package conn keeps one authenticated realtime connection to the server
// alive. A single goroutine owns the connection and every timer; callers
// reach it through channels, and everything it reports back (state events,
// inbound frames, acks) is delivered in order on a separate goroutine.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"happy-sync/internal/metrics"
	"happy-sync/internal/protocol"
	"happy-sync/internal/retry"
)

type Options struct {
	ClientType string
	SessionID  string
	MachineID  string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// ConnectTimeout bounds dial, CONNECT and the first heartbeat together.
	ConnectTimeout time.Duration
	Retry          retry.Policy
}

func DefaultOptions() Options {
	return Options{
		ClientType:        protocol.ClientUserScoped,
		HeartbeatInterval: 15 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		ConnectTimeout:    15 * time.Second,
		Retry:             retry.ConnectionPolicy,
	}
}

func (o Options) Validate() error {
	if o.HeartbeatInterval <= 0 || o.HeartbeatTimeout <= 0 {
		return errors.New("heartbeat interval and timeout must be positive")
	}
	if o.HeartbeatTimeout >= o.HeartbeatInterval {
		return ErrInvalidHeartbeats
	}
	if o.ConnectTimeout <= 0 {
		return errors.New("connect timeout must be positive")
	}
	switch o.ClientType {
	case protocol.ClientUserScoped:
	case protocol.ClientSessionScoped:
		if o.SessionID == "" {
			return errors.New("session-scoped client needs a session id")
		}
	case protocol.ClientMachineScoped:
		if o.MachineID == "" {
			return errors.New("machine-scoped client needs a machine id")
		}
	default:
		return fmt.Errorf("unknown client type %q", o.ClientType)
	}
	return nil
}

type Credentials interface {
	HasStoredCredentials() bool
	Token() (string, error)
}

// Handler receives state transitions and inbound frames, in arrival order,
// on the delivery goroutine. It must not call Close.
type Handler interface {
	HandleState(Event)
	HandleFrame(protocol.Frame)
}

// AckFunc receives the server's ack arguments, or an error when the
// connection went away first.
type AckFunc func(args []json.RawMessage, err error)

// Outbound is one event a client emits. Persistent events wait in order
// while the connection is down; the rest are dropped.
type Outbound struct {
	Event      string
	Arg        any
	Persistent bool
	Ack        AckFunc
}

type ackResult struct {
	args []json.RawMessage
	err  error
}

type command struct {
	out         Outbound
	requireLive bool
	reply       chan ackResult
	result      chan error
}

type Manager struct {
	opts    Options
	dialer  Dialer
	creds   Credentials
	handler Handler

	ctx    context.Context
	cancel context.CancelFunc
	cmds   chan command
	state  atomic.Int32

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	deliver   *deliveryQueue
	started   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func NewManager(ctx context.Context, dialer Dialer, creds Credentials, opts Options) (*Manager, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if dialer == nil || creds == nil {
		return nil, errors.New("conn: dialer and credentials are required")
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	m := &Manager{
		opts:    opts,
		dialer:  dialer,
		creds:   creds,
		ctx:     cancelCtx,
		cancel:  cancel,
		cmds:    make(chan command),
		subs:    make(map[int]chan Event),
		deliver: newDeliveryQueue(),
		done:    make(chan struct{}),
	}
	go m.deliver.run()
	return m, nil
}

// SetHandler must be called before Start.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

func (m *Manager) Start() {
	if m.started.CompareAndSwap(false, true) {
		go m.run()
	}
}

// Close stops the connection for good. Queued persistent events fail with
// ErrClosed.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.cancel()
		if m.started.Load() {
			<-m.done
		}
		m.deliver.close()
	})
	return nil
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

// Subscribe returns a channel of state transitions. A subscriber that falls
// more than its buffer behind misses events.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, id)
			close(ch)
			m.subsMu.Unlock()
		})
	}
}

func (m *Manager) publish(ev Event) {
	if m.handler != nil {
		m.handler.HandleState(ev)
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			glog.Warningf("conn: subscriber lagging, dropped %s -> %s", ev.From, ev.To)
		}
	}
}

// Send emits out, or queues it when it is persistent and the connection is
// not live. Ephemeral events sent while offline return ErrNotLive.
func (m *Manager) Send(ctx context.Context, out Outbound) error {
	return m.submit(ctx, command{out: out, result: make(chan error, 1)})
}

// Request emits an event and waits for its ack. It never queues.
func (m *Manager) Request(ctx context.Context, event string, arg any) ([]json.RawMessage, error) {
	reply := make(chan ackResult, 1)
	cmd := command{
		out:         Outbound{Event: event, Arg: arg},
		requireLive: true,
		reply:       reply,
		result:      make(chan error, 1),
	}
	if err := m.submit(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-reply:
		return r.args, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.ctx.Done():
		return nil, ErrClosed
	}
}

func (m *Manager) submit(ctx context.Context, cmd command) error {
	select {
	case m.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
	select {
	case err := <-cmd.result:
		return err
	case <-m.done:
		return ErrClosed
	}
}

type inbound struct {
	gen uint64
	msg string
	err error
}

type dialed struct {
	gen uint64
	tr  Transport
	err error
}

type pendingAck struct {
	fn    AckFunc
	reply chan ackResult
}

// loop is the state owned by the run goroutine.
type loop struct {
	m       *Manager
	state   State
	backoff *retry.Backoff
	gaveUp  error

	gen     uint64
	tr      Transport
	dials   chan dialed
	inbound chan inbound

	nextAckID int
	pending   map[int]pendingAck
	queue     []Outbound

	beatID         int
	beatTicker     *time.Ticker
	beatAckTimer   *time.Timer
	handshakeTimer *time.Timer
	retryTimer     *time.Timer
}

func (m *Manager) run() {
	defer close(m.done)

	l := &loop{
		m:       m,
		state:   Disconnected,
		backoff: retry.NewBackoff(m.opts.Retry),
		dials:   make(chan dialed, 1),
		inbound: make(chan inbound, 16),
		pending: make(map[int]pendingAck),
	}
	defer l.shutdown()

	if !m.creds.HasStoredCredentials() {
		l.transition(Unauthenticated, ErrUnauthenticated)
	} else {
		l.connect()
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-m.cmds:
			l.handleCommand(cmd)
		case d := <-l.dials:
			l.handleDial(d)
		case in := <-l.inbound:
			l.handleInbound(in)
		case <-timerC(l.retryTimer):
			l.retryTimer = nil
			l.connect()
		case <-timerC(l.handshakeTimer):
			l.handshakeTimer = nil
			l.fail(ErrHandshakeTimeout)
		case <-tickerC(l.beatTicker):
			if l.state == Live {
				l.sendHeartbeat()
			}
		case <-timerC(l.beatAckTimer):
			l.beatAckTimer = nil
			l.heartbeatMissed()
		}
	}
}

func (l *loop) transition(to State, err error) {
	from := l.state
	if from == to {
		return
	}
	l.state = to
	l.m.state.Store(int32(to))
	metrics.ClientConnectionState.WithLabelValues(from.String()).Set(0)
	metrics.ClientConnectionState.WithLabelValues(to.String()).Set(1)
	if err != nil {
		glog.Infof("conn: %s -> %s: %v", from, to, err)
	} else {
		glog.V(2).Infof("conn: %s -> %s", from, to)
	}

	ev := Event{From: from, To: to, Err: err, At: time.Now()}
	m := l.m
	m.deliver.push(func() { m.publish(ev) })
}

func (l *loop) connect() {
	l.gen++
	gen := l.gen
	l.transition(Connecting, nil)
	l.handshakeTimer = time.NewTimer(l.m.opts.ConnectTimeout)

	m := l.m
	dials := l.dials
	go func() {
		ctx, cancel := context.WithTimeout(m.ctx, m.opts.ConnectTimeout)
		defer cancel()
		tr, err := m.dialer.Dial(ctx)
		select {
		case dials <- dialed{gen: gen, tr: tr, err: err}:
		case <-m.ctx.Done():
			if tr != nil {
				tr.Close()
			}
		}
	}()
}

func (l *loop) handleDial(d dialed) {
	if d.gen != l.gen {
		if d.tr != nil {
			d.tr.Close()
		}
		return
	}
	if d.err != nil {
		l.fail(d.err)
		return
	}
	l.tr = d.tr
	go l.read(d.gen, d.tr)
}

func (l *loop) read(gen uint64, tr Transport) {
	for {
		msg, err := tr.ReadMessage()
		select {
		case l.inbound <- inbound{gen: gen, msg: msg, err: err}:
		case <-l.m.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (l *loop) handleInbound(in inbound) {
	if in.gen != l.gen || l.tr == nil {
		return
	}
	if in.err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrConnectionLost, in.err))
		return
	}
	if in.msg == "" {
		return
	}

	switch protocol.EnginePacketType(in.msg[0]) {
	case protocol.EngineOpen:
		l.authenticate()
	case protocol.EnginePing:
		if err := l.tr.WriteMessage(string(protocol.EnginePong)); err != nil {
			l.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		}
	case protocol.EngineClose:
		l.fail(ErrConnectionLost)
	case protocol.EngineMessage:
		l.handleSocket(in.msg[1:])
	}
}

func (l *loop) authenticate() {
	if l.state != Connecting {
		return
	}
	token, err := l.m.creds.Token()
	if err != nil || token == "" {
		l.unauthenticated(fmt.Errorf("%w: no usable token", ErrUnauthenticated))
		return
	}
	pkt, err := protocol.BuildAuthConnectPacket("/", protocol.ConnectAuth{
		Token:      token,
		ClientType: l.m.opts.ClientType,
		SessionID:  l.m.opts.SessionID,
		MachineID:  l.m.opts.MachineID,
	})
	if err != nil {
		l.fail(err)
		return
	}
	l.transition(Authenticating, nil)
	if err := l.writeSocket(pkt); err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
	}
}

func (l *loop) handleSocket(payload string) {
	if payload == "" {
		return
	}
	switch protocol.SocketPacketType(payload[0]) {
	case protocol.SocketConnect:
		if l.state == Authenticating {
			l.sendHeartbeat()
		}

	case protocol.SocketConnectError:
		ce, err := protocol.ParseConnectErrorPacket(payload)
		if err != nil {
			l.fail(fmt.Errorf("connect error: %w", err))
			return
		}
		if ce.Data.Code == protocol.ConnectErrorUnauthenticated {
			l.unauthenticated(fmt.Errorf("%w: %s", ErrUnauthenticated, ce.Message))
			return
		}
		l.fail(fmt.Errorf("connect rejected: %s", ce.Message))

	case protocol.SocketAck:
		ack, err := protocol.ParseAckPacket(payload)
		if err != nil {
			glog.Warningf("conn: bad ack packet: %v", err)
			return
		}
		l.handleAck(ack)

	case protocol.SocketEvent:
		ev, err := protocol.ParseEventPacket(payload)
		if err != nil {
			glog.Warningf("conn: bad event packet: %v", err)
			return
		}
		frame, err := protocol.DecodeFrame(ev.Event, ev.Args)
		if errors.Is(err, protocol.ErrNotAFrame) {
			glog.V(2).Infof("conn: ignoring event %q", ev.Event)
			return
		}
		if err != nil {
			glog.Warningf("conn: dropping malformed %s frame: %v", ev.Event, err)
			return
		}
		if h := l.m.handler; h != nil {
			l.m.deliver.push(func() { h.HandleFrame(frame) })
		}

	case protocol.SocketDisconnect:
		l.fail(ErrConnectionLost)
	}
}

func (l *loop) sendHeartbeat() {
	if l.beatID != 0 {
		return
	}
	l.nextAckID++
	id := l.nextAckID
	pkt, err := protocol.BuildEventPacket("/", &id, protocol.EventPing)
	if err != nil {
		l.fail(err)
		return
	}
	if err := l.writeSocket(pkt); err != nil {
		l.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return
	}
	l.beatID = id
	l.beatAckTimer = time.NewTimer(l.m.opts.HeartbeatTimeout)
}

func (l *loop) handleAck(ack protocol.AckPacket) {
	if l.beatID != 0 && ack.ID == l.beatID {
		l.beatID = 0
		stopTimer(&l.beatAckTimer)
		if l.state == Authenticating {
			l.goLive()
		}
		return
	}
	p, ok := l.pending[ack.ID]
	if !ok {
		glog.V(2).Infof("conn: ack %d matches nothing", ack.ID)
		return
	}
	delete(l.pending, ack.ID)
	l.resolve(p, ack.Args, nil)
}

func (l *loop) heartbeatMissed() {
	l.beatID = 0
	if l.state == Live {
		l.transition(Degraded, ErrHeartbeatTimeout)
	}
	l.fail(ErrHeartbeatTimeout)
}

func (l *loop) goLive() {
	stopTimer(&l.handshakeTimer)
	l.backoff.Reset()
	l.transition(Live, nil)
	l.beatTicker = time.NewTicker(l.m.opts.HeartbeatInterval)
	l.flush()
}

// flush emits queued persistent events in submission order. A transport
// failure leaves the unsent remainder queued.
func (l *loop) flush() {
	for len(l.queue) > 0 && l.state == Live {
		out := l.queue[0]
		err := l.emit(out, nil)
		if errors.Is(err, ErrConnectionLost) {
			return
		}
		l.queue = l.queue[1:]
		if err != nil {
			l.deliverAck(out.Ack, nil, err)
		}
	}
}

func (l *loop) handleCommand(cmd command) {
	switch {
	case l.state == Unauthenticated:
		cmd.result <- ErrUnauthenticated
	case l.gaveUp != nil:
		cmd.result <- l.gaveUp
	case l.state == Live:
		err := l.emit(cmd.out, cmd.reply)
		if errors.Is(err, ErrConnectionLost) && cmd.out.Persistent && cmd.reply == nil {
			l.queue = append(l.queue, cmd.out)
			err = nil
		}
		cmd.result <- err
	case cmd.requireLive:
		cmd.result <- ErrNotLive
	case cmd.out.Persistent:
		l.queue = append(l.queue, cmd.out)
		cmd.result <- nil
	default:
		metrics.ClientDroppedEphemeral.Inc()
		glog.V(2).Infof("conn: dropped %s while %s", cmd.out.Event, l.state)
		cmd.result <- ErrNotLive
	}
}

// emit writes out on the live transport. A write failure tears the
// connection down and is reported as ErrConnectionLost.
func (l *loop) emit(out Outbound, reply chan ackResult) error {
	var id *int
	if out.Ack != nil || reply != nil {
		l.nextAckID++
		n := l.nextAckID
		id = &n
	}
	var args []any
	if out.Arg != nil {
		args = append(args, out.Arg)
	}
	pkt, err := protocol.BuildEventPacket("/", id, out.Event, args...)
	if err != nil {
		return fmt.Errorf("encode %s: %w", out.Event, err)
	}
	if id != nil {
		l.pending[*id] = pendingAck{fn: out.Ack, reply: reply}
	}
	if err := l.writeSocket(pkt); err != nil {
		if id != nil {
			delete(l.pending, *id)
		}
		l.fail(fmt.Errorf("%w: %v", ErrConnectionLost, err))
		return ErrConnectionLost
	}
	return nil
}

func (l *loop) writeSocket(pkt string) error {
	return l.tr.WriteMessage(string(protocol.EngineMessage) + pkt)
}

func (l *loop) resolve(p pendingAck, args []json.RawMessage, err error) {
	if p.reply != nil {
		p.reply <- ackResult{args: args, err: err}
	}
	l.deliverAck(p.fn, args, err)
}

func (l *loop) deliverAck(fn AckFunc, args []json.RawMessage, err error) {
	if fn != nil {
		l.m.deliver.push(func() { fn(args, err) })
	}
}

// fail tears down the current attempt and schedules the next one. A
// connection that had been live reconnects at once; repeated failures back
// off until the policy gives up.
func (l *loop) fail(err error) {
	wasLive := l.state == Live || l.state == Degraded
	l.teardown(err)

	if wasLive {
		glog.V(2).Infof("conn: reconnecting at once, later failures back off from %s", l.backoff.Peek())
		l.transition(Reconnecting, err)
		l.retryTimer = time.NewTimer(0)
		return
	}
	delay, ok := l.backoff.NextDelay()
	if !ok {
		l.gaveUp = &retry.ExhaustedError{Key: "connection", Attempts: l.backoff.Failures(), Last: err}
		l.transition(Disconnected, l.gaveUp)
		l.failQueue(l.gaveUp)
		return
	}
	glog.V(2).Infof("conn: attempt %d failed, next in %s", l.backoff.Failures(), delay)
	l.transition(Reconnecting, err)
	l.retryTimer = time.NewTimer(delay)
}

func (l *loop) unauthenticated(err error) {
	l.teardown(err)
	l.transition(Unauthenticated, err)
	l.failQueue(ErrUnauthenticated)
}

func (l *loop) teardown(cause error) {
	l.gen++
	if l.tr != nil {
		l.tr.Close()
		l.tr = nil
	}
	stopTimer(&l.handshakeTimer)
	stopTimer(&l.beatAckTimer)
	stopTimer(&l.retryTimer)
	if l.beatTicker != nil {
		l.beatTicker.Stop()
		l.beatTicker = nil
	}
	l.beatID = 0

	err := cause
	if !errors.Is(err, ErrClosed) && !errors.Is(err, ErrConnectionLost) {
		err = fmt.Errorf("%w: %v", ErrConnectionLost, cause)
	}
	for _, id := range slices.Sorted(maps.Keys(l.pending)) {
		p := l.pending[id]
		delete(l.pending, id)
		l.resolve(p, nil, err)
	}
}

func (l *loop) failQueue(err error) {
	for _, out := range l.queue {
		l.deliverAck(out.Ack, nil, err)
	}
	l.queue = nil
}

func (l *loop) shutdown() {
	l.teardown(ErrClosed)
	l.failQueue(ErrClosed)
	if l.state != Unauthenticated {
		l.transition(Disconnected, ErrClosed)
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
