// Package dispatch applies the server's update stream to a client-side
// store. Persistent updates are applied strictly in per-entity seq order;
// a gap is never papered over but answered with one resync of that entity.
// Ephemeral signals bypass ordering entirely: the newest one received wins.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"
	"github.com/puzpuzpuz/xsync/v3"
	"happy-sync/internal/client/conn"
	"happy-sync/internal/metrics"
	"happy-sync/internal/model"
	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
)

var ErrNoEntity = errors.New("update names no entity")

// SeqGapError reports an update that skipped ahead of what was applied.
// A resync of Key has been requested.
type SeqGapError struct {
	Key  state.Key
	Have int64
	Got  int64
}

func (e *SeqGapError) Error() string {
	return fmt.Sprintf("seq gap on %s: have %d, got %d", e.Key, e.Have, e.Got)
}

// Snapshot is the authoritative state of one entity, as returned by resync.
type Snapshot struct {
	Key     state.Key
	Seq     int64
	Deleted bool
	Fields  map[string]model.VersionedValue
}

// Store is the application's state. Calls are serialized.
type Store interface {
	ApplyToStore(u protocol.PersistentUpdate) error
	ApplySnapshot(s Snapshot) error
}

// SeqStore checkpoints the last applied seq per entity across restarts.
type SeqStore interface {
	Load() (map[state.Key]int64, error)
	Save(key state.Key, seq int64) error
}

// Conn is what the dispatcher needs from the connection manager.
type Conn interface {
	Send(ctx context.Context, out conn.Outbound) error
	Request(ctx context.Context, event string, arg any) ([]json.RawMessage, error)
}

// Result of ApplyPersistent. Held updates are replayed once the pending
// resync completes.
type Result struct {
	Applied bool
	Held    bool
	Seq     int64
}

// Change is what subscribers see: exactly one of Update, Snapshot and
// Ephemeral is set.
type Change struct {
	Key       state.Key
	Update    *protocol.PersistentUpdate
	Snapshot  *Snapshot
	Ephemeral protocol.EphemeralBody
}

type tracked struct {
	seq       int64
	gone      bool
	resyncing bool
	pending   []protocol.PersistentUpdate
}

type Dispatcher struct {
	ctx   context.Context
	conn  Conn
	store Store
	seqs  SeqStore

	// pubMu is held from apply through publish so subscribers see changes
	// in the order they were applied. Taken before mu.
	pubMu sync.Mutex

	mu       sync.Mutex
	entities map[state.Key]*tracked
	syncing  bool
	syncGen  int
	held     []protocol.PersistentUpdate

	ephemeral *xsync.MapOf[protocol.EphemeralKey, protocol.EphemeralBody]

	subsMu  sync.Mutex
	nextSub int
	subs    map[int]subscription
}

type subscription struct {
	key state.Key
	all bool
	fn  func(Change)
}

// New builds a dispatcher. seqs may be nil; when set, its checkpoints seed
// the tracked entities so the first Live resyncs them.
func New(ctx context.Context, c Conn, store Store, seqs SeqStore) (*Dispatcher, error) {
	d := &Dispatcher{
		ctx:       ctx,
		conn:      c,
		store:     store,
		seqs:      seqs,
		entities:  make(map[state.Key]*tracked),
		ephemeral: xsync.NewMapOf[protocol.EphemeralKey, protocol.EphemeralBody](),
		subs:      make(map[int]subscription),
	}
	if seqs != nil {
		loaded, err := seqs.Load()
		if err != nil {
			return nil, fmt.Errorf("load seq checkpoints: %w", err)
		}
		for key, seq := range loaded {
			d.entities[key] = &tracked{seq: seq}
		}
	}
	return d, nil
}

// Seq returns the last applied seq of key.
func (d *Dispatcher) Seq(key state.Key) (int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entities[key]
	if !ok {
		return 0, false
	}
	return e.seq, true
}

// Syncing reports whether a post-connect resync is still running.
func (d *Dispatcher) Syncing() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.syncing
}

func (d *Dispatcher) HandleState(ev conn.Event) {
	if ev.To == conn.Live {
		d.startSync()
	}
}

func (d *Dispatcher) HandleFrame(f protocol.Frame) {
	if f.Persistent == nil {
		d.ApplyEphemeral(f.Ephemeral)
		return
	}
	_, err := d.ApplyPersistent(*f.Persistent)
	var gap *SeqGapError
	switch {
	case err == nil:
	case errors.As(err, &gap):
		glog.Infof("dispatch: %v, resyncing", gap)
	case errors.Is(err, state.ErrEntityGone):
		glog.V(2).Infof("dispatch: update %s for deleted entity", f.Persistent.ID)
	default:
		glog.Warningf("dispatch: update %s not applied: %v", f.Persistent.ID, err)
	}
}

// ApplyPersistent applies u if it is the next update of its entity.
// Duplicates are ignored, updates for deleted entities fail with
// state.ErrEntityGone, and a gap yields *SeqGapError plus one resync.
func (d *Dispatcher) ApplyPersistent(u protocol.PersistentUpdate) (Result, error) {
	key := protocol.EntityKeyOf(u.Body)
	if key.ID == "" {
		return Result{}, ErrNoEntity
	}

	var (
		res Result
		err error
	)
	d.commit(func() []Change {
		if d.syncing {
			d.held = append(d.held, u)
			res = Result{Held: true}
			return nil
		}
		var changes []Change
		res, changes, err = d.applyLocked(key, u)
		return changes
	})
	return res, err
}

// commit runs apply under mu and publishes what it returns before any other
// commit can publish.
func (d *Dispatcher) commit(apply func() []Change) {
	d.pubMu.Lock()
	defer d.pubMu.Unlock()

	d.mu.Lock()
	changes := apply()
	d.mu.Unlock()

	d.publish(changes)
}

func (d *Dispatcher) applyLocked(key state.Key, u protocol.PersistentUpdate) (Result, []Change, error) {
	e := d.entities[key]
	if e == nil {
		e = &tracked{}
		d.entities[key] = e
	}
	if e.gone {
		return Result{Seq: e.seq}, nil, state.ErrEntityGone
	}
	if e.resyncing {
		e.pending = append(e.pending, u)
		return Result{Held: true, Seq: e.seq}, nil, nil
	}
	if u.Seq <= e.seq {
		return Result{Seq: e.seq}, nil, nil
	}
	if u.Seq != e.seq+1 {
		gap := &SeqGapError{Key: key, Have: e.seq, Got: u.Seq}
		metrics.ClientSeqGaps.WithLabelValues(string(key.Kind)).Inc()
		e.resyncing = true
		e.pending = append(e.pending, u)
		go d.resyncOne(key)
		return Result{Seq: e.seq}, nil, gap
	}

	change, err := d.advanceLocked(key, e, u)
	if err != nil {
		return Result{Seq: e.seq}, nil, err
	}
	return Result{Applied: true, Seq: e.seq}, []Change{change}, nil
}

// advanceLocked applies u, which must be the next update of e.
func (d *Dispatcher) advanceLocked(key state.Key, e *tracked, u protocol.PersistentUpdate) (Change, error) {
	if err := d.store.ApplyToStore(u); err != nil {
		return Change{}, fmt.Errorf("apply %s seq %d: %w", key, u.Seq, err)
	}
	e.seq = u.Seq
	if protocol.Deletes(u.Body) {
		e.gone = true
	}
	d.checkpoint(key, e.seq)
	return Change{Key: key, Update: &u}, nil
}

func (d *Dispatcher) checkpoint(key state.Key, seq int64) {
	if d.seqs == nil {
		return
	}
	if err := d.seqs.Save(key, seq); err != nil {
		glog.Infof("dispatch: checkpoint %s at %d failed: %v", key, seq, err)
	}
}

// ApplyEphemeral overwrites the (type, id) slot unconditionally.
func (d *Dispatcher) ApplyEphemeral(b protocol.EphemeralBody) {
	if b == nil {
		return
	}
	d.commit(func() []Change {
		d.ephemeral.Store(protocol.EphemeralKeyOf(b), b)
		return []Change{{Key: ephemeralEntity(b), Ephemeral: b}}
	})
}

func (d *Dispatcher) Ephemeral(key protocol.EphemeralKey) (protocol.EphemeralBody, bool) {
	return d.ephemeral.Load(key)
}

func ephemeralEntity(b protocol.EphemeralBody) state.Key {
	k := protocol.EphemeralKeyOf(b)
	switch k.Type {
	case protocol.TypeActivity, protocol.TypeUsage:
		return state.Key{Kind: state.KindSession, ID: k.ID}
	default:
		return state.Key{Kind: state.KindMachine, ID: k.ID}
	}
}

func (d *Dispatcher) fetch(key state.Key) (protocol.ResyncResponse, error) {
	args, err := d.conn.Request(d.ctx, protocol.EventResync, protocol.ResyncRequest{Kind: string(key.Kind), ID: key.ID})
	if err != nil {
		return protocol.ResyncResponse{}, err
	}
	if len(args) == 0 {
		return protocol.ResyncResponse{}, errors.New("empty resync ack")
	}
	var resp protocol.ResyncResponse
	if err := json.Unmarshal(args[0], &resp); err != nil {
		return protocol.ResyncResponse{}, fmt.Errorf("decode resync ack: %w", err)
	}
	return resp, nil
}

func (d *Dispatcher) resyncOne(key state.Key) {
	resp, err := d.fetch(key)
	d.commit(func() []Change {
		return d.finishResyncLocked(key, resp, err)
	})
}

// finishResyncLocked installs a snapshot and replays the updates that arrived
// while it was outstanding. The snapshot is authoritative even when its seq
// is below the tracked one. Held updates it already covers are dropped, and
// replay stops at the first one that does not follow on; those are discarded
// and the next gap resyncs again. On failure the held updates stay queued
// and the next gap or Live retries.
func (d *Dispatcher) finishResyncLocked(key state.Key, resp protocol.ResyncResponse, err error) []Change {
	e := d.entities[key]
	if e == nil {
		e = &tracked{}
		d.entities[key] = e
	}
	e.resyncing = false
	if err == nil && resp.Result != protocol.ResultSuccess && resp.Result != protocol.ResultNotFound {
		err = fmt.Errorf("resync rejected: %s", resp.Result)
	}
	if err != nil {
		glog.Infof("dispatch: resync %s failed: %v", key, err)
		return nil
	}

	var changes []Change
	if resp.Result == protocol.ResultNotFound {
		e.gone = true
		e.pending = nil
		snap := Snapshot{Key: key, Seq: e.seq, Deleted: true}
		if err := d.store.ApplySnapshot(snap); err != nil {
			glog.Warningf("dispatch: snapshot %s: %v", key, err)
		}
		return append(changes, Change{Key: key, Snapshot: &snap})
	}

	snap := Snapshot{Key: key, Seq: resp.Seq, Deleted: resp.Deleted, Fields: resp.Fields}
	if err := d.store.ApplySnapshot(snap); err != nil {
		glog.Warningf("dispatch: snapshot %s: %v", key, err)
		return nil
	}
	if resp.Seq < e.seq {
		glog.Infof("dispatch: %s went back from seq %d to %d", key, e.seq, resp.Seq)
	}
	e.seq = resp.Seq
	e.gone = resp.Deleted
	d.checkpoint(key, e.seq)
	changes = append(changes, Change{Key: key, Snapshot: &snap})

	pending := e.pending
	e.pending = nil
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Seq < pending[j].Seq })
	for i, u := range pending {
		if e.gone {
			break
		}
		if u.Seq <= e.seq {
			continue
		}
		if u.Seq != e.seq+1 {
			glog.V(2).Infof("dispatch: dropping %d held updates of %s past seq %d", len(pending)-i, key, e.seq)
			break
		}
		change, err := d.advanceLocked(key, e, u)
		if err != nil {
			glog.Infof("dispatch: replay %s: %v", key, err)
			break
		}
		changes = append(changes, change)
	}
	return changes
}

// startSync resyncs every tracked entity after (re)connecting. Inbound
// persistent updates are held until it finishes and then replayed through
// the seq check.
func (d *Dispatcher) startSync() {
	d.mu.Lock()
	d.syncing = true
	d.syncGen++
	gen := d.syncGen
	keys := make([]state.Key, 0, len(d.entities))
	for key, e := range d.entities {
		if !e.gone {
			keys = append(keys, key)
		}
	}
	d.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	go d.syncAll(gen, keys)
}

func (d *Dispatcher) syncAll(gen int, keys []state.Key) {
	for _, key := range keys {
		resp, err := d.fetch(key)
		stale := false
		d.commit(func() []Change {
			if gen != d.syncGen {
				stale = true
				return nil
			}
			return d.finishResyncLocked(key, resp, err)
		})
		if stale {
			return
		}
	}

	for done := false; !done; {
		d.commit(func() []Change {
			if gen != d.syncGen {
				done = true
				return nil
			}
			if len(d.held) == 0 {
				d.syncing = false
				done = true
				return nil
			}
			held := d.held
			d.held = nil
			var changes []Change
			for _, u := range held {
				key := protocol.EntityKeyOf(u.Body)
				_, more, err := d.applyLocked(key, u)
				if err != nil && !errors.Is(err, state.ErrEntityGone) {
					glog.Infof("dispatch: held update %s: %v", u.ID, err)
				}
				changes = append(changes, more...)
			}
			return changes
		})
	}
}

// Subscribe calls fn for every change of key. Calls are serialized and come
// in the order changes were applied. fn runs on the goroutine that applied
// the change; it must not block or apply updates itself.
func (d *Dispatcher) Subscribe(key state.Key, fn func(Change)) (cancel func()) {
	return d.subscribe(subscription{key: key, fn: fn})
}

// SubscribeAll calls fn for every change.
func (d *Dispatcher) SubscribeAll(fn func(Change)) (cancel func()) {
	return d.subscribe(subscription{all: true, fn: fn})
}

func (d *Dispatcher) subscribe(s subscription) func() {
	d.subsMu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = s
	d.subsMu.Unlock()
	return func() {
		d.subsMu.Lock()
		delete(d.subs, id)
		d.subsMu.Unlock()
	}
}

func (d *Dispatcher) publish(changes []Change) {
	if len(changes) == 0 {
		return
	}
	d.subsMu.Lock()
	subs := make([]subscription, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subsMu.Unlock()

	for _, c := range changes {
		for _, s := range subs {
			if s.all || s.key == c.Key {
				s.fn(c)
			}
		}
	}
}

// Mutation is an outbound client event. Key names the entity it targets,
// if any, so a not-found ack can retire it.
type Mutation struct {
	Key   state.Key
	Event string
	Body  any
}

// Submit hands m to the connection. Persistent events are buffered while
// offline; others fail with conn.ErrNotLive. onAck, when set, gets nil on
// success, a *state.Conflict on version-mismatch and state.ErrEntityGone
// when the server no longer has the entity.
func (d *Dispatcher) Submit(ctx context.Context, m Mutation, onAck func(protocol.MutationAck, error)) error {
	out := conn.Outbound{Event: m.Event, Arg: m.Body, Persistent: protocol.IsPersistentEvent(m.Event)}
	if onAck != nil {
		out.Ack = func(args []json.RawMessage, err error) {
			ack, err := d.decodeAck(m, args, err)
			onAck(ack, err)
		}
	}
	return d.conn.Send(ctx, out)
}

func (d *Dispatcher) decodeAck(m Mutation, args []json.RawMessage, err error) (protocol.MutationAck, error) {
	if err != nil {
		return protocol.MutationAck{}, err
	}
	if len(args) == 0 {
		return protocol.MutationAck{}, fmt.Errorf("%s: empty ack", m.Event)
	}
	var ack protocol.MutationAck
	if err := json.Unmarshal(args[0], &ack); err != nil {
		return protocol.MutationAck{}, fmt.Errorf("%s: decode ack: %w", m.Event, err)
	}

	switch ack.Result {
	case protocol.ResultSuccess:
		return ack, nil
	case protocol.ResultVersionMismatch:
		return ack, &state.Conflict{Current: model.VersionedValue{Version: ack.Version, Value: ack.Value()}}
	case protocol.ResultNotFound, protocol.ResultGone:
		if m.Key.ID != "" {
			d.mu.Lock()
			if e, ok := d.entities[m.Key]; ok {
				e.gone = true
				e.pending = nil
			}
			d.mu.Unlock()
		}
		return ack, state.ErrEntityGone
	default:
		return ack, fmt.Errorf("%s: %s", m.Event, ack.Result)
	}
}
