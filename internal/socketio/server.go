// Package socketio serves the realtime channel: engine.io v4 framing over a
// websocket, the socket.io CONNECT handshake, per user/session/machine rooms
// and the mutation and liveness events clients emit.
package socketio

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"happy-sync/internal/auth"
	"happy-sync/internal/hub"
	"happy-sync/internal/metrics"
	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
	"happy-sync/internal/store"
	"happy-sync/internal/ticker"
)

const (
	maxPayload   int64         = 1000000
	writeTimeout time.Duration = 10 * time.Second

	defaultPingInterval = 25 * time.Second
	defaultPingTimeout  = 20 * time.Second

	tickEnginePing     = "engine-ping"
	tickActivityExpiry = "activity-expiry"
)

type Deps struct {
	Store       *store.Store
	TokenConfig auth.TokenConfig

	// Optional. Fresh ones are created when nil.
	Hub    *hub.Hub
	Ticker *ticker.Hub

	// Zero means the engine.io defaults of 25s and 20s.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// How long an update that overtook its predecessor waits for it.
	// Zero means 200ms.
	ReorderWait time.Duration
}

type Server struct {
	store       *store.Store
	tokenConfig auth.TokenConfig

	upgrader websocket.Upgrader

	rooms *hub.Hub
	ticks *ticker.Hub
	order *updateOrder

	pingInterval time.Duration
	pingTimeout  time.Duration
	pingCheck    time.Duration

	mu          sync.RWMutex
	rpcByMethod map[string]*conn

	now func() time.Time
}

func NewServer(deps Deps) *Server {
	s := &Server{
		store:       deps.Store,
		tokenConfig: deps.TokenConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		rooms:        deps.Hub,
		ticks:        deps.Ticker,
		order:        newUpdateOrder(deps.ReorderWait),
		pingInterval: deps.PingInterval,
		pingTimeout:  deps.PingTimeout,
		rpcByMethod:  make(map[string]*conn),
		now:          time.Now,
	}
	if s.rooms == nil {
		s.rooms = hub.New()
	}
	if s.ticks == nil {
		s.ticks = ticker.New()
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	if s.pingTimeout <= 0 {
		s.pingTimeout = defaultPingTimeout
	}
	s.pingCheck = time.Second
	if s.pingInterval < 4*time.Second {
		s.pingCheck = s.pingInterval / 4
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws, s.pingInterval, s.pingTimeout)
	defer s.unregisterConn(c)

	open := protocol.EngineOpenPayload{
		SID:          c.sid,
		Upgrades:     []string{},
		PingInterval: s.pingInterval.Milliseconds(),
		PingTimeout:  s.pingTimeout.Milliseconds(),
		MaxPayload:   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(string(protocol.EngineOpen) + string(openBytes))

	stopPing := s.ticks.Subscribe(tickEnginePing, s.pingCheck, c.pingTick)
	defer stopPing()

	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) unregisterConn(c *conn) {
	s.rooms.Unregister(c.member)

	s.mu.Lock()
	for method, owner := range s.rpcByMethod {
		if owner == c {
			delete(s.rpcByMethod, method)
		}
	}
	s.mu.Unlock()

	if c.connected.Swap(false) {
		metrics.SocketConnections.WithLabelValues(c.clientType).Dec()
		if c.clientType == protocol.ClientMachineScoped {
			s.EmitEphemeral(c.userID, protocol.MachineStatus{
				MachineID: c.machineID,
				Online:    false,
				Timestamp: s.now().UnixMilli(),
			})
		}
	}
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}

	switch protocol.EnginePacketType(msg[0]) {
	case protocol.EnginePong:
		c.markPong()
	case protocol.EnginePing:
		_ = c.writeText(string(protocol.EnginePong) + msg[1:])
	case protocol.EngineMessage:
		s.handleSocketPayload(c, msg[1:])
	case protocol.EngineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}

	switch protocol.SocketPacketType(payload[0]) {
	case protocol.SocketConnect:
		s.handleConnect(c, payload)
	case protocol.SocketEvent:
		s.handleEvent(c, payload)
	case protocol.SocketAck:
		ack, err := protocol.ParseAckPacket(payload)
		if err != nil {
			return
		}
		c.resolveAck(ack.ID, ack.Args)
	case protocol.SocketDisconnect:
		c.close()
	}
}

// rejectConnect answers CONNECT with CONNECT_ERROR and drops the socket.
// code tells the client whether a retry can succeed.
func (s *Server) rejectConnect(c *conn, namespace, message, code string) {
	metrics.SocketConnectErrors.WithLabelValues(code).Inc()
	glog.V(2).Infof("socket %s: connect rejected (%s): %s", c.sid, code, message)
	if packet, err := protocol.BuildConnectErrorPacket(namespace, message, code); err == nil {
		_ = c.writeSocket(packet)
	}
	c.close()
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := protocol.ParseOptionalNamespace(payload[1:])
	if rest == "" {
		s.rejectConnect(c, ns, "Missing auth", protocol.ConnectErrorUnauthenticated)
		return
	}

	var authObj protocol.ConnectAuth
	if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
		s.rejectConnect(c, ns, "Invalid auth", protocol.ConnectErrorUnauthenticated)
		return
	}
	if authObj.Token == "" {
		s.rejectConnect(c, ns, "Missing token", protocol.ConnectErrorUnauthenticated)
		return
	}
	claims, err := auth.VerifyToken(authObj.Token, s.tokenConfig)
	if err != nil || claims == nil || claims.UserID() == "" {
		s.rejectConnect(c, ns, "Invalid authentication token", protocol.ConnectErrorUnauthenticated)
		return
	}

	switch authObj.ClientType {
	case protocol.ClientUserScoped:
	case protocol.ClientSessionScoped:
		if authObj.SessionID == "" {
			s.rejectConnect(c, ns, "Missing sessionId", protocol.ConnectErrorRejected)
			return
		}
		if _, ok := s.store.GetSession(claims.UserID(), authObj.SessionID); !ok {
			s.rejectConnect(c, ns, "Session not found", protocol.ConnectErrorRejected)
			return
		}
	case protocol.ClientMachineScoped:
		if authObj.MachineID == "" {
			s.rejectConnect(c, ns, "Missing machineId", protocol.ConnectErrorRejected)
			return
		}
		if _, ok := s.store.GetMachine(claims.UserID(), authObj.MachineID); !ok {
			s.rejectConnect(c, ns, "Machine not found", protocol.ConnectErrorRejected)
			return
		}
	default:
		s.rejectConnect(c, ns, "Invalid client type", protocol.ConnectErrorRejected)
		return
	}

	c.userID = claims.UserID()
	c.clientType = authObj.ClientType
	c.sessionID = authObj.SessionID
	c.machineID = authObj.MachineID
	c.member.UserID = claims.UserID()

	if packet, err := protocol.BuildConnectPacket(ns, c.sid); err == nil {
		_ = c.writeSocket(packet)
	}

	// joined only after the CONNECT ack so no update can precede it
	switch c.clientType {
	case protocol.ClientUserScoped:
		s.rooms.Join(hub.UserRoom(c.userID), c.member)
	case protocol.ClientSessionScoped:
		s.rooms.Join(hub.SessionRoom(c.sessionID), c.member)
	case protocol.ClientMachineScoped:
		s.rooms.Join(hub.MachineRoom(c.machineID), c.member)
	}
	c.connected.Store(true)
	metrics.SocketConnections.WithLabelValues(c.clientType).Inc()

	if c.clientType == protocol.ClientMachineScoped {
		s.EmitEphemeral(c.userID, protocol.MachineStatus{
			MachineID: c.machineID,
			Online:    true,
			Timestamp: s.now().UnixMilli(),
		})
	}
}

// roomsFor lists the rooms that see an update to key: every user-scoped
// connection of the owner plus connections scoped to the entity itself.
func roomsFor(userID string, key state.Key) []string {
	rooms := []string{hub.UserRoom(userID)}
	switch key.Kind {
	case state.KindSession:
		rooms = append(rooms, hub.SessionRoom(key.ID))
	case state.KindMachine:
		rooms = append(rooms, hub.MachineRoom(key.ID))
	}
	return rooms
}

// EmitUpdate broadcasts a persistent update. seq must be the owning
// entity's seq after the change was committed. Updates of one entity go out
// in seq order even when their writers call in a different order.
func (s *Server) EmitUpdate(userID string, body protocol.PersistentBody, seq int64) {
	u := protocol.PersistentUpdate{
		ID:        uuid.NewString(),
		Seq:       seq,
		CreatedAt: s.now().UnixMilli(),
		Body:      body,
	}
	packet, err := protocol.BuildEventPacket("/", nil, protocol.EventUpdate, u.Envelope())
	if err != nil {
		glog.Warningf("update %s: encode failed: %v", body.UpdateType(), err)
		return
	}
	key := protocol.EntityKeyOf(body)
	s.order.release(key, seq, protocol.Deletes(body), func() {
		metrics.UpdatesBroadcast.WithLabelValues(body.UpdateType()).Inc()
		s.rooms.Broadcast([]byte(string(protocol.EngineMessage)+packet), roomsFor(userID, key)...)
	})
}

// EmitEphemeral broadcasts a signal to the user's user-scoped connections.
func (s *Server) EmitEphemeral(userID string, body protocol.EphemeralBody) {
	body = protocol.EphemeralPayload(body)
	packet, err := protocol.BuildEventPacket("/", nil, protocol.EventEphemeral, body)
	if err != nil {
		glog.Warningf("ephemeral %s: encode failed: %v", body.EphemeralType(), err)
		return
	}
	metrics.EphemeralBroadcast.WithLabelValues(body.EphemeralType()).Inc()
	s.rooms.Broadcast([]byte(string(protocol.EngineMessage)+packet), hub.UserRoom(userID))
}

// StartActivityExpiry periodically switches off sessions and machines that
// stopped reporting for longer than timeout and tells their owners.
func (s *Server) StartActivityExpiry(timeout time.Duration) (stop func()) {
	interval := timeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	if interval > time.Minute {
		interval = time.Minute
	}
	return s.ticks.Subscribe(tickActivityExpiry, interval, func(now time.Time) {
		s.expireInactive(now.Add(-timeout))
	})
}

func (s *Server) expireInactive(cutoff time.Time) {
	exp := s.store.ExpireInactive(cutoff.UnixMilli())
	for _, sess := range exp.Sessions {
		s.EmitEphemeral(sess.UserID, protocol.Activity{ID: sess.ID, Active: false, ActiveAt: sess.ActiveAt})
	}
	for _, m := range exp.Machines {
		s.EmitEphemeral(m.UserID, protocol.MachineActivity{ID: m.ID, Active: false, ActiveAt: m.ActiveAt})
	}
	if len(exp.Sessions)+len(exp.Machines) > 0 {
		glog.V(2).Infof("activity expiry: %d sessions, %d machines", len(exp.Sessions), len(exp.Machines))
	}
}
