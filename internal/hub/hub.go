// Package hub fans messages out to named rooms of connections.
package hub

import "sync"

type Writer interface {
	Write(message []byte) error
	Close() error
}

// Connection is one subscriber. A connection may sit in any number of rooms.
type Connection struct {
	UserID string
	Writer Writer
}

type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Connection]struct{}
	joins map[*Connection]map[string]struct{}
}

func New() *Hub {
	return &Hub{
		rooms: make(map[string]map[*Connection]struct{}),
		joins: make(map[*Connection]map[string]struct{}),
	}
}

func UserRoom(userID string) string       { return "user:" + userID }
func SessionRoom(sessionID string) string { return "session:" + sessionID }
func MachineRoom(machineID string) string { return "machine:" + machineID }

func (h *Hub) Join(room string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Connection]struct{})
	}
	h.rooms[room][conn] = struct{}{}
	if h.joins[conn] == nil {
		h.joins[conn] = make(map[string]struct{})
	}
	h.joins[conn][room] = struct{}{}
}

func (h *Hub) Leave(room string, conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, conn)
}

func (h *Hub) leaveLocked(room string, conn *Connection) {
	if set := h.rooms[room]; set != nil {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined := h.joins[conn]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(h.joins, conn)
		}
	}
}

// Unregister removes conn from every room it joined.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range h.joins[conn] {
		h.leaveLocked(room, conn)
	}
}

// Members reports how many connections are in room.
func (h *Hub) Members(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast writes message once to every connection in any of rooms.
// Connections whose write fails are closed and dropped from all rooms.
func (h *Hub) Broadcast(message []byte, rooms ...string) int {
	h.mu.RLock()
	seen := make(map[*Connection]struct{})
	conns := make([]*Connection, 0)
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if _, ok := seen[c]; ok {
				continue
			}
			seen[c] = struct{}{}
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
	return len(conns) - len(failed)
}
