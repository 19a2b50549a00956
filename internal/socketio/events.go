package socketio

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"happy-sync/internal/metrics"
	"happy-sync/internal/model"
	"happy-sync/internal/protocol"
	"happy-sync/internal/state"
	"happy-sync/internal/store"
)

const rpcTimeout = 10 * time.Second

func decodeArg(pkt protocol.EventPacket, v any) bool {
	return len(pkt.Args) >= 1 && json.Unmarshal(pkt.Args[0], v) == nil
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := protocol.ParseEventPacket(payload)
	if err != nil {
		glog.V(2).Infof("socket %s: dropped malformed event: %v", c.sid, err)
		return
	}

	switch pkt.Event {
	case protocol.EventPing:
		c.ack(pkt.Namespace, pkt.ID)

	case protocol.EventResync:
		s.handleResync(c, pkt)

	case "rpc-register":
		var body struct {
			Method string `json:"method"`
		}
		if !decodeArg(pkt, &body) || body.Method == "" {
			return
		}
		s.mu.Lock()
		s.rpcByMethod[body.Method] = c
		s.mu.Unlock()

	case "rpc-unregister":
		var body struct {
			Method string `json:"method"`
		}
		if !decodeArg(pkt, &body) || body.Method == "" {
			return
		}
		s.mu.Lock()
		if owner, ok := s.rpcByMethod[body.Method]; ok && owner == c {
			delete(s.rpcByMethod, body.Method)
		}
		s.mu.Unlock()

	case "rpc-call":
		if pkt.ID == nil {
			return
		}
		var body struct {
			Method string `json:"method"`
			Params string `json:"params"`
		}
		if !decodeArg(pkt, &body) || body.Method == "" {
			return
		}
		// the callee may take a while; keep reading this socket meanwhile
		go func() {
			result, err := s.handleRPCCall(body.Method, body.Params)
			resp := gin.H{"ok": err == nil}
			if err != nil {
				resp["error"] = err.Error()
			} else {
				resp["result"] = result
			}
			c.ack(pkt.Namespace, pkt.ID, resp)
		}()

	case protocol.EventMessage:
		s.handleSessionMessage(c, pkt)

	case protocol.EventUpdateMetadata:
		s.handleSessionMetadataUpdate(c, pkt)

	case protocol.EventUpdateState:
		s.handleSessionStateUpdate(c, pkt)

	case protocol.EventMachineUpdateMetadata:
		s.handleMachineMetadataUpdate(c, pkt)

	case protocol.EventMachineUpdateState:
		s.handleMachineStateUpdate(c, pkt)

	case protocol.EventSessionAlive:
		var body protocol.SessionAliveRequest
		if !decodeArg(pkt, &body) || body.SID == "" {
			return
		}
		at := clampActivityTime(body.Time, s.now())
		if _, ok := s.store.SetSessionActive(c.userID, body.SID, true, at, s.now().UnixMilli()); ok {
			s.EmitEphemeral(c.userID, protocol.Activity{ID: body.SID, Active: true, ActiveAt: at, Thinking: body.Thinking})
		}

	case protocol.EventSessionEnd:
		var body protocol.SessionEndRequest
		if !decodeArg(pkt, &body) || body.SID == "" {
			return
		}
		at := clampActivityTime(body.Time, s.now())
		if _, ok := s.store.SetSessionActive(c.userID, body.SID, false, at, s.now().UnixMilli()); ok {
			s.EmitEphemeral(c.userID, protocol.Activity{ID: body.SID, Active: false, ActiveAt: at})
		}

	case protocol.EventMachineAlive:
		var body protocol.MachineAliveRequest
		if !decodeArg(pkt, &body) || body.MachineID == "" {
			return
		}
		at := clampActivityTime(body.Time, s.now())
		if _, ok := s.store.SetMachineActive(c.userID, body.MachineID, true, at, s.now().UnixMilli()); ok {
			s.EmitEphemeral(c.userID, protocol.MachineActivity{ID: body.MachineID, Active: true, ActiveAt: at})
		}

	case protocol.EventUsageReport:
		s.handleUsageReport(c, pkt)

	default:
		glog.V(2).Infof("socket %s: unknown event %q", c.sid, pkt.Event)
	}
}

// clampActivityTime keeps client clocks from reporting activity in the
// future or before the last ten minutes.
func clampActivityTime(at int64, now time.Time) int64 {
	nowMs := now.UnixMilli()
	if at <= 0 || at > nowMs {
		return nowMs
	}
	if floor := nowMs - (10 * time.Minute).Milliseconds(); at < floor {
		return floor
	}
	return at
}

func (s *Server) handleRPCCall(method string, params string) (string, error) {
	s.mu.RLock()
	h := s.rpcByMethod[method]
	s.mu.RUnlock()
	if h == nil {
		return "", errors.New("Method not found")
	}

	resp, err := h.emitWithAck("rpc-request", gin.H{"method": method, "params": params}, rpcTimeout)
	if err != nil {
		return "", err
	}
	if len(resp) < 1 {
		return "", errors.New("Empty response")
	}
	var result string
	if err := json.Unmarshal(resp[0], &result); err != nil {
		return "", errors.New("Invalid response")
	}
	return result, nil
}

func (s *Server) handleResync(c *conn, pkt protocol.EventPacket) {
	var req protocol.ResyncRequest
	if !decodeArg(pkt, &req) || req.ID == "" {
		c.ack(pkt.Namespace, pkt.ID, protocol.ResyncResponse{Result: protocol.ResultError})
		return
	}
	key := state.Key{Kind: state.Kind(req.Kind), ID: req.ID}
	resp := protocol.ResyncResponse{Kind: req.Kind, ID: req.ID}

	e, err := s.store.Snapshot(c.userID, key)
	if err != nil {
		resp.Result = resultOf(err)
	} else {
		resp.Result = protocol.ResultSuccess
		resp.Seq = e.Seq
		resp.Deleted = e.Deleted
		resp.Fields = e.Fields
	}
	metrics.ResyncRequests.WithLabelValues(req.Kind, resp.Result).Inc()
	c.ack(pkt.Namespace, pkt.ID, resp)
}

func resultOf(err error) string {
	switch {
	case err == nil:
		return protocol.ResultSuccess
	case errors.Is(err, state.ErrVersionConflict):
		return protocol.ResultVersionMismatch
	case errors.Is(err, state.ErrEntityGone):
		return protocol.ResultGone
	case errors.Is(err, store.ErrNotFound):
		return protocol.ResultNotFound
	default:
		return protocol.ResultError
	}
}

// mutationAck reports the field as it stands after the write: the new value
// on success, the authoritative one on a conflict.
func mutationAck(event string, err error, field model.VersionedValue) protocol.MutationAck {
	ack := protocol.MutationAck{Result: resultOf(err)}
	metrics.MutationResults.WithLabelValues(event, ack.Result).Inc()
	if cur, ok := state.ConflictCurrent(err); ok {
		field = cur
	}
	if err != nil && !errors.Is(err, state.ErrVersionConflict) {
		return ack
	}
	ack.Version = field.Version
	switch event {
	case protocol.EventUpdateMetadata, protocol.EventMachineUpdateMetadata:
		ack.Metadata = field.Value
	case protocol.EventUpdateState:
		ack.AgentState = field.Value
	case protocol.EventMachineUpdateState:
		ack.DaemonState = field.Value
	}
	return ack
}

func (s *Server) handleSessionMessage(c *conn, pkt protocol.EventPacket) {
	var body protocol.MessageRequest
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}
	if c.clientType == protocol.ClientSessionScoped && body.SID != c.sessionID {
		return
	}
	if c.clientType == protocol.ClientMachineScoped {
		return
	}

	msg, created, err := s.store.AppendMessage(c.userID, body.SID, body.Message, body.LocalID, s.now().UnixMilli())
	if err != nil {
		glog.V(2).Infof("socket %s: message to %s rejected: %v", c.sid, body.SID, err)
		c.ack(pkt.Namespace, pkt.ID, gin.H{"result": resultOf(err)})
		return
	}
	c.ack(pkt.Namespace, pkt.ID, gin.H{"result": protocol.ResultSuccess, "id": msg.ID, "seq": msg.Seq})
	if !created {
		return
	}

	s.EmitUpdate(c.userID, protocol.NewMessage{
		SID: body.SID,
		Message: protocol.Message{
			ID:        msg.ID,
			Seq:       msg.Seq,
			LocalID:   msg.LocalID,
			Content:   model.Encrypted(msg.Content),
			CreatedAt: msg.CreatedAt,
			UpdatedAt: msg.UpdatedAt,
		},
	}, msg.Seq)
}

func (s *Server) handleSessionMetadataUpdate(c *conn, pkt protocol.EventPacket) {
	var body protocol.SessionMetadataRequest
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}

	w := state.Write{ExpectedVersion: body.ExpectedVersion, Value: &body.Metadata}
	sess, err := s.store.UpdateSessionMetadata(c.userID, body.SID, w, s.now().UnixMilli())
	c.ack(pkt.Namespace, pkt.ID, mutationAck(pkt.Event, err, sess.Metadata))
	if err != nil {
		return
	}
	s.EmitUpdate(c.userID, protocol.UpdateSession{ID: sess.ID, Metadata: &sess.Metadata}, sess.Seq)
}

func (s *Server) handleSessionStateUpdate(c *conn, pkt protocol.EventPacket) {
	var body protocol.SessionStateRequest
	if !decodeArg(pkt, &body) || body.SID == "" {
		return
	}

	w := state.Write{ExpectedVersion: body.ExpectedVersion, Value: body.AgentState}
	sess, err := s.store.UpdateSessionAgentState(c.userID, body.SID, w, s.now().UnixMilli())
	c.ack(pkt.Namespace, pkt.ID, mutationAck(pkt.Event, err, sess.AgentState))
	if err != nil {
		return
	}
	s.EmitUpdate(c.userID, protocol.UpdateSession{ID: sess.ID, AgentState: &sess.AgentState}, sess.Seq)
}

func (s *Server) handleMachineMetadataUpdate(c *conn, pkt protocol.EventPacket) {
	var body protocol.MachineMetadataRequest
	if !decodeArg(pkt, &body) || body.MachineID == "" {
		return
	}

	w := state.Write{ExpectedVersion: body.ExpectedVersion, Value: &body.Metadata}
	m, err := s.store.UpdateMachineMetadata(c.userID, body.MachineID, w, s.now().UnixMilli())
	c.ack(pkt.Namespace, pkt.ID, mutationAck(pkt.Event, err, m.Metadata))
	if err != nil {
		return
	}
	s.EmitUpdate(c.userID, protocol.UpdateMachine{MachineID: m.ID, Metadata: &m.Metadata}, m.Seq)
}

func (s *Server) handleMachineStateUpdate(c *conn, pkt protocol.EventPacket) {
	var body protocol.MachineStateRequest
	if !decodeArg(pkt, &body) || body.MachineID == "" {
		return
	}

	w := state.Write{ExpectedVersion: body.ExpectedVersion, Value: body.DaemonState}
	m, err := s.store.UpdateMachineDaemonState(c.userID, body.MachineID, w, s.now().UnixMilli())
	c.ack(pkt.Namespace, pkt.ID, mutationAck(pkt.Event, err, m.DaemonState))
	if err != nil {
		return
	}
	s.EmitUpdate(c.userID, protocol.UpdateMachine{MachineID: m.ID, DaemonState: &m.DaemonState}, m.Seq)
}

func (s *Server) handleUsageReport(c *conn, pkt protocol.EventPacket) {
	var body protocol.UsageReportRequest
	if !decodeArg(pkt, &body) || body.SessionID == "" || body.Key == "" {
		return
	}
	if _, ok := body.Tokens["total"]; !ok {
		return
	}
	if _, ok := body.Cost["total"]; !ok {
		return
	}
	if _, ok := s.store.GetSession(c.userID, body.SessionID); !ok {
		return
	}
	s.EmitEphemeral(c.userID, protocol.Usage{
		ID:        body.SessionID,
		Key:       body.Key,
		Tokens:    body.Tokens,
		Cost:      body.Cost,
		Timestamp: s.now().UnixMilli(),
	})
}
