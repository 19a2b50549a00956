package protocol

import "happy-sync/internal/model"

// Client to server event bodies.

type MessageRequest struct {
	SID     string  `json:"sid"`
	Message string  `json:"message"`
	LocalID *string `json:"localId,omitempty"`
}

type SessionMetadataRequest struct {
	SID             string `json:"sid"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Metadata        string `json:"metadata"`
}

type SessionStateRequest struct {
	SID             string  `json:"sid"`
	ExpectedVersion int64   `json:"expectedVersion"`
	AgentState      *string `json:"agentState"`
}

type MachineMetadataRequest struct {
	MachineID       string `json:"machineId"`
	ExpectedVersion int64  `json:"expectedVersion"`
	Metadata        string `json:"metadata"`
}

type MachineStateRequest struct {
	MachineID       string  `json:"machineId"`
	ExpectedVersion int64   `json:"expectedVersion"`
	DaemonState     *string `json:"daemonState"`
}

type SessionAliveRequest struct {
	SID      string `json:"sid"`
	Time     int64  `json:"time"`
	Thinking bool   `json:"thinking"`
}

type SessionEndRequest struct {
	SID  string `json:"sid"`
	Time int64  `json:"time"`
}

type MachineAliveRequest struct {
	MachineID string `json:"machineId"`
	Time      int64  `json:"time"`
}

type UsageReportRequest struct {
	Key       string             `json:"key"`
	SessionID string             `json:"sessionId"`
	Tokens    map[string]int64   `json:"tokens"`
	Cost      map[string]float64 `json:"cost"`
}

// Mutation ack results.
const (
	ResultSuccess         = "success"
	ResultVersionMismatch = "version-mismatch"
	ResultNotFound        = "not-found"
	ResultGone            = "gone"
	ResultError           = "error"
)

// MutationAck answers a versioned write. Only the field that was written is
// set. Message acks carry the message's Seq instead of a version.
type MutationAck struct {
	Result      string  `json:"result"`
	Version     int64   `json:"version"`
	Seq         int64   `json:"seq,omitempty"`
	Metadata    *string `json:"metadata,omitempty"`
	AgentState  *string `json:"agentState,omitempty"`
	DaemonState *string `json:"daemonState,omitempty"`
}

// Value returns whichever field the ack carries.
func (a MutationAck) Value() *string {
	switch {
	case a.Metadata != nil:
		return a.Metadata
	case a.AgentState != nil:
		return a.AgentState
	default:
		return a.DaemonState
	}
}

type ResyncRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// ResyncResponse is the authoritative snapshot of one entity.
type ResyncResponse struct {
	Result  string                          `json:"result"`
	Kind    string                          `json:"kind"`
	ID      string                          `json:"id"`
	Seq     int64                           `json:"seq"`
	Deleted bool                            `json:"deleted"`
	Fields  map[string]model.VersionedValue `json:"fields"`
}

// ConnectAuth is the CONNECT payload a client sends.
type ConnectAuth struct {
	Token      string `json:"token"`
	ClientType string `json:"clientType"`
	SessionID  string `json:"sessionId,omitempty"`
	MachineID  string `json:"machineId,omitempty"`
}

const (
	ClientUserScoped    = "user-scoped"
	ClientSessionScoped = "session-scoped"
	ClientMachineScoped = "machine-scoped"
)
