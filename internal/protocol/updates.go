// Package protocol defines what travels over the realtime channel: the
// socket.io framing, persistent update bodies, ephemeral signals and the
// request bodies clients emit.
//
// Persistent bodies are discriminated by "t" and carry the owning entity's
// id under a field name that differs between variants ("id", "sid",
// "machineId"). The wire shape is kept as is; callers use SessionIDOf,
// MachineIDOf and EntityKeyOf instead of reading the raw fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"happy-sync/internal/model"
	"happy-sync/internal/state"
)

// Version changes whenever the update envelope or an event body changes
// shape. Servers report it from /v1/version.
const Version = 1

// Socket event names.
const (
	EventUpdate    = "update"
	EventEphemeral = "ephemeral"
	EventPing      = "ping"
	EventResync    = "resync"

	EventMessage               = "message"
	EventUpdateMetadata        = "update-metadata"
	EventUpdateState           = "update-state"
	EventMachineUpdateMetadata = "machine-update-metadata"
	EventMachineUpdateState    = "machine-update-state"
	EventSessionAlive          = "session-alive"
	EventSessionEnd            = "session-end"
	EventMachineAlive          = "machine-alive"
	EventUsageReport           = "usage-report"
)

// Persistent update types.
const (
	TypeNewSession    = "new-session"
	TypeUpdateSession = "update-session"
	TypeDeleteSession = "delete-session"
	TypeNewMessage    = "new-message"
	TypeNewMachine    = "new-machine"
	TypeUpdateMachine = "update-machine"
	TypeUpdateAccount = "update-account"
)

var ErrUnknownType = errors.New("unknown update type")

// PersistentBody is one variant of the persistent update union.
type PersistentBody interface {
	UpdateType() string
}

type NewSession struct {
	T                 string               `json:"t"`
	ID                string               `json:"id"`
	Tag               string               `json:"tag"`
	Metadata          model.VersionedValue `json:"metadata"`
	AgentState        model.VersionedValue `json:"agentState"`
	DataEncryptionKey *string              `json:"dataEncryptionKey"`
	CreatedAt         int64                `json:"createdAt"`
}

type UpdateSession struct {
	T          string                `json:"t"`
	ID         string                `json:"id"`
	Metadata   *model.VersionedValue `json:"metadata,omitempty"`
	AgentState *model.VersionedValue `json:"agentState,omitempty"`
}

type DeleteSession struct {
	T   string `json:"t"`
	SID string `json:"sid"`
}

type NewMessage struct {
	T       string  `json:"t"`
	SID     string  `json:"sid"`
	Message Message `json:"message"`
}

type Message struct {
	ID        string                 `json:"id"`
	Seq       int64                  `json:"seq"`
	LocalID   *string                `json:"localId"`
	Content   model.EncryptedContent `json:"content"`
	CreatedAt int64                  `json:"createdAt"`
	UpdatedAt int64                  `json:"updatedAt"`
}

type NewMachine struct {
	T                 string               `json:"t"`
	MachineID         string               `json:"machineId"`
	Metadata          model.VersionedValue `json:"metadata"`
	DaemonState       model.VersionedValue `json:"daemonState"`
	DataEncryptionKey *string              `json:"dataEncryptionKey"`
	CreatedAt         int64                `json:"createdAt"`
}

type UpdateMachine struct {
	T           string                `json:"t"`
	MachineID   string                `json:"machineId"`
	Metadata    *model.VersionedValue `json:"metadata,omitempty"`
	DaemonState *model.VersionedValue `json:"daemonState,omitempty"`
}

type UpdateAccount struct {
	T        string                `json:"t"`
	ID       string                `json:"id"`
	Settings *model.VersionedValue `json:"settings,omitempty"`
}

func (NewSession) UpdateType() string    { return TypeNewSession }
func (UpdateSession) UpdateType() string { return TypeUpdateSession }
func (DeleteSession) UpdateType() string { return TypeDeleteSession }
func (NewMessage) UpdateType() string    { return TypeNewMessage }
func (NewMachine) UpdateType() string    { return TypeNewMachine }
func (UpdateMachine) UpdateType() string { return TypeUpdateMachine }
func (UpdateAccount) UpdateType() string { return TypeUpdateAccount }

// PersistentUpdate is a decoded "update" event. Seq is the owning entity's
// seq after this update was applied on the server.
type PersistentUpdate struct {
	ID        string
	Seq       int64
	CreatedAt int64
	Body      PersistentBody
}

type updateEnvelope struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"createdAt"`
}

type outEnvelope struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Body      PersistentBody `json:"body"`
	CreatedAt int64          `json:"createdAt"`
}

// Envelope returns the JSON-ready event argument for u.
func (u PersistentUpdate) Envelope() any {
	return outEnvelope{ID: u.ID, Seq: u.Seq, Body: withType(u.Body), CreatedAt: u.CreatedAt}
}

// withType fills in the discriminator so constructors can leave it empty.
func withType(b PersistentBody) PersistentBody {
	switch v := b.(type) {
	case NewSession:
		v.T = TypeNewSession
		return v
	case UpdateSession:
		v.T = TypeUpdateSession
		return v
	case DeleteSession:
		v.T = TypeDeleteSession
		return v
	case NewMessage:
		v.T = TypeNewMessage
		return v
	case NewMachine:
		v.T = TypeNewMachine
		return v
	case UpdateMachine:
		v.T = TypeUpdateMachine
		return v
	case UpdateAccount:
		v.T = TypeUpdateAccount
		return v
	}
	return b
}

func DecodeUpdate(raw json.RawMessage) (PersistentUpdate, error) {
	var env updateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PersistentUpdate{}, fmt.Errorf("decode update envelope: %w", err)
	}
	body, err := DecodePersistentBody(env.Body)
	if err != nil {
		return PersistentUpdate{}, err
	}
	return PersistentUpdate{ID: env.ID, Seq: env.Seq, CreatedAt: env.CreatedAt, Body: body}, nil
}

func DecodePersistentBody(raw json.RawMessage) (PersistentBody, error) {
	var head struct {
		T string `json:"t"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode update body: %w", err)
	}

	var (
		body PersistentBody
		err  error
	)
	switch head.T {
	case TypeNewSession:
		var v NewSession
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeUpdateSession:
		var v UpdateSession
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeDeleteSession:
		var v DeleteSession
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeNewMessage:
		var v NewMessage
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeNewMachine:
		var v NewMachine
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeUpdateMachine:
		var v UpdateMachine
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeUpdateAccount:
		var v UpdateAccount
		err = json.Unmarshal(raw, &v)
		body = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, head.T)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", head.T, err)
	}
	if EntityKeyOf(body).ID == "" {
		return nil, fmt.Errorf("decode %s: missing entity id", head.T)
	}
	return body, nil
}

// SessionIDOf returns the session a body targets, if any.
func SessionIDOf(b PersistentBody) (string, bool) {
	switch v := b.(type) {
	case NewSession:
		return v.ID, true
	case UpdateSession:
		return v.ID, true
	case DeleteSession:
		return v.SID, true
	case NewMessage:
		return v.SID, true
	case NewMachine, UpdateMachine, UpdateAccount:
		return "", false
	}
	return "", false
}

// MachineIDOf returns the machine a body targets, if any.
func MachineIDOf(b PersistentBody) (string, bool) {
	switch v := b.(type) {
	case NewMachine:
		return v.MachineID, true
	case UpdateMachine:
		return v.MachineID, true
	case NewSession, UpdateSession, DeleteSession, NewMessage, UpdateAccount:
		return "", false
	}
	return "", false
}

func AccountIDOf(b PersistentBody) (string, bool) {
	if v, ok := b.(UpdateAccount); ok {
		return v.ID, true
	}
	return "", false
}

// EntityKeyOf names the entity whose seq a body advances.
func EntityKeyOf(b PersistentBody) state.Key {
	if id, ok := SessionIDOf(b); ok {
		return state.Key{Kind: state.KindSession, ID: id}
	}
	if id, ok := MachineIDOf(b); ok {
		return state.Key{Kind: state.KindMachine, ID: id}
	}
	if id, ok := AccountIDOf(b); ok {
		return state.Key{Kind: state.KindAccount, ID: id}
	}
	return state.Key{}
}

// Creates reports whether b starts an entity's lifecycle.
func Creates(b PersistentBody) bool {
	switch b.(type) {
	case NewSession, NewMachine:
		return true
	}
	return false
}

// Deletes reports whether b ends an entity's lifecycle.
func Deletes(b PersistentBody) bool {
	_, ok := b.(DeleteSession)
	return ok
}

// Fields returns the versioned fields b carries, keyed by wire name.
func Fields(b PersistentBody) map[string]model.VersionedValue {
	out := make(map[string]model.VersionedValue)
	switch v := b.(type) {
	case NewSession:
		out[model.FieldMetadata] = v.Metadata
		out[model.FieldAgentState] = v.AgentState
	case UpdateSession:
		if v.Metadata != nil {
			out[model.FieldMetadata] = *v.Metadata
		}
		if v.AgentState != nil {
			out[model.FieldAgentState] = *v.AgentState
		}
	case NewMachine:
		out[model.FieldMetadata] = v.Metadata
		out[model.FieldDaemonState] = v.DaemonState
	case UpdateMachine:
		if v.Metadata != nil {
			out[model.FieldMetadata] = *v.Metadata
		}
		if v.DaemonState != nil {
			out[model.FieldDaemonState] = *v.DaemonState
		}
	case UpdateAccount:
		if v.Settings != nil {
			out[model.FieldSettings] = *v.Settings
		}
	}
	return out
}
