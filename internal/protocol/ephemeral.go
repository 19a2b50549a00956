package protocol

import (
	"encoding/json"
	"fmt"
)

// Ephemeral signal types. They are never persisted and carry no version;
// the newest received for a (type, id) pair wins.
const (
	TypeActivity        = "activity"
	TypeUsage           = "usage"
	TypeMachineActivity = "machine-activity"
	TypeMachineStatus   = "machine-status"
)

type EphemeralBody interface {
	EphemeralType() string
}

type Activity struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
	Thinking bool   `json:"thinking"`
}

// Usage carries token and cost breakdowns. Both maps require a "total" key;
// other keys are provider specific.
type Usage struct {
	Type      string             `json:"type"`
	ID        string             `json:"id"`
	Key       string             `json:"key"`
	Tokens    map[string]int64   `json:"tokens"`
	Cost      map[string]float64 `json:"cost"`
	Timestamp int64              `json:"timestamp"`
}

type MachineActivity struct {
	Type     string `json:"type"`
	ID       string `json:"id"`
	Active   bool   `json:"active"`
	ActiveAt int64  `json:"activeAt"`
}

type MachineStatus struct {
	Type      string `json:"type"`
	MachineID string `json:"machineId"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

func (Activity) EphemeralType() string        { return TypeActivity }
func (Usage) EphemeralType() string           { return TypeUsage }
func (MachineActivity) EphemeralType() string { return TypeMachineActivity }
func (MachineStatus) EphemeralType() string   { return TypeMachineStatus }

// EphemeralKey identifies the slot an ephemeral signal overwrites.
type EphemeralKey struct {
	Type string
	ID   string
}

func EphemeralKeyOf(b EphemeralBody) EphemeralKey {
	switch v := b.(type) {
	case Activity:
		return EphemeralKey{Type: TypeActivity, ID: v.ID}
	case Usage:
		return EphemeralKey{Type: TypeUsage, ID: v.ID}
	case MachineActivity:
		return EphemeralKey{Type: TypeMachineActivity, ID: v.ID}
	case MachineStatus:
		return EphemeralKey{Type: TypeMachineStatus, ID: v.MachineID}
	}
	return EphemeralKey{}
}

// EphemeralPayload fills in the discriminator for the wire.
func EphemeralPayload(b EphemeralBody) EphemeralBody {
	switch v := b.(type) {
	case Activity:
		v.Type = TypeActivity
		return v
	case Usage:
		v.Type = TypeUsage
		return v
	case MachineActivity:
		v.Type = TypeMachineActivity
		return v
	case MachineStatus:
		v.Type = TypeMachineStatus
		return v
	}
	return b
}

func DecodeEphemeral(raw json.RawMessage) (EphemeralBody, error) {
	var head struct {
		Type string `json:"type"`
		T    string `json:"t"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("decode ephemeral: %w", err)
	}
	typ := head.Type
	if typ == "" {
		typ = head.T
	}

	var (
		body EphemeralBody
		err  error
	)
	switch typ {
	case TypeActivity:
		var v Activity
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeUsage:
		var v Usage
		if err = json.Unmarshal(raw, &v); err == nil {
			err = validateUsage(v)
		}
		body = v
	case TypeMachineActivity:
		var v MachineActivity
		err = json.Unmarshal(raw, &v)
		body = v
	case TypeMachineStatus:
		var v MachineStatus
		err = json.Unmarshal(raw, &v)
		body = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typ, err)
	}
	if EphemeralKeyOf(body).ID == "" {
		return nil, fmt.Errorf("decode %s: missing id", typ)
	}
	return EphemeralPayload(body), nil
}

func validateUsage(u Usage) error {
	if _, ok := u.Tokens["total"]; !ok {
		return fmt.Errorf("usage tokens missing total")
	}
	if _, ok := u.Cost["total"]; !ok {
		return fmt.Errorf("usage cost missing total")
	}
	return nil
}
