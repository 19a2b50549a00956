package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrNotAFrame = errors.New("not an update frame")

// Frame is one decoded inbound event: exactly one of Persistent and
// Ephemeral is set.
type Frame struct {
	Persistent *PersistentUpdate
	Ephemeral  EphemeralBody
}

// DecodeFrame classifies a socket event by name and decodes its first
// argument. Events other than "update" and "ephemeral" yield ErrNotAFrame.
func DecodeFrame(event string, args []json.RawMessage) (Frame, error) {
	if event != EventUpdate && event != EventEphemeral {
		return Frame{}, fmt.Errorf("%w: %q", ErrNotAFrame, event)
	}
	if len(args) == 0 {
		return Frame{}, fmt.Errorf("%s: missing body", event)
	}

	if event == EventUpdate {
		u, err := DecodeUpdate(args[0])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Persistent: &u}, nil
	}
	e, err := DecodeEphemeral(args[0])
	if err != nil {
		return Frame{}, err
	}
	return Frame{Ephemeral: e}, nil
}

// IsPersistentEvent reports whether a client event changes durable state.
// Those are buffered while offline; everything else is a live signal and is
// dropped instead.
func IsPersistentEvent(event string) bool {
	switch event {
	case EventMessage, EventUpdateMetadata, EventUpdateState,
		EventMachineUpdateMetadata, EventMachineUpdateState:
		return true
	}
	return false
}
