package conn

import (
	"errors"
	"time"
)

type State int32

const (
	Disconnected State = iota
	Connecting
	Authenticating
	Live
	Degraded
	Reconnecting
	// Unauthenticated is terminal. Only new credentials and a new Manager
	// get out of it.
	Unauthenticated
)

var stateNames = [...]string{
	Disconnected:    "disconnected",
	Connecting:      "connecting",
	Authenticating:  "authenticating",
	Live:            "live",
	Degraded:        "degraded",
	Reconnecting:    "reconnecting",
	Unauthenticated: "unauthenticated",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNotLive           = errors.New("connection not live")
	ErrClosed            = errors.New("connection manager closed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrHeartbeatTimeout  = errors.New("heartbeat not acknowledged")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrInvalidHeartbeats = errors.New("heartbeat timeout must be shorter than the interval")
)

// Event describes one state transition. Err is the cause when the
// transition was forced by a failure.
type Event struct {
	From State
	To   State
	Err  error
	At   time.Time
}
