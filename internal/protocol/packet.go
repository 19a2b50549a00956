package protocol

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// Engine.io v4 packet types, the first byte of every websocket text frame.
type EnginePacketType byte

const (
	EngineOpen    EnginePacketType = '0'
	EngineClose   EnginePacketType = '1'
	EnginePing    EnginePacketType = '2'
	EnginePong    EnginePacketType = '3'
	EngineMessage EnginePacketType = '4'
)

// Socket.io packet types, the first byte of an engine.io message payload.
type SocketPacketType byte

const (
	SocketConnect      SocketPacketType = '0'
	SocketDisconnect   SocketPacketType = '1'
	SocketEvent        SocketPacketType = '2'
	SocketAck          SocketPacketType = '3'
	SocketConnectError SocketPacketType = '4'
)

// EngineOpenPayload is the JSON body of the engine.io open packet.
type EngineOpenPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"pingInterval"`
	PingTimeout  int64    `json:"pingTimeout"`
	MaxPayload   int64    `json:"maxPayload"`
}

func ParseOptionalNamespace(s string) (namespace string, rest string) {
	if !strings.HasPrefix(s, "/") {
		return "/", s
	}
	comma := strings.IndexByte(s, ',')
	if comma == -1 {
		return "/", s
	}
	return s[:comma], s[comma+1:]
}

func parseOptionalIDPrefix(s string) (id *int, rest string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		i++
	}
	if i == 0 {
		return nil, s
	}
	v, err := strconv.Atoi(s[:i])
	if err != nil {
		return nil, s
	}
	return &v, s[i:]
}

type EventPacket struct {
	Namespace string
	ID        *int
	Event     string
	Args      []json.RawMessage
}

func ParseEventPacket(payload string) (EventPacket, error) {
	if payload == "" {
		return EventPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(SocketEvent) {
		return EventPacket{}, errors.New("not an event packet")
	}

	ns, rest := ParseOptionalNamespace(payload[1:])
	id, rest := parseOptionalIDPrefix(rest)
	if !strings.HasPrefix(rest, "[") {
		return EventPacket{}, errors.New("invalid event payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return EventPacket{}, err
	}
	if len(arr) == 0 {
		return EventPacket{}, errors.New("missing event name")
	}
	var eventName string
	if err := json.Unmarshal(arr[0], &eventName); err != nil {
		return EventPacket{}, errors.New("invalid event name")
	}

	return EventPacket{Namespace: ns, ID: id, Event: eventName, Args: arr[1:]}, nil
}

type AckPacket struct {
	Namespace string
	ID        int
	Args      []json.RawMessage
}

func ParseAckPacket(payload string) (AckPacket, error) {
	if payload == "" {
		return AckPacket{}, errors.New("empty payload")
	}
	if payload[0] != byte(SocketAck) {
		return AckPacket{}, errors.New("not an ack packet")
	}

	ns, rest := ParseOptionalNamespace(payload[1:])
	id, rest := parseOptionalIDPrefix(rest)
	if id == nil {
		return AckPacket{}, errors.New("missing ack id")
	}
	if !strings.HasPrefix(rest, "[") {
		return AckPacket{}, errors.New("invalid ack payload")
	}

	var arr []json.RawMessage
	if err := json.Unmarshal([]byte(rest), &arr); err != nil {
		return AckPacket{}, err
	}
	return AckPacket{Namespace: ns, ID: *id, Args: arr}, nil
}

// ConnectError is the body of a CONNECT_ERROR packet. Data.Code tells the
// client whether retrying can help.
type ConnectError struct {
	Message string           `json:"message"`
	Data    ConnectErrorData `json:"data"`
}

type ConnectErrorData struct {
	Code string `json:"code"`
}

const (
	ConnectErrorUnauthenticated = "unauthenticated"
	ConnectErrorRejected        = "rejected"
)

func ParseConnectErrorPacket(payload string) (ConnectError, error) {
	if payload == "" || payload[0] != byte(SocketConnectError) {
		return ConnectError{}, errors.New("not a connect error packet")
	}
	_, rest := ParseOptionalNamespace(payload[1:])
	var ce ConnectError
	if err := json.Unmarshal([]byte(rest), &ce); err != nil {
		return ConnectError{}, err
	}
	return ce, nil
}

func writeNamespace(b *strings.Builder, namespace string) {
	if namespace != "" && namespace != "/" {
		b.WriteString(namespace)
		b.WriteByte(',')
	}
}

func BuildEventPacket(namespace string, id *int, event string, args ...any) (string, error) {
	arr := make([]any, 0, 1+len(args))
	arr = append(arr, event)
	arr = append(arr, args...)
	data, err := json.Marshal(arr)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketEvent))
	writeNamespace(&b, namespace)
	if id != nil {
		b.WriteString(strconv.Itoa(*id))
	}
	b.Write(data)
	return b.String(), nil
}

// BuildConnectPacket is the server's CONNECT acknowledgement.
func BuildConnectPacket(namespace string, sid string) (string, error) {
	return buildConnect(namespace, map[string]string{"sid": sid})
}

// BuildAuthConnectPacket is the client's CONNECT carrying its auth object.
func BuildAuthConnectPacket(namespace string, auth any) (string, error) {
	return buildConnect(namespace, auth)
}

func buildConnect(namespace string, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketConnect))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func BuildConnectErrorPacket(namespace string, message, code string) (string, error) {
	data, err := json.Marshal(ConnectError{Message: message, Data: ConnectErrorData{Code: code}})
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketConnectError))
	writeNamespace(&b, namespace)
	b.Write(data)
	return b.String(), nil
}

func BuildAckPacket(namespace string, id int, args ...any) (string, error) {
	if args == nil {
		args = make([]any, 0)
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteByte(byte(SocketAck))
	writeNamespace(&b, namespace)
	b.WriteString(strconv.Itoa(id))
	b.Write(data)
	return b.String(), nil
}
