package conn

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open realtime connection carrying engine.io text
// frames. ReadMessage is called from a single goroutine and WriteMessage
// from another; Close unblocks both.
type Transport interface {
	ReadMessage() (string, error)
	WriteMessage(msg string) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

type WebsocketDialerSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func DefaultWebsocketDialerSettings() *WebsocketDialerSettings {
	return &WebsocketDialerSettings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// WebsocketDialer connects to the server's socket.io endpoint.
type WebsocketDialer struct {
	serverURL string
	settings  *WebsocketDialerSettings
}

func NewWebsocketDialer(serverURL string, settings *WebsocketDialerSettings) *WebsocketDialer {
	if settings == nil {
		settings = DefaultWebsocketDialerSettings()
	}
	return &WebsocketDialer{serverURL: serverURL, settings: settings}
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Transport, error) {
	u, err := UpdatesURL(d.serverURL)
	if err != nil {
		return nil, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: d.settings.HandshakeTimeout}
	ws, resp, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", u, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	return &wsTransport{ws: ws, writeTimeout: d.settings.WriteTimeout}, nil
}

// UpdatesURL maps an http(s) server base url to its websocket updates
// endpoint.
func UpdatesURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("server url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url: missing host")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/updates/"
	u.RawQuery = "EIO=4&transport=websocket"
	return u.String(), nil
}

type wsTransport struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) ReadMessage() (string, error) {
	for {
		messageType, data, err := t.ws.ReadMessage()
		if err != nil {
			return "", err
		}
		if messageType == websocket.TextMessage {
			return string(data), nil
		}
	}
}

func (t *wsTransport) WriteMessage(msg string) error {
	if t.writeTimeout > 0 {
		t.ws.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	}
	return t.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (t *wsTransport) Close() error {
	return t.ws.Close()
}
