package pool

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one physical streaming connection. The pool is its only owner;
// open and close are serialized through the owning connection record.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	// Ping sends a websocket-level ping control frame.
	Ping() error
	Close() error
}

// Dialer opens transports. Tests inject a fake; production uses gorilla.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer websocket.Dialer
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := d.Dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport serializes writes; gorilla connections allow only one
// concurrent writer and the heartbeat timer races the subscribe path.
type wsTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, msg, err := t.conn.ReadMessage()
	return msg, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
