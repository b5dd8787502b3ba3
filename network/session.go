package network

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransportClosed indicates a write to a closed session.
var ErrTransportClosed = errors.New("network: transport closed")

// wsTransport is the registry.Transport of one websocket connection.
// Writes are serialized; control frames and Close may run concurrently.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &wsTransport{
		conn:         conn,
		writeTimeout: writeTimeout,
		closed:       make(chan struct{}),
	}
}

// Send writes one text frame.
func (t *wsTransport) Send(payload []byte) error {
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if err := t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := t.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.shutdown()
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a close frame with code and reason, then closes the socket.
func (t *wsTransport) Close(code int, reason string) error {
	var closeErr error
	t.closeOnce.Do(func() {
		deadline := time.Now().Add(t.writeTimeout)
		closeErr = t.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = t.conn.Close()
		close(t.closed)
	})
	if errors.Is(closeErr, websocket.ErrCloseSent) {
		return nil
	}
	return closeErr
}

func (t *wsTransport) shutdown() {
	t.closeOnce.Do(func() {
		_ = t.conn.Close()
		close(t.closed)
	})
}

// startKeepAlive pings the peer every interval and expects any frame or pong
// within two intervals. It must be called before the read loop starts.
func (t *wsTransport) startKeepAlive(interval time.Duration) {
	if interval <= 0 {
		return
	}
	pongWait := 2 * interval
	_ = t.conn.SetReadDeadline(time.Now().Add(pongWait))
	t.conn.SetPongHandler(func(string) error {
		return t.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go t.pingLoop(interval)
}

func (t *wsTransport) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(t.writeTimeout)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				t.shutdown()
				return
			}
		case <-t.closed:
			return
		}
	}
}

// extendReadDeadline is called after every inbound frame.
func (t *wsTransport) extendReadDeadline(interval time.Duration) {
	if interval <= 0 {
		return
	}
	_ = t.conn.SetReadDeadline(time.Now().Add(2 * interval))
}
