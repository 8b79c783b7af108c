package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// pingInterval/pongWait keep the WebSocket transport alive independently of
// internal/ice's STUN keepalive (spec.md supplemented feature: wss_client.c
// pings the tunnel on its own schedule, distinct from the ICE layer's).
const (
	pingInterval = 20 * time.Second
	pongWait     = 25 * time.Second
)

// WSTunnel is the gorilla/websocket-backed Tunnel implementation, grounded
// on 1ureka-roj1's internal/signaling/ws.go dial/connect pattern. Inbound
// frames are read on their own goroutine and handed to onFrame one at a
// time, matching spec.md §9's requirement that dispatch hooks run
// serialized on the WebSocket reader goroutine.
type WSTunnel struct {
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	onFrame func(raw []byte)
	onClose func(err error)

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewWSTunnel builds an idle tunnel. onFrame is invoked for every inbound
// text/binary frame, serialized on the reader goroutine; onClose fires once
// if the read loop ends on a read error, with that error. A loop ended by
// Close does not call onClose.
func NewWSTunnel(onFrame func(raw []byte), onClose func(err error)) *WSTunnel {
	return &WSTunnel{
		dialer:  websocket.DefaultDialer,
		onFrame: onFrame,
		onClose: onClose,
		stopCh:  make(chan struct{}),
	}
}

// Dial connects to wssEndpoint and starts the reader goroutine.
func (t *WSTunnel) Dial(ctx context.Context, wssEndpoint string) error {
	conn, _, err := t.dialer.DialContext(ctx, wssEndpoint, nil)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go t.pingLoop(conn)
	go t.readLoop(conn)
	return nil
}

// pingLoop writes periodic pings so a half-open connection is detected well
// before a silent TCP stall would otherwise surface.
func (t *WSTunnel) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			t.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (t *WSTunnel) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-t.stopCh:
				return // ended by Close: not reported
			default:
			}
			if t.onClose != nil {
				t.onClose(err)
			}
			return
		}
		if t.onFrame != nil {
			t.onFrame(raw)
		}
		select {
		case <-t.stopCh:
			return
		default:
		}
	}
}

// Send writes raw as a single text frame.
func (t *WSTunnel) Send(raw []byte) error {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return &ClientError{Kind: KindInvalidState, Reason: "tunnel not dialed"}
	}
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// Close stops the reader goroutine and closes the underlying connection.
func (t *WSTunnel) Close() error {
	t.stopOnce.Do(func() { close(t.stopCh) })
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
