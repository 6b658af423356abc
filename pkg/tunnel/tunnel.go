// Package tunnel streams classified events to one external observer
// over a persistent websocket. The tunnel is best-effort telemetry:
// notifications queue FIFO while disconnected and drain in original
// order on reconnect; unavailability never blocks request handling.
package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// EventType enumerates the envelope types carried over the tunnel.
type EventType string

const (
	TunnelConnected    EventType = "tunnel_connection"
	TunnelDisconnected EventType = "tunnel_disconnection"
	AccessLogUpdate    EventType = "access_log_update"
	SecurityLogUpdate  EventType = "security_log_update"
	HealthUpdate       EventType = "waf_health_update"
	ServicesUpdate     EventType = "waf_services_update"
)

// Envelope is one outbound notification.
type Envelope struct {
	Event   EventType       `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

const (
	dialBackoff    = 500 * time.Millisecond
	connectTimeout = 10 * time.Second
)

// Tunnel is the outbound telemetry channel.
type Tunnel struct {
	endpoint string
	logger   *zap.Logger

	// writeMu serializes every frame write; the websocket allows only
	// one concurrent writer. Lock order: writeMu before mu.
	writeMu sync.Mutex

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	queue     [][]byte
}

func New(endpoint string, logger *zap.Logger) *Tunnel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tunnel{endpoint: endpoint, logger: logger}
}

func (t *Tunnel) Endpoint() string { return t.endpoint }

// Connected reports whether the channel is currently up.
func (t *Tunnel) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect dials the endpoint with bounded retry while the remote
// refuses, then announces itself and drains everything queued while
// disconnected, in original order, before any live notification.
func (t *Tunnel) Connect(ctx context.Context) error {
	deadline, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	var conn *websocket.Conn
	for {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(deadline, t.endpoint, nil)
		if err == nil {
			break
		}
		select {
		case <-deadline.Done():
			t.logger.Warn("tunnel connect window elapsed", zap.String("endpoint", t.endpoint))
			return deadline.Err()
		case <-time.After(dialBackoff):
		}
	}

	// The write lock spans the connected flip through the end of the
	// drain: notifications racing the reconnect either join the captured
	// backlog or write strictly after it.
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	t.logger.Info("tunnel connected", zap.String("endpoint", t.endpoint))
	t.writeFrame(mustEnvelope(TunnelConnected, nil))
	for _, msg := range pending {
		t.writeFrame(msg)
	}
	return nil
}

// Run keeps the tunnel alive until ctx is cancelled, reconnecting
// whenever a send marks the channel down.
func (t *Tunnel) Run(ctx context.Context) {
	for {
		if !t.Connected() {
			_ = t.Connect(ctx)
		}
		select {
		case <-ctx.Done():
			t.Close()
			return
		case <-time.After(time.Second):
		}
	}
}

// Notify serializes an envelope and sends it, queueing when the tunnel
// is down. It never returns an error to the caller; telemetry loss
// modes must not affect the proxy's primary path.
func (t *Tunnel) Notify(eventType EventType, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Warn("tunnel payload not serializable",
			zap.String("event", string(eventType)), zap.Error(err))
		return
	}
	msg, _ := json.Marshal(Envelope{Event: eventType, Payload: data})

	t.writeMu.Lock()
	t.writeFrame(msg)
	t.writeMu.Unlock()
}

// writeFrame writes one frame; the caller holds writeMu. A frame for a
// down channel is queued instead, and a failed write flips the channel
// down and re-queues the frame for the next drain.
func (t *Tunnel) writeFrame(msg []byte) {
	t.mu.Lock()
	conn, connected := t.conn, t.connected
	if !connected || conn == nil {
		t.queue = append(t.queue, msg)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.logger.Warn("tunnel send failed, queueing until reconnect", zap.Error(err))
		t.mu.Lock()
		t.connected = false
		t.conn = nil
		t.queue = append(t.queue, msg)
		t.mu.Unlock()
		_ = conn.Close()
	}
}

// Close tears the channel down.
func (t *Tunnel) Close() {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// QueueLen reports how many notifications await reconnect.
func (t *Tunnel) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func mustEnvelope(eventType EventType, payload any) []byte {
	data, _ := json.Marshal(payload)
	msg, _ := json.Marshal(Envelope{Event: eventType, Payload: data})
	return msg
}
