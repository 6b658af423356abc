package netkit

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Role tags a Connection with the side of the proxy it belongs to.
type Role int

const (
	RoleClient Role = iota
	RoleOrigin
)

func (r Role) String() string {
	if r == RoleOrigin {
		return "origin"
	}
	return "client"
}

const bufferSize = 8192

// Connection owns one duplex byte stream plus its remote address. A
// Connection is never shared between goroutines; one owning handler per
// connection. I/O failures surface as an inactive signal, never as a
// panic or a propagated error.
type Connection struct {
	conn   net.Conn
	addr   HostAddress
	role   Role
	logger *zap.Logger

	bytesIn  atomic.Int64
	bytesOut atomic.Int64

	closeOnce sync.Once
}

// NewConnection wraps an accepted or dialed net.Conn.
func NewConnection(conn net.Conn, role Role, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		conn:   conn,
		addr:   AddrFrom(conn.RemoteAddr()),
		role:   role,
		logger: logger,
	}
}

// Dial opens a Connection to addr, honoring ctx for cancellation.
func Dial(ctx context.Context, addr HostAddress, role Role, logger *zap.Logger) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	c := NewConnection(conn, role, logger)
	c.addr = addr
	return c, nil
}

func (c *Connection) Addr() HostAddress { return c.addr }
func (c *Connection) IP() string        { return c.addr.IP }
func (c *Connection) Port() int         { return c.addr.Port }
func (c *Connection) Role() Role        { return c.role }

// Fingerprint returns the stable hash of the connection's IP.
func (c *Connection) Fingerprint() string { return Fingerprint(c.addr.IP) }

// BytesIn and BytesOut expose the per-role transfer counters.
func (c *Connection) BytesIn() int64  { return c.bytesIn.Load() }
func (c *Connection) BytesOut() int64 { return c.bytesOut.Load() }

// RecvUntil appends stream chunks until predicate(buffer) holds or the
// peer closes. The returned flag is false when the stream died before
// the predicate was satisfied; the caller terminates the session.
func (c *Connection) RecvUntil(ctx context.Context, predicate func([]byte) bool) ([]byte, bool) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetReadDeadline(deadline)
	}
	var data []byte
	chunk := make([]byte, bufferSize)
	for {
		n, err := c.conn.Read(chunk)
		if n > 0 {
			data = append(data, chunk[:n]...)
			c.bytesIn.Add(int64(n))
			if predicate(data) {
				return data, true
			}
		}
		if err != nil {
			c.logger.Debug("stream ended during recv",
				zap.String("role", c.role.String()),
				zap.String("remote", c.addr.String()),
				zap.Error(err))
			return data, false
		}
	}
}

// WriteAll performs a full, non-partial send. Returns false when the
// stream is no longer active.
func (c *Connection) WriteAll(data []byte) bool {
	_ = c.conn.SetWriteDeadline(time.Time{})
	for len(data) > 0 {
		n, err := c.conn.Write(data)
		if n > 0 {
			c.bytesOut.Add(int64(n))
			data = data[n:]
		}
		if err != nil {
			c.logger.Debug("stream ended during write",
				zap.String("role", c.role.String()),
				zap.String("remote", c.addr.String()),
				zap.Error(err))
			return false
		}
	}
	return true
}

// Close releases the underlying stream. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("close connection", zap.Error(err))
		}
	})
}
