// Package network implements the TCP listener, the version/TLS handshake
// and the per-connection framing transport for game clients.
package network

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stormhold-project/stormhold/internal/wire"
)

var nextConnID uint64

// Connection wraps an established client socket, plain or TLS. Reads
// happen on the owning connection goroutine; writes go through a FIFO
// send queue drained by a dedicated writer goroutine, so a queued send
// always completes before the next one starts.
type Connection struct {
	mu     sync.Mutex
	conn   net.Conn
	id     uint64
	logger zerolog.Logger

	maxFrame uint32

	connectedAt  time.Time
	lastActivity time.Time

	sendCh chan []byte
	done   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

// NewConnection wraps a socket that has completed the handshake.
func NewConnection(conn net.Conn, maxFrame uint32) *Connection {
	now := time.Now()
	c := &Connection{
		conn:         conn,
		id:           atomic.AddUint64(&nextConnID, 1),
		maxFrame:     maxFrame,
		connectedAt:  now,
		lastActivity: now,
		sendCh:       make(chan []byte, 64),
		done:         make(chan struct{}),
	}
	c.logger = log.With().
		Str("component", "connection").
		Uint64("conn_id", c.id).
		Str("remote", conn.RemoteAddr().String()).
		Logger()

	c.wg.Add(1)
	go c.writeLoop()
	return c
}

// ID returns the process-unique connection id.
func (c *Connection) ID() uint64 { return c.id }

// writeLoop drains the send queue sequentially. Any write error closes
// the connection; the read side then observes the closed socket.
func (c *Connection) writeLoop() {
	defer c.wg.Done()
	for {
		select {
		case data := <-c.sendCh:
			c.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if err := wire.WriteFrame(c.conn, data); err != nil {
				c.logger.Debug().Err(err).Msg("write failed, closing connection")
				c.closeSocket()
				return
			}
			c.touch()
		case <-c.done:
			// Flush anything already queued before exiting.
			for {
				select {
				case data := <-c.sendCh:
					c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if wire.WriteFrame(c.conn, data) != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// Send queues a framed payload. It blocks only when the peer has fallen
// 64 frames behind, and fails once the connection is closed.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("connection %d is closed", c.id)
	default:
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %d is closed", c.id)
	}
}

// ReadFrame reads a single length-prefixed frame, blocking up to timeout.
func (c *Connection) ReadFrame(timeout time.Duration) ([]byte, error) {
	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		c.conn.SetReadDeadline(time.Time{})
	}
	data, err := wire.ReadFrame(c.conn, c.maxFrame)
	if err != nil {
		return nil, err
	}
	c.touch()
	return data, nil
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Connection) closeSocket() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.conn.Close()
}

// Close shuts the connection down and waits for the writer goroutine to
// drain. Safe to call more than once and from any goroutine.
func (c *Connection) Close() error {
	c.closeSocket()
	c.wg.Wait()
	c.logger.Debug().Msg("connection closed")
	return nil
}

// IsClosed reports whether Close has been called or a write failed.
func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastActivity returns the time of the last successful read or write.
func (c *Connection) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// ConnectedAt returns the time the connection was established.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// RemoteIP returns the peer IP without the port, for ban matching.
func (c *Connection) RemoteIP() string {
	host, _, err := net.SplitHostPort(c.conn.RemoteAddr().String())
	if err != nil {
		return c.conn.RemoteAddr().String()
	}
	return host
}
