package rooms

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// ErrConnectionClosed is returned by Send after the connection shut down.
var ErrConnectionClosed = errors.New("connection closed")

// Connection wraps a websocket and coordinates outbound writes via a
// buffered channel. A connection belongs to exactly one participant and
// is safe for concurrent use.
type Connection struct {
	ID          string
	Participant string

	ws    *websocket.Conn
	send  chan []byte
	once  sync.Once
	close chan struct{}
}

// NewConnection constructs a Connection for the given participant. The
// buffer bounds how far a slow client may fall behind before it is
// dropped.
func NewConnection(participant string, ws *websocket.Conn, buffer int) *Connection {
	if buffer <= 0 {
		buffer = 128
	}
	return &Connection{
		ID:          uuid.NewString(),
		Participant: participant,
		ws:          ws,
		send:        make(chan []byte, buffer),
		close:       make(chan struct{}),
	}
}

// Start launches the write loop. It must be called exactly once per connection.
func (c *Connection) Start() {
	if c.ws == nil {
		return
	}
	go c.writeLoop()
}

// Send enqueues payload for delivery. If the client is slow and the
// buffer is full, the connection is closed to keep backpressure bounded.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.close:
		return ErrConnectionClosed
	case c.send <- payload:
		return nil
	default:
		c.Shutdown(websocket.CloseGoingAway, "send buffer full")
		return errors.New("connection buffer exceeded")
	}
}

// Shutdown terminates the connection and stops the write loop.
func (c *Connection) Shutdown(code int, reason string) {
	c.once.Do(func() {
		close(c.close)
		if c.ws == nil {
			return
		}
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
}

func (c *Connection) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.close:
			return
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				return
			}
		}
	}
}

func (c *Connection) writeMessage(payload []byte) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Connection) writePing() error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.PingMessage, nil)
}
