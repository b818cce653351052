// internal/realtime/client.go
package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Client is one WebSocket connection. Only the write pump writes to conn.
type Client struct {
	id       string
	identity *Identity
	conn     *websocket.Conn
	server   *Server

	send chan []byte
	done chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, identity *Identity, server *Server) *Client {
	return &Client{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		server:   server,
		send:     make(chan []byte, server.cfg.SendBuffer),
		done:     make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) UserID() ID {
	if c.identity == nil {
		return ""
	}
	return c.identity.UserID
}

// Deliver queues ev for the write pump. It never blocks: a full buffer is
// reported to the caller, which terminates the client.
func (c *Client) Deliver(ev Event) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	if err := ev.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// Terminate asks the write pump to flush what is queued and close.
func (c *Client) Terminate() {
	c.terminate(websocket.ClosePolicyViolation, "connection terminated by server")
}

func (c *Client) terminate(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// ReadPump decodes frames and hands them to the server until the
// connection fails or is terminated.
func (c *Client) ReadPump() {
	cfg := c.server.cfg
	defer func() {
		c.server.unregisterClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Warn("WebSocket error", "client_id", c.id, "user_id", c.UserID(), "error", err)
			}
			return
		}

		c.server.dispatch(c, data)
	}
}

// WritePump writes queued events and keepalive pings. On terminate it
// drains the queue before sending the close frame.
func (c *Client) WritePump() {
	cfg := c.server.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				c.terminate(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.terminate(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-c.done:
			c.flush()
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		}
	}
}

func (c *Client) flush() {
	for {
		select {
		case message := <-c.send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) sendError(message string) {
	if err := c.Deliver(NewEvent(EventError, ErrorPayload{Message: message})); err != nil {
		c.server.logger.Debug("Failed to deliver error", "client_id", c.id, "error", err)
	}
}
