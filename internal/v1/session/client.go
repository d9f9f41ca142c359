// Package session - client.go
//
// Client owns one WebSocket connection: a readPump goroutine decoding
// inbound JSON frames and handing them to the hub's router, and a
// writePump goroutine draining a buffered send channel onto the wire.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/metrics"
)

// wsConnection is the subset of *websocket.Conn a Client needs, so tests
// can substitute a mock connection.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 256
)

// Client is one connected socket and its session-scoped identity. User is
// mutated in place by attach (auth), the matchmaker (enqueue/dequeue), and
// the presence module (status) — see domain.User.
type Client struct {
	conn wsConnection
	send chan []byte
	hub  *Hub

	user domain.User

	mu           sync.RWMutex
	roomID       string
	unsubReplace context.CancelFunc
}

func newClient(conn wsConnection, hub *Hub, user domain.User) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		hub:  hub,
		user: user,
	}
}

// RoomID returns the client's current room, or "" if unpaired.
func (c *Client) RoomID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}

func (c *Client) setRoomID(id string) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

// setReplacementUnsubscribe stores the cancel func for this client's
// cross-pod "replaced" subscription (see Hub.subscribeReplacement), so
// readPump's teardown can stop it once the socket disconnects.
func (c *Client) setReplacementUnsubscribe(cancel context.CancelFunc) {
	c.mu.Lock()
	c.unsubReplace = cancel
	c.mu.Unlock()
}

func (c *Client) stopReplacementSubscription() {
	c.mu.RLock()
	cancel := c.unsubReplace
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// readPump decodes one JSON envelope per frame and hands it to the hub's
// router. It runs until the connection errors or is closed, then tears
// down the client's hub-side state.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.sendError("malformed envelope")
			continue
		}

		c.hub.router(c, env)
	}
}

// writePump drains c.send onto the wire, closing the connection when the
// channel is closed by the hub's disconnect path.
func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			slog.Error("session: write failed", "socketId", c.user.SocketID, "error", err)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}

// sendEnvelope marshals and non-blockingly enqueues an outbound event. A
// full channel means a slow or wedged client; the message is dropped
// rather than blocking the caller (matches the relay's no-backpressure
// contract in spec.md §4.8 "Ordering guarantees").
func (c *Client) sendEnvelope(event Event, payload any) {
	data, err := json.Marshal(outboundEnvelope{Event: event, Payload: payload})
	if err != nil {
		slog.Error("session: failed to marshal outbound envelope", "event", event, "error", err)
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("session: client send channel full, dropping message", "socketId", c.user.SocketID, "event", event)
	}
}

func (c *Client) sendError(msg string) {
	c.sendEnvelope(EventError, errorPayload{Error: msg})
}
