package session

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tinchat/server/internal/v1/domain"
)

func TestFindPartnerMatchesTwoWaitingSockets(t *testing.T) {
	hub := newTestHub()
	a, connA := newTestClient(hub, "sock-a")
	b, connB := newTestClient(hub, "sock-b")
	// Backdate both connection starts past the matchmaker's anonymous
	// connect-age threshold, and far enough apart to clear its 500ms
	// age-diff threshold, so the match fires immediately.
	a.user.ConnectionStart = time.Now().Add(-5 * time.Second)
	b.user.ConnectionStart = time.Now().Add(-3 * time.Second)
	hub.attach(a)
	hub.attach(b)
	go a.writePump()
	go b.writePump()

	raw, _ := json.Marshal(map[string]any{"chatType": "text", "interests": []string{"music"}})
	hub.router(a, inboundEnvelope{Event: EventFindPartner, Payload: raw})
	hub.router(b, inboundEnvelope{Event: EventFindPartner, Payload: raw})

	assert.Eventually(t, func() bool { return connA.lastWritten() != nil && connB.lastWritten() != nil }, time.Second, 10*time.Millisecond)
	assert.NotEqual(t, "", a.RoomID())
	assert.Equal(t, a.RoomID(), b.RoomID())

	close(a.send)
	close(b.send)
}

func TestLeaveChatTearsDownRoomAndNotifiesPeer(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, connB := newTestClient(hub, "sock-b")
	go b.writePump()

	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)
	hub.rooms[room.ID] = room
	hub.roomOf[a.user.SocketID] = room.ID
	hub.roomOf[b.user.SocketID] = room.ID
	a.setRoomID(room.ID)
	b.setRoomID(room.ID)

	raw, _ := json.Marshal(map[string]any{})
	err := hub.handleLeaveChat(context.Background(), a, raw)
	assert.NoError(t, err)

	assert.Equal(t, "", b.RoomID())
	assert.NotContains(t, hub.rooms, room.ID)
	assert.Eventually(t, func() bool { return connB.lastWritten() != nil }, time.Second, 10*time.Millisecond)

	close(b.send)
}

func TestHandleDisconnectIsIdempotent(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	hub.attach(a)

	assert.NotPanics(t, func() {
		hub.handleDisconnect(a)
		hub.handleDisconnect(a)
	})
}

func TestHandleDisconnectTearsDownRoom(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, connB := newTestClient(hub, "sock-b")
	go b.writePump()
	hub.attach(a)
	hub.attach(b)

	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)
	hub.rooms[room.ID] = room
	hub.roomOf[a.user.SocketID] = room.ID
	hub.roomOf[b.user.SocketID] = room.ID
	a.setRoomID(room.ID)
	b.setRoomID(room.ID)

	hub.handleDisconnect(a)

	assert.Equal(t, "", b.RoomID())
	assert.NotContains(t, hub.rooms, room.ID)
	assert.Eventually(t, func() bool { return connB.lastWritten() != nil }, time.Second, 10*time.Millisecond)

	close(b.send)
}

func TestAttachEvictsPriorLocalSocketForSameAuth(t *testing.T) {
	hub := newTestHub()
	old, oldConn := newTestClient(hub, "sock-old")
	old.user.AuthID = "auth-1"
	go old.writePump()
	hub.attach(old)

	next, _ := newTestClient(hub, "sock-new")
	next.user.AuthID = "auth-1"
	hub.attach(next)

	assert.Eventually(t, func() bool { return oldConn.lastWritten() != nil }, time.Second, 10*time.Millisecond)
	var env outboundEnvelope
	assert.NoError(t, json.Unmarshal(oldConn.lastWritten(), &env))
	assert.Equal(t, EventReplaced, env.Event)

	hub.mu.Lock()
	_, stillTracked := hub.clients[old.user.SocketID]
	current := hub.socketOfAuth["auth-1"]
	hub.mu.Unlock()
	assert.False(t, stillTracked)
	assert.Equal(t, next.user.SocketID, current)
}

func TestRouterRejectsUnknownEvent(t *testing.T) {
	hub := newTestHub()
	c, conn := newTestClient(hub, "sock-a")
	go c.writePump()

	hub.router(c, inboundEnvelope{Event: Event("bogus"), Payload: json.RawMessage(`{}`)})

	assert.Eventually(t, func() bool { return conn.lastWritten() != nil }, time.Second, 10*time.Millisecond)
	var env outboundEnvelope
	assert.NoError(t, json.Unmarshal(conn.lastWritten(), &env))
	assert.Equal(t, EventError, env.Event)

	close(c.send)
}

func TestStatusUpdateTogglesPresence(t *testing.T) {
	hub := newTestHub()
	c, _ := newTestClient(hub, "sock-a")
	c.user.AuthID = "auth-1"

	raw, _ := json.Marshal(map[string]any{"status": "idle"})
	err := hub.handleStatusUpdate(context.Background(), c, raw)
	assert.NoError(t, err)

	raw, _ = json.Marshal(map[string]any{"status": "offline"})
	err = hub.handleStatusUpdate(context.Background(), c, raw)
	assert.NoError(t, err)

	presence := hub.presence.(*mockPresence)
	assert.False(t, presence.isOnline(c.user.HistoryKey()))
}
