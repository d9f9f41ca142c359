package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tinchat/server/internal/v1/domain"
)

func TestNewRoomSeedsMembersFromClients(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, _ := newTestClient(hub, "sock-b")
	a.user.AuthID = "auth-a"
	b.user.AuthID = "auth-b"

	room := newRoom("room-1", domain.ChatTypeText, a, b, []string{"music"}, nil)

	assert.Equal(t, "room-1", room.ID)
	assert.True(t, room.HasMember("sock-a"))
	assert.True(t, room.HasMember("sock-b"))
	assert.Equal(t, []string{"music"}, room.CommonInterests)
}

func TestRoomRelayDeliversToLocalPeer(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, connB := newTestClient(hub, "sock-b")
	go b.writePump()

	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)

	room.relay(context.Background(), "sock-a", EventMessage, messagePayload{ID: "m1", RoomID: "room-1", Message: "hello"})

	assert.Eventually(t, func() bool { return connB.lastWritten() != nil }, time.Second, 10*time.Millisecond)
	close(b.send)
}

func TestRoomRelayIgnoresNonMember(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, connB := newTestClient(hub, "sock-b")

	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)

	// sock-c is not a member; relay should find no Other() and do nothing.
	room.relay(context.Background(), "sock-c", EventMessage, messagePayload{ID: "m1", RoomID: "room-1"})

	assert.Nil(t, connB.lastWritten())
}

func TestRoomLocalClientLookup(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, _ := newTestClient(hub, "sock-b")
	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)

	got, ok := room.localClient("sock-b")
	assert.True(t, ok)
	assert.Equal(t, b, got)

	_, ok = room.localClient("sock-nope")
	assert.False(t, ok)
}

func TestRoomCloseWithNoBusIsSafe(t *testing.T) {
	hub := newTestHub()
	a, _ := newTestClient(hub, "sock-a")
	b, _ := newTestClient(hub, "sock-b")
	room := newRoom("room-1", domain.ChatTypeText, a, b, nil, nil)

	assert.NotPanics(t, func() { room.close() })
}
