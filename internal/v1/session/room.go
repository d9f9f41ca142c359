// Package session - room.go
//
// Room pairs exactly two sockets for one chat session (spec.md §3 "Room").
// Where the teacher's Room fanned broadcasts out across host/participant/
// waiting/screenshare role maps, this Room has exactly one possible
// recipient: relay means "send to the other member, if local; otherwise
// publish to the room's Redis channel for whichever pod holds them."
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
)

// Room is the session manager's live, in-memory counterpart to
// domain.Room: the domain type carries the wire/value shape (members,
// chat type, common interests), this type adds the local client
// references and the Redis subscription lifecycle.
type Room struct {
	domain.Room

	mu    sync.Mutex
	local map[domain.SocketIDType]*Client

	busClient *bus.Service
	cancel    context.CancelFunc
}

func newRoom(id string, chatType domain.ChatType, a, b *Client, commonInterests []string, busClient *bus.Service) *Room {
	r := &Room{
		Room: domain.Room{
			ID:              id,
			ChatType:        chatType,
			Members:         [2]domain.SocketIDType{a.user.SocketID, b.user.SocketID},
			MemberAuthIDs:   [2]domain.AuthIDType{a.user.AuthID, b.user.AuthID},
			CreatedAt:       time.Now(),
			CommonInterests: commonInterests,
		},
		local:     map[domain.SocketIDType]*Client{a.user.SocketID: a, b.user.SocketID: b},
		busClient: busClient,
	}
	if busClient != nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.cancel = cancel
		busClient.Subscribe(ctx, r.ID, nil, r.handleBusMessage)
	}
	return r
}

// relay delivers payload under event to the other room member, locally if
// they're on this pod, over the room's Redis channel otherwise. Per
// spec.md §4.8 "Ordering guarantees", messages from one sender are never
// reordered relative to each other; this method does not buffer or retry.
func (r *Room) relay(ctx context.Context, sender domain.SocketIDType, event Event, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	peerID, ok := r.Other(sender)
	if !ok {
		return
	}
	if peer, isLocal := r.local[peerID]; isLocal {
		peer.sendEnvelope(event, payload)
		return
	}
	if r.busClient != nil {
		if err := r.busClient.Publish(ctx, r.ID, string(event), payload, string(sender)); err != nil {
			slog.Error("session: room relay publish failed", "roomId", r.ID, "event", event, "error", err)
		}
	}
}

// handleBusMessage forwards a cross-pod relay to this room's local member,
// skipping delivery back to the sender's own socket.
func (r *Room) handleBusMessage(msg bus.PubSubPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender := domain.SocketIDType(msg.SenderID)
	peerID, ok := r.Other(sender)
	if !ok {
		return
	}
	peer, isLocal := r.local[peerID]
	if !isLocal {
		return
	}
	peer.sendEnvelope(Event(msg.Event), msg.Payload)
}

// localClient returns the local Client for socketID, if this pod holds it.
func (r *Room) localClient(socketID domain.SocketIDType) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.local[socketID]
	return c, ok
}

// close cancels the room's Redis subscription. Called once, when the room
// is torn down by the hub (spec.md §4.8 "Leave / disconnect").
func (r *Room) close() {
	if r.cancel != nil {
		r.cancel()
	}
}
