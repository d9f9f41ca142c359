// Package session - handlers.go
//
// One method per inbound event (spec.md §6). Each handler decodes and
// validates its payload against the typed schema, then mutates hub/room
// state. A returned error is reported to the sender as an "error" event
// and never mutates server state beyond what already happened before the
// error (spec.md §4.10).
package session

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/schema"
)

func (h *Hub) handleFindPartner(ctx context.Context, c *Client, raw []byte) error {
	p, err := schema.Decode[schema.FindPartnerPayload](raw)
	if err != nil {
		return err
	}

	c.user.ChatType = domain.ChatType(p.ChatType)
	c.user.Interests = p.Interests

	if err := h.matcher.Enqueue(&c.user); err != nil {
		return err
	}

	peer, matched := h.matcher.FindMatch(&c.user)
	if !matched {
		return nil
	}

	h.mu.Lock()
	peerClient, ok := h.clients[peer.SocketID]
	h.mu.Unlock()
	if !ok {
		// Peer disconnected between match and room creation; re-enqueue
		// the caller so they aren't stranded, and give up on this pairing.
		_ = h.matcher.Enqueue(&c.user)
		return fmt.Errorf("matched peer is no longer connected")
	}

	roomID := uuid.NewString()
	common := commonInterests(c.user.Interests, peer.Interests)
	room := newRoom(roomID, c.user.ChatType, c, peerClient, common, h.busClient)

	h.mu.Lock()
	h.rooms[roomID] = room
	h.roomOf[c.user.SocketID] = roomID
	h.roomOf[peerClient.user.SocketID] = roomID
	h.mu.Unlock()

	c.setRoomID(roomID)
	peerClient.setRoomID(roomID)
	metrics.ActiveRooms.Inc()

	c.sendEnvelope(EventPartnerFound, partnerFoundPayload{
		RoomID:          roomID,
		Peer:            h.profileFor(ctx, peer),
		CommonInterests: common,
	})
	peerClient.sendEnvelope(EventPartnerFound, partnerFoundPayload{
		RoomID:          roomID,
		Peer:            h.profileFor(ctx, &c.user),
		CommonInterests: common,
	})
	return nil
}

func (h *Hub) handleLeaveChat(ctx context.Context, c *Client, raw []byte) error {
	if _, err := schema.Decode[schema.LeaveChatPayload](raw); err != nil {
		return err
	}
	h.matcher.Dequeue(&c.user)

	roomID := c.RoomID()
	if roomID == "" {
		return nil
	}
	h.teardownRoom(roomID, c.user.SocketID)
	return nil
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, raw []byte) error {
	p, err := schema.Decode[schema.SendMessagePayload](raw)
	if err != nil {
		return err
	}

	room, err := h.roomFor(c)
	if err != nil {
		return err
	}

	msg := messagePayload{
		ID:        uuid.NewString(),
		RoomID:    room.ID,
		Sender:    h.profileFor(ctx, &c.user),
		Message:   p.Message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	room.relay(ctx, c.user.SocketID, EventMessage, msg)
	return nil
}

func (h *Hub) handleWebRTCSignal(ctx context.Context, c *Client, raw []byte) error {
	p, err := schema.Decode[schema.WebRTCSignalPayload](raw)
	if err != nil {
		return err
	}

	room, err := h.roomFor(c)
	if err != nil {
		return err
	}

	room.relay(ctx, c.user.SocketID, EventWebRTCSignal, signalPayload{
		RoomID:     room.ID,
		SignalData: p.SignalData,
	})
	return nil
}

func (h *Hub) handleTyping(ctx context.Context, c *Client, raw []byte, event Event) error {
	if _, err := schema.Decode[schema.TypingPayload](raw); err != nil {
		return err
	}

	room, err := h.roomFor(c)
	if err != nil {
		return err
	}
	room.relay(ctx, c.user.SocketID, event, typingPayload{RoomID: room.ID})
	return nil
}

func (h *Hub) handleStatusUpdate(ctx context.Context, c *Client, raw []byte) error {
	p, err := schema.Decode[schema.StatusUpdatePayload](raw)
	if err != nil {
		return err
	}

	c.user.Status = domain.StatusType(p.Status)
	if c.user.Status == domain.StatusOffline {
		h.presence.SetOffline(ctx, c.user.HistoryKey())
	} else {
		h.presence.SetOnline(ctx, c.user.HistoryKey())
	}
	return nil
}

// roomFor resolves the caller's current room, or an error if they aren't
// in one (spec.md §4.8 "Relay": "look up room from socket; reject if no
// room").
func (h *Hub) roomFor(c *Client) (*Room, error) {
	roomID := c.RoomID()
	if roomID == "" {
		return nil, fmt.Errorf("not in a room")
	}
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("room no longer exists")
	}
	return room, nil
}

// commonInterests returns the case-insensitive intersection of a and b,
// preserving a's ordering, for the "partner-found" payload (spec.md §4.8).
func commonInterests(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, i := range b {
		set[strings.ToLower(i)] = struct{}{}
	}
	out := make([]string, 0)
	for _, i := range a {
		if _, ok := set[strings.ToLower(i)]; ok {
			out = append(out, i)
		}
	}
	return out
}
