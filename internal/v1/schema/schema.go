// Package schema holds the typed payload shapes the event
// socket and HTTP gateway validate inbound bodies against (spec.md §6
// "Event socket wire events (inbound)", §9 "Dynamic payload shapes"). Each
// payload is a plain struct with a Validate method; there is no codegen
// step, mirroring how the rest of this module favors hand-written
// validation over generated marshalers.
package schema

import (
	"encoding/json"
	"fmt"

	"github.com/tinchat/server/internal/v1/domain"
)

// FindPartnerPayload is the body of a "findPartner" event.
type FindPartnerPayload struct {
	ChatType  string   `json:"chatType"`
	Interests []string `json:"interests"`
	AuthID    *string  `json:"authId,omitempty"`
}

func (p *FindPartnerPayload) Validate() error {
	if !domain.ChatType(p.ChatType).Valid() {
		return fmt.Errorf("findPartner: chatType must be \"text\" or \"video\"")
	}
	normalized, err := domain.NormalizeInterests(p.Interests)
	if err != nil {
		return fmt.Errorf("findPartner: %w", err)
	}
	p.Interests = normalized
	return nil
}

// LeaveChatPayload is the body of a "leaveChat" event.
type LeaveChatPayload struct {
	RoomID string `json:"roomId"`
}

func (p *LeaveChatPayload) Validate() error {
	return nil // roomId is optional context; the hub resolves the caller's actual room.
}

// SendMessagePayload is the body of a "sendMessage" event.
type SendMessagePayload struct {
	RoomID   string  `json:"roomId,omitempty"`
	Message  string  `json:"message"`
	Username *string `json:"username,omitempty"`
	AuthID   *string `json:"authId,omitempty"`
}

func (p *SendMessagePayload) Validate() error {
	if p.Username != nil && len(*p.Username) > domain.MaxDisplayNameLen {
		return fmt.Errorf("sendMessage: username too long")
	}
	sanitized, err := domain.SanitizeMessage(p.Message)
	if err != nil {
		return fmt.Errorf("sendMessage: %w", err)
	}
	p.Message = sanitized
	return nil
}

// WebRTCSignalPayload is the body of a "webrtcSignal" event. SignalData is
// forwarded verbatim to the peer (spec.md §4.8 "Relay") — this module never
// interprets its contents.
type WebRTCSignalPayload struct {
	RoomID     string          `json:"roomId"`
	SignalData json.RawMessage `json:"signalData"`
}

func (p *WebRTCSignalPayload) Validate() error {
	if len(p.SignalData) == 0 {
		return fmt.Errorf("webrtcSignal: signalData required")
	}
	return nil
}

// TypingPayload is the body of "typing_start" / "typing_stop".
type TypingPayload struct {
	RoomID string `json:"roomId,omitempty"`
}

func (p *TypingPayload) Validate() error { return nil }

// StatusUpdatePayload is the body of a "statusUpdate" event.
type StatusUpdatePayload struct {
	Status string `json:"status"`
}

func (p *StatusUpdatePayload) Validate() error {
	if !domain.StatusType(p.Status).Valid() {
		return fmt.Errorf("statusUpdate: invalid status %q", p.Status)
	}
	return nil
}

// SendFriendRequestPayload is the body of POST /api/friends/request/send.
type SendFriendRequestPayload struct {
	SenderAuthID   string `json:"senderAuthId"`
	ReceiverAuthID string `json:"receiverAuthId"`
	Message        string `json:"message,omitempty"`
}

func (p *SendFriendRequestPayload) Validate() error {
	if p.SenderAuthID == "" || p.ReceiverAuthID == "" {
		return fmt.Errorf("request/send: senderAuthId and receiverAuthId are required")
	}
	if p.SenderAuthID == p.ReceiverAuthID {
		return fmt.Errorf("request/send: cannot friend yourself")
	}
	if len(p.Message) > domain.MaxFriendRequestMessageLen {
		return fmt.Errorf("request/send: message too long")
	}
	return nil
}

// AcceptFriendRequestPayload is the body of POST /api/friends/accept-request.
type AcceptFriendRequestPayload struct {
	RequestID       string `json:"requestId"`
	AcceptingUserID string `json:"acceptingUserId"`
}

func (p *AcceptFriendRequestPayload) Validate() error {
	if p.RequestID == "" || p.AcceptingUserID == "" {
		return fmt.Errorf("accept-request: requestId and acceptingUserId are required")
	}
	return nil
}

// DeclineFriendRequestPayload is the body of POST /api/friends/decline-request.
type DeclineFriendRequestPayload struct {
	RequestID       string `json:"requestId"`
	DecliningUserID string `json:"decliningUserId"`
}

func (p *DeclineFriendRequestPayload) Validate() error {
	if p.RequestID == "" || p.DecliningUserID == "" {
		return fmt.Errorf("decline-request: requestId and decliningUserId are required")
	}
	return nil
}

// RemoveFriendshipPayload is the body of POST /api/friends/remove.
type RemoveFriendshipPayload struct {
	User1AuthID string `json:"user1AuthId"`
	User2AuthID string `json:"user2AuthId"`
}

func (p *RemoveFriendshipPayload) Validate() error {
	if p.User1AuthID == "" || p.User2AuthID == "" {
		return fmt.Errorf("remove: user1AuthId and user2AuthId are required")
	}
	return nil
}

// FriendshipStatusPayload is the body of POST /api/friends/status.
type FriendshipStatusPayload struct {
	User1AuthID string `json:"user1AuthId"`
	User2AuthID string `json:"user2AuthId"`
}

func (p *FriendshipStatusPayload) Validate() error {
	if p.User1AuthID == "" || p.User2AuthID == "" {
		return fmt.Errorf("status: user1AuthId and user2AuthId are required")
	}
	return nil
}

// SearchProfilesPayload is the body of POST /api/friends/search.
type SearchProfilesPayload struct {
	CurrentUserAuthID string `json:"currentUserAuthId"`
	SearchTerm        string `json:"searchTerm"`
	Limit             int    `json:"limit,omitempty"`
}

func (p *SearchProfilesPayload) Validate() error {
	if p.CurrentUserAuthID == "" {
		return fmt.Errorf("search: currentUserAuthId is required")
	}
	if len(p.SearchTerm) < 2 {
		return fmt.Errorf("search: searchTerm must be at least 2 characters")
	}
	if p.Limit == 0 {
		p.Limit = 20
	}
	if p.Limit < 1 || p.Limit > 50 {
		return fmt.Errorf("search: limit must be between 1 and 50")
	}
	return nil
}

// BatchStatusPayload is the body of POST /api/friends/batch-status.
type BatchStatusPayload struct {
	UserIDs     []string `json:"userIds"`
	RequesterID string   `json:"requesterId"`
}

func (p *BatchStatusPayload) Validate() error {
	if p.RequesterID == "" {
		return fmt.Errorf("batch-status: requesterId is required")
	}
	if len(p.UserIDs) == 0 || len(p.UserIDs) > 100 {
		return fmt.Errorf("batch-status: userIds must contain between 1 and 100 entries")
	}
	return nil
}

// BlockPayload is the body of POST /api/friends/block and /unblock.
type BlockPayload struct {
	BlockerAuthID string `json:"blockerAuthId"`
	BlockedAuthID string `json:"blockedAuthId"`
	Reason        string `json:"reason,omitempty"`
}

func (p *BlockPayload) Validate() error {
	if p.BlockerAuthID == "" || p.BlockedAuthID == "" {
		return fmt.Errorf("block: blockerAuthId and blockedAuthId are required")
	}
	if p.BlockerAuthID == p.BlockedAuthID {
		return fmt.Errorf("block: cannot block yourself")
	}
	return nil
}

// Decode unmarshals raw into a fresh T and validates it.
func Decode[T any](raw json.RawMessage) (*T, error) {
	var v T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
	}
	if validator, ok := any(&v).(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			return nil, err
		}
	}
	return &v, nil
}
