package domain

import "time"

// PeerShape is the display-shape snapshot of a room member, broadcast on
// "partner-found" and stamped onto each relayed message (spec.md §4.8
// "Find partner" and §3 "Message").
type PeerShape struct {
	SocketID            SocketIDType `json:"socketId"`
	AuthID               AuthIDType   `json:"authId,omitempty"`
	Username             string       `json:"username,omitempty"`
	DisplayName          string       `json:"displayName,omitempty"`
	DisplayNameColor     string       `json:"displayNameColor,omitempty"`
	DisplayNameAnimation Animation    `json:"displayNameAnimation,omitempty"`
	RainbowSpeed         int          `json:"rainbowSpeed,omitempty"`
	Badges               []Badge      `json:"badges,omitempty"`
	Pronouns             string       `json:"pronouns,omitempty"`
	Interests            []string     `json:"interests,omitempty"`
}

// Room pairs exactly two sockets for the duration of one chat session
// (spec.md §3 "Room"). Destroyed on first leave/disconnect of either member.
type Room struct {
	ID               string
	ChatType         ChatType
	Members          [2]SocketIDType
	MemberAuthIDs    [2]AuthIDType
	CreatedAt        time.Time
	Ready            map[SocketIDType]struct{}
	CommonInterests  []string
}

// Other returns the member socket id that is not s, and whether s is
// actually a member of the room.
func (r *Room) Other(s SocketIDType) (SocketIDType, bool) {
	switch {
	case r.Members[0] == s:
		return r.Members[1], true
	case r.Members[1] == s:
		return r.Members[0], true
	default:
		return "", false
	}
}

// HasMember reports whether s is one of the room's two sockets.
func (r *Room) HasMember(s SocketIDType) bool {
	return r.Members[0] == s || r.Members[1] == s
}

// MarkReady records that s has acknowledged readiness, returning true the
// first time both members have done so.
func (r *Room) MarkReady(s SocketIDType) bool {
	if r.Ready == nil {
		r.Ready = make(map[SocketIDType]struct{}, 2)
	}
	r.Ready[s] = struct{}{}
	return len(r.Ready) >= 2
}

// Message is one relayed chat line (spec.md §3 "Message"). Delivery is
// fan-out to the other room member only.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	Sender    PeerShape `json:"sender"`
	Text      string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
