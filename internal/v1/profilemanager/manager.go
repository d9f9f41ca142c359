// Package profilemanager is the composed-struct orchestrator wiring the
// profile cache, presence module, and friends cache into one façade
// (spec.md §4.9 "no inheritance — composition only"). It owns the
// startup warm-cache and the graceful-shutdown sequence, and forwards
// search/blocking/request operations straight to the system of record,
// triggering the friends cache's graph-mutation invalidation on every
// write.
package profilemanager

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/friends"
	"github.com/tinchat/server/internal/v1/presence"
	"github.com/tinchat/server/internal/v1/profile"
	"github.com/tinchat/server/internal/v1/store"
)

const (
	warmStartupLimit  = 50
	warmStartupMaxAge = 24 * time.Hour
)

// Manager composes the profile cache, presence module, and friends cache
// over a shared store/bus pair. Every exported method is safe for
// concurrent use; the submodules each own their own locking.
type Manager struct {
	Profiles *profile.Cache
	Presence *presence.Module
	Friends  *friends.Cache

	store *store.Store
	bus   *bus.Service
}

// New composes a Manager from a system of record and an optional Redis
// bus (nil disables the remote KV tier; profile.Cache/friends.Cache/
// presence.Module all degrade to store-only reads on a nil bus).
func New(st *store.Store, busClient *bus.Service) *Manager {
	profiles := profile.New(busClient, st)
	friendsCache := friends.New(busClient, st)
	profiles.SetFriendsInvalidator(friendsCache)

	return &Manager{
		Profiles: profiles,
		Presence: presence.New(busClient, st),
		Friends:  friendsCache,
		store:    st,
		bus:      busClient,
	}
}

// Start launches the presence module's background tickers. The profile
// cache and friends cache have no tickers of their own; their time-based
// work (LRU sweep, KV TTLs) is driven externally (the session hub's
// ticker) or passively (TTL expiry).
func (m *Manager) Start() {
	m.Presence.Start()
}

// WarmStartup preloads the profile LRU with recently-active profiles
// (spec.md §4.9 "warms the profile cache with up to 50 currently-online
// profiles last seen within 24h"). Best-effort: a store error is logged,
// not fatal, since an empty cache just means more cache misses.
func (m *Manager) WarmStartup(ctx context.Context) {
	n, err := m.Profiles.WarmStartup(ctx, warmStartupLimit, warmStartupMaxAge)
	if err != nil {
		slog.Warn("profilemanager: warm startup failed", "error", err)
		return
	}
	slog.Info("profilemanager: warmed profile cache", "count", n)
}

// Shutdown runs the graceful-shutdown sequence of spec.md §4.9: mark every
// still-connected user offline, stop tickers, drain the presence queue,
// clear the in-process LRU, close the KV client. Each step proceeds even if
// an earlier one logs an error, so a partial failure never skips the rest
// of the sequence.
//
// onlineUserIDs is the caller's connected-socket registry at the moment of
// shutdown (the session hub's client map). The presence module's own
// pending-update map is usually empty by the time shutdown starts — the
// 5s batch ticker clears it long before a SIGTERM arrives — so it alone
// can't guarantee every online user gets one final offline write (spec.md
// §8 "7 users online ... all 7 set offline in one update before the
// process exits"); onlineUserIDs is what actually provides that guarantee.
func (m *Manager) Shutdown(onlineUserIDs []string) error {
	ctx := context.Background()
	for _, id := range onlineUserIDs {
		m.Presence.SetOffline(ctx, id)
	}

	m.Presence.Stop()
	m.Presence.FlushNow()
	m.Profiles.Clear()

	if m.bus != nil {
		if err := m.bus.Close(); err != nil {
			return fmt.Errorf("profilemanager: close bus: %w", err)
		}
	}
	return nil
}

// SendFriendRequest creates a pending request and, on success, invalidates
// both users' pending-request caches (spec.md §4.5).
func (m *Manager) SendFriendRequest(ctx context.Context, senderID, receiverID, message string) (domain.FriendRequest, error) {
	req, err := m.store.SendFriendRequest(ctx, senderID, receiverID, message)
	if err != nil {
		return domain.FriendRequest{}, err
	}
	m.Friends.InvalidateGraphMutation(ctx, senderID, receiverID)
	return req, nil
}

// AcceptFriendRequest accepts a pending request and invalidates both
// parties' friends-lists, status, and pending-requests caches.
func (m *Manager) AcceptFriendRequest(ctx context.Context, requestID, acceptingUserID string) error {
	req, err := m.store.PendingRequests(ctx, acceptingUserID, true)
	if err != nil {
		return err
	}
	if err := m.store.AcceptFriendRequest(ctx, requestID, acceptingUserID); err != nil {
		return err
	}
	for _, r := range req {
		if r.ID == requestID {
			m.Friends.InvalidateGraphMutation(ctx, r.SenderID, r.ReceiverID)
			break
		}
	}
	return nil
}

// DeclineFriendRequest declines a pending request and invalidates both
// parties' pending-requests caches.
func (m *Manager) DeclineFriendRequest(ctx context.Context, requestID, decliningUserID string) error {
	pending, err := m.store.PendingRequests(ctx, decliningUserID, true)
	if err != nil {
		return err
	}
	if err := m.store.DeclineFriendRequest(ctx, requestID, decliningUserID); err != nil {
		return err
	}
	for _, r := range pending {
		if r.ID == requestID {
			m.Friends.InvalidateGraphMutation(ctx, r.SenderID, r.ReceiverID)
			break
		}
	}
	return nil
}

// RemoveFriendship deletes an accepted friendship and invalidates both
// parties' friends-list and status caches.
func (m *Manager) RemoveFriendship(ctx context.Context, user1ID, user2ID string) error {
	if err := m.store.RemoveFriendship(ctx, user1ID, user2ID); err != nil {
		return err
	}
	m.Friends.InvalidateGraphMutation(ctx, user1ID, user2ID)
	return nil
}

// Block records a one-directional block and invalidates both parties'
// caches (a block also implicitly forecloses friendship).
func (m *Manager) Block(ctx context.Context, blockerID, blockedID, reason string) error {
	if err := m.store.Block(ctx, blockerID, blockedID, reason); err != nil {
		return err
	}
	m.Friends.InvalidateGraphMutation(ctx, blockerID, blockedID)
	return nil
}

// Unblock removes a block and invalidates both parties' caches.
func (m *Manager) Unblock(ctx context.Context, blockerID, blockedID string) error {
	if err := m.store.Unblock(ctx, blockerID, blockedID); err != nil {
		return err
	}
	m.Friends.InvalidateGraphMutation(ctx, blockerID, blockedID)
	return nil
}

// BlockedUsers returns the ids blockerID has blocked. Uncached: block
// lists are small and read rarely enough that a cache family for them
// would add invalidation surface without a meaningful hit-rate win.
func (m *Manager) BlockedUsers(ctx context.Context, blockerID string) ([]string, error) {
	return m.store.BlockedUsers(ctx, blockerID)
}

// SearchProfiles finds profiles matching term, excluding requesterID.
// Uncached per spec.md §4.5 (search results are request-specific and
// cheap to recompute).
func (m *Manager) SearchProfiles(ctx context.Context, term, requesterID string, limit int) ([]domain.UserProfile, error) {
	return m.store.SearchProfiles(ctx, term, requesterID, limit)
}

// FriendsList returns the full profiles of userID's accepted friends,
// paginated, resolving each cached friend id through the profile cache
// (spec.md §6 "GET /api/friends/{userId}/friends").
func (m *Manager) FriendsList(ctx context.Context, userID string, limit, offset int) ([]domain.UserProfile, error) {
	ids, err := m.Friends.FriendsList(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserProfile, 0, len(ids))
	for _, id := range ids {
		p, err := m.Profiles.Get(ctx, id)
		if err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// Stats summarizes userID's friend graph (spec.md §6 "/{userId}/stats").
// Uncached: it's a handful of already-cheap counting queries, none of
// which has an established cache family of its own.
func (m *Manager) Stats(ctx context.Context, userID string) (store.FriendStats, error) {
	return m.store.Stats(ctx, userID)
}

// SuggestFriends returns up to limit friend-of-friend suggestions for
// userID (spec.md §6 "/{userId}/suggestions"). Uncached, same rationale
// as Stats and SearchProfiles.
func (m *Manager) SuggestFriends(ctx context.Context, userID string, limit int) ([]domain.UserProfile, error) {
	return m.store.SuggestFriends(ctx, userID, limit)
}

// BatchOnlineStatus reports {isOnline, lastSeen} for each of userIDs,
// preferring the presence module's eagerly-written KV status and falling
// back to the profile cache's last-known value.
func (m *Manager) BatchOnlineStatus(ctx context.Context, userIDs []string) map[string]OnlineStatus {
	out := make(map[string]OnlineStatus, len(userIDs))
	for _, id := range userIDs {
		status := OnlineStatus{IsOnline: m.Presence.IsOnline(ctx, id)}
		if p, err := m.Profiles.Get(ctx, id); err == nil {
			status.LastSeen = p.LastSeen
		}
		out[id] = status
	}
	return out
}

// OnlineStatus is one user's presence snapshot for the batch-status
// endpoint (spec.md §6 "POST /api/friends/batch-status").
type OnlineStatus struct {
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}
