// Package friends implements the friends cache: five independently-TTLed
// cache families over the relationship graph, each backed by the KV store
// and refreshed from the SQLite system of record on miss, with a write-side
// invalidation fan-out across every family a graph mutation touches
// (spec.md §4.5).
package friends

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/store"
)

const (
	friendsListTTL     = 5 * time.Minute
	onlineCountTTL     = 30 * time.Second
	pendingRequestsTTL = 10 * time.Minute
	mutualFriendsTTL   = 15 * time.Minute
	statusTTL          = 30 * time.Second

	remoteReadTimeout = 1 * time.Second

	// maxFriendsForInvalidation bounds the fan-out store read used solely to
	// discover which cached friends-list keys to drop; well above any
	// realistic friend count.
	maxFriendsForInvalidation = 10000
)

// Cache is the friends cache. It implements profile.FriendsInvalidator so
// the profile cache can trigger the friends-list fan-out without this
// package importing profile (profilemanager wires the two together).
type Cache struct {
	kv    *bus.Service
	store *store.Store
}

// New constructs the friends cache.
func New(kv *bus.Service, st *store.Store) *Cache {
	return &Cache{kv: kv, store: st}
}

func friendsListKey(userID string) string { return "friends:list:" + userID }
func onlineCountKey(userID string) string { return "friends:online_count:" + userID }

func pendingKey(userID string, received bool) string {
	if received {
		return "friends:pending:received:" + userID
	}
	return "friends:pending:sent:" + userID
}
func mutualKey(a, b string) string { return "friends:mutual:" + a + ":" + b }
func statusKey(a, b string) string { return "friends:status:" + a + ":" + b }

func (c *Cache) getCached(ctx context.Context, key string, out any) bool {
	if c.kv == nil || !c.kv.IsConnected() {
		return false
	}
	rctx, cancel := context.WithTimeout(ctx, remoteReadTimeout)
	defer cancel()
	raw, ok := c.kv.Get(rctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

func (c *Cache) setCached(ctx context.Context, key string, value any, ttl time.Duration) {
	if c.kv == nil || !c.kv.IsConnected() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	c.kv.Set(ctx, key, string(raw), ttl)
}

// FriendsList returns userID's accepted friend ids, cached 5 minutes.
func (c *Cache) FriendsList(ctx context.Context, userID string, limit, offset int) ([]string, error) {
	key := friendsListKey(userID)
	var ids []string
	if c.getCached(ctx, key, &ids) {
		return ids, nil
	}

	profiles, err := c.store.FriendsList(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	ids = make([]string, len(profiles))
	for i, p := range profiles {
		ids[i] = p.ID
	}
	c.setCached(ctx, key, ids, friendsListTTL)
	return ids, nil
}

// OnlineFriendsCount returns the count of userID's friends currently
// online, cached 30 seconds.
func (c *Cache) OnlineFriendsCount(ctx context.Context, userID string) (int, error) {
	key := onlineCountKey(userID)
	var n int
	if c.getCached(ctx, key, &n) {
		return n, nil
	}

	n, err := c.store.OnlineFriendsCount(ctx, userID)
	if err != nil {
		return 0, err
	}
	c.setCached(ctx, key, n, onlineCountTTL)
	return n, nil
}

// PendingRequests returns userID's pending requests (received or sent),
// cached 10 minutes.
func (c *Cache) PendingRequests(ctx context.Context, userID string, received bool) ([]domain.FriendRequest, error) {
	key := pendingKey(userID, received)
	var reqs []domain.FriendRequest
	if c.getCached(ctx, key, &reqs) {
		return reqs, nil
	}

	reqs, err := c.store.PendingRequests(ctx, userID, received)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, reqs, pendingRequestsTTL)
	return reqs, nil
}

// MutualFriends returns the intersection of user1's and user2's friend
// lists, cached per ordered pair for 15 minutes.
func (c *Cache) MutualFriends(ctx context.Context, user1ID, user2ID string) ([]string, error) {
	key := mutualKey(user1ID, user2ID)
	var ids []string
	if c.getCached(ctx, key, &ids) {
		return ids, nil
	}

	ids, err := c.store.MutualFriends(ctx, user1ID, user2ID)
	if err != nil {
		return nil, err
	}
	c.setCached(ctx, key, ids, mutualFriendsTTL)
	return ids, nil
}

// FriendshipStatus returns the relation of self to other, cached
// bidirectionally (writing (A,B) also serves (B,A)) for 30 seconds.
func (c *Cache) FriendshipStatus(ctx context.Context, self, other string) (domain.RelationStatus, error) {
	if self == other {
		return domain.RelationSelf, nil
	}
	key := statusKey(self, other)
	var raw string
	if c.getCached(ctx, key, &raw) {
		return domain.RelationStatus(raw), nil
	}

	status, err := c.store.FriendshipStatus(ctx, self, other)
	if err != nil {
		return domain.RelationNone, err
	}
	c.setCached(ctx, key, string(status), statusTTL)
	c.setCached(ctx, statusKey(other, self), string(mirror(status)), statusTTL)
	return status, nil
}

// mirror flips a directional relation for the (B,A) orientation written
// alongside (A,B); symmetric relations pass through unchanged.
func mirror(s domain.RelationStatus) domain.RelationStatus {
	switch s {
	case domain.RelationPendingSent:
		return domain.RelationPendingReceived
	case domain.RelationPendingReceived:
		return domain.RelationPendingSent
	case domain.RelationBlocked:
		return domain.RelationBlockedBy
	case domain.RelationBlockedBy:
		return domain.RelationBlocked
	default:
		return s
	}
}

// InvalidateGraphMutation invalidates every cache family spec.md §4.5 names
// for a write touching the unordered pair (a, b): both friends-lists, both
// orientations of friendship-status, both users' pending-requests, and
// every mutual-friends entry mentioning either user.
func (c *Cache) InvalidateGraphMutation(ctx context.Context, a, b string) {
	if c.kv == nil {
		return
	}
	keys := []string{
		friendsListKey(a), friendsListKey(b),
		onlineCountKey(a), onlineCountKey(b),
		statusKey(a, b), statusKey(b, a),
		pendingKey(a, true), pendingKey(a, false),
		pendingKey(b, true), pendingKey(b, false),
	}
	keys = append(keys, c.mutualKeysMentioning(ctx, a)...)
	keys = append(keys, c.mutualKeysMentioning(ctx, b)...)
	c.kv.DelBatch(ctx, dedupe(keys))
}

// mutualKeysMentioning scans for cached mutual-friends keys mentioning
// userID. Mutual-friends keys are keyed by ordered pair, so a prefix scan per
// known counterpart isn't possible without a secondary index; instead we
// scan the whole mutual-friends keyspace, which is bounded and infrequent
// (graph mutations, not hot-path reads).
func (c *Cache) mutualKeysMentioning(ctx context.Context, userID string) []string {
	if c.kv == nil || !c.kv.IsConnected() {
		return nil
	}
	all := c.kv.ScanPrefix(ctx, "friends:mutual:")
	var out []string
	for _, k := range all {
		if containsSegment(k, userID) {
			out = append(out, k)
		}
	}
	return out
}

func containsSegment(key, userID string) bool {
	for _, p := range strings.Split(key, ":") {
		if p == userID {
			return true
		}
	}
	return false
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// InvalidateFriendsListsOf implements profile.FriendsInvalidator: when a
// user's display_name or avatar changes, every friend's cached friends
// list is stale (the profile cache layer the caller composes on top is
// what actually embeds display data; this just drops the stale lists).
// Resolving "every user who lists this user as a friend" needs a store
// round trip since this cache only indexes by owner, not reverse
// membership.
func (c *Cache) InvalidateFriendsListsOf(ctx context.Context, subjectUserID string) {
	friendProfiles, err := c.store.FriendsList(ctx, subjectUserID, maxFriendsForInvalidation, 0)
	if err != nil {
		return
	}
	keys := make([]string, 0, len(friendProfiles)+1)
	keys = append(keys, friendsListKey(subjectUserID))
	for _, p := range friendProfiles {
		keys = append(keys, friendsListKey(p.ID))
	}
	if c.kv != nil {
		c.kv.DelBatch(ctx, dedupe(keys))
	}
}
