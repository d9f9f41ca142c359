// Package profile implements the two-tier profile cache: an in-process LRU
// in front of the remote KV store, in front of the SQLite system of
// record (spec.md §4.4). It owns the read/write paths, TTL policy, and
// size-shaping rule for domain.UserProfile.
package profile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/lru"
	"github.com/tinchat/server/internal/v1/metrics"
	"github.com/tinchat/server/internal/v1/store"
)

const (
	lruCapacity = 1000

	shortTTL    = 60 * time.Second
	standardTTL = 5 * time.Minute

	remoteReadTimeout = 1 * time.Second
	refreshThreshold  = 0.2 // refresh when remaining TTL < 20% of original

	invalidationDelay = 2 * time.Second
)

// entry is what the LRU tier stores: the profile plus the schema version it
// was cached under (spec.md §4.4 "Version tag").
type entry struct {
	profile       domain.UserProfile
	schemaVersion int
}

// FriendsInvalidator is implemented by internal/v1/friends; kept as a
// narrow interface here so this package doesn't import friends directly
// (profilemanager wires the two together).
type FriendsInvalidator interface {
	InvalidateFriendsListsOf(ctx context.Context, subjectUserID string)
}

// Cache is the two-tier profile cache.
type Cache struct {
	lru   *lru.Cache[string, entry]
	kv    *bus.Service
	store *store.Store

	friends FriendsInvalidator // may be nil until wired by profilemanager
}

// New constructs the profile cache. friends may be nil; SetFriendsInvalidator
// wires it in later if the profilemanager builds these two out of order.
func New(kv *bus.Service, st *store.Store) *Cache {
	return &Cache{
		lru:   lru.New[string, entry](lruCapacity, "profile"),
		kv:    kv,
		store: st,
	}
}

// SetFriendsInvalidator wires the friends-list invalidation fan-out used by
// Write when display_name or avatar changes.
func (c *Cache) SetFriendsInvalidator(f FriendsInvalidator) {
	c.friends = f
}

func kvKey(userID string) string {
	return "profile:" + userID
}

type kvEnvelope struct {
	Profile       domain.UserProfile `json:"profile"`
	SchemaVersion int                `json:"schemaVersion"`
	ExpiresAt     time.Time          `json:"expiresAt"`
	OriginalTTL   time.Duration      `json:"originalTtl"`
}

// Get implements the read path of spec.md §4.4: LRU, then KV (under a
// bounded timeout), then the system of record with bounded retries.
func (c *Cache) Get(ctx context.Context, userID string) (domain.UserProfile, error) {
	if e, ok := c.lru.Get(userID); ok && e.schemaVersion == domain.SchemaVersion {
		return e.profile, nil
	}

	if p, ok := c.getFromKV(ctx, userID); ok {
		c.lru.Set(userID, entry{profile: p, schemaVersion: domain.SchemaVersion})
		return p, nil
	}

	start := time.Now()
	p, err := c.store.GetProfile(ctx, userID)
	metrics.StoreOperationDuration.WithLabelValues("get_profile").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.UserProfile{}, err
	}

	p.Shape()
	c.lru.Set(userID, entry{profile: p, schemaVersion: domain.SchemaVersion})
	c.writeKV(ctx, p)
	return p, nil
}

func (c *Cache) getFromKV(ctx context.Context, userID string) (domain.UserProfile, bool) {
	if c.kv == nil || !c.kv.IsConnected() {
		return domain.UserProfile{}, false
	}
	rctx, cancel := context.WithTimeout(ctx, remoteReadTimeout)
	defer cancel()

	raw, ok := c.kv.Get(rctx, kvKey(userID))
	if !ok {
		return domain.UserProfile{}, false
	}
	var env kvEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return domain.UserProfile{}, false
	}
	if env.SchemaVersion != domain.SchemaVersion {
		return domain.UserProfile{}, false
	}

	remaining := time.Until(env.ExpiresAt)
	if remaining <= 0 {
		return domain.UserProfile{}, false
	}
	if env.OriginalTTL > 0 && float64(remaining)/float64(env.OriginalTTL) < refreshThreshold {
		c.writeKV(ctx, env.Profile)
	}
	return env.Profile, true
}

func (c *Cache) writeKV(ctx context.Context, p domain.UserProfile) {
	if c.kv == nil || !c.kv.IsConnected() {
		return
	}
	if !p.FitsInKV() {
		return
	}
	ttl := standardTTL
	if p.IsFrequentlyUpdated(time.Now()) {
		ttl = shortTTL
	}
	env := kvEnvelope{Profile: p, SchemaVersion: domain.SchemaVersion, ExpiresAt: time.Now().Add(ttl), OriginalTTL: ttl}
	raw, err := json.Marshal(env)
	if err != nil {
		slog.Warn("profile: marshal kv envelope failed", "user_id", p.ID, "error", err)
		return
	}
	c.kv.Set(ctx, kvKey(p.ID), string(raw), ttl)
}

// Write implements the write path of spec.md §4.4: system of record first,
// then the LRU entry is updated in place (optimistic, not invalidated), and
// a KV invalidation is scheduled 2s out. Each write schedules its own
// delete; closely-spaced writes are not merged into a single one.
func (c *Cache) Write(ctx context.Context, p domain.UserProfile) error {
	p.Shape()

	var before domain.UserProfile
	if e, ok := c.lru.Get(p.ID); ok {
		before = e.profile
	}

	start := time.Now()
	err := c.store.UpsertProfile(ctx, p)
	metrics.StoreOperationDuration.WithLabelValues("upsert_profile").Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}

	c.lru.Set(p.ID, entry{profile: p, schemaVersion: domain.SchemaVersion})
	c.scheduleKVInvalidation(p.ID)

	if c.friends != nil && (before.DisplayName != p.DisplayName || before.AvatarRef != p.AvatarRef) {
		c.friends.InvalidateFriendsListsOf(context.Background(), p.ID)
	}
	return nil
}

// scheduleKVInvalidation deletes the KV entry invalidationDelay after this
// call (spec.md §4.4 write path). Every call starts its own timer, so N
// writes in quick succession issue N deletes; earlier timers are not
// cancelled or merged.
func (c *Cache) scheduleKVInvalidation(userID string) {
	if c.kv == nil {
		return
	}
	time.AfterFunc(invalidationDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), remoteReadTimeout)
		defer cancel()
		c.kv.Del(ctx, kvKey(userID))
	})
}

// Invalidate drops userID from the LRU and KV tiers immediately, used when a
// caller needs to force a re-read from the system of record.
func (c *Cache) Invalidate(ctx context.Context, userID string) {
	c.lru.Delete(userID)
	if c.kv != nil {
		c.kv.Del(ctx, kvKey(userID))
	}
}

// WarmStartup preloads the LRU from the system of record's most recently
// active profiles (spec.md §4.9 startup sequence).
func (c *Cache) WarmStartup(ctx context.Context, limit int, maxAge time.Duration) (int, error) {
	profiles, err := c.store.WarmCandidates(ctx, limit, maxAge)
	if err != nil {
		return 0, err
	}
	for _, p := range profiles {
		c.lru.Set(p.ID, entry{profile: p, schemaVersion: domain.SchemaVersion})
	}
	return len(profiles), nil
}

// Clear drops every entry from the in-process tier, used during graceful
// shutdown (spec.md §4.9).
func (c *Cache) Clear() {
	c.lru.Clear()
}

// Sweep evicts LRU entries last updated more than maxAge ago (spec.md
// §4.8 "a second ticker ... sweeps the profile LRU of entries older than
// 60s"), returning the number evicted.
func (c *Cache) Sweep(maxAge time.Duration) int {
	return c.lru.Sweep(maxAge)
}
