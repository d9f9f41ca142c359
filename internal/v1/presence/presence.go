// Package presence tracks per-user online/last-seen state. Writes to the
// system of record are coalesced through a 5-second batch window; the
// Redis-side status key is written eagerly so a peer polling status sees
// a change immediately (spec.md §4.6).
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/store"
)

const (
	batchWindow       = 5 * time.Second
	statusKVTTL       = 90 * time.Second
	housekeepingEvery = 5 * time.Minute
	staleAfter        = 10 * time.Minute

	onlineUsersSetKey = "presence:online"
)

// update is one pending change, queued until the next batch tick.
type update struct {
	userID   string
	online   bool
	lastSeen time.Time
}

// Module coalesces presence writes and runs the periodic housekeeping
// sweep for stale "online" rows.
type Module struct {
	kv    *bus.Service
	store *store.Store

	mu      sync.Mutex
	pending map[string]update

	batchTicker *time.Ticker
	houseTicker *time.Ticker
	stopOnce    sync.Once
	stopCh      chan struct{}
}

// New constructs the presence module. Call Start to begin the background
// tickers.
func New(kv *bus.Service, st *store.Store) *Module {
	return &Module{
		kv:      kv,
		store:   st,
		pending: make(map[string]update),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the batch-flush and housekeeping tickers. Safe to call
// once; a second call is a no-op.
func (m *Module) Start() {
	if m.batchTicker != nil {
		return
	}
	m.batchTicker = time.NewTicker(batchWindow)
	m.houseTicker = time.NewTicker(housekeepingEvery)

	go m.runTicker(m.batchTicker, m.flush)
	go m.runTicker(m.houseTicker, m.runHousekeeping)
}

// Stop halts both background tickers. Call FlushNow first if pending
// updates must not be lost (graceful shutdown, spec.md §4.9).
func (m *Module) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.batchTicker != nil {
			m.batchTicker.Stop()
		}
		if m.houseTicker != nil {
			m.houseTicker.Stop()
		}
	})
}

// runTicker drives fn on every tick, recovering from any panic so one bad
// tick never kills the process (mirrors the teacher's onEmpty-callback
// recover() wrapper, internal/v1/session/room.go).
func (m *Module) runTicker(t *time.Ticker, fn func()) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.runOnce(fn)
		}
	}
}

func (m *Module) runOnce(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("presence: tick panic recovered", "panic", r)
		}
	}()
	fn()
}

// SetOnline marks userID online: writes the KV status key eagerly, adds
// userID to the online set, and queues a system-of-record update for the
// next batch flush.
func (m *Module) SetOnline(ctx context.Context, userID string) {
	m.queue(userID, true)
	if m.kv != nil {
		m.kv.Set(ctx, statusKey(userID), "online", statusKVTTL)
		_ = m.kv.SetAdd(ctx, onlineUsersSetKey, userID)
	}
}

// SetOffline marks userID offline, mirroring SetOnline.
func (m *Module) SetOffline(ctx context.Context, userID string) {
	m.queue(userID, false)
	if m.kv != nil {
		m.kv.Set(ctx, statusKey(userID), "offline", statusKVTTL)
		_ = m.kv.SetRem(ctx, onlineUsersSetKey, userID)
	}
}

func (m *Module) queue(userID string, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending[userID] = update{userID: userID, online: online, lastSeen: time.Now()}
}

// IsOnline reports the eagerly-written KV status for userID, falling back
// to false (unknown treated as offline) when KV is unavailable.
func (m *Module) IsOnline(ctx context.Context, userID string) bool {
	if m.kv == nil || !m.kv.IsConnected() {
		return false
	}
	status, ok := m.kv.Get(ctx, statusKey(userID))
	return ok && status == "online"
}

// flush groups pending updates by target status and issues one
// system-of-record statement per group (spec.md §4.6).
func (m *Module) flush() {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return
	}
	batch := m.pending
	m.pending = make(map[string]update)
	m.mu.Unlock()

	updates := make([]store.StatusUpdate, 0, len(batch))
	for _, u := range batch {
		updates = append(updates, store.StatusUpdate{UserID: u.userID, Online: u.online, LastSeen: u.lastSeen})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.store.BatchUpdateStatus(ctx, updates); err != nil {
		slog.Error("presence: batch status update failed", "count", len(updates), "error", err)
	}
}

// FlushNow forces an immediate flush of any queued updates, used during
// graceful shutdown before the tickers are stopped (spec.md §4.9).
func (m *Module) FlushNow() {
	m.runOnce(m.flush)
}

// runHousekeeping marks offline every user whose last_seen predates
// staleAfter and is not already offline (spec.md §4.6).
func (m *Module) runHousekeeping() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := m.store.MarkStaleOffline(ctx, staleAfter)
	if err != nil {
		slog.Error("presence: housekeeping sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("presence: housekeeping marked users offline", "count", n)
	}
}

func statusKey(userID string) string {
	return fmt.Sprintf("presence:status:%s", userID)
}
