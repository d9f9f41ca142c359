// Package matchmaker implements the two typed queues, candidate filter,
// scoring, selection, and per-user history of spec.md §4.7: fair,
// anti-self-match partner selection, optionally mirrored to the remote KV
// store so a restart can recover queued users.
package matchmaker

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/metrics"
)

const (
	maxQueueSize = 50

	maxDisconnectHistory = 10
	maxMatchHistory      = 20
	historyTTL           = 30 * 24 * time.Hour

	reconnectSuspicionWindow = 30 * time.Second

	authedConnectAgeThreshold = 2 * time.Second
	anonConnectAgeThreshold   = 1 * time.Second
	authedAgeDiffThreshold    = 1 * time.Second
	anonAgeDiffThreshold      = 500 * time.Millisecond
)

// MatchOutcome is one completed pairing recorded in a user's history.
type MatchOutcome struct {
	CounterpartID string    `json:"counterpartId"`
	Score         float64   `json:"score"`
	Timestamp     time.Time `json:"timestamp"`
}

// disconnectEvent is one recorded disconnection.
type disconnectEvent struct {
	At time.Time
}

// userHistory is the per-user session-history record (spec.md §4.7).
type userHistory struct {
	disconnects        []disconnectEvent
	matches            []MatchOutcome
	preferredInterests []string
}

func (h *userHistory) recentDisconnect(now time.Time) bool {
	for _, d := range h.disconnects {
		if now.Sub(d.At) < reconnectSuspicionWindow {
			return true
		}
	}
	return false
}

func (h *userHistory) hasRecentMatchWith(counterpartID string) bool {
	for _, m := range h.matches {
		if m.CounterpartID == counterpartID {
			return true
		}
	}
	return false
}

func (h *userHistory) pruneExpired(now time.Time) {
	filtered := h.matches[:0]
	for _, m := range h.matches {
		if now.Sub(m.Timestamp) <= historyTTL {
			filtered = append(filtered, m)
		}
	}
	h.matches = filtered
}

// queue is an ordered list of waiting users for one chat type, indexed by
// socket id and by auth id so an enqueue can find and evict an existing
// entry for the same connection or account. Removal filters the order slice.
type queue struct {
	order    []*domain.User
	bySocket map[domain.SocketIDType]*domain.User
	byAuth   map[domain.AuthIDType]*domain.User
}

func newQueue() *queue {
	return &queue{
		bySocket: make(map[domain.SocketIDType]*domain.User),
		byAuth:   make(map[domain.AuthIDType]*domain.User),
	}
}

func (q *queue) removeBySocket(id domain.SocketIDType) {
	if _, ok := q.bySocket[id]; !ok {
		return
	}
	delete(q.bySocket, id)
	q.removeFromOrder(func(u *domain.User) bool { return u.SocketID == id })
}

func (q *queue) removeByAuth(id domain.AuthIDType) {
	if id == "" {
		return
	}
	if _, ok := q.byAuth[id]; !ok {
		return
	}
	delete(q.byAuth, id)
	q.removeFromOrder(func(u *domain.User) bool { return u.AuthID == id })
}

func (q *queue) removeFromOrder(match func(*domain.User) bool) {
	out := q.order[:0]
	for _, u := range q.order {
		if match(u) {
			continue
		}
		out = append(out, u)
	}
	q.order = out
}

func (q *queue) append(u *domain.User) {
	q.order = append(q.order, u)
	q.bySocket[u.SocketID] = u
	if u.AuthID != "" {
		q.byAuth[u.AuthID] = u
	}
}

func (q *queue) removeUser(u *domain.User) {
	q.removeBySocket(u.SocketID)
	if u.AuthID != "" {
		q.removeByAuth(u.AuthID)
	}
}

func (q *queue) len() int { return len(q.order) }

// Matchmaker owns the two typed queues and per-user history. All mutating
// access goes through its methods (spec.md §9 "exactly one owner per
// piece of mutable state").
type Matchmaker struct {
	mu      sync.Mutex
	queues  map[domain.ChatType]*queue
	history map[string]*userHistory

	kv *bus.Service // optional remote mirror; nil disables it
}

// New constructs a Matchmaker. kv may be nil to disable the remote queue
// mirror.
func New(kv *bus.Service) *Matchmaker {
	return &Matchmaker{
		queues: map[domain.ChatType]*queue{
			domain.ChatTypeText:  newQueue(),
			domain.ChatTypeVideo: newQueue(),
		},
		history: make(map[string]*userHistory),
		kv:      kv,
	}
}

var ErrInvalidEntry = errors.New("matchmaker: invalid queue entry")

func mirrorKey(ct domain.ChatType) string {
	return "matchmaker:queue:" + string(ct)
}

// Enqueue stamps ConnectionStart if absent, removes any existing entry for
// this user from both queues (by socket id and, if present, by auth id),
// rejects invalid entries, evicts the oldest entry past the 50-entry cap
// (recording its disconnection), and appends to the tail (spec.md §4.7
// "Enqueue").
func (m *Matchmaker) Enqueue(u *domain.User) error {
	if u.SocketID == "" || !u.ChatType.Valid() {
		return ErrInvalidEntry
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if u.ConnectionStart.IsZero() {
		u.ConnectionStart = time.Now()
	}

	for _, q := range m.queues {
		q.removeUser(u)
	}

	q := m.queues[u.ChatType]
	if q.len() >= maxQueueSize {
		evicted := q.order[0]
		q.removeUser(evicted)
		m.recordDisconnectLocked(evicted, time.Now())
	}
	q.append(u)
	metrics.MatchmakerQueueDepth.WithLabelValues(string(u.ChatType)).Set(float64(q.len()))
	if m.kv != nil {
		m.kv.LPush(context.Background(), mirrorKey(u.ChatType), u.HistoryKey())
	}
	return nil
}

// Dequeue removes u from its queue (used on disconnect/cancel) and records
// the disconnection in history.
func (m *Matchmaker) Dequeue(u *domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[u.ChatType]
	if q == nil {
		return
	}
	q.removeUser(u)
	metrics.MatchmakerQueueDepth.WithLabelValues(string(u.ChatType)).Set(float64(q.len()))
	m.recordDisconnectLocked(u, time.Now())
	if m.kv != nil {
		m.kv.LRem(context.Background(), mirrorKey(u.ChatType), 0, u.HistoryKey())
	}
}

func (m *Matchmaker) recordDisconnectLocked(u *domain.User, at time.Time) {
	h := m.historyFor(u.HistoryKey())
	h.disconnects = append(h.disconnects, disconnectEvent{At: at})
	if len(h.disconnects) > maxDisconnectHistory {
		h.disconnects = h.disconnects[len(h.disconnects)-maxDisconnectHistory:]
	}
}

func (m *Matchmaker) historyFor(key string) *userHistory {
	h, ok := m.history[key]
	if !ok {
		h = &userHistory{}
		m.history[key] = h
	}
	return h
}

// FindMatch scans u's chat-type queue for the best-scoring valid candidate
// and, if found, removes it from the queue, re-validates the pair, records
// history, and returns it. Returns (nil, false) if no candidate survives
// filtering or re-validation.
func (m *Matchmaker) FindMatch(u *domain.User) (*domain.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[u.ChatType]
	if q == nil || q.len() == 0 {
		return nil, false
	}

	now := time.Now()
	var best *domain.User
	var bestScore float64
	var bestWait time.Duration

	for _, c := range q.order {
		if !m.passesFilterLocked(u, c, now) {
			continue
		}
		score := m.score(u, c, now)
		wait := c.Age(now)
		if best == nil || score > bestScore || (score == bestScore && wait > bestWait) {
			best, bestScore, bestWait = c, score, wait
		}
	}

	if best == nil {
		return nil, false
	}

	q.removeUser(best)
	metrics.MatchmakerQueueDepth.WithLabelValues(string(u.ChatType)).Set(float64(q.len()))
	if m.kv != nil {
		m.kv.LRem(context.Background(), mirrorKey(u.ChatType), 0, best.HistoryKey())
	}

	// Final re-validation: socket/auth inequality must still hold (the
	// candidate may have been mutated between the scan and here under a
	// held lock, but this check also covers future callers that relax the
	// single-lock discipline).
	if best.SocketID == u.SocketID || (u.AuthID != "" && best.AuthID == u.AuthID) {
		q.append(best)
		return nil, false
	}

	m.recordMatchLocked(u, best, bestScore, now)
	metrics.MatchmakerMatchesTotal.WithLabelValues(string(u.ChatType)).Inc()
	metrics.MatchmakerWaitSeconds.WithLabelValues(string(u.ChatType)).Observe(bestWait.Seconds())
	return best, true
}

func (m *Matchmaker) recordMatchLocked(u, c *domain.User, score float64, now time.Time) {
	for _, pair := range [][2]*domain.User{{u, c}, {c, u}} {
		self, other := pair[0], pair[1]
		h := m.historyFor(self.HistoryKey())
		h.matches = append(h.matches, MatchOutcome{CounterpartID: other.HistoryKey(), Score: score, Timestamp: now})
		if len(h.matches) > maxMatchHistory {
			h.matches = h.matches[len(h.matches)-maxMatchHistory:]
		}
		h.pruneExpired(now)
		h.preferredInterests = mergeInterests(h.preferredInterests, other.Interests)
	}
}

func mergeInterests(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string{}, existing...)
	for _, i := range existing {
		seen[strings.ToLower(i)] = struct{}{}
	}
	for _, i := range incoming {
		key := strings.ToLower(i)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, i)
		if len(out) >= domain.MaxInterests {
			break
		}
	}
	return out
}

// PreferredInterests returns the merged "preferred interests" list built
// from this user's match history (spec.md §4.7 "History").
func (m *Matchmaker) PreferredInterests(historyKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[historyKey]
	if !ok {
		return nil
	}
	return append([]string{}, h.preferredInterests...)
}

// passesFilterLocked implements the candidate filter of spec.md §4.7
// rules 1-7. Must be called with m.mu held.
func (m *Matchmaker) passesFilterLocked(u, c *domain.User, now time.Time) bool {
	if c.SocketID == u.SocketID {
		return false
	}
	if u.AuthID != "" && c.AuthID == u.AuthID {
		return false
	}

	if u.Age(now) < connectAgeThreshold(u) || c.Age(now) < connectAgeThreshold(c) {
		return false
	}

	ageDiff := u.Age(now) - c.Age(now)
	if ageDiff < 0 {
		ageDiff = -ageDiff
	}
	if ageDiff < ageDiffThreshold(u, c) {
		return false
	}

	uHist := m.history[u.HistoryKey()]
	cHist := m.history[c.HistoryKey()]
	if (uHist != nil && uHist.recentDisconnect(now)) || (cHist != nil && cHist.recentDisconnect(now)) {
		return false
	}

	if u.AvoidRecentMatches && uHist != nil && uHist.hasRecentMatchWith(c.HistoryKey()) {
		return false
	}

	maxWait := u.MaxWaitPreference
	if maxWait <= 0 {
		maxWait = domain.DefaultMaxWaitTime
	}
	if c.Age(now) > maxWait {
		return false
	}

	return true
}

// connectAgeThreshold implements rule 3's per-user authenticated/anonymous
// split (spec.md §9: the spec pins the variable 1s/2s threshold, not the
// flat 2s one).
func connectAgeThreshold(u *domain.User) time.Duration {
	if u.IsAuthenticated() {
		return authedConnectAgeThreshold
	}
	return anonConnectAgeThreshold
}

// ageDiffThreshold implements rule 4; when either side of the pair is
// anonymous the shorter 500ms anonymous window applies, and the 1s window
// applies only when both sides are authenticated.
func ageDiffThreshold(u, c *domain.User) time.Duration {
	if u.IsAuthenticated() && c.IsAuthenticated() {
		return authedAgeDiffThreshold
	}
	return anonAgeDiffThreshold
}

// score implements the weighted formula of spec.md §4.7 "Scoring",
// clamped to [0,1].
func (m *Matchmaker) score(u, c *domain.User, now time.Time) float64 {
	j := jaccard(u.Interests, c.Interests)
	b := 0.0
	if u.IsAuthenticated() && c.IsAuthenticated() {
		b = 1.0
	}
	w := c.Age(now).Seconds() / domain.DefaultMaxWaitTime.Seconds()
	if w > 1 {
		w = 1
	}
	p := c.CompletenessScore()
	r := rand.Float64()

	s := 0.3*j + 0.2*b + 0.3*w + 0.2*p + 0.1*r
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// jaccard computes case-insensitive Jaccard similarity of two interest
// sets, with the spec's special-cased empty-set handling.
func jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0.5
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.3
	}
	setA := toSet(a)
	setB := toSet(b)

	intersection := 0
	for k := range setA {
		if _, ok := setB[k]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.5
	}
	return float64(intersection) / float64(union)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[strings.ToLower(i)] = struct{}{}
	}
	return out
}

// RestoreFromMirror repopulates in-memory queues from the remote KV
// mirror on startup (spec.md §4.7 "consulted on startup to restore
// state"). resolve must look up the full domain.User for a history key
// (the mirror only stores keys, not full session state, since sockets
// don't survive a restart — this is meant for a multi-instance deployment
// where another instance's live session can be re-attached; single-process
// restarts will find nothing resolvable and that's expected).
func (m *Matchmaker) RestoreFromMirror(ctx context.Context, resolve func(historyKey string) (*domain.User, bool)) {
	if m.kv == nil {
		return
	}
	for _, ct := range []domain.ChatType{domain.ChatTypeText, domain.ChatTypeVideo} {
		keys := m.kv.LRange(ctx, mirrorKey(ct), 0, -1)
		for _, key := range keys {
			if u, ok := resolve(key); ok {
				u.ChatType = ct
				_ = m.Enqueue(u)
			}
		}
	}
}

// QueueDepth returns the current length of ct's queue.
func (m *Matchmaker) QueueDepth(ct domain.ChatType) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queues[ct]
	if q == nil {
		return 0
	}
	return q.len()
}

// staleWaitThreshold is how long an entry may wait before the stale sweep
// evicts it regardless of connectivity (spec.md §4.7 "Queue health").
const staleWaitThreshold = 5 * time.Minute

// ConnectedChecker reports whether a socket id still has a live connection.
// The matchmaker has no socket registry of its own; the hub's client map is
// the only caller.
type ConnectedChecker func(domain.SocketIDType) bool

// QueueHealth is one chat-type queue's current state (spec.md §4.7 "Queue
// health: counts, oldest wait time, authenticated-vs-anonymous split,
// duplicate detector, stale-user count").
type QueueHealth struct {
	ChatType         domain.ChatType
	Depth            int
	OldestWait       time.Duration
	Authenticated    int
	Anonymous        int
	DuplicateAuthIDs []domain.AuthIDType
	Stale            int
}

// QueueHealth reports ct's queue health without mutating it. connected may
// be nil, in which case only the wait-based staleness check runs.
func (m *Matchmaker) QueueHealth(ct domain.ChatType, connected ConnectedChecker) QueueHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	health := QueueHealth{ChatType: ct}
	q := m.queues[ct]
	if q == nil {
		return health
	}

	now := time.Now()
	seenAuth := make(map[domain.AuthIDType]int)
	for _, u := range q.order {
		health.Depth++
		if wait := now.Sub(u.ConnectionStart); wait > health.OldestWait {
			health.OldestWait = wait
		}
		if u.IsAuthenticated() {
			health.Authenticated++
			seenAuth[u.AuthID]++
		} else {
			health.Anonymous++
		}
		if isStaleLocked(u, now, connected) {
			health.Stale++
		}
	}
	for id, n := range seenAuth {
		if n > 1 {
			health.DuplicateAuthIDs = append(health.DuplicateAuthIDs, id)
		}
	}
	return health
}

func isStaleLocked(u *domain.User, now time.Time, connected ConnectedChecker) bool {
	if now.Sub(u.ConnectionStart) > staleWaitThreshold {
		return true
	}
	return connected != nil && !connected(u.SocketID)
}

// StaleSweep evicts entries from ct's queue whose socket is no longer in
// the connected set, or whose wait has exceeded staleWaitThreshold (spec.md
// §4.7 "stale sweep"), recording each eviction as a disconnect exactly like
// Dequeue. Returns the number evicted.
func (m *Matchmaker) StaleSweep(ct domain.ChatType, connected ConnectedChecker) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	q := m.queues[ct]
	if q == nil {
		return 0
	}

	now := time.Now()
	var stale []*domain.User
	for _, u := range q.order {
		if isStaleLocked(u, now, connected) {
			stale = append(stale, u)
		}
	}
	for _, u := range stale {
		q.removeUser(u)
		m.recordDisconnectLocked(u, now)
		if m.kv != nil {
			m.kv.LRem(context.Background(), mirrorKey(ct), 0, u.HistoryKey())
		}
		reason := "disconnected"
		if now.Sub(u.ConnectionStart) > staleWaitThreshold {
			reason = "wait_exceeded"
		}
		metrics.MatchmakerStaleSweptTotal.WithLabelValues(string(ct), reason).Inc()
	}
	if len(stale) > 0 {
		metrics.MatchmakerQueueDepth.WithLabelValues(string(ct)).Set(float64(q.len()))
	}
	return len(stale)
}

// StaleSweepAll runs StaleSweep across every chat type, returning the total
// number evicted. This is what the session hub's heartbeat ticker calls.
func (m *Matchmaker) StaleSweepAll(connected ConnectedChecker) int {
	total := 0
	for _, ct := range []domain.ChatType{domain.ChatTypeText, domain.ChatTypeVideo} {
		total += m.StaleSweep(ct, connected)
	}
	return total
}
