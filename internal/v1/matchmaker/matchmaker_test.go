package matchmaker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
)

func newUser(socketID, authID string, ago time.Duration) *domain.User {
	return &domain.User{
		SocketID:        domain.SocketIDType(socketID),
		AuthID:          domain.AuthIDType(authID),
		ChatType:        domain.ChatTypeText,
		ConnectionStart: time.Now().Add(-ago),
	}
}

func TestEnqueue_RejectsInvalidEntries(t *testing.T) {
	m := New(nil)
	err := m.Enqueue(&domain.User{})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestEnqueue_DedupesBySocketAndAuth(t *testing.T) {
	m := New(nil)
	u := newUser("s1", "a1", time.Minute)
	require.NoError(t, m.Enqueue(u))
	require.NoError(t, m.Enqueue(u))
	assert.Equal(t, 1, m.QueueDepth(domain.ChatTypeText))
}

func TestEnqueue_EvictsOldestOverCapacity(t *testing.T) {
	m := New(nil)
	for i := 0; i < maxQueueSize+1; i++ {
		u := newUser(string(rune('a'+i)), "", time.Minute)
		require.NoError(t, m.Enqueue(u))
	}
	assert.Equal(t, maxQueueSize, m.QueueDepth(domain.ChatTypeText))
}

func TestFindMatch_RejectsSameSocketAndAuth(t *testing.T) {
	m := New(nil)
	self := newUser("s1", "a1", 10*time.Second)
	require.NoError(t, m.Enqueue(self))

	_, ok := m.FindMatch(self)
	assert.False(t, ok)

	dup := newUser("s2", "a1", 20*time.Second)
	require.NoError(t, m.Enqueue(newUser("s3", "a3", 10*time.Second)))
	_, ok = m.FindMatch(dup)
	assert.True(t, ok) // matches s3, not itself
}

func TestFindMatch_RejectsTooYoungConnections(t *testing.T) {
	m := New(nil)
	candidate := newUser("s1", "", 100*time.Millisecond) // anon, under 1s threshold
	require.NoError(t, m.Enqueue(candidate))

	requester := newUser("s2", "", 10*time.Second)
	_, ok := m.FindMatch(requester)
	assert.False(t, ok)
}

func TestFindMatch_RejectsRecentDisconnect(t *testing.T) {
	m := New(nil)
	candidate := newUser("s1", "a1", 10*time.Second)
	require.NoError(t, m.Enqueue(candidate))
	m.Dequeue(candidate) // records a disconnect
	require.NoError(t, m.Enqueue(candidate))

	requester := newUser("s2", "a2", 20*time.Second)
	_, ok := m.FindMatch(requester)
	assert.False(t, ok)
}

func TestFindMatch_SuccessRecordsHistoryBothSides(t *testing.T) {
	m := New(nil)
	candidate := newUser("s1", "a1", 10*time.Second)
	candidate.Interests = []string{"books", "chess"}
	require.NoError(t, m.Enqueue(candidate))

	requester := newUser("s2", "a2", 10*time.Second)
	requester.Interests = []string{"chess", "hiking"}

	match, ok := m.FindMatch(requester)
	require.True(t, ok)
	assert.Equal(t, candidate.SocketID, match.SocketID)
	assert.Equal(t, 0, m.QueueDepth(domain.ChatTypeText))

	prefs := m.PreferredInterests(requester.HistoryKey())
	assert.Contains(t, prefs, "books")
	assert.Contains(t, prefs, "chess")
}

func TestFindMatch_AvoidRecentMatches(t *testing.T) {
	m := New(nil)
	candidate := newUser("s1", "a1", 10*time.Second)
	require.NoError(t, m.Enqueue(candidate))

	requester := newUser("s2", "a2", 20*time.Second)
	_, ok := m.FindMatch(requester)
	require.True(t, ok)

	// Re-enqueue the same candidate; requester should skip it this time.
	require.NoError(t, m.Enqueue(candidate))
	requester2 := newUser("s2", "a2", 20*time.Second)
	requester2.AvoidRecentMatches = true
	_, ok = m.FindMatch(requester2)
	assert.False(t, ok)
}

func TestFindMatch_RespectsMaxWaitPreference(t *testing.T) {
	m := New(nil)
	candidate := newUser("s1", "a1", 10*time.Minute) // waited a long time
	require.NoError(t, m.Enqueue(candidate))

	requester := newUser("s2", "a2", 10*time.Second)
	requester.MaxWaitPreference = time.Minute
	_, ok := m.FindMatch(requester)
	assert.False(t, ok)
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 0.5, jaccard(nil, nil))
	assert.Equal(t, 0.3, jaccard([]string{"a"}, nil))
	assert.InDelta(t, 1.0, jaccard([]string{"A", "b"}, []string{"a", "B"}), 0.0001)
	assert.InDelta(t, 1.0/3, jaccard([]string{"a", "b"}, []string{"b", "c"}), 0.0001)
}

func TestScore_ClampedToUnitRange(t *testing.T) {
	m := New(nil)
	u := newUser("s1", "a1", 10*time.Minute)
	c := newUser("s2", "a2", 10*time.Minute)
	s := m.score(u, c, time.Now())
	assert.GreaterOrEqual(t, s, 0.0)
	assert.LessOrEqual(t, s, 1.0)
}

func TestQueueHealth_ReportsCountsAndSplit(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Enqueue(newUser("s1", "a1", time.Minute)))
	require.NoError(t, m.Enqueue(newUser("s2", "", 30*time.Second)))

	h := m.QueueHealth(domain.ChatTypeText, nil)
	assert.Equal(t, 2, h.Depth)
	assert.Equal(t, 1, h.Authenticated)
	assert.Equal(t, 1, h.Anonymous)
	assert.GreaterOrEqual(t, h.OldestWait, 30*time.Second)
	assert.Empty(t, h.DuplicateAuthIDs)
	assert.Zero(t, h.Stale)
}

func TestQueueHealth_FlagsStaleAndDisconnected(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Enqueue(newUser("s1", "a1", 10*time.Minute))) // past staleWaitThreshold
	require.NoError(t, m.Enqueue(newUser("s2", "a2", time.Second)))

	connected := func(id domain.SocketIDType) bool { return id != "s2" }
	h := m.QueueHealth(domain.ChatTypeText, connected)
	assert.Equal(t, 2, h.Stale) // s1 by wait, s2 by disconnection
}

func TestStaleSweep_EvictsDisconnectedAndOverdueEntries(t *testing.T) {
	m := New(nil)
	require.NoError(t, m.Enqueue(newUser("s1", "a1", 10*time.Minute)))
	require.NoError(t, m.Enqueue(newUser("s2", "a2", time.Second)))

	connected := func(id domain.SocketIDType) bool { return id == "s2" }
	n := m.StaleSweep(domain.ChatTypeText, connected)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, m.QueueDepth(domain.ChatTypeText))
}

func TestStaleSweepAll_CoversBothChatTypes(t *testing.T) {
	m := New(nil)
	video := newUser("s1", "a1", 10*time.Minute)
	video.ChatType = domain.ChatTypeVideo
	require.NoError(t, m.Enqueue(video))
	require.NoError(t, m.Enqueue(newUser("s2", "a2", 10*time.Minute)))

	n := m.StaleSweepAll(nil)
	assert.Equal(t, 2, n)
}

func TestRestoreFromMirror_RepopulatesQueueFromKV(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	defer svc.Close()

	seed := New(svc)
	require.NoError(t, seed.Enqueue(newUser("s1", "a1", time.Minute)))

	restored := New(svc)
	restored.RestoreFromMirror(context.Background(), func(historyKey string) (*domain.User, bool) {
		if historyKey != "a1" {
			return nil, false
		}
		return newUser("s1", "a1", 0), true
	})
	assert.Equal(t, 1, restored.QueueDepth(domain.ChatTypeText))
}

func TestRestoreFromMirror_NilKVIsNoop(t *testing.T) {
	m := New(nil)
	m.RestoreFromMirror(context.Background(), func(string) (*domain.User, bool) {
		t.Fatal("resolve must not be called when the mirror is disabled")
		return nil, false
	})
	assert.Zero(t, m.QueueDepth(domain.ChatTypeText))
}
