package profilemanager

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "tinchat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, st.UpsertProfile(context.Background(), domain.UserProfile{ID: id, Username: id + "_user"}))
	}

	return New(st, svc)
}

func TestWarmStartupLoadsRecentProfiles(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.store.BatchUpdateStatus(ctx, []store.StatusUpdate{
		{UserID: "a", Online: true},
	}))

	m.WarmStartup(ctx)

	p, err := m.Profiles.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "a_user", p.Username)
}

func TestSendAcceptFriendRequestInvalidatesCaches(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	req, err := m.SendFriendRequest(ctx, "a", "b", "hi")
	require.NoError(t, err)

	// Warm the friends-list cache before accepting.
	_, err = m.Friends.FriendsList(ctx, "a", 10, 0)
	require.NoError(t, err)

	require.NoError(t, m.AcceptFriendRequest(ctx, req.ID, "b"))

	ids, err := m.Friends.FriendsList(ctx, "a", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestBlockRecordsBlockedUser(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Block(ctx, "a", "b", "spam"))

	blocked, err := m.BlockedUsers(ctx, "a")
	require.NoError(t, err)
	assert.Contains(t, blocked, "b")

	require.NoError(t, m.Unblock(ctx, "a", "b"))
	blocked, err = m.BlockedUsers(ctx, "a")
	require.NoError(t, err)
	assert.NotContains(t, blocked, "b")
}

func TestSearchProfilesExcludesRequester(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	results, err := m.SearchProfiles(ctx, "user", "a", 10)
	require.NoError(t, err)
	for _, p := range results {
		assert.NotEqual(t, "a", p.ID)
	}
	assert.NotEmpty(t, results)
}

func TestShutdownClosesBus(t *testing.T) {
	m := newTestManager(t)
	m.Start()

	require.NoError(t, m.Shutdown(nil))
}

func TestShutdownMarksOnlineUsersOffline(t *testing.T) {
	m := newTestManager(t)
	m.Start()
	ctx := context.Background()

	m.Presence.SetOnline(ctx, "a")
	m.Presence.FlushNow()
	p, err := m.store.GetProfile(ctx, "a")
	require.NoError(t, err)
	require.True(t, p.Online)

	require.NoError(t, m.Shutdown([]string{"a"}))

	p, err = m.store.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.False(t, p.Online)
}

func TestBatchOnlineStatusReflectsPresence(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	m.Presence.SetOnline(ctx, "a")

	statuses := m.BatchOnlineStatus(ctx, []string{"a", "b"})
	assert.True(t, statuses["a"].IsOnline)
	assert.False(t, statuses["b"].IsOnline)
}
