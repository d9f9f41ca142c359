package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tinchat.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProfile(t *testing.T, s *Store, id string) domain.UserProfile {
	t.Helper()
	p := domain.UserProfile{
		ID:          id,
		Username:    id + "_user",
		DisplayName: "Display " + id,
		Online:      true,
		LastSeen:    time.Now(),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, s.UpsertProfile(context.Background(), p))
	return p
}

func TestStore_ProfileRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedProfile(t, s, "u1")

	got, err := s.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1_user", got.Username)

	_, err = s.GetProfile(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_FriendRequestLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "a")
	seedProfile(t, s, "b")

	req, err := s.SendFriendRequest(ctx, "a", "b", "hi")
	require.NoError(t, err)

	_, err = s.SendFriendRequest(ctx, "a", "b", "hi again")
	assert.ErrorIs(t, err, ErrAlreadyPending)

	require.NoError(t, s.AcceptFriendRequest(ctx, req.ID, "b"))

	status, err := s.FriendshipStatus(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationFriends, status)

	status, err = s.FriendshipStatus(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationFriends, status)
}

func TestStore_DeclineFriendRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "a")
	seedProfile(t, s, "b")

	req, err := s.SendFriendRequest(ctx, "a", "b", "")
	require.NoError(t, err)

	require.NoError(t, s.DeclineFriendRequest(ctx, req.ID, "b"))

	status, err := s.FriendshipStatus(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationNone, status)
}

func TestStore_BlockPreventsRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "a")
	seedProfile(t, s, "b")

	require.NoError(t, s.Block(ctx, "a", "b", "spam"))

	_, err := s.SendFriendRequest(ctx, "b", "a", "hello")
	assert.ErrorIs(t, err, ErrBlocked)

	status, err := s.FriendshipStatus(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationBlocked, status)

	status, err = s.FriendshipStatus(ctx, "b", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationBlockedBy, status)

	require.NoError(t, s.Unblock(ctx, "a", "b"))
	status, err = s.FriendshipStatus(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, domain.RelationNone, status)
}

func TestStore_MutualFriends(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		seedProfile(t, s, id)
	}

	req1, _ := s.SendFriendRequest(ctx, "a", "c", "")
	require.NoError(t, s.AcceptFriendRequest(ctx, req1.ID, "c"))
	req2, _ := s.SendFriendRequest(ctx, "b", "c", "")
	require.NoError(t, s.AcceptFriendRequest(ctx, req2.ID, "c"))

	mutual, err := s.MutualFriends(ctx, "a", "b")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c"}, mutual)
}

func TestStore_BatchUpdateStatusAndStaleSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedProfile(t, s, "a")
	seedProfile(t, s, "b")

	require.NoError(t, s.BatchUpdateStatus(ctx, []StatusUpdate{
		{UserID: "a", Online: false, LastSeen: time.Now()},
		{UserID: "b", Online: true, LastSeen: time.Now()},
	}))

	a, err := s.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.False(t, a.Online)

	n, err := s.MarkStaleOffline(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n) // only "b" was online

	b, err := s.GetProfile(ctx, "b")
	require.NoError(t, err)
	assert.False(t, b.Online)
}
