package presence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/store"
)

func newTestModule(t *testing.T) (*Module, *store.Store) {
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

	require.NoError(t, st.UpsertProfile(context.Background(), domain.UserProfile{ID: "u1", Username: "u1_user"}))

	return New(svc, st), st
}

func TestModule_SetOnline_WritesKVEagerly(t *testing.T) {
	m, _ := newTestModule(t)
	ctx := context.Background()

	m.SetOnline(ctx, "u1")
	assert.True(t, m.IsOnline(ctx, "u1"))

	m.SetOffline(ctx, "u1")
	assert.False(t, m.IsOnline(ctx, "u1"))
}

func TestModule_FlushNow_WritesSystemOfRecord(t *testing.T) {
	m, st := newTestModule(t)
	ctx := context.Background()

	m.SetOnline(ctx, "u1")
	m.FlushNow()

	p, err := st.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Online)
}

func TestModule_FlushNow_NoPendingIsNoop(t *testing.T) {
	m, _ := newTestModule(t)
	m.FlushNow() // should not panic or error with nothing queued
}

func TestModule_RunHousekeeping_MarksStaleOffline(t *testing.T) {
	m, st := newTestModule(t)
	ctx := context.Background()

	require.NoError(t, st.BatchUpdateStatus(ctx, []store.StatusUpdate{
		{UserID: "u1", Online: true, LastSeen: time.Now().Add(-staleAfter - time.Minute)},
	}))

	m.runHousekeeping()

	p, err := st.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, p.Online)
}

func TestModule_StartStop(t *testing.T) {
	m, _ := newTestModule(t)
	m.Start()
	m.Start() // second call is a no-op, must not panic
	m.Stop()
}
