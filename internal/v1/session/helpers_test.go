package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/matchmaker"
)

var errNotFound = errors.New("profile not found")

// mockConn implements wsConnection for testing.
type mockConn struct {
	mu       sync.Mutex
	written  [][]byte
	closed   bool
	closeSig chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{closeSig: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	<-m.closeSig
	return 0, nil, websocket.ErrCloseSent
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return websocket.ErrCloseSent
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.written = append(m.written, cp)
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closeSig)
	}
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) lastWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.written) == 0 {
		return nil
	}
	return m.written[len(m.written)-1]
}

// mockVerifier implements IdentityVerifier for testing.
type mockVerifier struct {
	identity auth.Identity
	err      error
}

func (m *mockVerifier) Verify(ctx context.Context, credential string) (auth.Identity, error) {
	return m.identity, m.err
}

// mockProfileCache implements ProfileCache for testing.
type mockProfileCache struct {
	profiles map[string]domain.UserProfile
}

func (m *mockProfileCache) Get(ctx context.Context, userID string) (domain.UserProfile, error) {
	p, ok := m.profiles[userID]
	if !ok {
		return domain.UserProfile{}, errNotFound
	}
	return p, nil
}
func (m *mockProfileCache) Clear()                         {}
func (m *mockProfileCache) Sweep(maxAge time.Duration) int { return 0 }

// mockPresence implements PresenceModule for testing.
type mockPresence struct {
	mu     sync.Mutex
	online map[string]bool
}

func newMockPresence() *mockPresence {
	return &mockPresence{online: make(map[string]bool)}
}

func (m *mockPresence) SetOnline(ctx context.Context, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = true
}

func (m *mockPresence) SetOffline(ctx context.Context, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = false
}

func (m *mockPresence) isOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online[userID]
}

func newTestHub() *Hub {
	return NewHub(&mockVerifier{}, matchmaker.New(nil), &mockProfileCache{profiles: map[string]domain.UserProfile{}}, newMockPresence(), nil, nil)
}

func newTestClient(hub *Hub, socketID domain.SocketIDType) (*Client, *mockConn) {
	conn := newMockConn()
	c := newClient(conn, hub, domain.User{
		SocketID:        socketID,
		ConnectionStart: time.Now(),
		Status:          domain.StatusOnline,
	})
	return c, conn
}
