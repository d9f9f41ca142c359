// Package session - hub.go
//
// Hub is the central coordinator: it terminates the WebSocket upgrade,
// resolves identity, and maintains the registries spec.md §4.8 names
// (socket→user, socket→room, room→Room, auth→socket). Where the teacher's
// Hub routed every connection into a persistent multi-party room keyed by
// a client-chosen roomId, this Hub's rooms are server-generated and come
// into existence only when the matchmaker pairs two waiting sockets.
package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tinchat/server/internal/v1/auth"
	"github.com/tinchat/server/internal/v1/bus"
	"github.com/tinchat/server/internal/v1/domain"
	"github.com/tinchat/server/internal/v1/matchmaker"
	"github.com/tinchat/server/internal/v1/metrics"
)

const (
	heartbeatInterval  = 30 * time.Second
	lruSweepInterval   = 2 * time.Minute
	lruSweepAge        = 60 * time.Second
	kvHousekeepingTick = 5 * time.Minute
)

// IdentityVerifier is the subset of auth.IdentityVerifier the hub needs,
// narrowed so tests can substitute a fake.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (auth.Identity, error)
}

// ProfileCache is the subset of profile.Cache the hub needs to resolve a
// display shape for an authenticated user on attach.
type ProfileCache interface {
	Get(ctx context.Context, userID string) (domain.UserProfile, error)
	Clear()
	Sweep(maxAge time.Duration) int
}

// PresenceModule is the subset of presence.Module the hub needs.
type PresenceModule interface {
	SetOnline(ctx context.Context, userID string)
	SetOffline(ctx context.Context, userID string)
}

// Hub owns every connected socket on this process and the rooms they're
// paired into. All registries are protected by mu.
type Hub struct {
	verifier  IdentityVerifier
	matcher   *matchmaker.Matchmaker
	profiles  ProfileCache
	presence  PresenceModule
	busClient *bus.Service

	mu           sync.Mutex
	clients      map[domain.SocketIDType]*Client
	roomOf       map[domain.SocketIDType]string
	rooms        map[string]*Room
	socketOfAuth map[domain.AuthIDType]domain.SocketIDType

	allowedOrigins []string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewHub builds a Hub wired to the identity verifier, matchmaker, profile
// cache, presence module, and (optional) Redis bus for cross-pod relay.
func NewHub(verifier IdentityVerifier, matcher *matchmaker.Matchmaker, profiles ProfileCache, presenceModule PresenceModule, busClient *bus.Service, allowedOrigins []string) *Hub {
	return &Hub{
		verifier:       verifier,
		matcher:        matcher,
		profiles:       profiles,
		presence:       presenceModule,
		busClient:      busClient,
		clients:        make(map[domain.SocketIDType]*Client),
		roomOf:         make(map[domain.SocketIDType]string),
		rooms:          make(map[string]*Room),
		socketOfAuth:   make(map[domain.AuthIDType]domain.SocketIDType),
		allowedOrigins: allowedOrigins,
		stopCh:         make(chan struct{}),
	}
}

// Start launches the hub's background tickers (spec.md §4.8 "Heartbeats
// and cleanup").
func (h *Hub) Start() {
	h.wg.Add(3)
	go h.runTicker(heartbeatInterval, h.heartbeatSweep)
	go h.runTicker(lruSweepInterval, h.lruSweep)
	go h.runTicker(kvHousekeepingTick, h.kvHousekeeping)
}

// Stop cancels the hub's tickers. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func (h *Hub) runTicker(interval time.Duration, fn func()) {
	defer h.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-t.C:
			h.runOnce(fn)
		}
	}
}

func (h *Hub) runOnce(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session: ticker callback panicked", "recover", r)
		}
	}()
	fn()
}

// heartbeatSweep pings every connected socket and drops the ones the
// transport deems stale, then runs the matchmaker's stale-entry sweep
// against the resulting connected-set oracle.
func (h *Hub) heartbeatSweep() {
	h.mu.Lock()
	stale := make([]*Client, 0)
	for _, c := range h.clients {
		if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		// Closing the connection unblocks readPump's ReadMessage call, which
		// runs the actual teardown via its own deferred handleDisconnect.
		c.conn.Close()
	}

	if n := h.matcher.StaleSweepAll(h.isConnected); n > 0 {
		slog.Debug("session: matchmaker stale sweep evicted entries", "count", n)
	}
}

// isConnected is the connected-set oracle the matchmaker's stale sweep
// consults: a socket id is connected iff it's still in the client registry.
func (h *Hub) isConnected(id domain.SocketIDType) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.clients[id]
	return ok
}

// ConnectedHistoryKeys returns the presence key of every currently
// registered client, used by the shutdown sequence to mark all of them
// offline in one pass (spec.md §4.9, §8 "all online users set offline in
// one update before the process exits").
func (h *Hub) ConnectedHistoryKeys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]string, 0, len(h.clients))
	for _, c := range h.clients {
		keys = append(keys, c.user.HistoryKey())
	}
	return keys
}

// lruSweep evicts profile-cache entries older than lruSweepAge (spec.md
// §4.8 "a second ticker (every 2 min) sweeps the profile LRU of entries
// older than 60s").
func (h *Hub) lruSweep() {
	if h.profiles == nil {
		return
	}
	n := h.profiles.Sweep(lruSweepAge)
	if n > 0 {
		slog.Debug("session: profile LRU sweep evicted entries", "count", n)
	}
}

func (h *Hub) kvHousekeeping() {
	if h.busClient != nil {
		_ = h.busClient.Ping(context.Background())
	}
}

// ServeWs upgrades the request to a WebSocket, resolves identity from an
// optional credential, and starts the client's read/write pumps
// (spec.md §4.8 "Connect").
func (h *Hub) ServeWs(c *gin.Context) {
	upgrader := websocket.Upgrader{
		CheckOrigin: h.checkOrigin,
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("session: websocket upgrade failed", "error", err)
		return
	}

	user := domain.User{
		SocketID:        domain.SocketIDType(uuid.NewString()),
		ConnectionStart: time.Now(),
		Status:          domain.StatusOnline,
	}

	if credential, ok := auth.ExtractCredential(c.Request); ok {
		identity, err := h.verifier.Verify(c.Request.Context(), credential)
		if err != nil {
			slog.Warn("session: credential rejected, continuing anonymously", "error", err)
		} else {
			user.AuthID = identity.AuthID
			user.DisplayName = identity.Name
		}
	}

	client := newClient(conn, h, user)
	h.attach(client)

	metrics.IncConnection()
	go client.writePump()
	go client.readPump()
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range h.allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return true
		}
	}
	return false
}

// attach registers the client and, for an authenticated user, evicts any
// prior socket holding the same auth id (spec.md §4.8 "Connect": "latest
// wins; prior socket is forced-disconnected").
func (h *Hub) attach(c *Client) {
	h.mu.Lock()
	h.clients[c.user.SocketID] = c
	var priorLocal *Client
	if c.user.IsAuthenticated() {
		if priorSocket, exists := h.socketOfAuth[c.user.AuthID]; exists {
			priorLocal = h.clients[priorSocket]
		}
		h.socketOfAuth[c.user.AuthID] = c.user.SocketID
	}
	h.mu.Unlock()

	if priorLocal != nil {
		priorLocal.sendEnvelope(EventReplaced, struct{}{})
		h.handleDisconnect(priorLocal)
	} else if c.user.IsAuthenticated() && h.busClient != nil {
		// Cross-pod: a prior socket for this auth id may be connected to a
		// different pod. Publish a direct "replaced" notice; that pod's own
		// attach() already overwrote socketOfAuth, so this is best-effort
		// delivery to a socket this process has no other handle on.
		_ = h.busClient.PublishDirect(context.Background(), string(c.user.AuthID), string(EventReplaced), struct{}{}, string(c.user.SocketID))
	}

	if c.user.IsAuthenticated() && h.busClient != nil {
		h.subscribeReplacement(c)
	}

	ctx := context.Background()
	h.presence.SetOnline(ctx, c.user.HistoryKey())
}

// subscribeReplacement listens on this user's direct bus channel for a
// "replaced" notice published by a different pod's attach() call, and
// force-closes c's connection when one arrives for c's own socket. The
// subscription is cancelled once c disconnects.
func (h *Hub) subscribeReplacement(c *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	c.setReplacementUnsubscribe(cancel)
	h.busClient.SubscribeUser(ctx, string(c.user.AuthID), nil, func(msg bus.PubSubPayload) {
		if msg.Event != string(EventReplaced) || msg.SenderID == string(c.user.SocketID) {
			return
		}
		h.mu.Lock()
		stillCurrent := h.socketOfAuth[c.user.AuthID] == c.user.SocketID
		h.mu.Unlock()
		if !stillCurrent {
			return
		}
		c.sendEnvelope(EventReplaced, struct{}{})
		c.conn.Close()
	})
}

// router dispatches one decoded inbound envelope to its event handler
// (spec.md §4.10 "validation failure responds with {success:false,
// error} ... and does not mutate server state").
func (h *Hub) router(c *Client, env inboundEnvelope) {
	ctx := context.Background()
	start := time.Now()
	status := "success"
	defer func() {
		metrics.MessageProcessingDuration.WithLabelValues(string(env.Event)).Observe(time.Since(start).Seconds())
		metrics.WebsocketEvents.WithLabelValues(string(env.Event), status).Inc()
	}()

	var err error
	switch env.Event {
	case EventFindPartner:
		err = h.handleFindPartner(ctx, c, env.Payload)
	case EventLeaveChat:
		err = h.handleLeaveChat(ctx, c, env.Payload)
	case EventSendMessage:
		err = h.handleSendMessage(ctx, c, env.Payload)
	case EventWebRTCSignal:
		err = h.handleWebRTCSignal(ctx, c, env.Payload)
	case EventTypingStart:
		err = h.handleTyping(ctx, c, env.Payload, EventTypingStart)
	case EventTypingStop:
		err = h.handleTyping(ctx, c, env.Payload, EventTypingStop)
	case EventStatusUpdate:
		err = h.handleStatusUpdate(ctx, c, env.Payload)
	default:
		status = "error"
		c.sendError("unknown event")
		return
	}

	if err != nil {
		status = "error"
		c.sendError(err.Error())
	}
}

// handleDisconnect tears down a client's hub-side state: dequeues it from
// the matchmaker, tells its room peer, destroys the room, and marks it
// offline (spec.md §4.8 "Leave / disconnect"). Idempotent.
func (h *Hub) handleDisconnect(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.user.SocketID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.user.SocketID)
	if c.user.IsAuthenticated() && h.socketOfAuth[c.user.AuthID] == c.user.SocketID {
		delete(h.socketOfAuth, c.user.AuthID)
	}
	roomID, inRoom := h.roomOf[c.user.SocketID]
	h.mu.Unlock()

	c.stopReplacementSubscription()
	h.matcher.Dequeue(&c.user)

	if inRoom {
		h.teardownRoom(roomID, c.user.SocketID)
	}

	close(c.send)
	ctx := context.Background()
	h.presence.SetOffline(ctx, c.user.HistoryKey())
}

// teardownRoom notifies the remaining member, removes both socket→room
// back-indices, and deletes the room.
func (h *Hub) teardownRoom(roomID string, leaver domain.SocketIDType) {
	h.mu.Lock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.rooms, roomID)
	for _, m := range room.Members {
		delete(h.roomOf, m)
	}
	h.mu.Unlock()

	room.close()

	if peerID, ok := room.Other(leaver); ok {
		if peer, isLocal := room.localClient(peerID); isLocal {
			peer.setRoomID("")
			peer.sendEnvelope(EventPartnerLeft, partnerLeftPayload{RoomID: roomID})
		} else if h.busClient != nil {
			_ = h.busClient.Publish(context.Background(), roomID, string(EventPartnerLeft), partnerLeftPayload{RoomID: roomID}, string(leaver))
		}
	}

	metrics.ActiveRooms.Dec()
}

// profileFor resolves the best-effort display-shape source for a user:
// the full cached profile if authenticated, otherwise the session-scoped
// User fields an anonymous socket carries directly.
func (h *Hub) profileFor(ctx context.Context, u *domain.User) domain.PeerShape {
	shape := domain.PeerShape{
		SocketID:  u.SocketID,
		AuthID:    u.AuthID,
		Pronouns:  u.Pronouns,
		Badges:    nil,
		Interests: u.Interests,
	}
	shape.DisplayName = u.DisplayName

	if u.IsAuthenticated() && h.profiles != nil {
		if p, err := h.profiles.Get(ctx, string(u.AuthID)); err == nil {
			shape.Username = p.Username
			shape.DisplayName = p.DisplayName
			shape.DisplayNameColor = p.DisplayNameColor
			shape.DisplayNameAnimation = p.DisplayNameAnimation
			shape.RainbowSpeed = p.RainbowSpeed
			shape.Badges = p.Badges
			if p.Pronouns != "" {
				shape.Pronouns = p.Pronouns
			}
		}
	}
	return shape
}
