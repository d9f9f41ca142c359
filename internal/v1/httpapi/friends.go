package httpapi

import (
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tinchat/server/internal/v1/apperr"
	"github.com/tinchat/server/internal/v1/profilemanager"
	"github.com/tinchat/server/internal/v1/schema"
	"github.com/tinchat/server/internal/v1/store"
)

// friendsHandler holds the composed manager every friends/profile
// endpoint reads and writes through (spec.md §6).
type friendsHandler struct {
	mgr *profilemanager.Manager
}

// decodeBody reads and validates the JSON body into a fresh *T, writing a
// 400 envelope and returning false on any decode or validation failure.
func decodeBody[T any](c *gin.Context) (*T, bool) {
	var v T
	if err := c.ShouldBindJSON(&v); err != nil {
		badRequest(c, "malformed request body: "+err.Error())
		return nil, false
	}
	if validator, ok := any(&v).(interface{ Validate() error }); ok {
		if err := validator.Validate(); err != nil {
			badRequest(c, err.Error())
			return nil, false
		}
	}
	return &v, true
}

// asConflictOutcome reports whether err is one of the graph-mutation
// conflict conditions spec.md §7 classifies as a structured "message"
// result rather than a thrown error, writing the outcome envelope if so.
func asConflictOutcome(c *gin.Context, err error) bool {
	switch {
	case errors.Is(err, store.ErrAlreadyPending):
		outcome(c, "a friend request between these users is already pending")
	case errors.Is(err, store.ErrBlocked):
		outcome(c, "this action is not permitted between blocked users")
	case errors.Is(err, store.ErrSelfTarget):
		outcome(c, "cannot target yourself")
	default:
		return false
	}
	return true
}

func (h *friendsHandler) sendRequest(c *gin.Context) {
	p, ok := decodeBody[schema.SendFriendRequestPayload](c)
	if !ok {
		return
	}
	req, err := h.mgr.SendFriendRequest(c.Request.Context(), p.SenderAuthID, p.ReceiverAuthID, p.Message)
	if err != nil {
		if asConflictOutcome(c, err) {
			return
		}
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "send friend request", err))
		return
	}
	created(c, req)
}

func (h *friendsHandler) acceptRequest(c *gin.Context) {
	p, ok := decodeBody[schema.AcceptFriendRequestPayload](c)
	if !ok {
		return
	}
	if err := h.mgr.AcceptFriendRequest(c.Request.Context(), p.RequestID, p.AcceptingUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, apperr.New(apperr.KindValidation, "friend request not found"))
			return
		}
		if asConflictOutcome(c, err) {
			return
		}
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "accept friend request", err))
		return
	}
	ok2(c)
}

func (h *friendsHandler) declineRequest(c *gin.Context) {
	p, ok := decodeBody[schema.DeclineFriendRequestPayload](c)
	if !ok {
		return
	}
	if err := h.mgr.DeclineFriendRequest(c.Request.Context(), p.RequestID, p.DecliningUserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(c, apperr.New(apperr.KindValidation, "friend request not found"))
			return
		}
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "decline friend request", err))
		return
	}
	ok2(c)
}

func (h *friendsHandler) removeFriendship(c *gin.Context) {
	p, ok := decodeBody[schema.RemoveFriendshipPayload](c)
	if !ok {
		return
	}
	if err := h.mgr.RemoveFriendship(c.Request.Context(), p.User1AuthID, p.User2AuthID); err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "remove friendship", err))
		return
	}
	ok2(c)
}

func (h *friendsHandler) friendshipStatus(c *gin.Context) {
	p, ok := decodeBody[schema.FriendshipStatusPayload](c)
	if !ok {
		return
	}
	status, err := h.mgr.Friends.FriendshipStatus(c.Request.Context(), p.User1AuthID, p.User2AuthID)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "friendship status", err))
		return
	}
	ok(c, gin.H{"status": status})
}

func (h *friendsHandler) searchProfiles(c *gin.Context) {
	p, valid := decodeBody[schema.SearchProfilesPayload](c)
	if !valid {
		return
	}
	results, err := h.mgr.SearchProfiles(c.Request.Context(), p.SearchTerm, p.CurrentUserAuthID, p.Limit)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "search profiles", err))
		return
	}
	ok(c, results)
}

func (h *friendsHandler) batchStatus(c *gin.Context) {
	p, valid := decodeBody[schema.BatchStatusPayload](c)
	if !valid {
		return
	}
	ok(c, h.mgr.BatchOnlineStatus(c.Request.Context(), p.UserIDs))
}

func (h *friendsHandler) block(c *gin.Context) {
	p, valid := decodeBody[schema.BlockPayload](c)
	if !valid {
		return
	}
	if err := h.mgr.Block(c.Request.Context(), p.BlockerAuthID, p.BlockedAuthID, p.Reason); err != nil {
		if asConflictOutcome(c, err) {
			return
		}
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "block", err))
		return
	}
	ok2(c)
}

func (h *friendsHandler) unblock(c *gin.Context) {
	p, valid := decodeBody[schema.BlockPayload](c)
	if !valid {
		return
	}
	if err := h.mgr.Unblock(c.Request.Context(), p.BlockerAuthID, p.BlockedAuthID); err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "unblock", err))
		return
	}
	ok2(c)
}

// ok2 writes a bare success envelope for handlers with no payload to return.
func ok2(c *gin.Context) { ok(c, nil) }

// paginationParams reads ?limit=&offset= with spec.md §6's bounds
// (1..100 / >=0), defaulting limit to 20.
func paginationParams(c *gin.Context) (limit, offset int) {
	limit = 20
	offset = 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 1 && n <= 100 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func (h *friendsHandler) friendsList(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}
	limit, offset := paginationParams(c)
	list, err := h.mgr.FriendsList(c.Request.Context(), userID, limit, offset)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "friends list", err))
		return
	}
	ok(c, list)
}

func (h *friendsHandler) pendingRequests(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}
	received := c.Query("type") != "sent"
	reqs, err := h.mgr.Friends.PendingRequests(c.Request.Context(), userID, received)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "pending requests", err))
		return
	}
	ok(c, reqs)
}

func (h *friendsHandler) blockedUsers(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}
	ids, err := h.mgr.BlockedUsers(c.Request.Context(), userID)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "blocked users", err))
		return
	}
	ok(c, ids)
}

func (h *friendsHandler) mutualFriends(c *gin.Context) {
	userID := c.Param("userId")
	otherID := c.Query("with")
	if userID == "" || otherID == "" {
		badRequest(c, "userId and ?with= are required")
		return
	}
	ids, err := h.mgr.Friends.MutualFriends(c.Request.Context(), userID, otherID)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "mutual friends", err))
		return
	}
	ok(c, ids)
}

func (h *friendsHandler) stats(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}
	stats, err := h.mgr.Stats(c.Request.Context(), userID)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "friend stats", err))
		return
	}
	ok(c, stats)
}

func (h *friendsHandler) suggestions(c *gin.Context) {
	userID := c.Param("userId")
	if userID == "" {
		badRequest(c, "userId is required")
		return
	}
	limit, _ := paginationParams(c)
	suggestions, err := h.mgr.SuggestFriends(c.Request.Context(), userID, limit)
	if err != nil {
		fail(c, apperr.Wrap(apperr.KindTransientRemote, "suggest friends", err))
		return
	}
	ok(c, suggestions)
}
