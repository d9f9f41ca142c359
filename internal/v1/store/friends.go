package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tinchat/server/internal/v1/domain"
)

// ErrAlreadyPending is returned when a (sender, receiver) pair already has
// a pending request (spec.md §3 "FriendRequest" invariant).
var ErrAlreadyPending = errors.New("store: friend request already sent")

// ErrBlocked is returned when a request is attempted across a block in
// either direction.
var ErrBlocked = errors.New("store: blocked")

// SendFriendRequest inserts a pending request from senderID to
// receiverID, rejecting self-targets, existing pendings, and blocked
// pairs (spec.md §3 "FriendRequest").
func (s *Store) SendFriendRequest(ctx context.Context, senderID, receiverID, message string) (domain.FriendRequest, error) {
	if senderID == receiverID {
		return domain.FriendRequest{}, fmt.Errorf("store: self-target request: %w", ErrSelfTarget)
	}

	blocked, err := s.isBlockedEitherWay(ctx, senderID, receiverID)
	if err != nil {
		return domain.FriendRequest{}, err
	}
	if blocked {
		return domain.FriendRequest{}, ErrBlocked
	}

	req := domain.FriendRequest{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Message:    message,
		Status:     domain.RequestPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}

	err = withRetry(ctx, func() error {
		_, e := s.db.ExecContext(ctx, `
			INSERT INTO friend_requests (id, sender_id, receiver_id, message, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.SenderID, req.ReceiverID, req.Message, req.Status, req.CreatedAt, req.UpdatedAt,
		)
		return e
	})
	if err != nil && isUniqueViolation(err) {
		return domain.FriendRequest{}, ErrAlreadyPending
	}
	if err != nil {
		return domain.FriendRequest{}, fmt.Errorf("send friend request: %w", err)
	}
	return req, nil
}

// AcceptFriendRequest marks requestID accepted and writes both directions
// of the friendship in one transaction (spec.md §3 "Friendship" invariant:
// "(u1,u2) and (u2,u1) ... are maintained together").
func (s *Store) AcceptFriendRequest(ctx context.Context, requestID, acceptingUserID string) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var senderID, receiverID, status string
		err = tx.QueryRowContext(ctx,
			`SELECT sender_id, receiver_id, status FROM friend_requests WHERE id = ?`, requestID,
		).Scan(&senderID, &receiverID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if status != string(domain.RequestPending) {
			return fmt.Errorf("store: request %s is not pending", requestID)
		}
		if receiverID != acceptingUserID {
			return fmt.Errorf("store: %s is not the receiver of request %s", acceptingUserID, requestID)
		}

		now := time.Now()
		if _, err := tx.ExecContext(ctx,
			`UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ?`,
			domain.RequestAccepted, now, requestID,
		); err != nil {
			return err
		}

		for _, pair := range [][2]string{{senderID, receiverID}, {receiverID, senderID}} {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO friendships (user_id, friend_id, status, initiator_id, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT(user_id, friend_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
				pair[0], pair[1], domain.RequestAccepted, senderID, now, now,
			); err != nil {
				return err
			}
		}

		return tx.Commit()
	})
}

// DeclineFriendRequest marks requestID declined.
func (s *Store) DeclineFriendRequest(ctx context.Context, requestID, decliningUserID string) error {
	return withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE friend_requests SET status = ?, updated_at = ? WHERE id = ? AND receiver_id = ? AND status = ?`,
			domain.RequestDeclined, time.Now(), requestID, decliningUserID, domain.RequestPending,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RemoveFriendship deletes both directions of an accepted friendship.
func (s *Store) RemoveFriendship(ctx context.Context, user1ID, user2ID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM friendships WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
			user1ID, user2ID, user2ID, user1ID,
		)
		return err
	})
}

// Block inserts a blocker->blocked row and removes any existing friendship
// or pending request between the pair (spec.md §3 "Block" invariant).
func (s *Store) Block(ctx context.Context, blockerID, blockedID, reason string) error {
	if blockerID == blockedID {
		return fmt.Errorf("store: self-block: %w", ErrSelfTarget)
	}
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO blocks (blocker_id, blocked_id, reason, created_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(blocker_id, blocked_id) DO UPDATE SET reason = excluded.reason`,
			blockerID, blockedID, reason, time.Now(),
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM friendships WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?)`,
			blockerID, blockedID, blockedID, blockerID,
		); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM friend_requests WHERE status = ? AND ((sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?))`,
			domain.RequestPending, blockerID, blockedID, blockedID, blockerID,
		); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// Unblock removes a blocker->blocked row.
func (s *Store) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, blockerID, blockedID)
		return err
	})
}

// FriendshipStatus computes the relation between self and other fresh from
// the store, following the lookup order in spec.md §4.5 /
// domain.ComputeRelation.
func (s *Store) FriendshipStatus(ctx context.Context, self, other string) (domain.RelationStatus, error) {
	in := domain.RelationInputs{Self: self, Other: other}
	if self == other {
		return domain.ComputeRelation(in), nil
	}

	err := withRetry(ctx, func() error {
		var status string
		err := s.db.QueryRowContext(ctx,
			`SELECT status FROM friendships WHERE user_id = ? AND friend_id = ?`, self, other,
		).Scan(&status)
		if err == nil {
			in.AcceptedFriendship = status == string(domain.RequestAccepted)
		} else if !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var count int
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM friend_requests WHERE sender_id = ? AND receiver_id = ? AND status = ?`,
			self, other, domain.RequestPending,
		).Scan(&count); err != nil {
			return err
		}
		in.OutgoingPendingRequest = count > 0

		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM friend_requests WHERE sender_id = ? AND receiver_id = ? AND status = ?`,
			other, self, domain.RequestPending,
		).Scan(&count); err != nil {
			return err
		}
		in.IncomingPendingRequest = count > 0

		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, self, other,
		).Scan(&count); err != nil {
			return err
		}
		in.OutgoingBlock = count > 0

		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM blocks WHERE blocker_id = ? AND blocked_id = ?`, other, self,
		).Scan(&count); err != nil {
			return err
		}
		in.IncomingBlock = count > 0
		return nil
	})
	if err != nil {
		return domain.RelationNone, err
	}
	return domain.ComputeRelation(in), nil
}

// FriendsList returns userID's accepted friends, paginated.
func (s *Store) FriendsList(ctx context.Context, userID string, limit, offset int) ([]domain.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT friend_id FROM friendships
		WHERE user_id = ? AND status = ?
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?`, userID, domain.RequestAccepted, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("friends list: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	out := make([]domain.UserProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

// PendingRequests returns the received or sent pending requests for
// userID.
func (s *Store) PendingRequests(ctx context.Context, userID string, received bool) ([]domain.FriendRequest, error) {
	column := "sender_id"
	if received {
		column = "receiver_id"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, sender_id, receiver_id, message, status, created_at, updated_at
		FROM friend_requests WHERE %s = ? AND status = ?
		ORDER BY created_at DESC`, column), userID, domain.RequestPending)
	if err != nil {
		return nil, fmt.Errorf("pending requests: %w", err)
	}
	defer rows.Close()

	var out []domain.FriendRequest
	for rows.Next() {
		var r domain.FriendRequest
		var status string
		if err := rows.Scan(&r.ID, &r.SenderID, &r.ReceiverID, &r.Message, &status, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = domain.RequestStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

// MutualFriends returns the intersection of user1's and user2's accepted
// friend lists.
func (s *Store) MutualFriends(ctx context.Context, user1ID, user2ID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.friend_id FROM friendships a
		JOIN friendships b ON a.friend_id = b.friend_id
		WHERE a.user_id = ? AND a.status = ? AND b.user_id = ? AND b.status = ?`,
		user1ID, domain.RequestAccepted, user2ID, domain.RequestAccepted)
	if err != nil {
		return nil, fmt.Errorf("mutual friends: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// OnlineFriendsCount counts userID's accepted friends currently marked
// online, backing the friends cache's "online-friends count" family
// (spec.md §4.5).
func (s *Store) OnlineFriendsCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM friendships f
			JOIN profiles p ON p.id = f.friend_id
			WHERE f.user_id = ? AND f.status = ? AND p.is_online = 1`,
			userID, domain.RequestAccepted,
		).Scan(&count)
	})
	return count, err
}

// BlockedUsers returns every user blockerID has blocked.
func (s *Store) BlockedUsers(ctx context.Context, blockerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT blocked_id FROM blocks WHERE blocker_id = ?`, blockerID)
	if err != nil {
		return nil, fmt.Errorf("blocked users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// FriendStats summarizes userID's friend graph for the friends/{userId}/stats
// endpoint (spec.md §6).
type FriendStats struct {
	FriendsCount         int
	OnlineFriendsCount   int
	PendingReceivedCount int
	PendingSentCount     int
}

// Stats computes FriendStats for userID with four independent counts; no
// single query covers all four tables, so each is its own round trip.
func (s *Store) Stats(ctx context.Context, userID string) (FriendStats, error) {
	var stats FriendStats
	err := withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM friendships WHERE user_id = ? AND status = ?`,
			userID, domain.RequestAccepted,
		).Scan(&stats.FriendsCount)
	})
	if err != nil {
		return FriendStats{}, fmt.Errorf("friend stats: %w", err)
	}

	stats.OnlineFriendsCount, err = s.OnlineFriendsCount(ctx, userID)
	if err != nil {
		return FriendStats{}, err
	}

	received, err := s.PendingRequests(ctx, userID, true)
	if err != nil {
		return FriendStats{}, err
	}
	stats.PendingReceivedCount = len(received)

	sent, err := s.PendingRequests(ctx, userID, false)
	if err != nil {
		return FriendStats{}, err
	}
	stats.PendingSentCount = len(sent)

	return stats, nil
}

// SuggestFriends returns up to limit profiles that are friends of userID's
// friends but are not already friends, pending, blocked, or userID itself
// (a friend-of-friend suggestion, the simplest graph-proximity signal
// available without a dedicated recommendation store).
func (s *Store) SuggestFriends(ctx context.Context, userID string, limit int) ([]domain.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT fof.friend_id
		FROM friendships f
		JOIN friendships fof ON fof.user_id = f.friend_id
		WHERE f.user_id = ? AND f.status = ? AND fof.status = ?
		  AND fof.friend_id != ?
		  AND fof.friend_id NOT IN (
			SELECT friend_id FROM friendships WHERE user_id = ? AND status = ?
		  )
		  AND fof.friend_id NOT IN (
			SELECT receiver_id FROM friend_requests WHERE sender_id = ? AND status = ?
			UNION
			SELECT sender_id FROM friend_requests WHERE receiver_id = ? AND status = ?
		  )
		  AND fof.friend_id NOT IN (
			SELECT blocked_id FROM blocks WHERE blocker_id = ?
			UNION
			SELECT blocker_id FROM blocks WHERE blocked_id = ?
		  )
		LIMIT ?`,
		userID, domain.RequestAccepted, domain.RequestAccepted,
		userID,
		userID, domain.RequestAccepted,
		userID, domain.RequestPending,
		userID, domain.RequestPending,
		userID, userID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("suggest friends: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]domain.UserProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if err == nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) isBlockedEitherWay(ctx context.Context, a, b string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)`,
		a, b, b, a,
	).Scan(&count)
	return count > 0, err
}

// ErrSelfTarget is returned when a friend request or block targets the
// requester's own id.
var ErrSelfTarget = errors.New("store: self-target not allowed")

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}
