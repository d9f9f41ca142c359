package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tinchat/server/internal/v1/domain"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// GetProfile reads one profile by id, with bounded retry on transport
// errors (spec.md §4.4 read path step 3).
func (s *Store) GetProfile(ctx context.Context, id string) (domain.UserProfile, error) {
	var p domain.UserProfile
	err := withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `
			SELECT id, username, display_name, avatar_ref, banner_ref, pronouns, bio,
			       display_name_color, display_name_animation, rainbow_speed, badges,
			       profile_card_style, customization, is_online, last_seen, created_at,
			       updated_at, schema_version
			FROM profiles WHERE id = ?`, id)
		var badgesJSON string
		var animation string
		var scanErr = row.Scan(
			&p.ID, &p.Username, &p.DisplayName, &p.AvatarRef, &p.BannerRef, &p.Pronouns, &p.Bio,
			&p.DisplayNameColor, &animation, &p.RainbowSpeed, &badgesJSON,
			&p.ProfileCardStyle, &p.Customization, &p.Online, &p.LastSeen, &p.CreatedAt,
			&p.UpdatedAt, &p.SchemaVersion,
		)
		if scanErr != nil {
			return scanErr
		}
		p.DisplayNameAnimation = domain.Animation(animation)
		if badgesJSON != "" {
			_ = json.Unmarshal([]byte(badgesJSON), &p.Badges)
		}
		return nil
	})

	if errors.Is(err, sql.ErrNoRows) {
		return domain.UserProfile{}, ErrNotFound
	}
	if err != nil {
		return domain.UserProfile{}, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// UpsertProfile writes p to the system of record first (spec.md §4.4
// "write path: write to system of record first").
func (s *Store) UpsertProfile(ctx context.Context, p domain.UserProfile) error {
	badgesJSON, err := json.Marshal(p.Badges)
	if err != nil {
		return fmt.Errorf("marshal badges: %w", err)
	}
	now := time.Now()

	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO profiles (
				id, username, display_name, avatar_ref, banner_ref, pronouns, bio,
				display_name_color, display_name_animation, rainbow_speed, badges,
				profile_card_style, customization, is_online, last_seen, created_at,
				updated_at, schema_version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				username = excluded.username,
				display_name = excluded.display_name,
				avatar_ref = excluded.avatar_ref,
				banner_ref = excluded.banner_ref,
				pronouns = excluded.pronouns,
				bio = excluded.bio,
				display_name_color = excluded.display_name_color,
				display_name_animation = excluded.display_name_animation,
				rainbow_speed = excluded.rainbow_speed,
				badges = excluded.badges,
				profile_card_style = excluded.profile_card_style,
				customization = excluded.customization,
				is_online = excluded.is_online,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at,
				schema_version = excluded.schema_version
		`,
			p.ID, p.Username, p.DisplayName, p.AvatarRef, p.BannerRef, p.Pronouns, p.Bio,
			p.DisplayNameColor, string(p.DisplayNameAnimation), p.RainbowSpeed, string(badgesJSON),
			p.ProfileCardStyle, p.Customization, p.Online, p.LastSeen, now,
			now, p.SchemaVersion,
		)
		return err
	})
}

// StatusUpdate is one (user, status) pair for BatchUpdateStatus.
type StatusUpdate struct {
	UserID   string
	Online   bool
	LastSeen time.Time
}

// BatchUpdateStatus applies a group of presence updates in one statement
// per distinct status, matching the presence batch window's
// "UPDATE profiles SET ... WHERE id IN (...)" shape (spec.md §4.6).
func (s *Store) BatchUpdateStatus(ctx context.Context, updates []StatusUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	byStatus := map[bool][]string{}
	for _, u := range updates {
		byStatus[u.Online] = append(byStatus[u.Online], u.UserID)
	}

	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		now := time.Now()
		for online, ids := range byStatus {
			query, args := inClauseQuery(
				`UPDATE profiles SET is_online = ?, last_seen = ?, updated_at = ? WHERE id IN (%s)`,
				[]any{online, now, now}, ids,
			)
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// MarkStaleOffline flips every profile whose last_seen is older than
// olderThan and is not already offline (spec.md §4.6 housekeeping sweep).
func (s *Store) MarkStaleOffline(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE profiles SET is_online = 0, updated_at = ? WHERE is_online = 1 AND last_seen < ?`,
			time.Now(), time.Now().Add(-olderThan),
		)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// WarmCandidates returns up to limit profiles that are online and were
// last seen within maxAge, for the startup cache warm (spec.md §4.9).
func (s *Store) WarmCandidates(ctx context.Context, limit int, maxAge time.Duration) ([]domain.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM profiles
		WHERE is_online = 1 AND last_seen > ?
		ORDER BY last_seen DESC
		LIMIT ?`, time.Now().Add(-maxAge), limit)
	if err != nil {
		return nil, fmt.Errorf("query warm candidates: %w", err)
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

	profiles := make([]domain.UserProfile, 0, len(ids))
	for _, id := range ids {
		p, err := s.GetProfile(ctx, id)
		if err != nil {
			continue
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// SearchProfiles returns profiles whose username or display name contains
// term (case-insensitive), excluding requesterID, up to limit rows
// (spec.md §6 "POST /api/friends/search").
func (s *Store) SearchProfiles(ctx context.Context, term, requesterID string, limit int) ([]domain.UserProfile, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM profiles
		WHERE id != ? AND (username LIKE ? ESCAPE '\' OR display_name LIKE ? ESCAPE '\')
		ORDER BY last_seen DESC
		LIMIT ?`, requesterID, "%"+escapeLike(term)+"%", "%"+escapeLike(term)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search profiles: %w", err)
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

func escapeLike(s string) string {
	r := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			r = append(r, '\\')
		}
		r = append(r, c)
	}
	return string(r)
}

// inClauseQuery expands a `%s` placeholder in query into `?,?,?` for len(ids)
// items, returning the final query and the combined argument list
// (prefixArgs followed by the ids).
func inClauseQuery(query string, prefixArgs []any, ids []string) (string, []any) {
	placeholders := ""
	args := append([]any{}, prefixArgs...)
	for i, id := range ids {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, id)
	}
	return fmt.Sprintf(query, placeholders), args
}
