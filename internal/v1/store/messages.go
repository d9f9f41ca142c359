package store

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// InsertMessage persists one relayed chat line, matching the "messages
// table" named among persisted state in spec.md §6. Best-effort: callers
// on the hot relay path should not block on this.
func (s *Store) InsertMessage(ctx context.Context, roomID, senderID, body string) error {
	return withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO messages (id, room_id, sender_id, body, created_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), roomID, senderID, body, time.Now(),
		)
		return err
	})
}
