package storage

import (
	"errors"
	"fmt"
	"time"
)

// MarkSeen records that a retrieved message was consumed locally.
func (s *Store) MarkSeen(messageID string, seenAt time.Time) error {
	if messageID == "" {
		return errors.New("message_id is required")
	}
	if seenAt.IsZero() {
		seenAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_message_ids (message_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID,
		seenAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("mark message %q seen: %w", messageID, err)
	}

	return nil
}

// Seen reports whether a message ID was already consumed.
func (s *Store) Seen(messageID string) (bool, error) {
	if messageID == "" {
		return false, errors.New("message_id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_message_ids WHERE message_id = ?)`,
		messageID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen message ID %q: %w", messageID, err)
	}

	return exists == 1, nil
}

// PruneSeenBefore forgets consumed IDs recorded before cutoff.
// Storage nodes expire their copies after MessageTTL, so IDs older than that
// can no longer be re-delivered.
func (s *Store) PruneSeenBefore(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM seen_message_ids WHERE received_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune seen message IDs: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen ID prune: %w", err)
	}

	return rowsAffected, nil
}
