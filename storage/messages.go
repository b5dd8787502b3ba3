package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"kuno/models"
)

const storedMessageColumns = `
	id,
	sender_id,
	sender_username,
	sender_device_id,
	recipient_id,
	recipient_username,
	recipient_device_id,
	message_type,
	encrypted_payload,
	timestamp,
	delivered,
	delivered_at,
	expires_at`

// SaveMessage stores a replicated message, replacing any copy with the same ID.
// Messages without an expiry get now + MessageTTL.
func (s *Store) SaveMessage(message models.RoutedMessage) (models.RoutedMessage, error) {
	if message.ID == "" {
		return models.RoutedMessage{}, errors.New("id is required")
	}
	if message.RecipientID == "" {
		return models.RoutedMessage{}, errors.New("recipientId is required")
	}
	if message.SenderID == "" {
		return models.RoutedMessage{}, errors.New("senderId is required")
	}
	if message.EncryptedPayload == "" {
		return models.RoutedMessage{}, errors.New("encryptedPayload is required")
	}
	if message.Timestamp == 0 {
		message.Timestamp = nowUnixMilli()
	}
	if message.ExpiresAt == 0 {
		message.ExpiresAt = time.Now().Add(s.options.MessageTTL).Unix()
	}

	delivered := 0
	if message.Delivered {
		delivered = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO stored_messages (`+storedMessageColumns+`
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			delivered = excluded.delivered,
			delivered_at = excluded.delivered_at,
			expires_at = excluded.expires_at`,
		message.ID,
		message.SenderID,
		message.SenderUsername,
		message.SenderDeviceID,
		message.RecipientID,
		message.RecipientUsername,
		nullIntFromInt(message.RecipientDeviceID),
		message.MessageType,
		message.EncryptedPayload,
		message.Timestamp,
		delivered,
		nullInt64(message.DeliveredAt),
		message.ExpiresAt,
	)
	if err != nil {
		return models.RoutedMessage{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return message, nil
}

// GetMessagesForRecipient returns unexpired messages addressed to accountID,
// oldest first.
func (s *Store) GetMessagesForRecipient(accountID string, now time.Time) ([]models.RoutedMessage, error) {
	if accountID == "" {
		return nil, errors.New("recipient account ID is required")
	}

	rows, err := s.db.Query(
		`SELECT`+storedMessageColumns+`
		FROM stored_messages
		WHERE recipient_id = ? AND (expires_at = 0 OR expires_at >= ?)
		ORDER BY timestamp ASC, id ASC`,
		accountID,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("get messages for recipient %q: %w", accountID, err)
	}
	defer rows.Close()

	messages := make([]models.RoutedMessage, 0)
	for rows.Next() {
		message, err := scanStoredMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// GetMessage fetches one stored message by ID.
func (s *Store) GetMessage(id string) (models.RoutedMessage, error) {
	if id == "" {
		return models.RoutedMessage{}, errors.New("id is required")
	}

	row := s.db.QueryRow(`SELECT`+storedMessageColumns+` FROM stored_messages WHERE id = ?`, id)
	message, err := scanStoredMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RoutedMessage{}, ErrNotFound
	}
	if err != nil {
		return models.RoutedMessage{}, fmt.Errorf("get message %q: %w", id, err)
	}
	return message, nil
}

// DeleteMessage removes one stored message.
func (s *Store) DeleteMessage(id string) error {
	if id == "" {
		return errors.New("id is required")
	}

	res, err := s.db.Exec(`DELETE FROM stored_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %q: %w", id, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for delete %q: %w", id, err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PruneExpired removes messages whose expiry is before now.
func (s *Store) PruneExpired(now time.Time) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM stored_messages WHERE expires_at > 0 AND expires_at < ?`,
		now.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("prune expired messages: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for message prune: %w", err)
	}
	return rowsAffected, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStoredMessage(row rowScanner) (models.RoutedMessage, error) {
	var (
		message           models.RoutedMessage
		recipientDeviceID sql.NullInt64
		delivered         int
		deliveredAt       sql.NullInt64
	)
	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.SenderUsername,
		&message.SenderDeviceID,
		&message.RecipientID,
		&message.RecipientUsername,
		&recipientDeviceID,
		&message.MessageType,
		&message.EncryptedPayload,
		&message.Timestamp,
		&delivered,
		&deliveredAt,
		&message.ExpiresAt,
	); err != nil {
		return models.RoutedMessage{}, err
	}

	message.RecipientDeviceID = intPtr(recipientDeviceID)
	message.Delivered = delivered == 1
	message.DeliveredAt = int64Ptr(deliveredAt)
	return message, nil
}
