package storage

import (
	"errors"
	"fmt"
	"time"

	"firechat/models"
)

// SaveConfirmed upserts a confirmed message into the conversation history.
// Only confirmed messages are persisted; optimistic entries stay in memory.
func (s *Store) SaveConfirmed(conversationKey string, msg models.Message) error {
	if conversationKey == "" {
		return errors.New("conversation key is required")
	}
	if msg.ID == "" {
		return errors.New("message id is required")
	}
	if msg.Status != models.StatusConfirmed {
		return fmt.Errorf("refusing to persist %q message %q", msg.Status, msg.ID)
	}

	_, err := s.db.Exec(
		`INSERT INTO messages (
			message_id,
			conversation_key,
			sender,
			recipient,
			recipient_domain,
			content,
			timestamp,
			transaction_ref
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(message_id) DO UPDATE SET
			timestamp = excluded.timestamp,
			transaction_ref = excluded.transaction_ref`,
		msg.ID,
		conversationKey,
		msg.Sender,
		msg.Recipient,
		msg.RecipientDomain,
		msg.Content,
		msg.Timestamp.UnixMilli(),
		msg.TransactionRef,
	)
	if err != nil {
		return fmt.Errorf("insert message %q: %w", msg.ID, err)
	}

	return nil
}

// LoadConversation returns a conversation's stored messages ordered by
// timestamp ascending.
func (s *Store) LoadConversation(conversationKey string) ([]models.Message, error) {
	if conversationKey == "" {
		return nil, errors.New("conversation key is required")
	}

	rows, err := s.db.Query(
		`SELECT
			message_id,
			sender,
			recipient,
			recipient_domain,
			content,
			timestamp,
			transaction_ref
		FROM messages
		WHERE conversation_key = ?
		ORDER BY timestamp ASC, message_id ASC`,
		conversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load conversation %q: %w", conversationKey, err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		var (
			msg      models.Message
			unixMill int64
		)
		if err := rows.Scan(
			&msg.ID,
			&msg.Sender,
			&msg.Recipient,
			&msg.RecipientDomain,
			&msg.Content,
			&unixMill,
			&msg.TransactionRef,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.UnixMilli(unixMill).UTC()
		msg.Status = models.StatusConfirmed
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

// DeleteConversation removes all stored messages for a conversation key.
func (s *Store) DeleteConversation(conversationKey string) (int64, error) {
	if conversationKey == "" {
		return 0, errors.New("conversation key is required")
	}

	res, err := s.db.Exec(`DELETE FROM messages WHERE conversation_key = ?`, conversationKey)
	if err != nil {
		return 0, fmt.Errorf("delete conversation %q: %w", conversationKey, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for conversation delete: %w", err)
	}

	return rowsAffected, nil
}
