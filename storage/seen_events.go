package storage

import (
	"errors"
	"fmt"
)

// RecordEvent stores a transport event id for ingest idempotence across
// restarts.
func (s *Store) RecordEvent(eventID string, receivedAt int64) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if receivedAt == 0 {
		receivedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO seen_event_ids (event_id, received_at)
		VALUES (?, ?)
		ON CONFLICT(event_id) DO UPDATE SET received_at = excluded.received_at`,
		eventID,
		receivedAt,
	)
	if err != nil {
		return fmt.Errorf("record seen event %q: %w", eventID, err)
	}

	return nil
}

// SeenEvent reports whether a transport event id was already ingested.
func (s *Store) SeenEvent(eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}

	var exists int
	if err := s.db.QueryRow(
		`SELECT EXISTS(SELECT 1 FROM seen_event_ids WHERE event_id = ?)`,
		eventID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check seen event %q: %w", eventID, err)
	}

	return exists == 1, nil
}

// PruneSeenEvents removes seen event rows older than the cutoff timestamp.
func (s *Store) PruneSeenEvents(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM seen_event_ids WHERE received_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune seen events: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for seen event prune: %w", err)
	}

	return rowsAffected, nil
}
