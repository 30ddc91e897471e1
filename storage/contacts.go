package storage

import (
	"database/sql"
	"errors"
	"fmt"

	"firechat/models"
)

// AddContact inserts a new contact row. Adding an existing address fails.
func (s *Store) AddContact(contact models.Contact) error {
	if contact.Address == "" {
		return errors.New("contact address is required")
	}
	if contact.AddedTimestamp == 0 {
		contact.AddedTimestamp = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO contacts (address, domain, added_timestamp, last_seen_at)
		VALUES (?, ?, ?, ?)`,
		contact.Address,
		contact.Domain,
		contact.AddedTimestamp,
		nullableMillis(contact.LastSeenAt),
	)
	if err != nil {
		return fmt.Errorf("insert contact %q: %w", contact.Address, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for contact insert: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("contact %q already exists", contact.Address)
	}

	return nil
}

// GetContact fetches one contact by address.
func (s *Store) GetContact(address string) (*models.Contact, error) {
	if address == "" {
		return nil, errors.New("contact address is required")
	}

	row := s.db.QueryRow(
		`SELECT address, domain, added_timestamp, last_seen_at
		FROM contacts
		WHERE address = ?`,
		address,
	)

	contact, err := scanContact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get contact %q: %w", address, err)
	}
	return contact, nil
}

// ListContacts returns all contacts ordered by added timestamp.
func (s *Store) ListContacts() ([]models.Contact, error) {
	rows, err := s.db.Query(
		`SELECT address, domain, added_timestamp, last_seen_at
		FROM contacts
		ORDER BY added_timestamp ASC, address ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	contacts := make([]models.Contact, 0)
	for rows.Next() {
		contact, err := scanContact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contact row: %w", err)
		}
		contacts = append(contacts, *contact)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contact rows: %w", err)
	}

	return contacts, nil
}

// TouchContact updates a contact's last-seen timestamp.
func (s *Store) TouchContact(address string, lastSeenAt int64) error {
	if address == "" {
		return errors.New("contact address is required")
	}
	if lastSeenAt == 0 {
		lastSeenAt = nowUnixMilli()
	}

	res, err := s.db.Exec(
		`UPDATE contacts SET last_seen_at = ? WHERE address = ?`,
		lastSeenAt,
		address,
	)
	if err != nil {
		return fmt.Errorf("touch contact %q: %w", address, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for contact touch: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

// RemoveContact deletes a contact by address.
func (s *Store) RemoveContact(address string) error {
	if address == "" {
		return errors.New("contact address is required")
	}

	res, err := s.db.Exec(`DELETE FROM contacts WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("remove contact %q: %w", address, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for contact delete: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanContact(row scanner) (*models.Contact, error) {
	var (
		contact    models.Contact
		lastSeenAt sql.NullInt64
	)

	if err := row.Scan(
		&contact.Address,
		&contact.Domain,
		&contact.AddedTimestamp,
		&lastSeenAt,
	); err != nil {
		return nil, err
	}

	if lastSeenAt.Valid {
		contact.LastSeenAt = lastSeenAt.Int64
	}

	return &contact, nil
}

func nullableMillis(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
