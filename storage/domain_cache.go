package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// CacheDomain stores a resolved name-to-address mapping.
func (s *Store) CacheDomain(name, address string, cachedAt int64) error {
	if name == "" {
		return errors.New("domain name is required")
	}
	if address == "" {
		return errors.New("domain address is required")
	}
	if cachedAt == 0 {
		cachedAt = nowUnixMilli()
	}

	_, err := s.db.Exec(
		`INSERT INTO domain_cache (name, address, cached_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			cached_at = excluded.cached_at`,
		name,
		address,
		cachedAt,
	)
	if err != nil {
		return fmt.Errorf("cache domain %q: %w", name, err)
	}

	return nil
}

// LookupDomain returns a cached resolution no older than notBefore.
func (s *Store) LookupDomain(name string, notBefore int64) (string, error) {
	if name == "" {
		return "", errors.New("domain name is required")
	}

	var address string
	err := s.db.QueryRow(
		`SELECT address FROM domain_cache WHERE name = ? AND cached_at >= ?`,
		name,
		notBefore,
	).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup domain %q: %w", name, err)
	}

	return address, nil
}

// PruneDomainCache removes cache entries older than the cutoff timestamp.
func (s *Store) PruneDomainCache(cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.Exec(`DELETE FROM domain_cache WHERE cached_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune domain cache: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for domain cache prune: %w", err)
	}

	return rowsAffected, nil
}
