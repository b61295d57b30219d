package storage

import (
	"context"
	"database/sql"
	"time"
)

// CacheIncr increments key and returns the new value. The counter starts a
// fresh window of length window when absent or expired.
func (s *Store) CacheIncr(ctx context.Context, key string, window time.Duration, at time.Time) (int64, error) {
	ts := formatTime(at)
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?1, 1, ?2)
		ON CONFLICT(key) DO UPDATE SET
			value = CASE WHEN cache_entries.expires_at <= ?3 THEN 1 ELSE cache_entries.value + 1 END,
			expires_at = CASE WHEN cache_entries.expires_at <= ?3 THEN excluded.expires_at ELSE cache_entries.expires_at END
		RETURNING value`,
		key, formatTime(at.Add(window)), ts).Scan(&n)
	return n, err
}

// CacheTryLock sets key if it is absent or expired and reports whether it did.
func (s *Store) CacheTryLock(ctx context.Context, key string, ttl time.Duration, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?1, 1, ?2)
		ON CONFLICT(key) DO UPDATE SET value = 1, expires_at = excluded.expires_at
		WHERE cache_entries.expires_at <= ?3`,
		key, formatTime(at.Add(ttl)), formatTime(at))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CacheTTL returns how long key has left, or zero when absent or expired.
func (s *Store) CacheTTL(ctx context.Context, key string, at time.Time) (time.Duration, error) {
	var expiresAt string
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM cache_entries WHERE key = ?`, key).Scan(&expiresAt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	exp, err := parseTime(expiresAt)
	if err != nil {
		return 0, err
	}
	if d := exp.Sub(at); d > 0 {
		return d, nil
	}
	return 0, nil
}

// CachePurgeExpired drops entries that expired before at.
func (s *Store) CachePurgeExpired(ctx context.Context, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE expires_at <= ?`, formatTime(at))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
