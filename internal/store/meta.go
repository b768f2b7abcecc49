package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const lastSyncKey = "last_sync_time"

// LastSyncTime returns the watermark of the last successful sync. The
// boolean is false when no sync has ever completed (first-ever pull omits
// the since parameter).
func (s *Store) LastSyncTime(ctx context.Context) (time.Time, bool, error) {
	var value string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM sync_meta WHERE key = ?`, lastSyncKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to read last sync time: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse last sync time %q: %w", value, err)
	}
	return t, true, nil
}

// SetLastSyncTime records the watermark after a successful sync attempt,
// whether the attempt pushed or pulled.
func (s *Store) SetLastSyncTime(ctx context.Context, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSyncKey, t.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set last sync time: %w", err)
	}
	return nil
}

// Counts summarizes the collections for status display.
type Counts struct {
	Patients  int
	Records   int
	Reminders int
	Pending   int
}

// CollectionCounts returns per-collection row counts plus the pending
// queue depth. A pure read, safe mid-sync.
func (s *Store) CollectionCounts(ctx context.Context) (*Counts, error) {
	var c Counts
	for _, q := range []struct {
		query string
		dst   *int
	}{
		{`SELECT COUNT(*) FROM patients`, &c.Patients},
		{`SELECT COUNT(*) FROM records`, &c.Records},
		{`SELECT COUNT(*) FROM reminders`, &c.Reminders},
		{`SELECT COUNT(*) FROM sync_queue`, &c.Pending},
	} {
		if err := s.conn.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to count collections: %w", err)
		}
	}
	return &c, nil
}
