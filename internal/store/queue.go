package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"fieldcare/internal/schema"
)

// AppendQueueItem appends one mutation to the durable sync queue and
// returns its queue id. The snapshot is stored as JSON; insertion order is
// the replay order.
func (s *Store) AppendQueueItem(ctx context.Context, entityType, action string, snapshot any) (int64, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal %s snapshot: %w", entityType, err)
	}

	item := schema.QueueItem{
		Type:      entityType,
		Action:    action,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}
	if err := item.Validate(); err != nil {
		return 0, fmt.Errorf("invalid queue item: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO sync_queue (entity_type, action, data, created_at)
		VALUES (?, ?, ?, ?)`,
		item.Type, item.Action, string(item.Data), formatTime(item.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append queue item: %w", err)
	}

	return res.LastInsertId()
}

// PendingCount returns the number of mutations awaiting remote
// acknowledgement.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return count, nil
}

// EnumerateQueue returns all pending mutations in creation order (FIFO).
// This is both the durability order and the push replay order.
func (s *Store) EnumerateQueue(ctx context.Context) ([]*schema.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, entity_type, action, data, created_at
		FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate queue: %w", err)
	}
	defer rows.Close()

	var items []*schema.QueueItem
	for rows.Next() {
		var item schema.QueueItem
		var data, createdAt string
		if err := rows.Scan(&item.ID, &item.Type, &item.Action, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		item.Data = json.RawMessage(data)
		item.CreatedAt = parseTime(createdAt)
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return items, nil
}

// ClearQueueItem removes one acknowledged mutation from the queue.
// Clearing an id that is already gone is a no-op, not an error.
func (s *Store) ClearQueueItem(ctx context.Context, id int64) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to clear queue item %d: %w", id, err)
	}
	return nil
}
