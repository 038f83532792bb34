package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PlayRecord is one entry of the play history.
type PlayRecord struct {
	ItemID   string    `json:"itemId"`
	Title    string    `json:"title"`
	PlayedAt time.Time `json:"playedAt"`
}

// SavePosition stores the resume position for itemID. A non-positive position
// clears it.
func (d *DB) SavePosition(ctx context.Context, itemID string, pos time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrNotOpen
	}

	if pos <= 0 {
		if _, err := d.db.ExecContext(ctx, "DELETE FROM positions WHERE item_id = ?", itemID); err != nil {
			return fmt.Errorf("failed to clear position for %s: %w", itemID, err)
		}
		return nil
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO positions (item_id, position_ms, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET position_ms = excluded.position_ms, updated_at = excluded.updated_at
	`, itemID, pos.Milliseconds(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to save position for %s: %w", itemID, err)
	}
	return nil
}

// LoadPosition returns the stored resume position for itemID. ok is false when
// nothing was stored.
func (d *DB) LoadPosition(ctx context.Context, itemID string) (time.Duration, bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return 0, false, ErrNotOpen
	}

	var ms int64
	err := d.db.QueryRowContext(ctx, "SELECT position_ms FROM positions WHERE item_id = ?", itemID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load position for %s: %w", itemID, err)
	}
	return time.Duration(ms) * time.Millisecond, true, nil
}

// RecordPlay appends itemID to the play history.
func (d *DB) RecordPlay(ctx context.Context, itemID, title string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.db == nil {
		return ErrNotOpen
	}

	_, err := d.db.ExecContext(ctx,
		"INSERT INTO play_history (item_id, title, played_at) VALUES (?, ?, ?)",
		itemID, title, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to record play of %s: %w", itemID, err)
	}
	return nil
}

// RecentPlays returns up to limit history entries, newest first.
func (d *DB) RecentPlays(ctx context.Context, limit int) ([]PlayRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.db == nil {
		return nil, ErrNotOpen
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT item_id, COALESCE(title, ''), played_at FROM play_history
		ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query play history: %w", err)
	}
	defer rows.Close()

	var records []PlayRecord
	for rows.Next() {
		var (
			rec      PlayRecord
			playedAt string
		)
		if err := rows.Scan(&rec.ItemID, &rec.Title, &playedAt); err != nil {
			return nil, err
		}
		rec.PlayedAt, _ = time.Parse(time.RFC3339Nano, playedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
