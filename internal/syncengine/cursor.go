package syncengine

import (
	"context"
	"database/sql"
	"strconv"
	"time"
)

// cursorKey is the shared sync_state row read by both the drift scanner
// and startup sync, so the two do not independently track (and risk
// disagreeing on) how far the local database has caught up with the
// cloud's updated_at ordering.
const cursorKey = "last_seen_cloud_updated_at"

func (e *Engine) getCursor(ctx context.Context) (time.Time, error) {
	var value string
	err := e.local.DB().QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, cursorKey).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Unix(0, 0).UTC(), nil
	}
	if err != nil {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(sec, 0).UTC(), nil
}

func (e *Engine) setCursor(ctx context.Context, t time.Time) error {
	_, err := e.local.DB().ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		cursorKey, strconv.FormatInt(t.Unix(), 10))
	return err
}
