package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/framelog/framelog/internal/storage"
)

// PurgeSession deletes a session with all its events and snapshots.
//
// Child rows cascade from the session row, so the whole purge is one
// transactional delete.
func (s *Store) PurgeSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("session id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID)
	if err != nil {
		return storeErr("purge session", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storeErr("purge session", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PurgeAll deletes every session, event, snapshot, and the profile record.
func (s *Store) PurgeAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storeErr("begin tx", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM sessions"); err != nil {
		return storeErr("purge sessions", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM user_profile"); err != nil {
		return storeErr("purge profile", err)
	}

	if err := tx.Commit(); err != nil {
		return storeErr("commit", err)
	}
	return nil
}
