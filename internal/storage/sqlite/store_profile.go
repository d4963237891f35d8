package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/framelog/framelog/internal/schema"
	"github.com/framelog/framelog/internal/storage"
)

// GetProfile retrieves the user profile record.
func (s *Store) GetProfile(ctx context.Context) (storage.ProfileRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ProfileRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ProfileRecord{}, fmt.Errorf("storage is not configured")
	}

	var (
		record      storage.ProfileRecord
		preferences string
		updatedAt   int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT schema_version, unlock_tier, lifetime_total, session_count, preferences_json, updated_at
FROM user_profile WHERE id = 1`).Scan(
		&record.SchemaVersion,
		&record.UnlockTier,
		&record.LifetimeTotal,
		&record.SessionCount,
		&preferences,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.ProfileRecord{}, storage.ErrNotFound
		}
		return storage.ProfileRecord{}, storeErr("get profile", err)
	}
	record.PreferencesJSON = []byte(preferences)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}

// PutProfile upserts the user profile record.
func (s *Store) PutProfile(ctx context.Context, record storage.ProfileRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if record.SchemaVersion == 0 {
		current, ok := s.registry.CurrentVersion(schema.KindProfile)
		if !ok {
			return fmt.Errorf("no schema registered for profile")
		}
		record.SchemaVersion = current
	}
	if record.UnlockTier < 0 || record.LifetimeTotal < 0 || record.SessionCount < 0 {
		return fmt.Errorf("profile counters must be non-negative")
	}
	preferences := record.PreferencesJSON
	if len(preferences) == 0 {
		preferences = []byte("{}")
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	if _, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO user_profile (id, schema_version, unlock_tier, lifetime_total, session_count, preferences_json, updated_at)
VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
    schema_version = excluded.schema_version,
    unlock_tier = excluded.unlock_tier,
    lifetime_total = excluded.lifetime_total,
    session_count = excluded.session_count,
    preferences_json = excluded.preferences_json,
    updated_at = excluded.updated_at`,
		record.SchemaVersion,
		record.UnlockTier,
		record.LifetimeTotal,
		record.SessionCount,
		string(preferences),
		toMillis(record.UpdatedAt),
	); err != nil {
		return storeErr("put profile", err)
	}
	return nil
}

// WipeProfile removes the profile record entirely.
func (s *Store) WipeProfile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if _, err := s.sqlDB.ExecContext(ctx, "DELETE FROM user_profile WHERE id = 1"); err != nil {
		return storeErr("wipe profile", err)
	}
	return nil
}
