package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dyngate/dyngate/internal/model"
)

// InsertSyncRecord appends one sync attempt to the history. Failed attempts
// are recorded too, so backoff decisions survive restarts.
func (s *Store) InsertSyncRecord(ctx context.Context, rec *model.SyncRecord) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO sync_records
			(started_at, completed_at, success, error, entity_count, enum_count, document_bytes, duration_ms, source_instance)
		VALUES
			(:started_at, :completed_at, :success, :error, :entity_count, :enum_count, :document_bytes, :duration_ms, :source_instance)`,
		rec)
	if err != nil {
		return fmt.Errorf("recording sync attempt: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// LatestSyncRecord returns the most recent sync attempt, successful or not.
// Returns ErrNotFound when no sync has ever run.
func (s *Store) LatestSyncRecord(ctx context.Context) (*model.SyncRecord, error) {
	var rec model.SyncRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT id, started_at, completed_at, success, error, entity_count, enum_count, document_bytes, duration_ms, source_instance
		FROM sync_records
		ORDER BY id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync history: %w", err)
	}
	return &rec, nil
}

// LatestSuccessfulSync returns the most recent successful sync, or
// ErrNotFound when none has succeeded yet.
func (s *Store) LatestSuccessfulSync(ctx context.Context) (*model.SyncRecord, error) {
	var rec model.SyncRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT id, started_at, completed_at, success, error, entity_count, enum_count, document_bytes, duration_ms, source_instance
		FROM sync_records
		WHERE success = 1
		ORDER BY id DESC
		LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading sync history: %w", err)
	}
	return &rec, nil
}
