package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncState is one row of _sync_state (spec.md §4.D).
type SyncState struct {
	EntityName    string
	State         string
	LastSyncTime  string
	LastTimestamp string
	RecordsCount  int
}

// ReadSyncState reads the current state row for entity, if any.
func (m *Manager) ReadSyncState(ctx context.Context, entity string) (SyncState, bool, error) {
	query := fmt.Sprintf("SELECT entity_name, state, last_sync_time, last_timestamp, records_count FROM %s WHERE entity_name = %s",
		m.q(syncStateTable), m.backend.Placeholder(1))
	var s SyncState
	var lastSync, lastTS sql.NullString
	var count sql.NullInt64
	err := m.db.QueryRowContext(ctx, query, entity).Scan(&s.EntityName, &s.State, &lastSync, &lastTS, &count)
	if err == sql.ErrNoRows {
		return SyncState{}, false, nil
	}
	if err != nil {
		return SyncState{}, false, fmt.Errorf("storage: read sync state for %s: %w", entity, err)
	}
	s.LastSyncTime = lastSync.String
	s.LastTimestamp = lastTS.String
	s.RecordsCount = int(count.Int64)
	return s, true, nil
}

// UpsertSyncState writes (insert-or-replace) the current state row.
func (m *Manager) UpsertSyncState(ctx context.Context, s SyncState) error {
	_, exists, err := m.ReadSyncState(ctx, s.EntityName)
	if err != nil {
		return err
	}
	if exists {
		stmt := fmt.Sprintf("UPDATE %s SET state = %s, last_sync_time = %s, last_timestamp = %s, records_count = %s WHERE entity_name = %s",
			m.q(syncStateTable), m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3), m.backend.Placeholder(4), m.backend.Placeholder(5))
		_, err := m.db.ExecContext(ctx, stmt, s.State, s.LastSyncTime, s.LastTimestamp, s.RecordsCount, s.EntityName)
		if err != nil {
			return fmt.Errorf("storage: update sync state for %s: %w", s.EntityName, err)
		}
		return nil
	}
	stmt := fmt.Sprintf("INSERT INTO %s (entity_name, state, last_sync_time, last_timestamp, records_count) VALUES (%s, %s, %s, %s, %s)",
		m.q(syncStateTable), m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3), m.backend.Placeholder(4), m.backend.Placeholder(5))
	_, err = m.db.ExecContext(ctx, stmt, s.EntityName, s.State, s.LastSyncTime, s.LastTimestamp, s.RecordsCount)
	if err != nil {
		return fmt.Errorf("storage: insert sync state for %s: %w", s.EntityName, err)
	}
	return nil
}

// SyncLog states (spec.md §4.D).
const (
	SyncLogInProgress = "in_progress"
	SyncLogCompleted  = "completed"
	SyncLogFailed     = "failed"
)

// BeginSyncLog inserts an in-progress _sync_log row and returns its id.
func (m *Manager) BeginSyncLog(ctx context.Context, entity string, start time.Time) (int64, error) {
	stmt := fmt.Sprintf("INSERT INTO %s (entity_name, start_time, status) VALUES (%s, %s, %s)",
		m.q(syncLogTable), m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3))
	res, err := m.db.ExecContext(ctx, stmt, entity, start.Format(time.RFC3339), SyncLogInProgress)
	if err != nil {
		return 0, fmt.Errorf("storage: begin sync log for %s: %w", entity, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("storage: read sync log id for %s: %w", entity, err)
	}
	return id, nil
}

// FinishSyncLog stamps a sync log row with its end state (spec.md §4.D).
func (m *Manager) FinishSyncLog(ctx context.Context, id int64, end time.Time, added, updated int, status string, errMsg string) error {
	stmt := fmt.Sprintf("UPDATE %s SET end_time = %s, records_added = %s, records_updated = %s, status = %s, error_message = %s WHERE id = %s",
		m.q(syncLogTable),
		m.backend.Placeholder(1), m.backend.Placeholder(2), m.backend.Placeholder(3),
		m.backend.Placeholder(4), m.backend.Placeholder(5), m.backend.Placeholder(6))
	_, err := m.db.ExecContext(ctx, stmt, end.Format(time.RFC3339), added, updated, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("storage: finish sync log %d: %w", id, err)
	}
	return nil
}
