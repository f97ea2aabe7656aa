package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// heldBy is the condition every SyncState write outside lock acquisition
// carries: the caller must be the unexpired holder.
const heldBy = `id = 1 AND lock_holder = ? AND (lock_expires_at IS NULL OR lock_expires_at > ?)`

// TryAcquireLock writes holder and expiresAt into the SyncState row if it is
// unlocked or its lock expired at or before now. The check and the write are
// one UPDATE; the caller won iff a row changed.
func (b *Backend) TryAcquireLock(ctx context.Context, holder string, now, expiresAt time.Time) (bool, error) {
	db, release, err := b.conn()
	if err != nil {
		return false, err
	}
	defer release()

	n := formatTime(now)
	res, err := db.ExecContext(ctx, `UPDATE sync_state
SET lock_holder = ?, lock_acquired_at = ?, lock_expires_at = ?, updated_at = ?
WHERE id = 1 AND (lock_holder IS NULL OR (lock_expires_at IS NOT NULL AND lock_expires_at <= ?))`,
		holder, n, formatTime(expiresAt), n, n)
	if err != nil {
		return false, fmt.Errorf("acquiring lock: %w", err)
	}
	return affected(res)
}

// ExtendLock moves the expiry of a lock the holder still holds.
func (b *Backend) ExtendLock(ctx context.Context, holder string, now, expiresAt time.Time) (bool, error) {
	db, release, err := b.conn()
	if err != nil {
		return false, err
	}
	defer release()

	n := formatTime(now)
	res, err := db.ExecContext(ctx, `UPDATE sync_state SET lock_expires_at = ?, updated_at = ? WHERE `+heldBy,
		formatTime(expiresAt), n, holder, n)
	if err != nil {
		return false, fmt.Errorf("extending lock: %w", err)
	}
	return affected(res)
}

// ReleaseLock clears the lock fields if holder is the recorded holder.
func (b *Backend) ReleaseLock(ctx context.Context, holder string, now time.Time) (bool, error) {
	db, release, err := b.conn()
	if err != nil {
		return false, err
	}
	defer release()

	res, err := db.ExecContext(ctx, `UPDATE sync_state
SET lock_holder = NULL, lock_acquired_at = NULL, lock_expires_at = NULL, updated_at = ?
WHERE id = 1 AND lock_holder = ?`, formatTime(now), holder)
	if err != nil {
		return false, fmt.Errorf("releasing lock: %w", err)
	}
	return affected(res)
}

// LockInfo reads the lock fields of the SyncState row.
func (b *Backend) LockInfo(ctx context.Context) (types.LockInfo, error) {
	db, release, err := b.conn()
	if err != nil {
		return types.LockInfo{}, err
	}
	defer release()

	var holder, acquired, expires sql.NullString
	err = db.QueryRowContext(ctx,
		`SELECT lock_holder, lock_acquired_at, lock_expires_at FROM sync_state WHERE id = 1`,
	).Scan(&holder, &acquired, &expires)
	if err != nil {
		return types.LockInfo{}, fmt.Errorf("reading lock: %w", err)
	}
	return hydrateLock(holder, acquired, expires)
}

// SyncState reads the singleton row.
func (b *Backend) SyncState(ctx context.Context) (*types.SyncState, error) {
	db, release, err := b.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		s                                 types.SyncState
		holder, acquired, expires         sql.NullString
		lastSyncAt, lastResult, lastError sql.NullString
		lastDriftAt                       sql.NullString
		durationMs                        int64
		driftDetected                     int
		details, updatedAt                string
	)
	err = db.QueryRowContext(ctx, `SELECT lock_holder, lock_acquired_at, lock_expires_at,
last_full_sync_at, last_full_sync_duration_ms, last_full_sync_result, last_full_sync_error,
last_drift_check_at, drift_detected, drift_details,
total_collections, total_properties, orphaned_tables, orphaned_columns, updated_at
FROM sync_state WHERE id = 1`).Scan(
		&holder, &acquired, &expires,
		&lastSyncAt, &durationMs, &lastResult, &lastError,
		&lastDriftAt, &driftDetected, &details,
		&s.TotalCollections, &s.TotalProperties, &s.OrphanedTables, &s.OrphanedColumns, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("reading sync state: %w", err)
	}

	if s.Lock, err = hydrateLock(holder, acquired, expires); err != nil {
		return nil, err
	}
	if s.LastFullSyncAt, err = parseNullTime(lastSyncAt); err != nil {
		return nil, err
	}
	if s.LastDriftCheckAt, err = parseNullTime(lastDriftAt); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	s.LastFullSyncDuration = time.Duration(durationMs) * time.Millisecond
	s.LastFullSyncResult = stringPtr(lastResult)
	s.LastFullSyncError = stringPtr(lastError)
	s.DriftDetected = driftDetected != 0
	if err := json.Unmarshal([]byte(details), &s.DriftDetails); err != nil {
		return nil, fmt.Errorf("decoding drift details: %w", err)
	}
	return &s, nil
}

// RecordDriftCheck writes a drift report into the SyncState row.
// Returns ErrNotLockHolder unless holder holds an unexpired lock at now.
func (b *Backend) RecordDriftCheck(ctx context.Context, holder string, now time.Time, report types.DriftReport) error {
	db, release, err := b.conn()
	if err != nil {
		return err
	}
	defer release()

	issues := report.Issues
	if issues == nil {
		issues = []types.Issue{}
	}
	details, err := json.Marshal(issues)
	if err != nil {
		return fmt.Errorf("encoding drift details: %w", err)
	}

	n := formatTime(now)
	res, err := db.ExecContext(ctx, `UPDATE sync_state SET
last_drift_check_at = ?, drift_detected = ?, drift_details = ?,
total_collections = ?, total_properties = ?, orphaned_tables = ?, orphaned_columns = ?,
updated_at = ?
WHERE `+heldBy,
		n, boolToInt(report.DriftDetected()), string(details),
		report.Counts.TotalCollections, report.Counts.TotalProperties,
		report.Counts.OrphanedTables, report.Counts.OrphanedColumns,
		n, holder, n)
	if err != nil {
		return fmt.Errorf("recording drift check: %w", err)
	}
	return requireHolder(res)
}

// RecordSyncResult writes the outcome of a full sync run.
// Returns ErrNotLockHolder unless holder holds an unexpired lock at now.
func (b *Backend) RecordSyncResult(ctx context.Context, holder string, now time.Time, outcome types.SyncOutcome) error {
	db, release, err := b.conn()
	if err != nil {
		return err
	}
	defer release()

	var errMsg sql.NullString
	if outcome.ErrorMessage != "" {
		errMsg = sql.NullString{String: outcome.ErrorMessage, Valid: true}
	}

	n := formatTime(now)
	res, err := db.ExecContext(ctx, `UPDATE sync_state SET
last_full_sync_at = ?, last_full_sync_duration_ms = ?, last_full_sync_result = ?, last_full_sync_error = ?,
updated_at = ?
WHERE `+heldBy,
		n, outcome.Duration.Milliseconds(), outcome.Result, errMsg, n, holder, n)
	if err != nil {
		return fmt.Errorf("recording sync result: %w", err)
	}
	return requireHolder(res)
}

func hydrateLock(holder, acquired, expires sql.NullString) (types.LockInfo, error) {
	var l types.LockInfo
	var err error
	l.Holder = stringPtr(holder)
	if l.AcquiredAt, err = parseNullTime(acquired); err != nil {
		return l, err
	}
	if l.ExpiresAt, err = parseNullTime(expires); err != nil {
		return l, err
	}
	return l, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n == 1, nil
}

func requireHolder(res sql.Result) error {
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return types.ErrNotLockHolder
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
