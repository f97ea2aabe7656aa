package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

const changeColumns = `id, entity_type, entity_id, entity_code, change_type, change_source,
before_state, after_state, ddl_statements, performed_by, performed_by_type, success, error_message,
is_rolled_back, rolled_back_at, rolled_back_by, rollback_reason, created_at`

// InsertChange persists a change log entry. An empty ID is replaced with a
// generated UUID v7; the entry is validated before it is written.
func (b *Backend) InsertChange(ctx context.Context, e *types.SchemaChangeLogEntry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	db, release, err := b.conn()
	if err != nil {
		return err
	}
	defer release()

	if e.ID == "" {
		e.ID = generateUUID()
	}
	before, err := marshalState(e.BeforeState)
	if err != nil {
		return err
	}
	after, err := marshalState(e.AfterState)
	if err != nil {
		return err
	}
	stmts := e.DDLStatements
	if stmts == nil {
		stmts = []string{}
	}
	ddlJSON, err := json.Marshal(stmts)
	if err != nil {
		return fmt.Errorf("encoding ddl statements: %w", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO schema_change_log (`+changeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, NULL, ?)`,
		e.ID, e.EntityType, e.EntityID, e.EntityCode, e.ChangeType, e.ChangeSource,
		before, after, string(ddlJSON), e.PerformedBy, e.PerformedByType,
		boolToInt(e.Success), nullString(e.ErrorMessage), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting change %s: %w", e.ID, err)
	}
	return nil
}

// GetChange retrieves a change log entry by ID.
func (b *Backend) GetChange(ctx context.Context, id string) (*types.SchemaChangeLogEntry, error) {
	if id == "" {
		return nil, types.ErrInvalidID
	}
	db, release, err := b.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	row := db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM schema_change_log WHERE id = ?`, id)
	e, err := hydrateChange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, types.ErrNotFound
		}
		return nil, fmt.Errorf("getting change %s: %w", id, err)
	}
	return e, nil
}

// ListChanges returns the entries matching filter in creation order.
func (b *Backend) ListChanges(ctx context.Context, filter types.ChangeFilter) ([]*types.SchemaChangeLogEntry, error) {
	if filter.Limit < 0 {
		return nil, types.ErrInvalidFilter
	}
	db, release, err := b.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	var where []string
	var args []any
	add := func(cond string, v any) {
		where = append(where, cond)
		args = append(args, v)
	}
	if filter.EntityType != "" {
		add("entity_type = ?", filter.EntityType)
	}
	if filter.EntityID != "" {
		add("entity_id = ?", filter.EntityID)
	}
	if filter.ChangeType != "" {
		add("change_type = ?", filter.ChangeType)
	}
	if filter.PerformedBy != "" {
		add("performed_by = ?", filter.PerformedBy)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		add("created_at < ?", formatTime(filter.Until))
	}

	query := `SELECT ` + changeColumns + ` FROM schema_change_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying changes: %w", err)
	}
	defer rows.Close()

	var entries []*types.SchemaChangeLogEntry
	for rows.Next() {
		e, err := hydrateChange(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating changes: %w", err)
	}
	return entries, nil
}

// MarkRolledBack sets the rollback fields of an entry. The fields transition
// once: a second call returns ErrAlreadyRolledBack.
func (b *Backend) MarkRolledBack(ctx context.Context, id string, at time.Time, by, reason string) error {
	if id == "" {
		return types.ErrInvalidID
	}
	db, release, err := b.conn()
	if err != nil {
		return err
	}
	defer release()

	return withTx(ctx, db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE schema_change_log
SET is_rolled_back = 1, rolled_back_at = ?, rolled_back_by = ?, rollback_reason = ?
WHERE id = ? AND is_rolled_back = 0`, formatTime(at), by, reason, id)
		if err != nil {
			return fmt.Errorf("marking change %s rolled back: %w", id, err)
		}
		ok, err := affected(res)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM schema_change_log WHERE id = ?`, id).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking change %s: %w", id, err)
		}
		return types.ErrAlreadyRolledBack
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func hydrateChange(row scanner) (*types.SchemaChangeLogEntry, error) {
	var (
		e                                types.SchemaChangeLogEntry
		before, after, errMsg            sql.NullString
		rolledAt, rolledBy, rolledReason sql.NullString
		ddlJSON, createdAt               string
		success, rolledBack              int
	)
	err := row.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.EntityCode, &e.ChangeType, &e.ChangeSource,
		&before, &after, &ddlJSON, &e.PerformedBy, &e.PerformedByType, &success, &errMsg,
		&rolledBack, &rolledAt, &rolledBy, &rolledReason, &createdAt)
	if err != nil {
		return nil, err
	}

	if e.BeforeState, err = unmarshalState(before); err != nil {
		return nil, err
	}
	if e.AfterState, err = unmarshalState(after); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ddlJSON), &e.DDLStatements); err != nil {
		return nil, fmt.Errorf("decoding ddl statements: %w", err)
	}
	if e.RolledBackAt, err = parseNullTime(rolledAt); err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	e.Success = success != 0
	e.ErrorMessage = stringPtr(errMsg)
	e.IsRolledBack = rolledBack != 0
	e.RolledBackBy = stringPtr(rolledBy)
	e.RollbackReason = stringPtr(rolledReason)
	return &e, nil
}

func marshalState(s *types.EntityState) (sql.NullString, error) {
	if s == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding entity state: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalState(ns sql.NullString) (*types.EntityState, error) {
	if !ns.Valid {
		return nil, nil
	}
	var s types.EntityState
	if err := json.Unmarshal([]byte(ns.String), &s); err != nil {
		return nil, fmt.Errorf("decoding entity state: %w", err)
	}
	return &s, nil
}
