package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

const ledgerColumns = `id, actor, resource, action, old_values, new_values, ip, user_agent, created_at, hash, previous_hash`

// AppendEntry appends one ledger entry. The transaction takes the database
// write lock before reading the tail, so build sees the tail the new entry
// will follow, across processes. tail is nil for an empty ledger.
func (b *Backend) AppendEntry(ctx context.Context, build func(tail *types.AuditEntry) (*types.AuditEntry, error)) (*types.AuditEntry, error) {
	db, release, err := b.conn()
	if err != nil {
		return nil, err
	}
	defer release()

	var appended *types.AuditEntry
	err = withTx(ctx, db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+ledgerColumns+` FROM audit_ledger ORDER BY created_at DESC, id DESC LIMIT 1`)
		tail, err := hydrateAuditEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			tail, err = nil, nil
		}
		if err != nil {
			return fmt.Errorf("reading ledger tail: %w", err)
		}

		e, err := build(tail)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO audit_ledger (`+ledgerColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.Actor, e.Resource, e.Action, rawJSON(e.OldValues), rawJSON(e.NewValues),
			e.Metadata.IP, e.Metadata.UserAgent, formatTime(e.CreatedAt), e.Hash, nullString(e.PreviousHash))
		if err != nil {
			return fmt.Errorf("inserting ledger entry: %w", err)
		}
		appended = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// ChainSegment returns the entries from fromID (or the first entry, when
// fromID is empty) to the tail in chain order, together with the stored hash
// of the entry preceding the segment. anchor is nil when the segment starts
// the chain. Returns ErrNotFound if fromID does not exist.
func (b *Backend) ChainSegment(ctx context.Context, fromID string) (anchor *string, entries []*types.AuditEntry, err error) {
	db, release, err := b.conn()
	if err != nil {
		return nil, nil, err
	}
	defer release()

	query := `SELECT ` + ledgerColumns + ` FROM audit_ledger ORDER BY created_at, id`
	var args []any
	if fromID != "" {
		var createdAt string
		err := db.QueryRowContext(ctx, `SELECT created_at FROM audit_ledger WHERE id = ?`, fromID).Scan(&createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, types.ErrNotFound
		}
		if err != nil {
			return nil, nil, fmt.Errorf("locating ledger entry %s: %w", fromID, err)
		}

		var prev string
		err = db.QueryRowContext(ctx, `SELECT hash FROM audit_ledger
WHERE created_at < ? OR (created_at = ? AND id < ?)
ORDER BY created_at DESC, id DESC LIMIT 1`, createdAt, createdAt, fromID).Scan(&prev)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return nil, nil, fmt.Errorf("reading anchor of %s: %w", fromID, err)
		default:
			anchor = &prev
		}

		query = `SELECT ` + ledgerColumns + ` FROM audit_ledger
WHERE created_at > ? OR (created_at = ? AND id >= ?)
ORDER BY created_at, id`
		args = []any{createdAt, createdAt, fromID}
	}

	entries, err = queryAuditEntries(ctx, db, query, args...)
	if err != nil {
		return nil, nil, err
	}
	return anchor, entries, nil
}

// ListEntries returns the entries matching filter in chain order.
func (b *Backend) ListEntries(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
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
	if filter.Actor != "" {
		add("actor = ?", filter.Actor)
	}
	if filter.Resource != "" {
		add("resource = ?", filter.Resource)
	}
	if filter.Action != "" {
		add("action = ?", filter.Action)
	}
	if !filter.Since.IsZero() {
		add("created_at >= ?", formatTime(filter.Since))
	}
	if !filter.Until.IsZero() {
		add("created_at < ?", formatTime(filter.Until))
	}

	query := `SELECT ` + ledgerColumns + ` FROM audit_ledger`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return queryAuditEntries(ctx, db, query, args...)
}

func queryAuditEntries(ctx context.Context, db *sql.DB, query string, args ...any) ([]*types.AuditEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []*types.AuditEntry
	for rows.Next() {
		e, err := hydrateAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger: %w", err)
	}
	return entries, nil
}

func hydrateAuditEntry(row scanner) (*types.AuditEntry, error) {
	var (
		e                    types.AuditEntry
		oldValues, newValues sql.NullString
		previousHash         sql.NullString
		createdAt            string
	)
	err := row.Scan(&e.ID, &e.Actor, &e.Resource, &e.Action, &oldValues, &newValues,
		&e.Metadata.IP, &e.Metadata.UserAgent, &createdAt, &e.Hash, &previousHash)
	if err != nil {
		return nil, err
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if oldValues.Valid {
		e.OldValues = json.RawMessage(oldValues.String)
	}
	if newValues.Valid {
		e.NewValues = json.RawMessage(newValues.String)
	}
	e.PreviousHash = stringPtr(previousHash)
	return &e, nil
}

// rawJSON stores absent and null documents as SQL NULL.
func rawJSON(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 || string(raw) == "null" {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
