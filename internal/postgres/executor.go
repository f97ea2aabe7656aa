package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

var _ types.DDLExecutor = (*Executor)(nil)

// Executor runs DDL batches in one transaction. PostgreSQL DDL is
// transactional, so a failed batch leaves the schema untouched.
type Executor struct {
	db *sql.DB
}

// NewExecutor returns an executor over db.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Execute runs statements atomically. A server error is reported with its
// SQLSTATE so callers can tell, say, a duplicate table from a lock timeout.
func (x *Executor) Execute(ctx context.Context, statements []string) types.ExecutionResult {
	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ExecutionResult{ErrorMessage: "beginning transaction: " + describeError(err)}
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return types.ExecutionResult{ErrorMessage: fmt.Sprintf("statement %d (%s): %s", i+1, stmt, describeError(err))}
		}
	}
	if err := tx.Commit(); err != nil {
		return types.ExecutionResult{ErrorMessage: "committing: " + describeError(err)}
	}
	return types.ExecutionResult{Success: true, Applied: len(statements)}
}

// describeError renders a *pq.Error as "SQLSTATE <code> <name>: <message>"
// with its detail and hint. Other errors are rendered as is.
func describeError(err error) string {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err.Error()
	}
	msg := fmt.Sprintf("SQLSTATE %s %s: %s", pqErr.Code, pqErr.Code.Name(), pqErr.Message)
	if pqErr.Detail != "" {
		msg += " (detail: " + pqErr.Detail + ")"
	}
	if pqErr.Hint != "" {
		msg += " (hint: " + pqErr.Hint + ")"
	}
	return msg
}
