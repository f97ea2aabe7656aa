package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

var _ types.DDLExecutor = (*Executor)(nil)

// Executor runs DDL batches against a SQLite database. SQLite DDL is
// transactional, so each batch applies completely or not at all.
type Executor struct {
	db *sql.DB
}

// NewExecutor returns an executor over db.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Execute runs statements in one transaction. On failure nothing is applied
// and the error names the failing statement.
func (x *Executor) Execute(ctx context.Context, statements []string) types.ExecutionResult {
	return executeBatch(ctx, x.db, statements)
}

func executeBatch(ctx context.Context, db *sql.DB, statements []string) types.ExecutionResult {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return types.ExecutionResult{ErrorMessage: fmt.Sprintf("beginning transaction: %v", err)}
	}
	for i, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			tx.Rollback()
			return types.ExecutionResult{ErrorMessage: fmt.Sprintf("statement %d (%s): %v", i+1, stmt, err)}
		}
	}
	if err := tx.Commit(); err != nil {
		return types.ExecutionResult{ErrorMessage: fmt.Sprintf("committing: %v", err)}
	}
	return types.ExecutionResult{Success: true, Applied: len(statements)}
}
