// Package changelog records schema mutations in the append-only change log
// and performs rollbacks of recorded changes.
package changelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Store persists change log entries.
type Store interface {
	InsertChange(ctx context.Context, e *types.SchemaChangeLogEntry) error
	GetChange(ctx context.Context, id string) (*types.SchemaChangeLogEntry, error)
	ListChanges(ctx context.Context, filter types.ChangeFilter) ([]*types.SchemaChangeLogEntry, error)
	MarkRolledBack(ctx context.Context, id string, at time.Time, by, reason string) error
}

// Auditor appends to the audit ledger.
type Auditor interface {
	Append(ctx context.Context, p types.AuditPayload) (*types.AuditEntry, error)
}

// Options wires a Recorder. Executor and Dialect are only needed for
// rollbacks.
type Options struct {
	Store    Store
	Auditor  Auditor
	Executor types.DDLExecutor
	Dialect  ddl.Dialect
	Clock    clock.Clock
	Logger   zerolog.Logger
}

// Recorder writes change log entries and mirrors each one into the audit
// ledger.
type Recorder struct {
	store    Store
	auditor  Auditor
	executor types.DDLExecutor
	dialect  ddl.Dialect
	clock    clock.Clock
	log      zerolog.Logger
}

// New returns a recorder. A nil Clock means the wall clock.
func New(opts Options) *Recorder {
	clk := opts.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Recorder{
		store:    opts.Store,
		auditor:  opts.Auditor,
		executor: opts.Executor,
		dialect:  opts.Dialect,
		clock:    clk,
		log:      opts.Logger,
	}
}

// ChangeRequest describes one schema mutation attempt and its outcome.
type ChangeRequest struct {
	EntityType      string
	EntityID        string
	EntityCode      string
	ChangeType      string
	ChangeSource    string
	Before          *types.EntityState
	After           *types.EntityState
	DDLStatements   []string
	PerformedBy     string
	PerformedByType string
	Result          types.ExecutionResult
	Metadata        types.AuditMetadata
}

// changeRecord is the new-values document of a change's ledger entry.
type changeRecord struct {
	ChangeID      string             `json:"changeId"`
	ChangeSource  string             `json:"changeSource"`
	State         *types.EntityState `json:"state"`
	DDLStatements []string           `json:"ddlStatements"`
	Success       bool               `json:"success"`
	ErrorMessage  string             `json:"errorMessage,omitempty"`
}

// rollbackRecord is the new-values document of a rollback's ledger entry.
type rollbackRecord struct {
	ChangeID      string             `json:"changeId"`
	Reason        string             `json:"reason"`
	Restored      *types.EntityState `json:"restored"`
	DDLStatements []string           `json:"ddlStatements"`
	DDLApplied    bool               `json:"ddlApplied,omitempty"`
	ErrorMessage  string             `json:"errorMessage,omitempty"`
}

// RecordChange persists one change log entry, with success and error taken
// from req.Result, then appends a schema.<changeType> ledger entry for it.
// An invalid request returns ErrInvalidEntry and writes nothing.
func (r *Recorder) RecordChange(ctx context.Context, req ChangeRequest) (*types.SchemaChangeLogEntry, error) {
	e := &types.SchemaChangeLogEntry{
		EntityType:      req.EntityType,
		EntityID:        req.EntityID,
		EntityCode:      req.EntityCode,
		ChangeType:      req.ChangeType,
		ChangeSource:    req.ChangeSource,
		BeforeState:     req.Before,
		AfterState:      req.After,
		DDLStatements:   req.DDLStatements,
		PerformedBy:     req.PerformedBy,
		PerformedByType: req.PerformedByType,
		Success:         req.Result.Success,
		CreatedAt:       r.clock.Now().UTC(),
	}
	if !req.Result.Success && req.Result.ErrorMessage != "" {
		msg := req.Result.ErrorMessage
		e.ErrorMessage = &msg
	}
	if err := r.store.InsertChange(ctx, e); err != nil {
		return nil, fmt.Errorf("recording %s of %s %s: %w", e.ChangeType, e.EntityType, e.EntityCode, err)
	}

	_, err := r.auditor.Append(ctx, types.AuditPayload{
		Actor:     e.PerformedBy,
		Resource:  resource(e),
		Action:    types.ActionSchemaPrefix + e.ChangeType,
		OldValues: stateOrNil(e.BeforeState),
		NewValues: changeRecord{
			ChangeID:      e.ID,
			ChangeSource:  e.ChangeSource,
			State:         e.AfterState,
			DDLStatements: e.DDLStatements,
			Success:       e.Success,
			ErrorMessage:  req.Result.ErrorMessage,
		},
		Metadata: req.Metadata,
	})
	if err != nil {
		r.log.Error().Err(err).Str("change", e.ID).Msg("Failed to audit schema change")
		return e, fmt.Errorf("auditing change %s: %w", e.ID, err)
	}

	r.log.Info().
		Str("change", e.ID).
		Str("entity", resource(e)).
		Str("type", e.ChangeType).
		Bool("success", e.Success).
		Msg("Recorded schema change")
	return e, nil
}

// PerformRollback undoes a recorded change. Ineligible entries are refused
// with ErrRollbackIneligible and the reason. The inverse DDL runs through
// the executor; a failed run appends schema.rollback_failed, leaves the
// entry untouched, and returns ErrDDLApplication. If the DDL ran but the
// entry cannot be marked, schema.rollback_failed is appended with
// ddlApplied set. On success the entry's rollback fields are set once and a
// schema.rollback ledger entry records the rollback itself. The caller must
// hold the schema lock.
func (r *Recorder) PerformRollback(ctx context.Context, entryID, actor, reason string) (*types.SchemaChangeLogEntry, error) {
	if actor == "" {
		return nil, fmt.Errorf("%w: rollback needs an actor", types.ErrInvalidEntry)
	}
	e, err := r.store.GetChange(ctx, entryID)
	if err != nil {
		return nil, fmt.Errorf("loading change %s: %w", entryID, err)
	}
	if ok, why := types.RollbackEligibility(e); !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrRollbackIneligible, why)
	}
	if r.executor == nil || r.dialect == nil {
		return nil, errors.New("recorder has no DDL executor")
	}

	stmts, err := ddl.Inverse(r.dialect, e)
	if err != nil {
		return nil, fmt.Errorf("deriving rollback of %s: %w", e.ID, err)
	}

	if len(stmts) > 0 {
		res := r.executor.Execute(ctx, stmts)
		if !res.Success {
			r.log.Error().
				Str("change", e.ID).
				Str("error", res.ErrorMessage).
				Msg("Rollback DDL failed")
			_, auditErr := r.auditor.Append(ctx, types.AuditPayload{
				Actor:     actor,
				Resource:  resource(e),
				Action:    types.ActionRollbackFailed,
				OldValues: stateOrNil(e.AfterState),
				NewValues: rollbackRecord{
					ChangeID:      e.ID,
					Reason:        reason,
					Restored:      e.BeforeState,
					DDLStatements: stmts,
					ErrorMessage:  res.ErrorMessage,
				},
			})
			return nil, errors.Join(fmt.Errorf("%w: %s", types.ErrDDLApplication, res.ErrorMessage), auditErr)
		}
	}

	if err := r.store.MarkRolledBack(ctx, e.ID, r.clock.Now().UTC(), actor, reason); err != nil {
		markErr := fmt.Errorf("marking change %s rolled back: %w", e.ID, err)
		r.log.Error().
			Err(err).
			Str("change", e.ID).
			Int("statements", len(stmts)).
			Msg("Rollback DDL applied but change not marked")
		_, auditErr := r.auditor.Append(ctx, types.AuditPayload{
			Actor:     actor,
			Resource:  resource(e),
			Action:    types.ActionRollbackFailed,
			OldValues: stateOrNil(e.AfterState),
			NewValues: rollbackRecord{
				ChangeID:      e.ID,
				Reason:        reason,
				Restored:      e.BeforeState,
				DDLStatements: stmts,
				DDLApplied:    len(stmts) > 0,
				ErrorMessage:  markErr.Error(),
			},
		})
		return nil, errors.Join(markErr, auditErr)
	}
	if _, err := r.auditor.Append(ctx, types.AuditPayload{
		Actor:     actor,
		Resource:  resource(e),
		Action:    types.ActionRollback,
		OldValues: stateOrNil(e.AfterState),
		NewValues: rollbackRecord{
			ChangeID:      e.ID,
			Reason:        reason,
			Restored:      e.BeforeState,
			DDLStatements: stmts,
		},
	}); err != nil {
		return nil, fmt.Errorf("auditing rollback of %s: %w", e.ID, err)
	}

	r.log.Info().
		Str("change", e.ID).
		Str("actor", actor).
		Int("statements", len(stmts)).
		Msg("Rolled back schema change")
	return r.store.GetChange(ctx, e.ID)
}

// Get returns one change log entry.
func (r *Recorder) Get(ctx context.Context, id string) (*types.SchemaChangeLogEntry, error) {
	return r.store.GetChange(ctx, id)
}

// History returns the entries for one entity in creation order. An empty
// entityID lists every entity of the type.
func (r *Recorder) History(ctx context.Context, entityType, entityID string) ([]*types.SchemaChangeLogEntry, error) {
	entries, err := r.store.ListChanges(ctx, types.ChangeFilter{EntityType: entityType, EntityID: entityID})
	if err != nil {
		return nil, fmt.Errorf("listing history of %s %s: %w", entityType, entityID, err)
	}
	return entries, nil
}

// List returns the entries matching filter in creation order.
func (r *Recorder) List(ctx context.Context, filter types.ChangeFilter) ([]*types.SchemaChangeLogEntry, error) {
	return r.store.ListChanges(ctx, filter)
}

func resource(e *types.SchemaChangeLogEntry) string {
	return e.EntityType + ":" + e.EntityCode
}

// stateOrNil keeps a nil snapshot a nil interface so it audits as null.
func stateOrNil(s *types.EntityState) any {
	if s == nil {
		return nil
	}
	return s
}
