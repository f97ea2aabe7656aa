package changelog

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/internal/ledger"
	"github.com/mesh-intelligence/schemaledger/internal/sqlite"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

type fixture struct {
	store    *sqlite.Backend
	recorder *Recorder
	ledger   *ledger.Ledger
	catalog  *sqlite.Catalog
	executor *sqlite.Executor
	clock    *testclock.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := sqlite.NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { b.Detach() })

	target, err := sqlite.Open(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	clk := testclock.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	l := ledger.New(b, clk)
	exec := sqlite.NewExecutor(target)
	return &fixture{
		store:    b,
		recorder: New(Options{
			Store:    b,
			Auditor:  l,
			Executor: exec,
			Dialect:  ddl.SQLite{},
			Clock:    clk,
			Logger:   zerolog.Nop(),
		}),
		ledger:   l,
		catalog:  sqlite.NewCatalog(target),
		executor: exec,
		clock:    clk,
	}
}

var incidents = types.CollectionDef{
	Code:      "incident",
	TableName: "incidents",
	Properties: []types.PropertyDef{
		{Code: "title", ColumnName: "title", BaseType: types.BaseTypeString, IsRequired: true},
	},
}

// createIncidents applies and records the creation of the incidents table.
func (f *fixture) createIncidents(t *testing.T) *types.SchemaChangeLogEntry {
	t.Helper()
	ctx := context.Background()
	stmts, err := ddl.CreateTable(ddl.SQLite{}, incidents)
	require.NoError(t, err)
	res := f.executor.Execute(ctx, stmts)
	require.True(t, res.Success, res.ErrorMessage)

	c := incidents
	e, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityCollection,
		EntityID:        c.EntityID(),
		EntityCode:      c.Code,
		ChangeType:      types.ChangeCreate,
		ChangeSource:    types.SourceAPI,
		After:           &types.EntityState{TableName: c.TableName, Collection: &c},
		DDLStatements:   stmts,
		PerformedBy:     "alice",
		PerformedByType: types.PerformerUser,
		Result:          res,
	})
	require.NoError(t, err)
	return e
}

func (f *fixture) actions(t *testing.T) []string {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), types.AuditFilter{})
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Action
	}
	return out
}

func TestRecordChange(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e := f.createIncidents(t)
	assert.NotEmpty(t, e.ID)
	assert.True(t, e.Success)
	assert.Nil(t, e.ErrorMessage)
	assert.True(t, types.CanRollback(e))

	entries, err := f.ledger.Entries(ctx, types.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "schema.create", entries[0].Action)
	assert.Equal(t, "collection:incident", entries[0].Resource)
	assert.Equal(t, "alice", entries[0].Actor)
	assert.Nil(t, entries[0].OldValues)
	assert.Contains(t, string(entries[0].NewValues), e.ID)
}

func TestRecordChange_Failure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p := types.PropertyDef{Code: "ref", ColumnName: "ref", BaseType: types.BaseTypeString}
	e, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityProperty,
		EntityID:        "ref",
		EntityCode:      "ref",
		ChangeType:      types.ChangeCreate,
		ChangeSource:    types.SourceSync,
		After:           &types.EntityState{TableName: "incidents", Property: &p},
		DDLStatements:   []string{`ALTER TABLE "incidents" ADD COLUMN "ref" TEXT`},
		PerformedBy:     "sync",
		PerformedByType: types.PerformerSystem,
		Result:          types.ExecutionResult{ErrorMessage: "no such table: incidents"},
	})
	require.NoError(t, err)
	assert.False(t, e.Success)
	require.NotNil(t, e.ErrorMessage)
	assert.Equal(t, "no such table: incidents", *e.ErrorMessage)

	_, err = f.recorder.PerformRollback(ctx, e.ID, "alice", "undo")
	assert.ErrorIs(t, err, types.ErrRollbackIneligible)
	assert.Equal(t, []string{"schema.create"}, f.actions(t), "refused rollback writes nothing")
}

func TestRecordChange_Invalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	c := incidents
	_, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityCollection,
		EntityID:        "incident",
		EntityCode:      "incident",
		ChangeType:      types.ChangeCreate,
		ChangeSource:    types.SourceAPI,
		Before:          &types.EntityState{TableName: "incidents", Collection: &c},
		After:           &types.EntityState{TableName: "incidents", Collection: &c},
		PerformedBy:     "alice",
		PerformedByType: types.PerformerUser,
		Result:          types.ExecutionResult{Success: true},
	})
	assert.ErrorIs(t, err, types.ErrInvalidEntry)
	assert.Empty(t, f.actions(t))
}

func TestPerformRollback_Create(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.createIncidents(t)

	f.clock.Advance(time.Minute)
	rolled, err := f.recorder.PerformRollback(ctx, e.ID, "bob", "created by mistake")
	require.NoError(t, err)
	assert.True(t, rolled.IsRolledBack)
	require.NotNil(t, rolled.RolledBackBy)
	assert.Equal(t, "bob", *rolled.RolledBackBy)
	require.NotNil(t, rolled.RollbackReason)
	assert.Equal(t, "created by mistake", *rolled.RollbackReason)
	require.NotNil(t, rolled.RolledBackAt)
	assert.True(t, rolled.RolledBackAt.After(rolled.CreatedAt))
	assert.False(t, types.CanRollback(rolled))
	assert.Equal(t, e.AfterState, rolled.AfterState, "snapshots are never edited")

	tables, err := f.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "table was dropped")

	assert.Equal(t, []string{"schema.create", "schema.rollback"}, f.actions(t))

	_, err = f.recorder.PerformRollback(ctx, e.ID, "bob", "again")
	assert.ErrorIs(t, err, types.ErrRollbackIneligible)

	res, err := f.ledger.Verify(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestPerformRollback_Update(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.createIncidents(t)

	before := types.PropertyDef{Code: "title", ColumnName: "title", BaseType: types.BaseTypeString}
	after := before
	after.ColumnName = "headline"
	stmts := ddl.RenameColumn(ddl.SQLite{}, "incidents", "title", "headline")
	res := f.executor.Execute(ctx, stmts)
	require.True(t, res.Success, res.ErrorMessage)

	e, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityProperty,
		EntityID:        "title",
		EntityCode:      "title",
		ChangeType:      types.ChangeUpdate,
		ChangeSource:    types.SourceManual,
		Before:          &types.EntityState{TableName: "incidents", Property: &before},
		After:           &types.EntityState{TableName: "incidents", Property: &after},
		DDLStatements:   stmts,
		PerformedBy:     "alice",
		PerformedByType: types.PerformerUser,
		Result:          res,
	})
	require.NoError(t, err)

	_, err = f.recorder.PerformRollback(ctx, e.ID, "alice", "keep the old name")
	require.NoError(t, err)

	tables, err := f.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 1)
	_, ok := tables[0].Column("title")
	assert.True(t, ok, "column name restored")
	_, ok = tables[0].Column("headline")
	assert.False(t, ok)
}

func TestPerformRollback_DDLFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Recorded as applied, but the table never existed on the target.
	p := types.PropertyDef{Code: "ref", ColumnName: "ref", BaseType: types.BaseTypeString}
	e, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityProperty,
		EntityID:        "ref",
		EntityCode:      "ref",
		ChangeType:      types.ChangeCreate,
		ChangeSource:    types.SourceMigration,
		After:           &types.EntityState{TableName: "ghosts", Property: &p},
		PerformedBy:     "migrator",
		PerformedByType: types.PerformerMigration,
		Result:          types.ExecutionResult{Success: true},
	})
	require.NoError(t, err)

	_, err = f.recorder.PerformRollback(ctx, e.ID, "alice", "undo")
	assert.ErrorIs(t, err, types.ErrDDLApplication)

	got, err := f.recorder.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.IsRolledBack, "failed rollback mutates nothing")
	assert.True(t, types.CanRollback(got))
	assert.Equal(t, []string{"schema.create", "schema.rollback_failed"}, f.actions(t))
}

// unmarkableStore fails every MarkRolledBack.
type unmarkableStore struct {
	Store
}

func (unmarkableStore) MarkRolledBack(context.Context, string, time.Time, string, string) error {
	return errors.New("database is locked")
}

func TestPerformRollback_MarkFailureIsAudited(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.createIncidents(t)

	r := New(Options{
		Store:    unmarkableStore{Store: f.store},
		Auditor:  f.ledger,
		Executor: f.executor,
		Dialect:  ddl.SQLite{},
		Clock:    f.clock,
		Logger:   zerolog.Nop(),
	})
	_, err := r.PerformRollback(ctx, e.ID, "bob", "created by mistake")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database is locked")

	tables, err := f.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "inverse DDL was applied")

	assert.Equal(t, []string{"schema.create", "schema.rollback_failed"}, f.actions(t))
	entries, err := f.ledger.Entries(ctx, types.AuditFilter{Action: types.ActionRollbackFailed})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	var rec rollbackRecord
	require.NoError(t, json.Unmarshal(entries[0].NewValues, &rec))
	assert.Equal(t, e.ID, rec.ChangeID)
	assert.True(t, rec.DDLApplied)
	assert.NotEmpty(t, rec.DDLStatements)
	assert.Contains(t, rec.ErrorMessage, "database is locked")
}

func TestPerformRollback_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.recorder.PerformRollback(context.Background(), "missing", "alice", "undo")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	e := f.createIncidents(t)

	f.clock.Advance(time.Minute)
	_, err := f.recorder.PerformRollback(ctx, e.ID, "bob", "undo")
	require.NoError(t, err)

	c := incidents
	f.clock.Advance(time.Minute)
	second, err := f.recorder.RecordChange(ctx, ChangeRequest{
		EntityType:      types.EntityCollection,
		EntityID:        c.EntityID(),
		EntityCode:      c.Code,
		ChangeType:      types.ChangeCreate,
		ChangeSource:    types.SourceAPI,
		After:           &types.EntityState{TableName: c.TableName, Collection: &c},
		PerformedBy:     "alice",
		PerformedByType: types.PerformerUser,
		Result:          types.ExecutionResult{Success: true},
	})
	require.NoError(t, err)

	history, err := f.recorder.History(ctx, types.EntityCollection, "incident")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, e.ID, history[0].ID)
	assert.True(t, history[0].IsRolledBack)
	assert.Equal(t, second.ID, history[1].ID)
	assert.False(t, history[1].IsRolledBack)

	none, err := f.recorder.History(ctx, types.EntityProperty, "incident")
	require.NoError(t, err)
	assert.Empty(t, none)
}
