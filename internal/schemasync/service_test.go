package schemasync

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/schemaledger/internal/changelog"
	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/internal/ledger"
	"github.com/mesh-intelligence/schemaledger/internal/lock"
	"github.com/mesh-intelligence/schemaledger/internal/metadata"
	"github.com/mesh-intelligence/schemaledger/internal/sqlite"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var incidentMeta = metadata.Static{{
	Code:      "incident",
	TableName: "incidents",
	Properties: []types.PropertyDef{
		{Code: "title", ColumnName: "title", BaseType: types.BaseTypeString, IsRequired: true},
		{Code: "opened", ColumnName: "opened_at", BaseType: types.BaseTypeDateTime, IsIndexed: true},
	},
}}

// env is one coordination store and one target database shared by any
// number of service instances.
type env struct {
	store    *sqlite.Backend
	catalog  *sqlite.Catalog
	executor *sqlite.Executor
	clock    *testclock.Clock
	ledger   *ledger.Ledger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	b := sqlite.NewBackend()
	require.NoError(t, b.Attach(types.Config{Backend: types.BackendSQLite, DataDir: t.TempDir()}))
	t.Cleanup(func() { b.Detach() })

	target, err := sqlite.Open(filepath.Join(t.TempDir(), "target.db"))
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	clk := testclock.NewClock(t0)
	return &env{
		store:    b,
		catalog:  sqlite.NewCatalog(target),
		executor: sqlite.NewExecutor(target),
		clock:    clk,
		ledger:   ledger.New(b, clk),
	}
}

// serviceOpts overrides parts of the default wiring.
type serviceOpts struct {
	metadata    types.MetadataProvider
	catalog     types.CatalogInspector
	executor    types.DDLExecutor
	autoResolve bool
	timeout     time.Duration
	logger      *zerolog.Logger
}

func (e *env) service(t *testing.T, holder string, o serviceOpts) *Service {
	t.Helper()
	if o.metadata == nil {
		o.metadata = incidentMeta
	}
	if o.catalog == nil {
		o.catalog = e.catalog
	}
	if o.executor == nil {
		o.executor = e.executor
	}
	logger := zerolog.Nop()
	if o.logger != nil {
		logger = *o.logger
	}
	rec := changelog.New(changelog.Options{
		Store:    e.store,
		Auditor:  e.ledger,
		Executor: o.executor,
		Dialect:  ddl.SQLite{},
		Clock:    e.clock,
		Logger:   zerolog.Nop(),
	})
	s, err := New(Options{
		Metadata:    o.metadata,
		Catalog:     o.catalog,
		Executor:    o.executor,
		Dialect:     ddl.SQLite{},
		State:       e.store,
		Lock:        lock.New(e.store, e.clock),
		Recorder:    rec,
		Ledger:      e.ledger,
		Clock:       e.clock,
		Logger:      logger,
		HolderID:    holder,
		LockTTL:     5 * time.Minute,
		SyncTimeout: o.timeout,
		AutoResolve: o.autoResolve,
	})
	require.NoError(t, err)
	return s
}

func (e *env) exec(t *testing.T, stmts ...string) {
	t.Helper()
	res := e.executor.Execute(context.Background(), stmts)
	require.True(t, res.Success, res.ErrorMessage)
}

func (e *env) actions(t *testing.T) []string {
	t.Helper()
	entries, err := e.ledger.Entries(context.Background(), types.AuditFilter{})
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, en := range entries {
		out[i] = en.Action
	}
	return out
}

// gatedCatalog blocks DescribeSchema until the gate is closed.
type gatedCatalog struct {
	inner   types.CatalogInspector
	entered chan struct{}
	gate    chan struct{}
}

func (g *gatedCatalog) DescribeSchema(ctx context.Context) ([]types.TableInfo, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.inner.DescribeSchema(ctx)
}

type failingMetadata struct{}

func (failingMetadata) ListCollections(context.Context) ([]types.CollectionDef, error) {
	return nil, errors.New("metadata service unreachable")
}

type failingExecutor struct{}

func (failingExecutor) Execute(context.Context, []string) types.ExecutionResult {
	return types.ExecutionResult{ErrorMessage: "statement 1: disk I/O error"}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, types.ErrInvalidHolder)
	_, err = New(Options{HolderID: "a"})
	assert.Error(t, err)
}

func TestRunSync_AppliesFixes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.exec(t, `CREATE TABLE "legacy_orphan" ("id" TEXT PRIMARY KEY)`)
	s := e.service(t, "node-a", serviceOpts{autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerManual, Actor: "alice"})
	require.NoError(t, err)
	assert.Equal(t, types.SyncResultIssuesFound, rep.Result, "orphaned table is never fixed automatically")
	require.Len(t, rep.Initial.Issues, 2)
	require.Len(t, rep.Changes, 1)
	assert.True(t, rep.Changes[0].Success)
	assert.Equal(t, types.ChangeCreate, rep.Changes[0].ChangeType)
	assert.Equal(t, types.SourceSync, rep.Changes[0].ChangeSource)
	assert.Equal(t, "node-a", rep.Changes[0].PerformedBy)

	require.Len(t, rep.Final.Issues, 1)
	assert.Equal(t, types.IssueOrphanedTable, rep.Final.Issues[0].Type)

	tables, err := e.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	require.Len(t, tables, 2)
	assert.Equal(t, "incidents", tables[0].Name)

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastFullSyncResult)
	assert.Equal(t, types.SyncResultIssuesFound, *st.LastFullSyncResult)
	assert.True(t, st.DriftDetected)
	assert.Len(t, st.DriftDetails, 1)
	assert.Equal(t, 1, st.TotalCollections)
	assert.Equal(t, 2, st.TotalProperties)
	assert.Equal(t, 1, st.OrphanedTables)
	assert.False(t, st.Lock.IsLocked(t0), "lock released")

	assert.Equal(t, []string{"schema.create", "schema.sync_run"}, e.actions(t))

	history, err := s.ChangeHistory(ctx, types.EntityCollection, "incident")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, rep.Changes[0].ID, history[0].ID)
}

func TestRunSync_MissingIndexAndColumn(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.exec(t, `CREATE TABLE "incidents" ("id" TEXT PRIMARY KEY, "created_at" TEXT, "updated_at" TEXT, "opened_at" TEXT)`)
	s := e.service(t, "node-a", serviceOpts{autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	require.NoError(t, err)
	assert.Equal(t, types.SyncResultIssuesFound, rep.Result)
	require.Len(t, rep.Changes, 2, "one batch per entity")
	for _, c := range rep.Changes {
		assert.True(t, c.Success, c.EntityCode)
		assert.Equal(t, types.EntityProperty, c.EntityType)
	}

	// The required title column is added nullable and stays reported.
	require.Len(t, rep.Final.Issues, 1)
	left := rep.Final.Issues[0]
	assert.Equal(t, types.IssueConstraintMismatch, left.Type)
	assert.Equal(t, types.SeverityWarning, left.Severity)
	assert.False(t, left.AutoResolvable)
	assert.Equal(t, types.ConstraintNotNull, left.Detail.(types.ConstraintMismatch).ConstraintType)
	assert.Equal(t, "title", left.Column())

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	assert.True(t, st.DriftDetected)
	assert.Len(t, st.DriftDetails, 1)
	require.NotNil(t, st.LastFullSyncResult)
	assert.Equal(t, types.SyncResultIssuesFound, *st.LastFullSyncResult)
}

func TestRunSync_InSyncAfterFixes(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	e.exec(t, `CREATE TABLE "incidents" ("id" TEXT PRIMARY KEY, "created_at" TEXT, "updated_at" TEXT, "title" TEXT NOT NULL, "opened_at" TEXT)`)
	s := e.service(t, "node-a", serviceOpts{autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	require.NoError(t, err)
	assert.Equal(t, types.SyncResultSuccess, rep.Result)
	require.Len(t, rep.Changes, 1)
	assert.Equal(t, "opened", rep.Changes[0].EntityCode)
	assert.Empty(t, rep.Final.Issues)

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	assert.False(t, st.DriftDetected)
	assert.Empty(t, st.DriftDetails)
}

func TestRunSync_WithoutAutoResolve(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.service(t, "node-a", serviceOpts{})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerAPI})
	require.NoError(t, err)
	assert.Equal(t, types.SyncResultIssuesFound, rep.Result)
	assert.Empty(t, rep.Changes)

	tables, err := e.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables, "nothing applied")

	issues, err := s.IssuesBySeverity(ctx, types.SeverityError)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, types.IssueMissingTable, issues[0].Type)
	assert.Equal(t, "incident", issues[0].Collection)
	assert.True(t, issues[0].AutoResolvable)

	_, err = s.IssuesBySeverity(ctx, "fatal")
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestRunSync_ConcurrentTriggers(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	gated := &gatedCatalog{inner: e.catalog, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	a := e.service(t, "node-a", serviceOpts{catalog: gated, autoResolve: true})
	b := e.service(t, "node-b", serviceOpts{catalog: gated, autoResolve: true})

	type result struct {
		rep *Report
		err error
	}
	results := make(chan result, 2)
	for _, s := range []*Service{a, b} {
		go func(s *Service) {
			rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
			results <- result{rep, err}
		}(s)
	}

	// The winner holds the lock inside detection; the loser returns first.
	<-gated.entered
	loser := <-results
	assert.ErrorIs(t, loser.err, types.ErrLockContention)
	assert.Nil(t, loser.rep)

	st, err := a.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.LastFullSyncResult)
	assert.Zero(t, st.TotalCollections, "loser changed no counts")
	assert.Nil(t, st.LastDriftCheckAt)

	close(gated.gate)
	winner := <-results
	require.NoError(t, winner.err)
	assert.Equal(t, types.SyncResultSuccess, winner.rep.Result)

	st, err = a.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.TotalCollections)
	assert.Equal(t, []string{"schema.create", "schema.sync_run"}, e.actions(t), "exactly one run applied fixes")
}

func TestRunSync_DriftCheckFailure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.service(t, "node-a", serviceOpts{metadata: failingMetadata{}})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	assert.ErrorIs(t, err, types.ErrDriftCheckFailed)
	require.NotNil(t, rep)
	assert.Equal(t, types.SyncResultError, rep.Result)

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err, "status stays queryable")
	require.NotNil(t, st.LastFullSyncResult)
	assert.Equal(t, types.SyncResultError, *st.LastFullSyncResult)
	require.NotNil(t, st.LastFullSyncError)
	assert.Contains(t, *st.LastFullSyncError, "metadata service unreachable")
	assert.False(t, st.Lock.IsLocked(t0), "lock released")
}

func TestRunSync_Timeout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	gated := &gatedCatalog{inner: e.catalog, entered: make(chan struct{}, 1), gate: make(chan struct{})}
	s := e.service(t, "node-a", serviceOpts{catalog: gated, timeout: 20 * time.Millisecond})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	assert.ErrorIs(t, err, types.ErrSyncTimeout)
	require.NotNil(t, rep)
	assert.Equal(t, types.SyncResultTimeout, rep.Result)

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.LastFullSyncResult)
	assert.Equal(t, types.SyncResultTimeout, *st.LastFullSyncResult)
	assert.False(t, st.Lock.IsLocked(t0))
}

func TestRunSync_FailedBatchIsRecorded(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.service(t, "node-a", serviceOpts{executor: failingExecutor{}, autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	assert.ErrorIs(t, err, types.ErrDDLApplication)
	require.NotNil(t, rep)
	assert.Equal(t, types.SyncResultError, rep.Result)
	assert.Equal(t, 1, rep.Failed)
	require.Len(t, rep.Changes, 1)

	history, err := s.ChangeHistory(ctx, types.EntityCollection, "incident")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.False(t, history[0].Success)
	require.NotNil(t, history[0].ErrorMessage)
	assert.Contains(t, *history[0].ErrorMessage, "disk I/O error")
	assert.False(t, types.CanRollback(history[0]))
}

func TestRunSync_LockLost(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	other := lock.New(e.store, e.clock)
	hijack := catalogFunc(func(ctx context.Context) ([]types.TableInfo, error) {
		e.clock.Advance(10 * time.Minute)
		ok, err := other.TryAcquire(ctx, "node-b", 5*time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		return e.catalog.DescribeSchema(ctx)
	})
	s := e.service(t, "node-a", serviceOpts{catalog: hijack, autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerScheduler})
	assert.ErrorIs(t, err, types.ErrLockLost)
	require.NotNil(t, rep)
	assert.Empty(t, rep.Changes)

	held, err := other.IsLockedBy(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, held, "new holder keeps the lock")

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.LastDriftCheckAt, "expired holder wrote nothing")
}

type catalogFunc func(ctx context.Context) ([]types.TableInfo, error)

func (f catalogFunc) DescribeSchema(ctx context.Context) ([]types.TableInfo, error) { return f(ctx) }

func TestCheckDrift_LockFree(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.service(t, "node-a", serviceOpts{})

	held, err := lock.New(e.store, e.clock).TryAcquire(ctx, "node-b", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	report, err := s.CheckDrift(ctx)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, types.IssueMissingTable, report.Issues[0].Type)

	st, err := s.SyncStatus(ctx)
	require.NoError(t, err)
	assert.Nil(t, st.LastDriftCheckAt, "read-only check writes no state")
}

func TestRequestRollback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	s := e.service(t, "node-a", serviceOpts{autoResolve: true})

	rep, err := s.RunSync(ctx, Trigger{Source: TriggerManual})
	require.NoError(t, err)
	require.Len(t, rep.Changes, 1)
	created := rep.Changes[0]

	other := lock.New(e.store, e.clock)
	ok, err := other.TryAcquire(ctx, "node-b", 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = s.RequestRollback(ctx, created.ID, "undo", "alice")
	assert.ErrorIs(t, err, types.ErrLockContention)

	_, err = other.Release(ctx, "node-b")
	require.NoError(t, err)

	rolled, err := s.RequestRollback(ctx, created.ID, "undo", "alice")
	require.NoError(t, err)
	assert.True(t, rolled.IsRolledBack)
	assert.False(t, types.CanRollback(rolled))

	tables, err := e.catalog.DescribeSchema(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
	assert.Contains(t, e.actions(t), types.ActionRollback)

	locked, err := other.IsLocked(ctx)
	require.NoError(t, err)
	assert.False(t, locked, "rollback released the lock")
}

func TestVerifyAuditChain_Alerts(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	s := e.service(t, "node-a", serviceOpts{autoResolve: true, logger: &logger})

	_, err := s.RunSync(ctx, Trigger{Source: TriggerManual})
	require.NoError(t, err)

	res, err := s.VerifyAuditChain(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.Checked)

	db, err := e.store.DB()
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, `UPDATE audit_ledger SET actor = 'mallory' WHERE action = 'schema.create'`)
	require.NoError(t, err)

	res, err = s.VerifyAuditChain(ctx, "")
	require.NoError(t, err, "a violation is a result, not a failure")
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.BrokenAt)
	assert.Contains(t, logs.String(), `"alert":"critical"`)

	// The ledger keeps working after a detected violation.
	_, err = s.RunSync(ctx, Trigger{Source: TriggerManual})
	require.NoError(t, err)
}
