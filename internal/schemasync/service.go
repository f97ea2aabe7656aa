// Package schemasync drives drift detection and schema synchronization
// under the schema lock, and exposes the lock-free status, history, and
// audit queries.
package schemasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/schemaledger/internal/changelog"
	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/internal/ledger"
	"github.com/mesh-intelligence/schemaledger/internal/lock"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Defaults applied by New to zero Options fields.
const (
	DefaultLockTTL     = 5 * time.Minute
	DefaultSyncTimeout = 2 * time.Minute
)

// StateStore persists the SyncState row. Writes succeed only for the
// current lock holder.
type StateStore interface {
	SyncState(ctx context.Context) (*types.SyncState, error)
	RecordDriftCheck(ctx context.Context, holder string, now time.Time, report types.DriftReport) error
	RecordSyncResult(ctx context.Context, holder string, now time.Time, outcome types.SyncOutcome) error
}

// Options wires a Service.
type Options struct {
	Metadata types.MetadataProvider
	Catalog  types.CatalogInspector
	Executor types.DDLExecutor
	Dialect  ddl.Dialect

	State    StateStore
	Lock     *lock.Coordinator
	Recorder *changelog.Recorder
	Ledger   *ledger.Ledger

	Clock  clock.Clock
	Logger zerolog.Logger

	// HolderID identifies this instance in the lock.
	HolderID    string
	LockTTL     time.Duration
	SyncTimeout time.Duration
	// AutoResolve applies auto-resolvable fixes during RunSync.
	AutoResolve bool
	// IgnoreTables are physical tables never reported as orphaned.
	IgnoreTables []string
}

// Service is the schema consistency subsystem of one instance.
type Service struct {
	metadata types.MetadataProvider
	catalog  types.CatalogInspector
	executor types.DDLExecutor
	dialect  ddl.Dialect

	state    StateStore
	lock     *lock.Coordinator
	recorder *changelog.Recorder
	ledger   *ledger.Ledger

	clock clock.Clock
	log   zerolog.Logger

	holder       string
	lockTTL      time.Duration
	syncTimeout  time.Duration
	autoResolve  bool
	ignoreTables []string
}

// New returns a service. HolderID is required.
func New(opts Options) (*Service, error) {
	if opts.HolderID == "" {
		return nil, types.ErrInvalidHolder
	}
	if opts.Metadata == nil || opts.Catalog == nil || opts.Executor == nil || opts.Dialect == nil {
		return nil, errors.New("schemasync: metadata, catalog, executor and dialect are required")
	}
	if opts.State == nil || opts.Lock == nil || opts.Recorder == nil || opts.Ledger == nil {
		return nil, errors.New("schemasync: state, lock, recorder and ledger are required")
	}
	s := &Service{
		metadata:     opts.Metadata,
		catalog:      opts.Catalog,
		executor:     opts.Executor,
		dialect:      opts.Dialect,
		state:        opts.State,
		lock:         opts.Lock,
		recorder:     opts.Recorder,
		ledger:       opts.Ledger,
		clock:        opts.Clock,
		log:          opts.Logger.With().Str("holder", opts.HolderID).Logger(),
		holder:       opts.HolderID,
		lockTTL:      opts.LockTTL,
		syncTimeout:  opts.SyncTimeout,
		autoResolve:  opts.AutoResolve,
		ignoreTables: opts.IgnoreTables,
	}
	if s.clock == nil {
		s.clock = clock.WallClock
	}
	if s.lockTTL <= 0 {
		s.lockTTL = DefaultLockTTL
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = DefaultSyncTimeout
	}
	return s, nil
}

// HolderID returns the id this instance locks with.
func (s *Service) HolderID() string {
	return s.holder
}

// SyncStatus returns the last committed SyncState. It never takes the lock.
func (s *Service) SyncStatus(ctx context.Context) (*types.SyncState, error) {
	st, err := s.state.SyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading sync status: %w", err)
	}
	return st, nil
}

// ChangeHistory returns the change log of one entity in creation order.
func (s *Service) ChangeHistory(ctx context.Context, entityType, entityID string) ([]*types.SchemaChangeLogEntry, error) {
	return s.recorder.History(ctx, entityType, entityID)
}

// IssuesBySeverity returns the issues of the last recorded drift check with
// the given severity.
func (s *Service) IssuesBySeverity(ctx context.Context, severity types.Severity) ([]types.Issue, error) {
	if !types.ValidSeverity(severity) {
		return nil, fmt.Errorf("%w: severity %q", types.ErrInvalidFilter, severity)
	}
	st, err := s.SyncStatus(ctx)
	if err != nil {
		return nil, err
	}
	return st.IssuesBySeverity(severity), nil
}

// RequestRollback rolls back a recorded change while holding the schema
// lock. Returns ErrLockContention if another instance holds it.
func (s *Service) RequestRollback(ctx context.Context, entryID, reason, actor string) (*types.SchemaChangeLogEntry, error) {
	ok, err := s.lock.TryAcquire(ctx, s.holder, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Debug().Str("change", entryID).Msg("Schema lock busy, rollback not started")
		return nil, types.ErrLockContention
	}
	defer s.release(ctx)

	return s.recorder.PerformRollback(ctx, entryID, actor, reason)
}

// VerifyAuditChain walks the audit ledger from fromID (or the start). A
// violation is logged as a critical alert and returned in the result; the
// ledger keeps accepting appends.
func (s *Service) VerifyAuditChain(ctx context.Context, fromID string) (ledger.VerifyResult, error) {
	res, err := s.ledger.Verify(ctx, fromID)
	if err != nil {
		return res, err
	}
	if !res.Valid {
		s.log.Error().
			Str("alert", "critical").
			Int("broken_at", res.BrokenAt).
			Str("entry", res.BrokenEntryID).
			Str("reason", res.Reason).
			Msg("Audit chain integrity violation")
		return res, nil
	}
	s.log.Info().Int("checked", res.Checked).Msg("Audit chain verified")
	return res, nil
}

// AuditEntries returns ledger entries matching filter.
func (s *Service) AuditEntries(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	return s.ledger.Entries(ctx, filter)
}

// release drops the lock on a context that outlives cancellation of ctx.
func (s *Service) release(ctx context.Context) {
	ok, err := s.lock.Release(context.WithoutCancel(ctx), s.holder)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("Failed to release schema lock")
	case !ok:
		s.log.Warn().Msg("Schema lock was no longer held at release")
	}
}
