package schemasync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/schemaledger/internal/changelog"
	"github.com/mesh-intelligence/schemaledger/internal/drift"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Trigger sources.
const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
	TriggerAPI       = "api"
)

// Trigger describes what started a sync run.
type Trigger struct {
	Source string
	Actor  string
}

// Report is the outcome of one RunSync.
type Report struct {
	Result string `json:"result"`
	// Initial is the drift found before any fix; Final is the drift left
	// after fixes were applied. They are equal when nothing was applied.
	Initial  types.DriftReport             `json:"initial"`
	Final    types.DriftReport             `json:"final"`
	Changes  []*types.SchemaChangeLogEntry `json:"changes"`
	Failed   int                           `json:"failed"`
	Duration time.Duration                 `json:"duration"`
}

// runRecord is the new-values document of a sync run's ledger entry.
type runRecord struct {
	Trigger    string   `json:"trigger"`
	Result     string   `json:"result"`
	Issues     int      `json:"issues"`
	Remaining  int      `json:"remaining"`
	Changes    []string `json:"changes"`
	Failed     int      `json:"failed"`
	DurationMs int64    `json:"durationMs"`
	Error      string   `json:"error,omitempty"`
}

// CheckDrift compares metadata with the live schema without taking the lock
// or writing any state.
func (s *Service) CheckDrift(ctx context.Context) (types.DriftReport, error) {
	_, report, err := s.detect(ctx)
	return report, err
}

// RunSync performs one synchronization pass under the schema lock. A busy
// lock returns ErrLockContention and touches nothing. Otherwise drift is
// detected under the sync timeout and written to the SyncState row, and,
// with AutoResolve, each auto-resolvable issue is applied as its own atomic
// batch and recorded as its own change. The lock is extended before every
// batch and released on every path. The returned Report is non-nil whenever
// the lock was acquired.
func (s *Service) RunSync(ctx context.Context, trig Trigger) (*Report, error) {
	start := s.clock.Now()
	ok, err := s.lock.TryAcquire(ctx, s.holder, s.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.log.Debug().Str("trigger", trig.Source).Msg("Schema lock busy, sync skipped")
		return nil, types.ErrLockContention
	}
	defer s.release(ctx)

	// bg carries bookkeeping writes past cancellation of ctx.
	bg := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	rep := &Report{}
	runErr := s.run(runCtx, bg, rep)
	rep.Duration = s.clock.Now().Sub(start)

	outcome := types.SyncOutcome{Duration: rep.Duration}
	switch {
	case runErr == nil && rep.Failed > 0:
		outcome.Result = types.SyncResultError
		outcome.ErrorMessage = fmt.Sprintf("%d of %d fix batches failed", rep.Failed, len(rep.Changes))
		runErr = fmt.Errorf("%w: %s", types.ErrDDLApplication, outcome.ErrorMessage)
	case runErr == nil && rep.Final.DriftDetected():
		outcome.Result = types.SyncResultIssuesFound
	case runErr == nil:
		outcome.Result = types.SyncResultSuccess
	case errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil:
		outcome.Result = types.SyncResultTimeout
		outcome.ErrorMessage = runErr.Error()
		runErr = fmt.Errorf("%w after %s: %w", types.ErrSyncTimeout, s.syncTimeout, runErr)
	default:
		outcome.Result = types.SyncResultError
		outcome.ErrorMessage = runErr.Error()
	}
	rep.Result = outcome.Result

	if errors.Is(runErr, types.ErrLockLost) {
		s.log.Error().Err(runErr).Int("changes", len(rep.Changes)).Msg("Sync aborted, schema lock lost")
		return rep, runErr
	}
	if err := s.state.RecordSyncResult(bg, s.holder, s.clock.Now(), outcome); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("recording sync result: %w", err))
	}
	s.auditRun(bg, trig, rep, outcome)

	ev := s.log.Info()
	if runErr != nil {
		ev = s.log.Warn().Err(runErr)
	}
	ev.Str("trigger", trig.Source).
		Str("result", rep.Result).
		Int("issues", len(rep.Initial.Issues)).
		Int("remaining", len(rep.Final.Issues)).
		Int("changes", len(rep.Changes)).
		Dur("duration", rep.Duration).
		Msg("Sync finished")
	return rep, runErr
}

// run is the locked part of RunSync. ctx carries the sync timeout; bg is
// used for writes that must land even if ctx is done.
func (s *Service) run(ctx, bg context.Context, rep *Report) error {
	collections, report, err := s.detect(ctx)
	if err != nil {
		return err
	}
	rep.Initial, rep.Final = report, report
	if err := s.recordDrift(bg, report); err != nil {
		return err
	}
	if !s.autoResolve {
		return nil
	}

	fixes, err := drift.PlanFixes(s.dialect, collections, report)
	if err != nil {
		s.log.Warn().Err(err).Msg("Some drift issues have no automatic fix")
	}
	if len(fixes) == 0 {
		return nil
	}

	for _, fix := range fixes {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := s.lock.Extend(bg, s.holder, s.lockTTL)
		if err != nil {
			return err
		}
		if !ok {
			return types.ErrLockLost
		}

		entry, err := s.applyFix(ctx, bg, fix)
		if entry != nil {
			rep.Changes = append(rep.Changes, entry)
			if !entry.Success {
				rep.Failed++
			}
		}
		if err != nil {
			return err
		}
	}

	_, final, err := s.detect(ctx)
	if err != nil {
		return err
	}
	rep.Final = final
	return s.recordDrift(bg, final)
}

// applyFix executes one batch and records its outcome, success or not.
func (s *Service) applyFix(ctx, bg context.Context, fix drift.Fix) (*types.SchemaChangeLogEntry, error) {
	res := s.executor.Execute(ctx, fix.Statements)
	entry, err := s.recorder.RecordChange(bg, changelog.ChangeRequest{
		EntityType:      fix.EntityType,
		EntityID:        fix.EntityID,
		EntityCode:      fix.EntityCode,
		ChangeType:      fix.ChangeType,
		ChangeSource:    types.SourceSync,
		Before:          fix.Before,
		After:           fix.After,
		DDLStatements:   fix.Statements,
		PerformedBy:     s.holder,
		PerformedByType: types.PerformerSystem,
		Result:          res,
	})
	if !res.Success {
		s.log.Warn().
			Str("issue", string(fix.Issue.Type)).
			Str("table", fix.Issue.Table()).
			Str("error", res.ErrorMessage).
			Msg("Fix batch failed")
	}
	return entry, err
}

func (s *Service) detect(ctx context.Context) ([]types.CollectionDef, types.DriftReport, error) {
	collections, err := s.metadata.ListCollections(ctx)
	if err != nil {
		return nil, types.DriftReport{}, fmt.Errorf("%w: listing collections: %w", types.ErrDriftCheckFailed, err)
	}
	tables, err := s.catalog.DescribeSchema(ctx)
	if err != nil {
		return nil, types.DriftReport{}, fmt.Errorf("%w: describing schema: %w", types.ErrDriftCheckFailed, err)
	}
	report := drift.Detect(s.dialect, collections, tables, drift.Options{IgnoreTables: s.ignoreTables})
	return collections, report, nil
}

func (s *Service) recordDrift(ctx context.Context, report types.DriftReport) error {
	err := s.state.RecordDriftCheck(ctx, s.holder, s.clock.Now(), report)
	if errors.Is(err, types.ErrNotLockHolder) {
		return types.ErrLockLost
	}
	if err != nil {
		return fmt.Errorf("recording drift check: %w", err)
	}
	return nil
}

// auditRun appends the sync run to the ledger. A failed append is logged;
// the run's own outcome is already committed.
func (s *Service) auditRun(ctx context.Context, trig Trigger, rep *Report, outcome types.SyncOutcome) {
	actor := trig.Actor
	if actor == "" {
		actor = s.holder
	}
	ids := make([]string, 0, len(rep.Changes))
	for _, c := range rep.Changes {
		ids = append(ids, c.ID)
	}
	_, err := s.ledger.Append(ctx, types.AuditPayload{
		Actor:    actor,
		Resource: types.TableSyncState,
		Action:   types.ActionSyncRun,
		NewValues: runRecord{
			Trigger:    trig.Source,
			Result:     rep.Result,
			Issues:     len(rep.Initial.Issues),
			Remaining:  len(rep.Final.Issues),
			Changes:    ids,
			Failed:     rep.Failed,
			DurationMs: rep.Duration.Milliseconds(),
			Error:      outcome.ErrorMessage,
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to audit sync run")
	}
}
