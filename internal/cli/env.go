package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"github.com/mesh-intelligence/schemaledger/internal/changelog"
	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/internal/ledger"
	"github.com/mesh-intelligence/schemaledger/internal/lock"
	"github.com/mesh-intelligence/schemaledger/internal/metadata"
	"github.com/mesh-intelligence/schemaledger/internal/postgres"
	"github.com/mesh-intelligence/schemaledger/internal/schemasync"
	"github.com/mesh-intelligence/schemaledger/internal/sqlite"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// env is the attached store and the service wired over it. Close must be
// called when the command is done.
type env struct {
	store  *sqlite.Backend
	target *sql.DB // nil when the target is the store database
	svc    *schemasync.Service
	ledger *ledger.Ledger
	lock   *lock.Coordinator
	log    zerolog.Logger
}

// newLogger writes console lines, or JSON lines in --json mode, to w.
func newLogger(w io.Writer, level zerolog.Level, jsonMode bool) zerolog.Logger {
	if !jsonMode {
		w = zerolog.ConsoleWriter{Out: w, NoColor: true, TimeFormat: "15:04:05"}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// openEnv attaches the coordination store in the data directory, connects
// to the target database, and wires the sync service.
func (a *app) openEnv(ctx context.Context, stderr io.Writer) (*env, error) {
	log := newLogger(stderr, a.cfg.LogLevel, a.flags.jsonMode)

	store := sqlite.NewBackend()
	if err := store.Attach(types.Config{Backend: a.cfg.Backend, DataDir: a.cfg.DataDir}); err != nil {
		return nil, fmt.Errorf("attach store: %w", err)
	}
	e := &env{store: store, log: log}

	dialect, err := ddl.ForDriver(a.cfg.TargetDriver)
	if err != nil {
		e.Close()
		return nil, err
	}
	catalog, executor, err := a.openTarget(ctx, e, dialect)
	if err != nil {
		e.Close()
		return nil, err
	}

	clk := clock.WallClock
	e.ledger = ledger.New(store, clk)
	e.lock = lock.New(store, clk)
	recorder := changelog.New(changelog.Options{
		Store:    store,
		Auditor:  e.ledger,
		Executor: executor,
		Dialect:  dialect,
		Clock:    clk,
		Logger:   log,
	})
	svc, err := schemasync.New(schemasync.Options{
		Metadata:     metadata.NewFile(a.cfg.MetadataFile),
		Catalog:      catalog,
		Executor:     executor,
		Dialect:      dialect,
		State:        store,
		Lock:         e.lock,
		Recorder:     recorder,
		Ledger:       e.ledger,
		Clock:        clk,
		Logger:       log,
		HolderID:     a.cfg.HolderID,
		LockTTL:      a.cfg.LockTTL,
		SyncTimeout:  a.cfg.SyncTimeout,
		AutoResolve:  a.cfg.AutoResolve,
		IgnoreTables: a.cfg.IgnoreTables,
	})
	if err != nil {
		e.Close()
		return nil, err
	}
	e.svc = svc
	return e, nil
}

// openTarget returns the inspector and executor of the configured target.
func (a *app) openTarget(ctx context.Context, e *env, dialect ddl.Dialect) (types.CatalogInspector, types.DDLExecutor, error) {
	switch dialect.(type) {
	case ddl.Postgres:
		db, err := postgres.Open(ctx, a.cfg.TargetDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("connect target: %w", err)
		}
		e.target = db
		schema := a.cfg.TargetSchema
		if schema == "" {
			schema = postgres.DefaultSchema
		}
		return postgres.NewCatalog(db, schema), postgres.NewExecutor(db), nil
	default:
		db, err := e.store.DB()
		if err != nil {
			return nil, nil, err
		}
		if a.cfg.TargetDSN != "" {
			if db, err = sqlite.Open(a.cfg.TargetDSN); err != nil {
				return nil, nil, fmt.Errorf("connect target: %w", err)
			}
			e.target = db
		}
		return sqlite.NewCatalog(db), sqlite.NewExecutor(db), nil
	}
}

// Close disconnects the target and detaches the store.
func (e *env) Close() error {
	var errs []error
	if e.target != nil {
		errs = append(errs, e.target.Close())
	}
	errs = append(errs, e.store.Detach())
	return errors.Join(errs...)
}

// withEnv opens the environment for fn and closes it afterwards.
func (a *app) withEnv(ctx context.Context, stderr io.Writer, fn func(*env) error) error {
	e, err := a.openEnv(ctx, stderr)
	if err != nil {
		return err
	}
	err = fn(e)
	if cerr := e.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("closing store: %w", cerr)
	}
	return err
}
