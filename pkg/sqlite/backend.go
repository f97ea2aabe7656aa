// Package sqlite exposes the SQLite coordination store that holds the schema
// lock, the sync state row, the change log, and the audit ledger.
package sqlite

import (
	"fmt"

	"github.com/mesh-intelligence/schemaledger/internal/sqlite"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// NewBackend returns an unattached coordination store. Attach creates the
// database under Config.DataDir and migrates it to the current schema.
func NewBackend() types.Store {
	return sqlite.NewBackend()
}

// Init creates or migrates the store in config.DataDir and closes it again,
// leaving the lock free and the ledger usable by the next instance. It is
// what `schemactl init` runs:
//
//	err := sqlite.Init(types.Config{
//	    Backend: types.BackendSQLite,
//	    DataDir: "/var/lib/schemaledger",
//	})
func Init(config types.Config) error {
	store := NewBackend()
	if err := store.Attach(config); err != nil {
		return fmt.Errorf("initialize storage: %w", err)
	}
	if err := store.Detach(); err != nil {
		return fmt.Errorf("finalize storage: %w", err)
	}
	return nil
}
