// Package types defines the entities, snapshot shapes, collaborator
// interfaces, and standard error values for the schema consistency and
// audit integrity subsystem.
//
// Entity helpers such as CanRollback, SyncState.IsLocked, and
// Issue.AutoResolvable are pure functions over values; persistence lives in
// internal/sqlite.
package types
