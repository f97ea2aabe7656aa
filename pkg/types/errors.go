package types

import "errors"

// Store lifecycle errors.
var (
	ErrStoreDetached   = errors.New("store is detached")
	ErrAlreadyAttached = errors.New("store is already attached")
)

// Entity errors.
var (
	ErrNotFound      = errors.New("entity not found")
	ErrInvalidID     = errors.New("invalid entity ID")
	ErrInvalidEntry  = errors.New("invalid change log entry")
	ErrInvalidFilter = errors.New("invalid filter")
)

// Lock errors. ErrLockContention is recoverable: the caller retries, backs
// off, or aborts.
var (
	ErrLockContention = errors.New("schema lock is held by another instance")
	ErrNotLockHolder  = errors.New("caller is not the lock holder")
	ErrInvalidHolder  = errors.New("holder cannot be empty")
	ErrInvalidTTL     = errors.New("lock ttl must be positive")
	ErrLockLost       = errors.New("schema lock was lost during the operation")
)

// Sync and DDL errors.
var (
	ErrDriftCheckFailed = errors.New("drift check failed")
	ErrSyncTimeout      = errors.New("sync timed out")
	ErrDDLApplication   = errors.New("ddl application failed")
	ErrUnsupportedDDL   = errors.New("ddl not supported by dialect")
	ErrUnknownBaseType  = errors.New("unknown base type")
)

// Rollback and integrity errors.
var (
	ErrRollbackIneligible = errors.New("change is not eligible for rollback")
	ErrAlreadyRolledBack  = errors.New("change is already rolled back")
	ErrChainIntegrity     = errors.New("audit chain integrity violation")
)
