package types

import (
	"fmt"
	"strings"
	"time"
)

// Entity types a schema change can target.
const (
	EntityCollection = "collection"
	EntityProperty   = "property"
)

// Change types.
const (
	ChangeCreate   = "create"
	ChangeUpdate   = "update"
	ChangeDelete   = "delete"
	ChangeSync     = "sync"
	ChangeRollback = "rollback"
)

// Change sources.
const (
	SourceAPI       = "api"
	SourceMigration = "migration"
	SourceSync      = "sync"
	SourceManual    = "manual"
	SourceSystem    = "system"
)

// Performer kinds.
const (
	PerformerUser      = "user"
	PerformerSystem    = "system"
	PerformerMigration = "migration"
)

var (
	validEntityTypes = map[string]bool{EntityCollection: true, EntityProperty: true}
	validChangeTypes = map[string]bool{
		ChangeCreate: true, ChangeUpdate: true, ChangeDelete: true,
		ChangeSync: true, ChangeRollback: true,
	}
	validSources = map[string]bool{
		SourceAPI: true, SourceMigration: true, SourceSync: true,
		SourceManual: true, SourceSystem: true,
	}
	validPerformers = map[string]bool{
		PerformerUser: true, PerformerSystem: true, PerformerMigration: true,
	}
)

// EntityState is a before/after snapshot of a schema entity. TableName is
// always set; exactly one of Collection or Property is set, matching the
// entry's entity type.
type EntityState struct {
	TableName  string         `json:"tableName"`
	Collection *CollectionDef `json:"collection,omitempty"`
	Property   *PropertyDef   `json:"property,omitempty"`
}

// SchemaChangeLogEntry is one schema mutation attempt. Rows are append-only;
// only the rollback fields transition, exactly once, from unset to set.
type SchemaChangeLogEntry struct {
	ID              string       `json:"id"`
	EntityType      string       `json:"entityType"`
	EntityID        string       `json:"entityId"`
	EntityCode      string       `json:"entityCode"`
	ChangeType      string       `json:"changeType"`
	ChangeSource    string       `json:"changeSource"`
	BeforeState     *EntityState `json:"beforeState"`
	AfterState      *EntityState `json:"afterState"`
	DDLStatements   []string     `json:"ddlStatements"`
	PerformedBy     string       `json:"performedBy"`
	PerformedByType string       `json:"performedByType"`
	Success         bool         `json:"success"`
	ErrorMessage    *string      `json:"errorMessage"`

	IsRolledBack   bool       `json:"isRolledBack"`
	RolledBackAt   *time.Time `json:"rolledBackAt"`
	RolledBackBy   *string    `json:"rolledBackBy"`
	RollbackReason *string    `json:"rollbackReason"`

	CreatedAt time.Time `json:"createdAt"`
}

// Validate checks enum membership and the snapshot invariants: BeforeState is
// nil iff ChangeType is create, AfterState is nil iff ChangeType is delete.
func (e *SchemaChangeLogEntry) Validate() error {
	if e.EntityID == "" || e.EntityCode == "" {
		return fmt.Errorf("%w: entity id and code are required", ErrInvalidEntry)
	}
	if !validEntityTypes[e.EntityType] {
		return fmt.Errorf("%w: entity type %q", ErrInvalidEntry, e.EntityType)
	}
	if !validChangeTypes[e.ChangeType] {
		return fmt.Errorf("%w: change type %q", ErrInvalidEntry, e.ChangeType)
	}
	if !validSources[e.ChangeSource] {
		return fmt.Errorf("%w: change source %q", ErrInvalidEntry, e.ChangeSource)
	}
	if !validPerformers[e.PerformedByType] {
		return fmt.Errorf("%w: performer kind %q", ErrInvalidEntry, e.PerformedByType)
	}
	if (e.BeforeState == nil) != (e.ChangeType == ChangeCreate) {
		return fmt.Errorf("%w: before state must be absent exactly for create", ErrInvalidEntry)
	}
	if (e.AfterState == nil) != (e.ChangeType == ChangeDelete) {
		return fmt.Errorf("%w: after state must be absent exactly for delete", ErrInvalidEntry)
	}
	return nil
}

// CanRollback reports whether the entry may be rolled back.
func CanRollback(e *SchemaChangeLogEntry) bool {
	ok, _ := RollbackEligibility(e)
	return ok
}

// RollbackEligibility is CanRollback with the reason for a refusal.
func RollbackEligibility(e *SchemaChangeLogEntry) (bool, string) {
	switch {
	case e == nil:
		return false, "entry does not exist"
	case !e.Success:
		return false, "change did not succeed"
	case e.IsRolledBack:
		return false, "change is already rolled back"
	case e.ChangeType != ChangeCreate && e.BeforeState == nil:
		return false, "no before-state snapshot to restore"
	}
	return true, ""
}

// FormatDDL renders the entry's statements one per line, each terminated
// with a semicolon.
func FormatDDL(e *SchemaChangeLogEntry) string {
	var b strings.Builder
	for _, stmt := range e.DDLStatements {
		stmt = strings.TrimRight(strings.TrimSpace(stmt), ";")
		b.WriteString(stmt)
		b.WriteString(";\n")
	}
	return b.String()
}

// ChangeFilter selects change log entries. Zero fields match everything.
type ChangeFilter struct {
	EntityType  string
	EntityID    string
	ChangeType  string
	PerformedBy string
	Since       time.Time
	Until       time.Time
	Limit       int
}
