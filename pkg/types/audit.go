package types

import (
	"encoding/json"
	"time"
)

// AuditMetadata is the request context attached to an audit entry.
type AuditMetadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
}

// AuditEntry is one row of the hash-chained audit ledger. PreviousHash is nil
// only for the first entry ever written.
type AuditEntry struct {
	ID           string          `json:"id"`
	Actor        string          `json:"actor"`
	Resource     string          `json:"resource"`
	Action       string          `json:"action"`
	OldValues    json.RawMessage `json:"oldValues"`
	NewValues    json.RawMessage `json:"newValues"`
	Metadata     AuditMetadata   `json:"metadata"`
	CreatedAt    time.Time       `json:"createdAt"`
	Hash         string          `json:"hash"`
	PreviousHash *string         `json:"previousHash"`
}

// AuditPayload is what callers supply to append an entry. OldValues and
// NewValues are marshalled to JSON; nil stays null.
type AuditPayload struct {
	Actor     string
	Resource  string
	Action    string
	OldValues any
	NewValues any
	Metadata  AuditMetadata
}

// AuditFilter selects ledger entries. Zero fields match everything.
type AuditFilter struct {
	Actor    string
	Resource string
	Action   string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Audit actions written by this subsystem.
const (
	ActionSchemaPrefix   = "schema."
	ActionRollback       = "schema.rollback"
	ActionRollbackFailed = "schema.rollback_failed"
	ActionSyncRun        = "schema.sync_run"
)
