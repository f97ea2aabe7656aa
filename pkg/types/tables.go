package types

// Table names owned by the coordination store. The drift detector never
// treats these as orphaned physical tables.
const (
	TableSyncState       = "sync_state"
	TableSchemaChangeLog = "schema_change_log"
	TableAuditLedger     = "audit_ledger"
	TableMigrations      = "schema_migrations"
)

// StoreTableNames lists every table the coordination store creates.
var StoreTableNames = []string{
	TableSyncState,
	TableSchemaChangeLog,
	TableAuditLedger,
	TableMigrations,
}
