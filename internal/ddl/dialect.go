// Package ddl generates DDL statements for collections and properties and
// maps declared base types to physical column types per SQL dialect.
package ddl

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Dialect captures the per-database differences the generator and the drift
// detector care about.
type Dialect interface {
	// Name is the driver name ("sqlite", "postgres").
	Name() string

	// QuoteIdent quotes a table, column, or index name.
	QuoteIdent(name string) string

	// ColumnType returns the DDL type for a declared base type.
	// Returns ErrUnknownBaseType for types the dialect does not map.
	ColumnType(baseType string) (string, error)

	// NormalizeType folds a physical or DDL type name to the family used
	// for comparison, so "VARCHAR(255)" and "character varying" agree.
	NormalizeType(physical string) string

	// IDColumnType is the type of the system id primary key column.
	IDColumnType() string

	// TimestampColumnType is the type of the system timestamp columns.
	TimestampColumnType() string

	// SupportsAlterColumnType reports whether ALTER COLUMN ... TYPE exists.
	SupportsAlterColumnType() bool
}

// System columns created for every collection table.
const (
	ColumnID        = "id"
	ColumnCreatedAt = "created_at"
	ColumnUpdatedAt = "updated_at"
)

// SystemColumns lists the columns every collection table carries in addition
// to its declared properties.
var SystemColumns = []string{ColumnID, ColumnCreatedAt, ColumnUpdatedAt}

// IsSystemColumn reports whether name is one of SystemColumns.
func IsSystemColumn(name string) bool {
	for _, c := range SystemColumns {
		if strings.EqualFold(c, name) {
			return true
		}
	}
	return false
}

// ForDriver returns the dialect registered for a database/sql driver name.
func ForDriver(driver string) (Dialect, error) {
	switch driver {
	case "sqlite", "sqlite3":
		return SQLite{}, nil
	case "postgres", "postgresql", "pgx":
		return Postgres{}, nil
	default:
		return nil, fmt.Errorf("no ddl dialect for driver %q", driver)
	}
}

// SQLite follows SQLite's type affinity rules.
type SQLite struct{}

var sqliteTypes = map[string]string{
	types.BaseTypeString:    "TEXT",
	types.BaseTypeText:      "TEXT",
	types.BaseTypeInteger:   "INTEGER",
	types.BaseTypeBigInt:    "INTEGER",
	types.BaseTypeDecimal:   "NUMERIC",
	types.BaseTypeFloat:     "REAL",
	types.BaseTypeBoolean:   "INTEGER",
	types.BaseTypeDate:      "TEXT",
	types.BaseTypeDateTime:  "TEXT",
	types.BaseTypeJSON:      "TEXT",
	types.BaseTypeUUID:      "TEXT",
	types.BaseTypeReference: "TEXT",
	types.BaseTypeChoice:    "TEXT",
}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (SQLite) ColumnType(baseType string) (string, error) {
	t, ok := sqliteTypes[baseType]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownBaseType, baseType)
	}
	return t, nil
}

// NormalizeType applies the affinity rules from the SQLite documentation,
// section 3.1, in order.
func (SQLite) NormalizeType(physical string) string {
	t := strings.ToUpper(strings.TrimSpace(physical))
	switch {
	case strings.Contains(t, "INT"):
		return "INTEGER"
	case strings.Contains(t, "CHAR"), strings.Contains(t, "CLOB"), strings.Contains(t, "TEXT"):
		return "TEXT"
	case t == "", strings.Contains(t, "BLOB"):
		return "BLOB"
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"):
		return "REAL"
	default:
		return "NUMERIC"
	}
}

func (SQLite) IDColumnType() string        { return "TEXT" }
func (SQLite) TimestampColumnType() string { return "TEXT" }
func (SQLite) SupportsAlterColumnType() bool {
	return false
}

// Postgres compares against information_schema.columns.data_type.
type Postgres struct{}

var postgresTypes = map[string]string{
	types.BaseTypeString:    "VARCHAR(255)",
	types.BaseTypeText:      "TEXT",
	types.BaseTypeInteger:   "INTEGER",
	types.BaseTypeBigInt:    "BIGINT",
	types.BaseTypeDecimal:   "NUMERIC",
	types.BaseTypeFloat:     "DOUBLE PRECISION",
	types.BaseTypeBoolean:   "BOOLEAN",
	types.BaseTypeDate:      "DATE",
	types.BaseTypeDateTime:  "TIMESTAMPTZ",
	types.BaseTypeJSON:      "JSONB",
	types.BaseTypeUUID:      "UUID",
	types.BaseTypeReference: "UUID",
	types.BaseTypeChoice:    "VARCHAR(255)",
}

// postgresAliases maps DDL spellings to information_schema data_type values.
var postgresAliases = map[string]string{
	"varchar":     "character varying",
	"char":        "character",
	"bpchar":      "character",
	"int":         "integer",
	"int4":        "integer",
	"int8":        "bigint",
	"int2":        "smallint",
	"serial":      "integer",
	"bigserial":   "bigint",
	"float8":      "double precision",
	"float4":      "real",
	"bool":        "boolean",
	"decimal":     "numeric",
	"timestamptz": "timestamp with time zone",
	"timestamp":   "timestamp without time zone",
	"timetz":      "time with time zone",
}

func (Postgres) Name() string { return "postgres" }

func (Postgres) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

func (Postgres) ColumnType(baseType string) (string, error) {
	t, ok := postgresTypes[baseType]
	if !ok {
		return "", fmt.Errorf("%w: %q", types.ErrUnknownBaseType, baseType)
	}
	return t, nil
}

func (Postgres) NormalizeType(physical string) string {
	t := strings.ToLower(strings.TrimSpace(physical))
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}
	if alias, ok := postgresAliases[t]; ok {
		return alias
	}
	return t
}

func (Postgres) IDColumnType() string        { return "UUID" }
func (Postgres) TimestampColumnType() string { return "TIMESTAMPTZ" }
func (Postgres) SupportsAlterColumnType() bool {
	return true
}

// ExpectedType returns the normalized physical type a declared base type
// should produce.
func ExpectedType(d Dialect, baseType string) (string, error) {
	t, err := d.ColumnType(baseType)
	if err != nil {
		return "", err
	}
	return d.NormalizeType(t), nil
}
