package types

import "context"

// Property base types understood by the DDL dialects.
const (
	BaseTypeString    = "string"
	BaseTypeText      = "text"
	BaseTypeInteger   = "integer"
	BaseTypeBigInt    = "bigint"
	BaseTypeDecimal   = "decimal"
	BaseTypeFloat     = "float"
	BaseTypeBoolean   = "boolean"
	BaseTypeDate      = "date"
	BaseTypeDateTime  = "datetime"
	BaseTypeJSON      = "json"
	BaseTypeUUID      = "uuid"
	BaseTypeReference = "reference"
	BaseTypeChoice    = "choice"
)

// CollectionDef is one declared collection in the metadata snapshot.
type CollectionDef struct {
	// ID is the metadata identifier; Code is used when ID is empty.
	ID         string        `json:"id,omitempty" yaml:"id,omitempty"`
	Code       string        `json:"code" yaml:"code"`
	TableName  string        `json:"tableName" yaml:"table_name"`
	Properties []PropertyDef `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// EntityID returns ID, falling back to Code.
func (c CollectionDef) EntityID() string {
	if c.ID != "" {
		return c.ID
	}
	return c.Code
}

// PropertyDef is one declared property of a collection.
type PropertyDef struct {
	ID         string `json:"id,omitempty" yaml:"id,omitempty"`
	Code       string `json:"code" yaml:"code"`
	ColumnName string `json:"columnName" yaml:"column_name"`
	BaseType   string `json:"baseType" yaml:"base_type"`
	IsUnique   bool   `json:"isUnique,omitempty" yaml:"is_unique,omitempty"`
	IsIndexed  bool   `json:"isIndexed,omitempty" yaml:"is_indexed,omitempty"`
	IsRequired bool   `json:"isRequired,omitempty" yaml:"is_required,omitempty"`
}

// EntityID returns ID, falling back to Code.
func (p PropertyDef) EntityID() string {
	if p.ID != "" {
		return p.ID
	}
	return p.Code
}

// Physical constraint types reported by catalog inspectors.
const (
	ConstraintPrimaryKey = "primary_key"
	ConstraintUnique     = "unique"
	ConstraintCheck      = "check"
	ConstraintForeignKey = "foreign_key"
	ConstraintNotNull    = "not_null"
)

// TableInfo describes one live physical table.
type TableInfo struct {
	Name        string           `json:"name"`
	Columns     []ColumnInfo     `json:"columns"`
	Indexes     []IndexInfo      `json:"indexes,omitempty"`
	Constraints []ConstraintInfo `json:"constraints,omitempty"`
}

// Column returns the column with the given name.
func (t TableInfo) Column(name string) (ColumnInfo, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnInfo{}, false
}

// ColumnInfo describes one live physical column.
type ColumnInfo struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// IndexInfo describes one live physical index.
type IndexInfo struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique"`
}

// ConstraintInfo describes one live physical constraint.
type ConstraintInfo struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	Columns []string `json:"columns,omitempty"`
}

// MetadataProvider supplies the declared schema. Read-only.
type MetadataProvider interface {
	ListCollections(ctx context.Context) ([]CollectionDef, error)
}

// CatalogInspector queries the live database catalog. Read-only.
type CatalogInspector interface {
	DescribeSchema(ctx context.Context) ([]TableInfo, error)
}

// ExecutionResult reports the outcome of a DDL batch. Applied counts the
// statements that took effect; an atomic executor reports zero on failure.
type ExecutionResult struct {
	Success      bool   `json:"success"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	Applied      int    `json:"applied"`
}

// DDLExecutor runs DDL statements against the physical schema. The executor
// owns transaction and connection semantics.
type DDLExecutor interface {
	Execute(ctx context.Context, statements []string) ExecutionResult
}
