package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

var _ types.CatalogInspector = (*Catalog)(nil)

// Catalog inspects the base tables of one schema.
type Catalog struct {
	db     *sql.DB
	schema string
}

// NewCatalog returns an inspector over schema; an empty schema means
// DefaultSchema.
func NewCatalog(db *sql.DB, schema string) *Catalog {
	if schema == "" {
		schema = DefaultSchema
	}
	return &Catalog{db: db, schema: schema}
}

// DescribeSchema lists the schema's base tables, sorted by name, with their
// columns in ordinal order, non-primary indexes, and constraints. NOT NULL
// constraints surface as column nullability, not as check constraints.
func (c *Catalog) DescribeSchema(ctx context.Context) ([]types.TableInfo, error) {
	names, err := c.tableNames(ctx)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*types.TableInfo, len(names))
	tables := make([]types.TableInfo, len(names))
	for i, n := range names {
		tables[i].Name = n
		byName[n] = &tables[i]
	}

	if err := c.columns(ctx, byName); err != nil {
		return nil, err
	}
	if err := c.keyConstraints(ctx, byName); err != nil {
		return nil, err
	}
	if err := c.checkConstraints(ctx, byName); err != nil {
		return nil, err
	}
	if err := c.indexes(ctx, byName); err != nil {
		return nil, err
	}
	return tables, nil
}

func (c *Catalog) tableNames(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name
	`, c.schema)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

func (c *Catalog) columns(ctx context.Context, byName map[string]*types.TableInfo) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_schema = $1
		ORDER BY table_name, ordinal_position
	`, c.schema)
	if err != nil {
		return fmt.Errorf("listing columns: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, nullable string
		var col types.ColumnInfo
		if err := rows.Scan(&table, &col.Name, &col.Type, &nullable); err != nil {
			return fmt.Errorf("scanning column: %w", err)
		}
		col.Nullable = nullable == "YES"
		if t, ok := byName[table]; ok {
			t.Columns = append(t.Columns, col)
		}
	}
	return rows.Err()
}

func (c *Catalog) keyConstraints(ctx context.Context, byName map[string]*types.TableInfo) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tc.table_name, tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_schema = kcu.constraint_schema
			AND tc.constraint_name = kcu.constraint_name
			AND tc.table_name = kcu.table_name
		WHERE tc.table_schema = $1
			AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE', 'FOREIGN KEY')
		ORDER BY tc.table_name, tc.constraint_name, kcu.ordinal_position
	`, c.schema)
	if err != nil {
		return fmt.Errorf("listing constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, name, ctype, column string
		if err := rows.Scan(&table, &name, &ctype, &column); err != nil {
			return fmt.Errorf("scanning constraint: %w", err)
		}
		if t, ok := byName[table]; ok {
			addConstraintColumn(t, name, constraintType(ctype), column)
		}
	}
	return rows.Err()
}

func (c *Catalog) checkConstraints(ctx context.Context, byName map[string]*types.TableInfo) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT tc.table_name, tc.constraint_name, ccu.column_name
		FROM information_schema.table_constraints tc
		LEFT JOIN information_schema.constraint_column_usage ccu
			ON tc.constraint_schema = ccu.constraint_schema
			AND tc.constraint_name = ccu.constraint_name
		WHERE tc.table_schema = $1
			AND tc.constraint_type = 'CHECK'
			AND tc.constraint_name NOT LIKE '%_not_null'
		ORDER BY tc.table_name, tc.constraint_name, ccu.column_name
	`, c.schema)
	if err != nil {
		return fmt.Errorf("listing check constraints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, name string
		var column sql.NullString
		if err := rows.Scan(&table, &name, &column); err != nil {
			return fmt.Errorf("scanning check constraint: %w", err)
		}
		if t, ok := byName[table]; ok {
			addConstraintColumn(t, name, types.ConstraintCheck, column.String)
		}
	}
	return rows.Err()
}

func (c *Catalog) indexes(ctx context.Context, byName map[string]*types.TableInfo) error {
	rows, err := c.db.QueryContext(ctx, `
		SELECT t.relname, i.relname, ix.indisunique, a.attname
		FROM pg_class t
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN pg_index ix ON ix.indrelid = t.oid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND NOT ix.indisprimary
		ORDER BY t.relname, i.relname, k.ord
	`, c.schema)
	if err != nil {
		return fmt.Errorf("listing indexes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table, index, column string
		var unique bool
		if err := rows.Scan(&table, &index, &unique, &column); err != nil {
			return fmt.Errorf("scanning index: %w", err)
		}
		t, ok := byName[table]
		if !ok {
			continue
		}
		if n := len(t.Indexes); n > 0 && t.Indexes[n-1].Name == index {
			t.Indexes[n-1].Columns = append(t.Indexes[n-1].Columns, column)
			continue
		}
		t.Indexes = append(t.Indexes, types.IndexInfo{Name: index, Unique: unique, Columns: []string{column}})
	}
	return rows.Err()
}

// addConstraintColumn appends column to the named constraint, creating it on
// first sight. Rows arrive grouped by constraint.
func addConstraintColumn(t *types.TableInfo, name, ctype, column string) {
	if n := len(t.Constraints); n > 0 && t.Constraints[n-1].Name == name {
		if column != "" {
			t.Constraints[n-1].Columns = append(t.Constraints[n-1].Columns, column)
		}
		return
	}
	con := types.ConstraintInfo{Name: name, Type: ctype}
	if column != "" {
		con.Columns = []string{column}
	}
	t.Constraints = append(t.Constraints, con)
}

// constraintType maps "PRIMARY KEY" to "primary_key" and so on.
func constraintType(ctype string) string {
	return strings.ToLower(strings.ReplaceAll(ctype, " ", "_"))
}
