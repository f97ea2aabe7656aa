package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

var _ types.CatalogInspector = (*Catalog)(nil)

// Catalog inspects the live schema of a SQLite database through
// sqlite_master and the table-valued pragma functions. SQLite keeps no
// catalog of CHECK constraints, so none are reported.
type Catalog struct {
	db *sql.DB
}

// NewCatalog returns an inspector over db.
func NewCatalog(db *sql.DB) *Catalog {
	return &Catalog{db: db}
}

// DescribeSchema lists every user table with its columns, indexes, and
// primary key. SQLite's internal tables are skipped.
func (c *Catalog) DescribeSchema(ctx context.Context) ([]types.TableInfo, error) {
	names, err := c.tableNames(ctx)
	if err != nil {
		return nil, err
	}

	tables := make([]types.TableInfo, 0, len(names))
	for _, name := range names {
		t := types.TableInfo{Name: name}
		var pk []string
		if t.Columns, pk, err = c.columns(ctx, name); err != nil {
			return nil, err
		}
		if len(pk) > 0 {
			t.Constraints = append(t.Constraints, types.ConstraintInfo{
				Name:    "pk_" + name,
				Type:    types.ConstraintPrimaryKey,
				Columns: pk,
			})
		}
		if t.Indexes, err = c.indexes(ctx, name); err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

func (c *Catalog) tableNames(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// columns returns the table's columns in declaration order and its primary
// key columns in key order.
func (c *Catalog) columns(ctx context.Context, table string) ([]types.ColumnInfo, []string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, type, "notnull", pk FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, nil, fmt.Errorf("describing table %s: %w", table, err)
	}
	defer rows.Close()

	var cols []types.ColumnInfo
	pkByPos := make(map[int]string)
	for rows.Next() {
		var col types.ColumnInfo
		var notNull, pk int
		if err := rows.Scan(&col.Name, &col.Type, &notNull, &pk); err != nil {
			return nil, nil, fmt.Errorf("scanning column of %s: %w", table, err)
		}
		col.Nullable = notNull == 0 && pk == 0
		cols = append(cols, col)
		if pk > 0 {
			pkByPos[pk] = col.Name
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	pk := make([]string, 0, len(pkByPos))
	for i := 1; i <= len(pkByPos); i++ {
		pk = append(pk, pkByPos[i])
	}
	return cols, pk, nil
}

// indexes returns the table's indexes except the automatic primary key index.
func (c *Catalog) indexes(ctx context.Context, table string) ([]types.IndexInfo, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name, "unique", origin FROM pragma_index_list(?) ORDER BY name`, table)
	if err != nil {
		return nil, fmt.Errorf("listing indexes of %s: %w", table, err)
	}
	var list []types.IndexInfo
	for rows.Next() {
		var idx types.IndexInfo
		var unique int
		var origin string
		if err := rows.Scan(&idx.Name, &unique, &origin); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning index of %s: %w", table, err)
		}
		if origin == "pk" {
			continue
		}
		idx.Unique = unique != 0
		list = append(list, idx)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range list {
		cols, err := c.indexColumns(ctx, list[i].Name)
		if err != nil {
			return nil, err
		}
		list[i].Columns = cols
	}
	return list, nil
}

func (c *Catalog) indexColumns(ctx context.Context, index string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT name FROM pragma_index_info(?) ORDER BY seqno`, index)
	if err != nil {
		return nil, fmt.Errorf("describing index %s: %w", index, err)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning column of index %s: %w", index, err)
		}
		// Expression index terms have no column name.
		if name.Valid {
			cols = append(cols, name.String)
		}
	}
	return cols, rows.Err()
}
