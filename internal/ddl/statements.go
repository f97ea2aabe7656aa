package ddl

import (
	"fmt"
	"strings"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// IndexName returns the generated name of the index backing a declared
// unique or indexed property.
func IndexName(table, column string, unique bool) string {
	if unique {
		return "uq_" + table + "_" + column
	}
	return "idx_" + table + "_" + column
}

// CreateTable returns the statements creating a collection table with its
// system columns, declared columns, and declared indexes.
func CreateTable(d Dialect, c types.CollectionDef) ([]string, error) {
	if c.TableName == "" {
		return nil, fmt.Errorf("collection %q has no table name", c.Code)
	}

	cols := []string{
		d.QuoteIdent(ColumnID) + " " + d.IDColumnType() + " PRIMARY KEY",
		d.QuoteIdent(ColumnCreatedAt) + " " + d.TimestampColumnType(),
		d.QuoteIdent(ColumnUpdatedAt) + " " + d.TimestampColumnType(),
	}
	var indexes []string
	for _, p := range c.Properties {
		def, err := columnDef(d, p)
		if err != nil {
			return nil, fmt.Errorf("collection %q: %w", c.Code, err)
		}
		if p.IsRequired {
			def += " NOT NULL"
		}
		cols = append(cols, def)
		indexes = append(indexes, indexStatements(d, c.TableName, p)...)
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE %s (%s)", d.QuoteIdent(c.TableName), strings.Join(cols, ", "))}
	return append(stmts, indexes...), nil
}

// DropTable returns the statement dropping a collection table.
func DropTable(d Dialect, table string) []string {
	return []string{"DROP TABLE " + d.QuoteIdent(table)}
}

// RenameTable returns the statement renaming a table.
func RenameTable(d Dialect, from, to string) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME TO %s", d.QuoteIdent(from), d.QuoteIdent(to))}
}

// AddColumn returns the statements adding a property column and its
// indexes. Required properties are added nullable: existing rows have no
// value for them.
func AddColumn(d Dialect, table string, p types.PropertyDef) ([]string, error) {
	def, err := columnDef(d, p)
	if err != nil {
		return nil, err
	}
	stmts := []string{fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", d.QuoteIdent(table), def)}
	return append(stmts, indexStatements(d, table, p)...), nil
}

// DropColumn returns the statements dropping a property column. Indexes on
// the column go first; SQLite refuses to drop an indexed column.
func DropColumn(d Dialect, table string, p types.PropertyDef) []string {
	stmts := dropIndexStatements(d, table, p)
	return append(stmts, fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", d.QuoteIdent(table), d.QuoteIdent(p.ColumnName)))
}

// RenameColumn returns the statement renaming a column.
func RenameColumn(d Dialect, table, from, to string) []string {
	return []string{fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
		d.QuoteIdent(table), d.QuoteIdent(from), d.QuoteIdent(to))}
}

// AlterColumnType returns the statement changing a column's type.
// Returns ErrUnsupportedDDL when the dialect cannot alter types in place.
func AlterColumnType(d Dialect, table, column, baseType string) ([]string, error) {
	if !d.SupportsAlterColumnType() {
		return nil, fmt.Errorf("%w: %s cannot alter column type", types.ErrUnsupportedDDL, d.Name())
	}
	colType, err := d.ColumnType(baseType)
	if err != nil {
		return nil, err
	}
	col := d.QuoteIdent(column)
	return []string{fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
		d.QuoteIdent(table), col, colType, col, colType)}, nil
}

// CreateIndex returns the statement creating the generated index for a
// column.
func CreateIndex(d Dialect, table, column string, unique bool) string {
	kw := "CREATE INDEX"
	if unique {
		kw = "CREATE UNIQUE INDEX"
	}
	return fmt.Sprintf("%s %s ON %s (%s)", kw,
		d.QuoteIdent(IndexName(table, column, unique)), d.QuoteIdent(table), d.QuoteIdent(column))
}

// DropIndex returns the statement dropping the generated index for a column.
func DropIndex(d Dialect, table, column string, unique bool) string {
	return "DROP INDEX IF EXISTS " + d.QuoteIdent(IndexName(table, column, unique))
}

func columnDef(d Dialect, p types.PropertyDef) (string, error) {
	if p.ColumnName == "" {
		return "", fmt.Errorf("property %q has no column name", p.Code)
	}
	colType, err := d.ColumnType(p.BaseType)
	if err != nil {
		return "", fmt.Errorf("property %q: %w", p.Code, err)
	}
	return d.QuoteIdent(p.ColumnName) + " " + colType, nil
}

func indexStatements(d Dialect, table string, p types.PropertyDef) []string {
	var stmts []string
	if p.IsUnique {
		stmts = append(stmts, CreateIndex(d, table, p.ColumnName, true))
	}
	if p.IsIndexed && !p.IsUnique {
		stmts = append(stmts, CreateIndex(d, table, p.ColumnName, false))
	}
	return stmts
}

func dropIndexStatements(d Dialect, table string, p types.PropertyDef) []string {
	var stmts []string
	if p.IsUnique {
		stmts = append(stmts, DropIndex(d, table, p.ColumnName, true))
	}
	if p.IsIndexed && !p.IsUnique {
		stmts = append(stmts, DropIndex(d, table, p.ColumnName, false))
	}
	return stmts
}
