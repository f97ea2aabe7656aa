// Package drift compares declared collection metadata with the live physical
// catalog and classifies every inconsistency it finds.
package drift

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// ConstraintIndex marks a constraint mismatch about a plain (non-unique)
// declared index.
const ConstraintIndex = "index"

// Options tune a detection run.
type Options struct {
	// IgnoreTables are physical tables never reported as orphaned, in
	// addition to the coordination store's own tables.
	IgnoreTables []string
}

// Detect compares the declared collections with the physical tables. It is
// pure: the same inputs always produce the same report, in the same order.
func Detect(d ddl.Dialect, collections []types.CollectionDef, tables []types.TableInfo, opts Options) types.DriftReport {
	ignored := make(map[string]bool)
	for _, t := range types.StoreTableNames {
		ignored[t] = true
	}
	for _, t := range opts.IgnoreTables {
		ignored[t] = true
	}

	physical := make(map[string]types.TableInfo, len(tables))
	for _, t := range tables {
		physical[t.Name] = t
	}

	var report types.DriftReport
	declared := make(map[string]bool, len(collections))
	for _, c := range collections {
		report.Counts.TotalCollections++
		report.Counts.TotalProperties += len(c.Properties)
		declared[c.TableName] = true

		t, ok := physical[c.TableName]
		if !ok {
			issue := types.NewIssue(types.MissingTable{Table: c.TableName}, types.SeverityError,
				fmt.Sprintf("collection %q declares table %q which does not exist", c.Code, c.TableName))
			issue.Collection = c.Code
			issue.AutoResolvable = true
			issue.SuggestedAction = "CREATE TABLE " + c.TableName
			report.Issues = append(report.Issues, issue)
			continue
		}
		report.Issues = append(report.Issues, compareTable(d, c, t)...)
	}

	for _, t := range tables {
		if declared[t.Name] || ignored[t.Name] {
			continue
		}
		report.Counts.OrphanedTables++
		issue := types.NewIssue(types.OrphanedTable{Table: t.Name}, types.SeverityWarning,
			fmt.Sprintf("table %q has no matching collection", t.Name))
		issue.SuggestedAction = "declare a collection for the table or drop it manually"
		report.Issues = append(report.Issues, issue)
	}

	for _, i := range report.Issues {
		if i.Type == types.IssueOrphanedColumn {
			report.Counts.OrphanedColumns++
		}
	}
	sortIssues(report.Issues)
	return report
}

func compareTable(d ddl.Dialect, c types.CollectionDef, t types.TableInfo) []types.Issue {
	var issues []types.Issue
	declaredCols := make(map[string]bool, len(c.Properties))

	for _, p := range c.Properties {
		declaredCols[p.ColumnName] = true

		col, ok := t.Column(p.ColumnName)
		if !ok {
			issue := types.NewIssue(types.MissingColumn{Table: t.Name, Column: p.ColumnName}, types.SeverityError,
				fmt.Sprintf("property %q declares column %s.%s which does not exist", p.Code, t.Name, p.ColumnName))
			issue.Collection = c.Code
			issue.Property = p.Code
			issue.AutoResolvable = true
			issue.SuggestedAction = fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", t.Name, p.ColumnName)
			issues = append(issues, issue)
			continue
		}

		if issue, bad := compareType(d, c, p, t.Name, col); bad {
			issues = append(issues, issue)
		}
		if p.IsRequired && col.Nullable {
			issues = append(issues, missingNotNull(c, p, t.Name))
		}
		issues = append(issues, compareConstraints(c, p, t)...)
	}

	for _, col := range t.Columns {
		if declaredCols[col.Name] || ddl.IsSystemColumn(col.Name) {
			continue
		}
		issue := types.NewIssue(types.OrphanedColumn{Table: t.Name, Column: col.Name, Type: col.Type}, types.SeverityWarning,
			fmt.Sprintf("column %s.%s has no matching property", t.Name, col.Name))
		issue.Collection = c.Code
		issue.SuggestedAction = "declare a property for the column or drop it manually"
		issues = append(issues, issue)
	}

	for _, con := range t.Constraints {
		if con.Type != types.ConstraintCheck {
			continue
		}
		column := ""
		if len(con.Columns) == 1 {
			column = con.Columns[0]
		}
		issue := types.NewIssue(types.ConstraintMismatch{
			Table:          t.Name,
			Column:         column,
			Constraint:     con.Name,
			ConstraintType: types.ConstraintCheck,
			Direction:      types.ConstraintUndeclared,
		}, types.SeverityWarning, fmt.Sprintf("check constraint %q on %s is not declared in metadata", con.Name, t.Name))
		issue.Collection = c.Code
		issues = append(issues, issue)
	}
	return issues
}

func compareType(d ddl.Dialect, c types.CollectionDef, p types.PropertyDef, table string, col types.ColumnInfo) (types.Issue, bool) {
	expected, err := ddl.ExpectedType(d, p.BaseType)
	actual := d.NormalizeType(col.Type)
	if err == nil && expected == actual {
		return types.Issue{}, false
	}

	msg := fmt.Sprintf("column %s.%s is %s, property %q expects %s", table, col.Name, actual, p.Code, expected)
	if err != nil {
		msg = fmt.Sprintf("property %q has base type %q with no %s mapping", p.Code, p.BaseType, d.Name())
	}
	issue := types.NewIssue(types.TypeMismatch{
		Table:        table,
		Column:       col.Name,
		BaseType:     p.BaseType,
		ExpectedType: expected,
		ActualType:   actual,
	}, types.SeverityError, msg)
	issue.Collection = c.Code
	issue.Property = p.Code
	issue.SuggestedAction = "migrate the column manually"
	return issue, true
}

// missingNotNull reports a required property on a nullable column. Columns
// are always added nullable, and tightening them may fail on existing rows,
// so the issue is left to an operator.
func missingNotNull(c types.CollectionDef, p types.PropertyDef, table string) types.Issue {
	issue := types.NewIssue(types.ConstraintMismatch{
		Table:          table,
		Column:         p.ColumnName,
		Constraint:     table + "." + p.ColumnName + " not null",
		ConstraintType: types.ConstraintNotNull,
		Direction:      types.ConstraintMissing,
	}, types.SeverityWarning, fmt.Sprintf("property %q is declared required but %s.%s is nullable", p.Code, table, p.ColumnName))
	issue.Collection = c.Code
	issue.Property = p.Code
	issue.SuggestedAction = fmt.Sprintf("backfill %s.%s, then add NOT NULL", table, p.ColumnName)
	return issue
}

func compareConstraints(c types.CollectionDef, p types.PropertyDef, t types.TableInfo) []types.Issue {
	var issues []types.Issue
	uniques := uniqueNames(t, p.ColumnName)

	switch {
	case p.IsUnique && len(uniques) == 0:
		name := ddl.IndexName(t.Name, p.ColumnName, true)
		issue := types.NewIssue(types.ConstraintMismatch{
			Table:          t.Name,
			Column:         p.ColumnName,
			Constraint:     name,
			ConstraintType: types.ConstraintUnique,
			Direction:      types.ConstraintMissing,
		}, types.SeverityError, fmt.Sprintf("property %q is declared unique but %s.%s has no unique constraint", p.Code, t.Name, p.ColumnName))
		issue.Collection = c.Code
		issue.Property = p.Code
		issue.SuggestedAction = "remove duplicate values, then CREATE UNIQUE INDEX " + name
		issues = append(issues, issue)
	case !p.IsUnique && len(uniques) > 0:
		issue := types.NewIssue(types.ConstraintMismatch{
			Table:          t.Name,
			Column:         p.ColumnName,
			Constraint:     uniques[0],
			ConstraintType: types.ConstraintUnique,
			Direction:      types.ConstraintUndeclared,
		}, types.SeverityWarning, fmt.Sprintf("unique constraint %q on %s.%s is not declared in metadata", uniques[0], t.Name, p.ColumnName))
		issue.Collection = c.Code
		issue.Property = p.Code
		issues = append(issues, issue)
	}

	if p.IsIndexed && !p.IsUnique && !hasIndex(t, p.ColumnName) {
		name := ddl.IndexName(t.Name, p.ColumnName, false)
		issue := types.NewIssue(types.ConstraintMismatch{
			Table:          t.Name,
			Column:         p.ColumnName,
			Constraint:     name,
			ConstraintType: ConstraintIndex,
			Direction:      types.ConstraintMissing,
		}, types.SeverityWarning, fmt.Sprintf("property %q is declared indexed but %s.%s has no index", p.Code, t.Name, p.ColumnName))
		issue.Collection = c.Code
		issue.Property = p.Code
		issue.AutoResolvable = true
		issue.SuggestedAction = "CREATE INDEX " + name
		issues = append(issues, issue)
	}
	return issues
}

// uniqueNames returns the sorted names of unique indexes and constraints
// covering exactly column.
func uniqueNames(t types.TableInfo, column string) []string {
	seen := make(map[string]bool)
	for _, idx := range t.Indexes {
		if idx.Unique && singleColumn(idx.Columns, column) {
			seen[idx.Name] = true
		}
	}
	for _, con := range t.Constraints {
		if (con.Type == types.ConstraintUnique || con.Type == types.ConstraintPrimaryKey) && singleColumn(con.Columns, column) {
			seen[con.Name] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// hasIndex reports whether any index leads with column.
func hasIndex(t types.TableInfo, column string) bool {
	for _, idx := range t.Indexes {
		if len(idx.Columns) > 0 && idx.Columns[0] == column {
			return true
		}
	}
	return len(uniqueNames(t, column)) > 0
}

func singleColumn(cols []string, column string) bool {
	return len(cols) == 1 && cols[0] == column
}

var typeRank = map[types.IssueType]int{
	types.IssueMissingTable:       0,
	types.IssueOrphanedTable:      1,
	types.IssueMissingColumn:      2,
	types.IssueOrphanedColumn:     3,
	types.IssueTypeMismatch:       4,
	types.IssueConstraintMismatch: 5,
}

func sortIssues(issues []types.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if c := strings.Compare(a.Table(), b.Table()); c != 0 {
			return c < 0
		}
		if c := strings.Compare(a.Column(), b.Column()); c != 0 {
			return c < 0
		}
		if typeRank[a.Type] != typeRank[b.Type] {
			return typeRank[a.Type] < typeRank[b.Type]
		}
		return a.Message < b.Message
	})
}
