package drift

import (
	"errors"
	"fmt"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Fix is one auto-resolvable issue turned into a DDL batch for a single
// entity. Each Fix is executed atomically and recorded as its own change.
type Fix struct {
	Issue      types.Issue
	EntityType string
	EntityID   string
	EntityCode string
	ChangeType string
	Before     *types.EntityState
	After      *types.EntityState
	Statements []string
}

// PlanFixes builds the fixes for every auto-resolvable issue in the report,
// in report order. Issues whose DDL cannot be generated are skipped and
// returned joined in the error; the remaining fixes are still usable.
func PlanFixes(d ddl.Dialect, collections []types.CollectionDef, report types.DriftReport) ([]Fix, error) {
	byCode := make(map[string]types.CollectionDef, len(collections))
	for _, c := range collections {
		byCode[c.Code] = c
	}

	var fixes []Fix
	var errs []error
	for _, issue := range report.Issues {
		if !issue.AutoResolvable {
			continue
		}
		c, ok := byCode[issue.Collection]
		if !ok {
			errs = append(errs, fmt.Errorf("%s on %s: collection %q not declared", issue.Type, issue.Table(), issue.Collection))
			continue
		}
		fix, err := planFix(d, c, issue)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", issue.Type, issue.Table(), err))
			continue
		}
		fixes = append(fixes, fix)
	}
	return fixes, errors.Join(errs...)
}

func planFix(d ddl.Dialect, c types.CollectionDef, issue types.Issue) (Fix, error) {
	switch detail := issue.Detail.(type) {
	case types.MissingTable:
		stmts, err := ddl.CreateTable(d, c)
		if err != nil {
			return Fix{}, err
		}
		coll := c
		return Fix{
			Issue:      issue,
			EntityType: types.EntityCollection,
			EntityID:   c.EntityID(),
			EntityCode: c.Code,
			ChangeType: types.ChangeCreate,
			After:      &types.EntityState{TableName: c.TableName, Collection: &coll},
			Statements: stmts,
		}, nil

	case types.MissingColumn:
		p, ok := findProperty(c, issue.Property)
		if !ok {
			return Fix{}, fmt.Errorf("property %q not declared", issue.Property)
		}
		stmts, err := ddl.AddColumn(d, detail.Table, p)
		if err != nil {
			return Fix{}, err
		}
		return Fix{
			Issue:      issue,
			EntityType: types.EntityProperty,
			EntityID:   p.EntityID(),
			EntityCode: p.Code,
			ChangeType: types.ChangeCreate,
			After:      &types.EntityState{TableName: detail.Table, Property: &p},
			Statements: stmts,
		}, nil

	case types.ConstraintMismatch:
		if detail.ConstraintType != ConstraintIndex || detail.Direction != types.ConstraintMissing {
			break
		}
		p, ok := findProperty(c, issue.Property)
		if !ok {
			return Fix{}, fmt.Errorf("property %q not declared", issue.Property)
		}
		// The physical column exists without its index: the before-state is
		// the declared property minus the index flag.
		before := p
		before.IsIndexed = false
		return Fix{
			Issue:      issue,
			EntityType: types.EntityProperty,
			EntityID:   p.EntityID(),
			EntityCode: p.Code,
			ChangeType: types.ChangeSync,
			Before:     &types.EntityState{TableName: detail.Table, Property: &before},
			After:      &types.EntityState{TableName: detail.Table, Property: &p},
			Statements: []string{ddl.CreateIndex(d, detail.Table, p.ColumnName, false)},
		}, nil
	}
	return Fix{}, fmt.Errorf("no fix for %s", issue.Type)
}

func findProperty(c types.CollectionDef, code string) (types.PropertyDef, bool) {
	for _, p := range c.Properties {
		if p.Code == code {
			return p, true
		}
	}
	return types.PropertyDef{}, false
}
