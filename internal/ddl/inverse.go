package ddl

import (
	"fmt"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Inverse derives the statements that undo a recorded change. A create is
// undone by dropping the created object, a delete by re-creating it from the
// before-state, and every other change by restoring the before-state over
// the after-state. An empty result means nothing physical needs undoing.
func Inverse(d Dialect, e *types.SchemaChangeLogEntry) ([]string, error) {
	switch e.ChangeType {
	case types.ChangeCreate:
		if e.AfterState == nil {
			return nil, fmt.Errorf("%w: create without after state", types.ErrInvalidEntry)
		}
		return dropEntity(d, e.EntityType, e.AfterState)
	case types.ChangeDelete:
		if e.BeforeState == nil {
			return nil, fmt.Errorf("%w: delete without before state", types.ErrInvalidEntry)
		}
		return createEntity(d, e.EntityType, e.BeforeState)
	default:
		if e.BeforeState == nil || e.AfterState == nil {
			return nil, fmt.Errorf("%w: %s needs both states", types.ErrInvalidEntry, e.ChangeType)
		}
		return restoreEntity(d, e.EntityType, e.AfterState, e.BeforeState)
	}
}

func dropEntity(d Dialect, entityType string, s *types.EntityState) ([]string, error) {
	switch entityType {
	case types.EntityCollection:
		return DropTable(d, s.TableName), nil
	case types.EntityProperty:
		if s.Property == nil {
			return nil, fmt.Errorf("%w: property state missing", types.ErrInvalidEntry)
		}
		return DropColumn(d, s.TableName, *s.Property), nil
	}
	return nil, fmt.Errorf("%w: entity type %q", types.ErrInvalidEntry, entityType)
}

func createEntity(d Dialect, entityType string, s *types.EntityState) ([]string, error) {
	switch entityType {
	case types.EntityCollection:
		if s.Collection == nil {
			return nil, fmt.Errorf("%w: collection state missing", types.ErrInvalidEntry)
		}
		c := *s.Collection
		if c.TableName == "" {
			c.TableName = s.TableName
		}
		return CreateTable(d, c)
	case types.EntityProperty:
		if s.Property == nil {
			return nil, fmt.Errorf("%w: property state missing", types.ErrInvalidEntry)
		}
		return AddColumn(d, s.TableName, *s.Property)
	}
	return nil, fmt.Errorf("%w: entity type %q", types.ErrInvalidEntry, entityType)
}

// restoreEntity returns the statements turning current into target.
func restoreEntity(d Dialect, entityType string, current, target *types.EntityState) ([]string, error) {
	switch entityType {
	case types.EntityCollection:
		if current.TableName != target.TableName {
			return RenameTable(d, current.TableName, target.TableName), nil
		}
		return nil, nil
	case types.EntityProperty:
		if current.Property == nil || target.Property == nil {
			return nil, fmt.Errorf("%w: property state missing", types.ErrInvalidEntry)
		}
		if current.TableName != target.TableName {
			return nil, fmt.Errorf("%w: moving a property between tables", types.ErrUnsupportedDDL)
		}
		return restoreProperty(d, current.TableName, *current.Property, *target.Property)
	}
	return nil, fmt.Errorf("%w: entity type %q", types.ErrInvalidEntry, entityType)
}

func restoreProperty(d Dialect, table string, cur, tgt types.PropertyDef) ([]string, error) {
	renamed := cur.ColumnName != tgt.ColumnName
	indexesChanged := renamed || cur.IsUnique != tgt.IsUnique || cur.IsIndexed != tgt.IsIndexed

	var stmts []string
	if indexesChanged {
		stmts = append(stmts, dropIndexStatements(d, table, cur)...)
	}
	if renamed {
		stmts = append(stmts, RenameColumn(d, table, cur.ColumnName, tgt.ColumnName)...)
	}

	curType, err := ExpectedType(d, cur.BaseType)
	if err != nil {
		return nil, err
	}
	tgtType, err := ExpectedType(d, tgt.BaseType)
	if err != nil {
		return nil, err
	}
	if curType != tgtType {
		alter, err := AlterColumnType(d, table, tgt.ColumnName, tgt.BaseType)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, alter...)
	}

	if indexesChanged {
		stmts = append(stmts, indexStatements(d, table, tgt)...)
	}
	return stmts, nil
}
