package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssue_JSONKeepsDetailVariant(t *testing.T) {
	issues := []Issue{
		NewIssue(MissingTable{Table: "incidents"}, SeverityError, "missing"),
		NewIssue(OrphanedColumn{Table: "incidents", Column: "legacy", Type: "TEXT"}, SeverityWarning, "orphan"),
		NewIssue(TypeMismatch{Table: "incidents", Column: "count", BaseType: "integer", ExpectedType: "INTEGER", ActualType: "TEXT"}, SeverityError, "type"),
		NewIssue(ConstraintMismatch{Table: "incidents", Column: "number", Constraint: "uq_incidents_number", ConstraintType: ConstraintUnique, Direction: ConstraintMissing}, SeverityError, "unique"),
	}

	data, err := json.Marshal(issues)
	require.NoError(t, err)

	var decoded []Issue
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded, len(issues))
	for i := range issues {
		assert.Equal(t, issues[i].Type, decoded[i].Detail.Kind())
		assert.Equal(t, issues[i].Detail, decoded[i].Detail)
	}
}

func TestIssue_UnmarshalRejectsUnknownType(t *testing.T) {
	var i Issue
	err := json.Unmarshal([]byte(`{"type":"bogus","severity":"error","message":"x"}`), &i)
	assert.Error(t, err)
}

func TestIssue_TableAndColumn(t *testing.T) {
	i := NewIssue(MissingColumn{Table: "incidents", Column: "number"}, SeverityError, "")
	assert.Equal(t, IssueMissingColumn, i.Type)
	assert.Equal(t, "incidents", i.Table())
	assert.Equal(t, "number", i.Column())

	o := NewIssue(OrphanedTable{Table: "legacy_orphan"}, SeverityWarning, "")
	assert.Equal(t, "", o.Column())
}
