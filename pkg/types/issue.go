package types

import (
	"encoding/json"
	"fmt"
)

// IssueType classifies a drift issue.
type IssueType string

// Issue types.
const (
	IssueOrphanedTable      IssueType = "orphaned_table"
	IssueOrphanedColumn     IssueType = "orphaned_column"
	IssueMissingTable       IssueType = "missing_table"
	IssueMissingColumn      IssueType = "missing_column"
	IssueTypeMismatch       IssueType = "type_mismatch"
	IssueConstraintMismatch IssueType = "constraint_mismatch"
)

// Severity ranks an issue.
type Severity string

// Severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ValidSeverity reports whether s is a known severity.
func ValidSeverity(s Severity) bool {
	switch s {
	case SeverityError, SeverityWarning, SeverityInfo:
		return true
	}
	return false
}

// IssueDetail is the kind-specific payload of an Issue. The set of
// implementations is closed: only the detail types in this package satisfy it.
type IssueDetail interface {
	Kind() IssueType
	sealed()
}

// MissingTable: metadata declares a table that is not present physically.
type MissingTable struct {
	Table string `json:"table"`
}

// OrphanedTable: a physical table has no matching collection.
type OrphanedTable struct {
	Table string `json:"table"`
}

// MissingColumn: a declared property has no physical column.
type MissingColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}

// OrphanedColumn: a physical column has no matching property.
type OrphanedColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
	Type   string `json:"type"`
}

// TypeMismatch: the physical column type differs from the type the declared
// base type maps to.
type TypeMismatch struct {
	Table        string `json:"table"`
	Column       string `json:"column"`
	BaseType     string `json:"baseType"`
	ExpectedType string `json:"expectedType"`
	ActualType   string `json:"actualType"`
}

// Constraint mismatch directions.
const (
	ConstraintMissing    = "missing"
	ConstraintUndeclared = "undeclared"
)

// ConstraintMismatch: a declared constraint or index is missing, or a
// physical one is not declared.
type ConstraintMismatch struct {
	Table          string `json:"table"`
	Column         string `json:"column,omitempty"`
	Constraint     string `json:"constraint"`
	ConstraintType string `json:"constraintType"`
	Direction      string `json:"direction"`
}

func (MissingTable) Kind() IssueType       { return IssueMissingTable }
func (OrphanedTable) Kind() IssueType      { return IssueOrphanedTable }
func (MissingColumn) Kind() IssueType      { return IssueMissingColumn }
func (OrphanedColumn) Kind() IssueType     { return IssueOrphanedColumn }
func (TypeMismatch) Kind() IssueType       { return IssueTypeMismatch }
func (ConstraintMismatch) Kind() IssueType { return IssueConstraintMismatch }

func (MissingTable) sealed()       {}
func (OrphanedTable) sealed()      {}
func (MissingColumn) sealed()      {}
func (OrphanedColumn) sealed()     {}
func (TypeMismatch) sealed()       {}
func (ConstraintMismatch) sealed() {}

// Issue is one inconsistency between declared metadata and the physical
// schema. Type always equals Detail.Kind().
type Issue struct {
	Type            IssueType   `json:"type"`
	Severity        Severity    `json:"severity"`
	Collection      string      `json:"collection,omitempty"`
	Property        string      `json:"property,omitempty"`
	Message         string      `json:"message"`
	AutoResolvable  bool        `json:"autoResolvable"`
	SuggestedAction string      `json:"suggestedAction,omitempty"`
	Detail          IssueDetail `json:"detail"`
}

// NewIssue builds an Issue whose Type is taken from the detail.
func NewIssue(detail IssueDetail, severity Severity, message string) Issue {
	return Issue{
		Type:     detail.Kind(),
		Severity: severity,
		Message:  message,
		Detail:   detail,
	}
}

// Table returns the physical table the issue refers to.
func (i Issue) Table() string {
	switch d := i.Detail.(type) {
	case MissingTable:
		return d.Table
	case OrphanedTable:
		return d.Table
	case MissingColumn:
		return d.Table
	case OrphanedColumn:
		return d.Table
	case TypeMismatch:
		return d.Table
	case ConstraintMismatch:
		return d.Table
	}
	return ""
}

// Column returns the physical column the issue refers to, if any.
func (i Issue) Column() string {
	switch d := i.Detail.(type) {
	case MissingColumn:
		return d.Column
	case OrphanedColumn:
		return d.Column
	case TypeMismatch:
		return d.Column
	case ConstraintMismatch:
		return d.Column
	}
	return ""
}

// issueJSON is the wire shape of Issue with the detail left undecoded.
type issueJSON struct {
	Type            IssueType       `json:"type"`
	Severity        Severity        `json:"severity"`
	Collection      string          `json:"collection,omitempty"`
	Property        string          `json:"property,omitempty"`
	Message         string          `json:"message"`
	AutoResolvable  bool            `json:"autoResolvable"`
	SuggestedAction string          `json:"suggestedAction,omitempty"`
	Detail          json.RawMessage `json:"detail"`
}

// UnmarshalJSON decodes the detail according to the issue type.
func (i *Issue) UnmarshalJSON(data []byte) error {
	var raw issueJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var detail IssueDetail
	var err error
	switch raw.Type {
	case IssueMissingTable:
		detail, err = decodeDetail[MissingTable](raw.Detail)
	case IssueOrphanedTable:
		detail, err = decodeDetail[OrphanedTable](raw.Detail)
	case IssueMissingColumn:
		detail, err = decodeDetail[MissingColumn](raw.Detail)
	case IssueOrphanedColumn:
		detail, err = decodeDetail[OrphanedColumn](raw.Detail)
	case IssueTypeMismatch:
		detail, err = decodeDetail[TypeMismatch](raw.Detail)
	case IssueConstraintMismatch:
		detail, err = decodeDetail[ConstraintMismatch](raw.Detail)
	default:
		return fmt.Errorf("unknown issue type %q", raw.Type)
	}
	if err != nil {
		return fmt.Errorf("decoding %s detail: %w", raw.Type, err)
	}

	*i = Issue{
		Type:            raw.Type,
		Severity:        raw.Severity,
		Collection:      raw.Collection,
		Property:        raw.Property,
		Message:         raw.Message,
		AutoResolvable:  raw.AutoResolvable,
		SuggestedAction: raw.SuggestedAction,
		Detail:          detail,
	}
	return nil
}

func decodeDetail[T IssueDetail](data json.RawMessage) (IssueDetail, error) {
	var d T
	if len(data) == 0 || string(data) == "null" {
		return d, nil
	}
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// FilterBySeverity returns the issues with the given severity, in order.
func FilterBySeverity(issues []Issue, severity Severity) []Issue {
	out := make([]Issue, 0, len(issues))
	for _, i := range issues {
		if i.Severity == severity {
			out = append(out, i)
		}
	}
	return out
}
