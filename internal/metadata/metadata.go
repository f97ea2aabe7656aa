// Package metadata supplies the declared schema snapshot: collections with
// their table names and properties with column names and base types.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/schemaledger/internal/ddl"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// ErrInvalidMetadata is returned for a snapshot that cannot be compared
// against a physical schema.
var ErrInvalidMetadata = errors.New("invalid metadata")

var (
	_ types.MetadataProvider = (*File)(nil)
	_ types.MetadataProvider = Static(nil)
)

// Document is the on-disk shape of a metadata file.
type Document struct {
	Collections []types.CollectionDef `yaml:"collections"`
}

// File reads the snapshot from a YAML file on every call, so edits to the
// file are seen by the next sync.
type File struct {
	path string
}

// NewFile returns a provider over the YAML file at path.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the file the provider reads.
func (f *File) Path() string {
	return f.path
}

// ListCollections parses and validates the file.
func (f *File) ListCollections(ctx context.Context) ([]types.CollectionDef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("reading metadata file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML metadata document.
func Parse(data []byte) ([]types.CollectionDef, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	if err := Validate(doc.Collections); err != nil {
		return nil, err
	}
	return doc.Collections, nil
}

// Encode renders collections as a YAML metadata document.
func Encode(collections []types.CollectionDef) ([]byte, error) {
	return yaml.Marshal(Document{Collections: collections})
}

// Validate checks that every collection has a code and a table, that every
// property has a code, a column, and a base type, that no property claims a
// system column, and that no table or column is declared twice.
func Validate(collections []types.CollectionDef) error {
	tables := make(map[string]string, len(collections))
	for _, c := range collections {
		if c.Code == "" || c.TableName == "" {
			return fmt.Errorf("%w: collection needs a code and a table name", ErrInvalidMetadata)
		}
		if other, ok := tables[c.TableName]; ok {
			return fmt.Errorf("%w: table %s declared by %s and %s", ErrInvalidMetadata, c.TableName, other, c.Code)
		}
		tables[c.TableName] = c.Code

		columns := make(map[string]bool, len(c.Properties))
		for _, p := range c.Properties {
			if p.Code == "" || p.ColumnName == "" || p.BaseType == "" {
				return fmt.Errorf("%w: property of %s needs a code, a column name and a base type", ErrInvalidMetadata, c.Code)
			}
			if ddl.IsSystemColumn(p.ColumnName) {
				return fmt.Errorf("%w: column %s.%s is reserved", ErrInvalidMetadata, c.TableName, p.ColumnName)
			}
			if columns[p.ColumnName] {
				return fmt.Errorf("%w: column %s.%s declared twice", ErrInvalidMetadata, c.TableName, p.ColumnName)
			}
			columns[p.ColumnName] = true
		}
	}
	return nil
}

// Static is a fixed snapshot.
type Static []types.CollectionDef

// ListCollections returns the snapshot.
func (s Static) ListCollections(ctx context.Context) ([]types.CollectionDef, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}
