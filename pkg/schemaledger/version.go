// Package schemaledger holds module-wide identifiers.
package schemaledger

// Version is the release of the schemactl binary and its store schema.
const Version = "0.1.0"

// ModulePath is the Go module path.
const ModulePath = "github.com/mesh-intelligence/schemaledger"
