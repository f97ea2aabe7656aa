package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

const outputTimeLayout = time.RFC3339

// printJSON writes v as indented JSON followed by a newline.
func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(outputTimeLayout)
}

func strOr(s *string, fallback string) string {
	if s == nil || *s == "" {
		return fallback
	}
	return *s
}

// printIssues writes one line per issue.
func printIssues(w io.Writer, issues []types.Issue) {
	for _, i := range issues {
		fix := ""
		if i.AutoResolvable {
			fix = " (auto)"
		}
		fmt.Fprintf(w, "  %-7s %-19s %s%s\n", i.Severity, i.Type, i.Message, fix)
	}
}

// printChange writes a change log entry summary line.
func printChange(w io.Writer, e *types.SchemaChangeLogEntry) {
	status := "ok"
	switch {
	case !e.Success:
		status = "failed: " + strOr(e.ErrorMessage, "unknown error")
	case e.IsRolledBack:
		status = "rolled back by " + strOr(e.RolledBackBy, "unknown")
	}
	fmt.Fprintf(w, "%s  %s  %-6s %-10s %-20s %s\n",
		e.CreatedAt.UTC().Format(outputTimeLayout), e.ID, e.ChangeType, e.EntityType, e.EntityCode, status)
}
