package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// statusView is the JSON shape of the status command.
type statusView struct {
	*types.SyncState
	Locked bool `json:"locked"`
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the last sync result, drift summary, and lock holder",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				st, err := e.svc.SyncStatus(cmd.Context())
				if err != nil {
					return err
				}
				return a.printStatus(cmd.OutOrStdout(), st, time.Now())
			})
		},
	}
}

func (a *app) printStatus(w io.Writer, st *types.SyncState, now time.Time) error {
	locked := st.Lock.IsLocked(now)
	if a.flags.jsonMode {
		return printJSON(w, statusView{SyncState: st, Locked: locked})
	}
	if locked {
		fmt.Fprintf(w, "lock:        held by %s until %s\n", *st.Lock.Holder, formatTimePtr(st.Lock.ExpiresAt))
	} else {
		fmt.Fprintln(w, "lock:        free")
	}
	fmt.Fprintf(w, "last sync:   %s", formatTimePtr(st.LastFullSyncAt))
	if st.LastFullSyncResult != nil {
		fmt.Fprintf(w, " %s (%s)", *st.LastFullSyncResult, st.LastFullSyncDuration)
	}
	fmt.Fprintln(w)
	if st.LastFullSyncError != nil {
		fmt.Fprintf(w, "last error:  %s\n", *st.LastFullSyncError)
	}
	fmt.Fprintf(w, "drift check: %s", formatTimePtr(st.LastDriftCheckAt))
	if st.DriftDetected {
		fmt.Fprintf(w, ", %d issues", len(st.DriftDetails))
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "collections: %d, properties: %d, orphaned tables: %d, orphaned columns: %d\n",
		st.TotalCollections, st.TotalProperties, st.OrphanedTables, st.OrphanedColumns)
	return nil
}

func newIssuesCmd(a *app) *cobra.Command {
	var severity string
	cmd := &cobra.Command{
		Use:   "issues",
		Short: "List issues of the last recorded drift check by severity",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				issues, err := e.svc.IssuesBySeverity(cmd.Context(), types.Severity(severity))
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if a.flags.jsonMode {
					if issues == nil {
						issues = []types.Issue{}
					}
					return printJSON(w, issues)
				}
				if len(issues) == 0 {
					fmt.Fprintf(w, "no %s issues\n", severity)
					return nil
				}
				printIssues(w, issues)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", string(types.SeverityError), "severity to list (error|warning|info)")
	return cmd
}
