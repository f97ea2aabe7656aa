package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/schemaledger/internal/schemasync"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// errDriftFound is returned by drift --check when drift exists.
var errDriftFound = errors.New("schema drift detected")

func newSyncCmd(a *app) *cobra.Command {
	var (
		actor  string
		source string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Detect drift and apply safe fixes under the schema lock",
		Long: "Run one synchronization pass. If another instance holds the schema lock\n" +
			"the run is skipped with exit code 1. Fixes are applied only when\n" +
			"sync.auto_resolve is enabled.",
		Args: exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch source {
			case schemasync.TriggerManual, schemasync.TriggerScheduler, schemasync.TriggerAPI:
			default:
				return usagef("unknown trigger %q", source)
			}
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				rep, err := e.svc.RunSync(cmd.Context(), schemasync.Trigger{Source: source, Actor: actor})
				if rep != nil {
					if perr := a.printReport(cmd.OutOrStdout(), rep); perr != nil && err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor recorded in the audit ledger (default: holder id)")
	cmd.Flags().StringVar(&source, "trigger", schemasync.TriggerManual, "trigger source (manual|scheduler|api)")
	return cmd
}

func (a *app) printReport(w io.Writer, rep *schemasync.Report) error {
	if a.flags.jsonMode {
		return printJSON(w, rep)
	}
	fmt.Fprintf(w, "result:   %s\n", rep.Result)
	fmt.Fprintf(w, "issues:   %d found, %d remaining\n", len(rep.Initial.Issues), len(rep.Final.Issues))
	fmt.Fprintf(w, "changes:  %d applied, %d failed\n", len(rep.Changes)-rep.Failed, rep.Failed)
	for _, c := range rep.Changes {
		fmt.Fprint(w, "  ")
		printChange(w, c)
	}
	if len(rep.Final.Issues) > 0 {
		fmt.Fprintln(w, "remaining:")
		printIssues(w, rep.Final.Issues)
	}
	fmt.Fprintf(w, "duration: %s\n", rep.Duration)
	return nil
}

func newDriftCmd(a *app) *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare metadata with the live schema without changing anything",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				report, err := e.svc.CheckDrift(cmd.Context())
				if err != nil {
					return err
				}
				if err := a.printDrift(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if check && report.DriftDetected() {
					return fmt.Errorf("%w: %d issues", errDriftFound, len(report.Issues))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "exit with code 1 when drift is found")
	return cmd
}

func (a *app) printDrift(w io.Writer, report types.DriftReport) error {
	if a.flags.jsonMode {
		return printJSON(w, report)
	}
	c := report.Counts
	fmt.Fprintf(w, "collections: %d, properties: %d, orphaned tables: %d, orphaned columns: %d\n",
		c.TotalCollections, c.TotalProperties, c.OrphanedTables, c.OrphanedColumns)
	if !report.DriftDetected() {
		fmt.Fprintln(w, "no drift")
		return nil
	}
	fmt.Fprintf(w, "%d issues:\n", len(report.Issues))
	printIssues(w, report.Issues)
	return nil
}
