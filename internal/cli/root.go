// Package cli implements the schemactl command-line interface.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

// rootFlags holds global flag values accessible to all subcommands.
type rootFlags struct {
	configDir string
	dataDir   string
	jsonMode  bool
}

// usageError marks a mistake in how the command was invoked.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{err: fmt.Errorf(format, args...)}
}

// userErrors are outcomes the operator acts on rather than system faults.
var userErrors = []error{
	types.ErrLockContention,
	types.ErrRollbackIneligible,
	types.ErrAlreadyRolledBack,
	types.ErrChainIntegrity,
	types.ErrNotFound,
	types.ErrInvalidFilter,
	errDriftFound,
}

// exitCode classifies an error returned by a command.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	var ue usageError
	if errors.As(err, &ue) {
		return exitUserError
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	return exitSysError
}

// NewRootCmd creates the top-level "schemactl" command with global flags
// and all subcommands registered. Each call returns an independent tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "schemactl",
		Short: "Keep a physical schema consistent with its declared metadata",
		Long: "schemactl detects drift between declared collection metadata and the\n" +
			"physical database schema, applies safe fixes under a cluster-wide lock,\n" +
			"records every schema change, and keeps a tamper-evident audit ledger.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch cmd.Name() {
			case "version":
				return nil
			case "init":
				if err := a.prepareInit(); err != nil {
					return err
				}
			}
			return a.loadConfig()
		},
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err: err}
	})

	root.PersistentFlags().StringVar(&a.flags.configDir, "config-dir", "", "configuration directory (default: platform config dir)")
	root.PersistentFlags().StringVar(&a.flags.dataDir, "data-dir", "", "data directory (default: $(CWD)/.schemaledger-db)")
	root.PersistentFlags().BoolVar(&a.flags.jsonMode, "json", false, "output in JSON format")

	root.AddCommand(
		newVersionCmd(),
		newInitCmd(a),
		newSyncCmd(a),
		newDriftCmd(a),
		newStatusCmd(a),
		newIssuesCmd(a),
		newHistoryCmd(a),
		newRollbackCmd(a),
		newVerifyCmd(a),
		newExportCmd(a),
		newAuditCmd(a),
	)
	return root
}

// Run executes the command line args and returns the process exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "schemactl: %v\n", err)
	}
	return exitCode(err)
}

// Execute runs the root command against the process arguments and returns
// the exit code.
func Execute(ctx context.Context) int {
	return Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// exactArgs is cobra.ExactArgs with the failure reported as a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err: err}
		}
		return nil
	}
}
