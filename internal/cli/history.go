package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

func newHistoryCmd(a *app) *cobra.Command {
	var showDDL bool
	cmd := &cobra.Command{
		Use:   "history <entity-type> <entity-id>",
		Short: "Show the schema change history of a collection or property",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			entityType, entityID := args[0], args[1]
			if entityType != types.EntityCollection && entityType != types.EntityProperty {
				return usagef("entity type must be %s or %s", types.EntityCollection, types.EntityProperty)
			}
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				entries, err := e.svc.ChangeHistory(cmd.Context(), entityType, entityID)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if a.flags.jsonMode {
					if entries == nil {
						entries = []*types.SchemaChangeLogEntry{}
					}
					return printJSON(w, entries)
				}
				if len(entries) == 0 {
					fmt.Fprintf(w, "no changes recorded for %s %s\n", entityType, entityID)
					return nil
				}
				for _, entry := range entries {
					printChange(w, entry)
					if showDDL {
						fmt.Fprint(w, types.FormatDDL(entry))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&showDDL, "ddl", false, "print the DDL of each change")
	return cmd
}

func newRollbackCmd(a *app) *cobra.Command {
	var actor, reason string
	cmd := &cobra.Command{
		Use:   "rollback <change-id>",
		Short: "Roll back a recorded schema change under the schema lock",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if reason == "" {
				return usagef("--reason is required")
			}
			if actor == "" {
				actor = os.Getenv("USER")
			}
			return a.withEnv(cmd.Context(), cmd.ErrOrStderr(), func(e *env) error {
				if actor == "" {
					actor = e.svc.HolderID()
				}
				entry, err := e.svc.RequestRollback(cmd.Context(), args[0], reason, actor)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				if a.flags.jsonMode {
					return printJSON(w, entry)
				}
				printChange(w, entry)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who requests the rollback (default: $USER)")
	cmd.Flags().StringVar(&reason, "reason", "", "why the change is rolled back")
	return cmd
}
