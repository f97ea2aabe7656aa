package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/schemaledger/pkg/schemaledger"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the schemactl version",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "schemactl v%s\nmodule: %s\n", schemaledger.Version, schemaledger.ModulePath)
			return nil
		},
	}
}
