package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
)

func init() {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Repair one batch of vector index drift",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}

	RootCmd.AddCommand(cmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		result, err := c.Reconciler.Reconcile(ctx)
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	})
}
