package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
)

var errEraseNotConfirmed = errors.New("erase is irreversible; pass --yes to confirm")

func init() {
	cmd := &cobra.Command{
		Use:   "erase <user-id>",
		Short: "Delete a user's memories from every tier",
		Args:  cobra.ExactArgs(1),
		RunE:  runErase,
	}
	cmd.Flags().Bool("yes", false, "Confirm the erasure")

	RootCmd.AddCommand(cmd)
}

func runErase(cmd *cobra.Command, args []string) error {
	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		return errEraseNotConfirmed
	}

	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		result, err := c.Engine.EraseUserMemories(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	})
}
