package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export <user-id>",
		Short: "Export everything stored about a user as JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runExport,
	}
	cmd.Flags().StringP("output", "o", "", "Write to a file instead of stdout")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	output, _ := cmd.Flags().GetString("output")

	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		export, err := c.Engine.ExportUserMemories(ctx, args[0])
		if err != nil {
			return err
		}

		var w io.Writer = cmd.OutOrStdout()
		if output != "" {
			f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", output, err)
			}
			defer f.Close()
			w = f
		}
		if err := writeJSON(w, export); err != nil {
			return err
		}
		if output != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "exported %d memories to %s\n", len(export.Memories), output)
		}
		return nil
	})
}
