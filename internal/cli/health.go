package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
	"tutormemory/internal/services"
)

func init() {
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe every backend and print engine health",
		Args:  cobra.NoArgs,
		RunE:  runHealth,
	}

	RootCmd.AddCommand(cmd)
}

func runHealth(cmd *cobra.Command, args []string) error {
	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		c.Health.CheckAll(ctx)
		report := c.Engine.Health()
		if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
			return err
		}
		if report.Status == services.HealthUnhealthy {
			return fmt.Errorf("memory engine is %s", report.Status)
		}
		return nil
	})
}
