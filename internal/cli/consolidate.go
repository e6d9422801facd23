package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
	"tutormemory/internal/jobs"
)

func init() {
	cmd := &cobra.Command{
		Use:   "consolidate [user-id conversation-id]",
		Short: "Extract long-term memories from a conversation",
		Long:  "Consolidates one conversation, or with --pending every conversation that has been idle long enough.",
		Args: func(cmd *cobra.Command, args []string) error {
			pending, _ := cmd.Flags().GetBool("pending")
			if pending {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: runConsolidate,
	}
	cmd.Flags().Bool("pending", false, "Consolidate all pending conversations")

	RootCmd.AddCommand(cmd)
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	pending, _ := cmd.Flags().GetBool("pending")

	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		if pending {
			cfg := c.Config
			job := jobs.NewConsolidationJob(c.Engine, c.Conversations, cfg.ConsolidationMinIdle, cfg.ConsolidationBatch,
				jobs.WorkerConfig{Workers: cfg.JobWorkers, RatePerSecond: cfg.JobRatePerSecond})
			return job.Run(ctx)
		}

		result, err := c.Engine.Consolidate(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	})
}
