package cli

import (
	"context"

	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
	"tutormemory/internal/jobs"
)

func init() {
	cmd := &cobra.Command{
		Use:   "decay [user-id]",
		Short: "Recompute importance and archive forgotten memories",
		Long:  "Decays one user's memories, or with --all every user's.",
		Args: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: runDecay,
	}
	cmd.Flags().Bool("all", false, "Decay every user")

	RootCmd.AddCommand(cmd)
}

func runDecay(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")

	return withComponents(cmd, func(ctx context.Context, c *bootstrap.Components) error {
		if all {
			cfg := c.Config
			job := jobs.NewDecayJob(c.Engine, c.Store, cfg.DecayBatch,
				jobs.WorkerConfig{Workers: cfg.JobWorkers, RatePerSecond: cfg.JobRatePerSecond})
			return job.Run(ctx)
		}

		result, err := c.Engine.Decay(ctx, args[0])
		if err != nil {
			return err
		}
		return writeJSON(cmd.OutOrStdout(), result)
	})
}
