// Package cli implements the memoryctl operator commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"tutormemory/internal/bootstrap"
	"tutormemory/internal/config"
	"tutormemory/internal/logging"
)

var verbose bool

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "memoryctl",
	Short:         "Operate the tutor memory engine",
	Long:          "Runs consolidation, decay, export, erasure and health checks against the memory backends configured in the environment.",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		_ = godotenv.Load()
		logging.Init()
		if !verbose {
			log.SetOutput(io.Discard)
		}
	},
}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show startup and job logs")
}

// openComponents builds the engine from the environment
var openComponents = func(ctx context.Context) (*bootstrap.Components, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return bootstrap.Build(ctx, cfg)
}

func withComponents(cmd *cobra.Command, fn func(ctx context.Context, c *bootstrap.Components) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := openComponents(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = c.Engine.Drain(context.Background())
		c.Close(context.Background())
	}()
	return fn(ctx, c)
}

func writeJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
