package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/JakeFAU/listing-harvester/internal/server"
	"github.com/JakeFAU/listing-harvester/internal/worker"
)

type retryOutput struct {
	Retry   worker.RetrySummary  `json:"retry"`
	Dataset server.CompactResult `json:"dataset"`
}

func newRetryMissedCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-missed",
		Short: "Re-fetches links recorded as missed",
		Long: `Reads the missed-links file, harvests each link again into the missed
checkpoint log and compacts that log into the missed dataset. Links that
fail again are reported but not re-recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, appInstance App) error {
				sum, res, err := appInstance.RetryMissed(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, retryOutput{Retry: sum, Dataset: res})
			})
		},
	}
	cmd.Flags().Duration("pause-floor", 0, "minimum pause before each fetch")
	bindFlag(v, cmd, "retry.pause_floor", "pause-floor")
	return cmd
}
