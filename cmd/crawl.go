package cmd

import (
	"context"
	"encoding/json"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Walks the listing and harvests every detail page",
		Long: `Resolves the last listing page, resumes from the checkpoint log and
harvests detail pages up to the boundary. The checkpoint log is compacted
into the dataset when the walk ends.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, appInstance App) error {
				sum, err := appInstance.Crawl(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, sum)
			})
		},
	}

	flags := cmd.Flags()
	flags.String("page-url", "", "listing URL prefix; the page number is appended")
	flags.Int("upper-bound", 0, "page number known to be past the last listing page")
	flags.Int("max-retries", 0, "fetch attempts per URL")
	flags.Duration("retry-delay", 0, "linear backoff step between fetch attempts")
	flags.Duration("pause-floor", 0, "minimum pause before each detail fetch")
	flags.String("boundary-strategy", "", "linear or bisect")
	bindFlag(v, cmd, "listing.page_url", "page-url")
	bindFlag(v, cmd, "listing.upper_bound", "upper-bound")
	bindFlag(v, cmd, "http.max_retries", "max-retries")
	bindFlag(v, cmd, "http.retry_delay", "retry-delay")
	bindFlag(v, cmd, "crawler.pause_floor", "pause-floor")
	bindFlag(v, cmd, "boundary.strategy", "boundary-strategy")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
