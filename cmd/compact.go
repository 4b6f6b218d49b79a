package cmd

import (
	"context"

	"github.com/spf13/cobra"
)

const compactCmdName = "compact"

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   compactCmdName,
		Short: "Rebuilds the dataset from the checkpoint log",
		Long: `compact replays the checkpoint log and rewrites the de-duplicated dataset.
It needs only the storage and output settings; listing.page_url and
extract.link_selector may be left unset.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, appInstance App) error {
				res, err := appInstance.Compact(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
}
